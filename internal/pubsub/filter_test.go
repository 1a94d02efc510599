package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/resident-x/go-pika2mqtt/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewChangeFilterNormalizesPrefix(t *testing.T) {
	assert.Equal(t, "pika/", NewChangeFilter(NewNoopPublisher(), "pika").Prefix())
	assert.Equal(t, "pika/", NewChangeFilter(NewNoopPublisher(), "pika/").Prefix())
}

func TestChangeFilterSuppressesRepeats(t *testing.T) {
	publisher := mocks.NewMockMessagePublisher(t)
	publisher.On("Publish", mock.Anything, "pika/solar_aaaa0003bbbb/output", "500").Return(nil).Once()
	publisher.On("Publish", mock.Anything, "pika/solar_aaaa0003bbbb/output", "510").Return(nil).Once()

	filter := NewChangeFilter(publisher, "pika/")
	ctx := context.Background()

	sent, err := filter.Publish(ctx, "solar_aaaa0003bbbb", "output", 500.0, false)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = filter.Publish(ctx, "solar_aaaa0003bbbb", "output", 500.0, false)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = filter.Publish(ctx, "solar_aaaa0003bbbb", "output", 510.0, false)
	require.NoError(t, err)
	assert.True(t, sent)

	last, ok := filter.Last("solar_aaaa0003bbbb", "output")
	assert.True(t, ok)
	assert.Equal(t, "510", last)
}

func TestChangeFilterAlwaysBypassesCache(t *testing.T) {
	publisher := mocks.NewMockMessagePublisher(t)
	publisher.On("Publish", mock.Anything, "pika/connected/state", "1").Return(nil).Twice()

	filter := NewChangeFilter(publisher, "pika/")
	for i := 0; i < 2; i++ {
		sent, err := filter.Publish(context.Background(), "connected", "state", 1, true)
		require.NoError(t, err)
		assert.True(t, sent)
	}
}

func TestChangeFilterFailureDoesNotAdvanceCache(t *testing.T) {
	publisher := mocks.NewMockMessagePublisher(t)
	publisher.On("Publish", mock.Anything, "pika/grid/power", "-150").Return(errors.New("broker down")).Once()
	publisher.On("Publish", mock.Anything, "pika/grid/power", "-150").Return(nil).Once()

	filter := NewChangeFilter(publisher, "pika/")

	_, err := filter.Publish(context.Background(), "grid", "power", -150.0, false)
	assert.ErrorIs(t, err, domain.ErrPublish)
	_, ok := filter.Last("grid", "power")
	assert.False(t, ok)

	sent, err := filter.Publish(context.Background(), "grid", "power", -150.0, false)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestChangeFilterReset(t *testing.T) {
	publisher := mocks.NewMockMessagePublisher(t)
	publisher.On("Publish", mock.Anything, "pika/solar_total/output", "0").Return(nil).Twice()

	filter := NewChangeFilter(publisher, "pika/")

	_, err := filter.Publish(context.Background(), "solar_total", "output", 0.0, false)
	require.NoError(t, err)
	filter.Reset()

	sent, err := filter.Publish(context.Background(), "solar_total", "output", 0.0, false)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		value    interface{}
		expected string
	}{
		{"Making power", "Making power"},
		{[]byte("raw"), "raw"},
		{true, "1"},
		{false, "0"},
		{455, "455"},
		{int64(-3), "-3"},
		{uint32(8208), "8208"},
		{800.0, "800"},
		{0.125, "0.125"},
		{-200.5, "-200.5"},
		{float32(1.5), "1.5"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatValue(tt.value))
	}
}
