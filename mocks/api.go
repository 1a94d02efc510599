package mocks

import (
	"github.com/resident-x/go-pika2mqtt/internal/api"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockStatusProvider is a mock of api.StatusProvider.
type MockStatusProvider struct {
	mock.Mock
}

// NewMockStatusProvider creates a MockStatusProvider whose expectations are asserted at test cleanup.
func NewMockStatusProvider(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStatusProvider {
	m := &MockStatusProvider{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockStatusProvider) Status() api.Status {
	return m.Called().Get(0).(api.Status)
}

func (m *MockStatusProvider) Devices() []domain.Device {
	return m.Called().Get(0).([]domain.Device)
}

func (m *MockStatusProvider) Device(serial string) (*domain.Device, bool) {
	args := m.Called(serial)
	device, _ := args.Get(0).(*domain.Device)
	return device, args.Bool(1)
}
