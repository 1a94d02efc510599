package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/resident-x/go-pika2mqtt/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestDevicesParseAsBusDump(t *testing.T) {
	server := httptest.NewServer(newRouter(NewSimulator(time.Second, false), nil))
	defer server.Close()

	status, body := get(t, server.URL+"/devices")
	require.Equal(t, http.StatusOK, status)

	feedParser, err := parser.NewParser(config.DefaultConfig())
	require.NoError(t, err)
	result, err := feedParser.Parse(context.Background(), body)
	require.NoError(t, err)

	assert.Equal(t, domain.ShapeBusDump, result.Shape)
	assert.Empty(t, result.Skipped)
	require.Len(t, result.Observations, 3)

	serials := make(map[string]domain.Observation)
	for _, obs := range result.Observations {
		serials[obs.Serial] = obs
	}
	battery := serials["CCCC0005DDDD"]
	assert.True(t, battery.HasCharge)
	assert.Equal(t, 45.5, battery.Charge)
	assert.Less(t, battery.Power, 0.0)
	assert.InDelta(t, 800, serials["AAAA0003BBBB"].Power, 80)
}

func TestInverterStatus(t *testing.T) {
	server := httptest.NewServer(newRouter(NewSimulator(time.Second, false), nil))
	defer server.Close()

	status, body := get(t, server.URL+"/device/1/model/inverter_status")
	require.Equal(t, http.StatusOK, status)

	feedParser, err := parser.NewParser(config.DefaultConfig())
	require.NoError(t, err)
	power, err := feedParser.ParseGridTie(body)
	require.NoError(t, err)
	assert.InDelta(t, -150, power, 15)

	status, _ = get(t, server.URL+"/device/3/model/inverter_status")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLastHeard(t *testing.T) {
	sim := NewSimulator(5*time.Second, false)
	sim.now = func() time.Time { return sim.start.Add(12 * time.Second) }
	assert.Equal(t, 2, sim.lastHeard())

	sim.frozen = true
	assert.Equal(t, 12, sim.lastHeard())
}

func TestProxyForwardsRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "upstream "+r.URL.Path)
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	server := httptest.NewServer(newRouter(nil, target))
	defer server.Close()

	status, body := get(t, server.URL+"/device/7/model/inverter_status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "upstream /device/7/model/inverter_status", string(body))
}
