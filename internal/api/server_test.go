package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/api"
	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/resident-x/go-pika2mqtt/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func battery() domain.Device {
	return domain.Device{
		Serial:      "CCCC0005DDDD",
		Type:        domain.DeviceTypeBattery,
		Name:        "PWRcell Battery",
		State:       0x2010,
		ModuleID:    4,
		HasModuleID: true,
		Power:       -200,
		Input:       200,
		Charge:      45.5,
		LastUpdate:  time.Now().Add(-90 * time.Second),
	}
}

func solar() domain.Device {
	return domain.Device{
		Serial: "AAAA0003BBBB",
		Type:   domain.DeviceTypeSolar,
		Name:   "PV Link",
		Power:  800,
		Output: 800,
	}
}

func serve(t *testing.T, server *api.Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleStatus(t *testing.T) {
	provider := mocks.NewMockStatusProvider(t)
	provider.On("Status").Return(api.Status{
		State:       "sleeping",
		Connected:   true,
		Upstream:    "pika.local",
		Cycles:      12,
		DeviceCount: 2,
		SolarOutput: 800,
		Validation:  map[string]interface{}{"errors_found": 1},
	})

	server := api.NewServer(&config.Config{}, provider, nil)
	server.SetVersion("1.2.3")

	rec := serve(t, server, "GET", "/api/v1/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, body["uptime"])

	monitor := body["monitor"].(map[string]interface{})
	assert.Equal(t, "sleeping", monitor["state"])
	assert.Equal(t, true, monitor["connected"])
	assert.Equal(t, float64(12), monitor["cycles"]) // JSON unmarshals numbers as float64
	assert.Equal(t, float64(2), monitor["deviceCount"])
	assert.NotContains(t, monitor, "gridPower")
	assert.Equal(t, float64(1), monitor["validation"].(map[string]interface{})["errors_found"])
}

func TestHandleListDevices(t *testing.T) {
	provider := mocks.NewMockStatusProvider(t)
	provider.On("Devices").Return([]domain.Device{solar(), battery()})

	rec := serve(t, api.NewServer(&config.Config{}, provider, nil), "GET", "/api/v1/devices")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])

	devices := body["devices"].([]interface{})
	first := devices[0].(map[string]interface{})
	assert.Equal(t, "AAAA0003BBBB", first["serial"])
	assert.Equal(t, "Solar", first["type"])
	assert.Equal(t, "solar_aaaa0003bbbb", first["topic"])
	assert.NotContains(t, first, "charge")
	assert.NotContains(t, first, "moduleId")
	assert.Equal(t, float64(0), first["ageSeconds"])

	second := devices[1].(map[string]interface{})
	assert.Equal(t, 45.5, second["charge"])
	assert.Equal(t, float64(4), second["moduleId"])
	assert.Equal(t, true, second["reporting"])
}

func TestHandleListDevicesEmpty(t *testing.T) {
	provider := mocks.NewMockStatusProvider(t)
	provider.On("Devices").Return([]domain.Device{})

	rec := serve(t, api.NewServer(&config.Config{}, provider, nil), "GET", "/api/v1/devices")

	body := decode(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Empty(t, body["devices"])
}

func TestHandleGetDevice(t *testing.T) {
	device := battery()
	provider := mocks.NewMockStatusProvider(t)
	provider.On("Device", "CCCC0005DDDD").Return(&device, true)

	rec := serve(t, api.NewServer(&config.Config{}, provider, nil), "GET", "/api/v1/devices/CCCC0005DDDD")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "battery_cccc0005dddd", body["topic"])
	assert.Equal(t, float64(200), body["input"])
	assert.InDelta(t, 90, body["ageSeconds"], 5)
}

func TestHandleGetDeviceNotFound(t *testing.T) {
	provider := mocks.NewMockStatusProvider(t)
	provider.On("Device", "FFFF0003FFFF").Return(nil, false)

	rec := serve(t, api.NewServer(&config.Config{}, provider, nil), "GET", "/api/v1/devices/FFFF0003FFFF")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Device not found", decode(t, rec)["error"])
}

func TestMethodNotAllowed(t *testing.T) {
	server := api.NewServer(&config.Config{}, mocks.NewMockStatusProvider(t), nil)

	for _, path := range []string{"/api/v1/status", "/api/v1/devices", "/api/v1/devices/AAAA0003BBBB"} {
		rec := serve(t, server, "POST", path)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
		assert.Equal(t, "Method not allowed", decode(t, rec)["error"], path)
	}

	rec := serve(t, server, "GET", "/api/v1/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "pika_cycles_total 1")
	})

	server := api.NewServer(&config.Config{}, mocks.NewMockStatusProvider(t), metrics)
	rec := serve(t, server, "GET", "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pika_cycles_total 1")

	withoutMetrics := api.NewServer(&config.Config{}, mocks.NewMockStatusProvider(t), nil)
	assert.Equal(t, http.StatusNotFound, serve(t, withoutMetrics, "GET", "/metrics").Code)
}

func TestStartAndStop(t *testing.T) {
	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0

	provider := mocks.NewMockStatusProvider(t)
	provider.On("Devices").Return([]domain.Device{solar()})

	server := api.NewServer(cfg, provider, nil)
	require.NoError(t, server.Start(context.Background()))
	require.NotEmpty(t, server.Addr())

	resp, err := http.Get("http://" + server.Addr() + "/api/v1/devices")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "AAAA0003BBBB")

	assert.NoError(t, server.Stop(context.Background()))
}

func TestStartError(t *testing.T) {
	cfg := &config.Config{}
	cfg.API.Host = "256.0.0.1"
	cfg.API.Port = 1

	err := api.NewServer(cfg, mocks.NewMockStatusProvider(t), nil).Start(context.Background())
	assert.Error(t, err)
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, api.NewServer(&config.Config{}, mocks.NewMockStatusProvider(t), nil).Stop(context.Background()))
}
