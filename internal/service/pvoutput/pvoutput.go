// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Snapshot) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	endpoint   string
	now        func() time.Time
	logger     zerolog.Logger

	mutex      sync.Mutex
	lastUpdate time.Time
	day        string
	baseline   float64 // solar energy in kWh at the start of the current day
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	endpoint := cfg.PVOutput.URL
	if endpoint == "" {
		endpoint = "https://pvoutput.org/service/r2/addstatus.jsp"
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   endpoint,
		now:        time.Now,
		logger:     log.With().Str("component", "pvoutput").Logger(),
	}
}

// Connect establishes a connection to the service.
// For PVOutput, this is a no-op as each request is independent.
func (c *Client) Connect() error {
	return nil
}

// Send uploads the solar generation of a cycle snapshot, and the net grid power when
// a reading was taken.
func (c *Client) Send(ctx context.Context, snapshot *domain.Snapshot) error {
	if !c.config.PVOutput.Enabled {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return errors.New("PVOutput API key and/or System ID not configured")
	}

	now := c.now()
	energyToday := c.energyToday(now, snapshot.SolarEnergy)

	if !c.canUpdate(now) {
		return nil // Skip update due to rate limiting
	}

	if err := c.sendGeneration(ctx, now, energyToday, snapshot.SolarOutput); err != nil {
		return err
	}

	if snapshot.GridPower != nil {
		if err := c.sendNetPower(ctx, now, *snapshot.GridPower); err != nil {
			return err
		}
	}

	c.updateTimestamp(now)
	c.logger.Debug().
		Float64("energy_today_kwh", energyToday).
		Float64("power_w", snapshot.SolarOutput).
		Msg("Uploaded status to PVOutput")
	return nil
}

// sendGeneration posts generation energy (v1) and power (v2).
func (c *Client) sendGeneration(ctx context.Context, now time.Time, energyKWh, powerW float64) error {
	params := c.baseParams(now)
	params.Set("v1", strconv.FormatFloat(energyKWh*1000, 'f', 0, 64))
	params.Set("v2", strconv.FormatFloat(powerW, 'f', 0, 64))

	if err := c.makeRequest(ctx, params); err != nil {
		return fmt.Errorf("generation POST failed: %w", err)
	}
	return nil
}

// sendNetPower posts the net grid exchange (v4) with the net flag set. Positive values
// are imports, negative values exports.
func (c *Client) sendNetPower(ctx context.Context, now time.Time, gridW float64) error {
	params := c.baseParams(now)
	params.Set("v4", strconv.FormatFloat(gridW, 'f', 0, 64))
	params.Set("n", "1")

	if err := c.makeRequest(ctx, params); err != nil {
		return fmt.Errorf("net power POST failed: %w", err)
	}
	return nil
}

func (c *Client) baseParams(now time.Time) url.Values {
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))
	return params
}

// makeRequest makes an HTTP POST request to the PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("PVOutput returned status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

// energyToday returns the solar energy accumulated since local midnight. The first
// snapshot of a day becomes the baseline.
func (c *Client) energyToday(now time.Time, total float64) float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	day := now.Format("20060102")
	if day != c.day || total < c.baseline {
		c.day = day
		c.baseline = total
	}
	return total - c.baseline
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(now time.Time) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.lastUpdate.IsZero() {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return now.Sub(c.lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdate = now
}
