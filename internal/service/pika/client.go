// Package pika provides the HTTP client for the PWRcell appliance feed.
package pika

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	devicesPath = "/devices"
	gridTiePath = "/device/%d/model/inverter_status"

	// maxBodySize bounds a single upstream response.
	maxBodySize = 4 << 20

	// remoteTimeout applies to public profile URLs, which are not on the local network.
	remoteTimeout = 10 * time.Second
)

// Client implements domain.FeedSource over HTTP.
type Client struct {
	baseURL     string
	public      bool
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	gridBreaker *gobreaker.CircuitBreaker
	logger      zerolog.Logger
}

// NewClient creates a client for the appliance configured in cfg.
func NewClient(cfg *config.Config) *Client {
	public := cfg.Pika.URL != ""

	timeout := cfg.FetchTimeout()
	if public && timeout < remoteTimeout {
		timeout = remoteTimeout
	}

	c := &Client{
		baseURL:    cfg.BaseURL(),
		public:     public,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With().Str("component", "pika-client").Logger(),
	}
	c.breaker = newBreaker("pika-feed", cfg.Pika.Breaker.Failures, cfg.Pika.Breaker.OpenSeconds, c.logger)
	// Grid tie failures must not open the breaker of the device listing.
	c.gridBreaker = newBreaker("pika-grid-tie", cfg.Pika.Breaker.Failures, cfg.Pika.Breaker.OpenSeconds, c.logger)
	return c
}

func newBreaker(name string, fails, openSeconds int, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	if fails <= 0 {
		fails = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: time.Duration(openSeconds) * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// Target implements domain.FeedSource.Target.
func (c *Client) Target() string {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Hostname() == "" {
		return c.baseURL
	}
	return u.Hostname()
}

// Public reports whether the client polls a public profile URL instead of a local appliance.
func (c *Client) Public() bool {
	return c.public
}

// BreakerState returns the state of the circuit breaker guarding the device listing.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// FetchDevices implements domain.FeedSource.FetchDevices.
func (c *Client) FetchDevices(ctx context.Context) ([]byte, error) {
	target := c.baseURL + devicesPath
	if c.public {
		target = c.baseURL
	}
	return c.fetch(ctx, c.breaker, target)
}

// FetchGridTie implements domain.FeedSource.FetchGridTie.
func (c *Client) FetchGridTie(ctx context.Context, moduleID int) ([]byte, error) {
	if c.public {
		return nil, fmt.Errorf("%w: grid tie is not served by public profiles", domain.ErrTransport)
	}
	return c.fetch(ctx, c.gridBreaker, c.baseURL+fmt.Sprintf(gridTiePath, moduleID))
}

func (c *Client) fetch(ctx context.Context, breaker *gobreaker.CircuitBreaker, target string) ([]byte, error) {
	res, err := breaker.Execute(func() (interface{}, error) {
		return c.getJSON(ctx, target)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return res.([]byte), nil
}

func (c *Client) getJSON(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s failed: %w", target, err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s returned status code %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", target, err)
	}

	c.logger.Debug().
		Str("url", target).
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("Fetched upstream payload")

	return body, nil
}
