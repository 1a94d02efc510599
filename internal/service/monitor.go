// Package service drives the poll, reconcile and publish cycle.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/resident-x/go-pika2mqtt/internal/api"
	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/resident-x/go-pika2mqtt/internal/metrics"
	"github.com/resident-x/go-pika2mqtt/internal/parser"
	"github.com/resident-x/go-pika2mqtt/internal/pubsub"
	"github.com/resident-x/go-pika2mqtt/internal/recovery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Monitor polls the appliance, reconciles its devices and publishes the result.
type Monitor struct {
	config     *config.Config
	source     domain.FeedSource
	parser     domain.DataParser
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	recoverer  domain.Recoverer
	registry   *domain.DeviceRegistry
	telemetry  *pubsub.Telemetry
	metrics    *metrics.Metrics
	apiServer  *api.Server
	backoff    *backoff.ExponentialBackOff

	state     atomic.Int32
	cycles    atomic.Uint64
	unhealthy atomic.Int32
	last      atomic.Pointer[domain.Snapshot]

	// Replaceable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	cancel    context.CancelFunc
	done      chan struct{}
	logger    zerolog.Logger
	startTime time.Time
}

// NewMonitor creates a poll loop over source. monitoring and recoverer may be nil.
func NewMonitor(cfg *config.Config, source domain.FeedSource, feedParser domain.DataParser,
	publisher domain.MessagePublisher, monitoring domain.MonitoringService, recoverer domain.Recoverer) (*Monitor, error) {
	ignored, err := cfg.IgnoredTypes()
	if err != nil {
		return nil, err
	}

	// Ignored types are either never ingested or filtered on the way out.
	var registry *domain.DeviceRegistry
	if cfg.Publish.IgnorePolicy == config.IgnoreAtPublish {
		registry = domain.NewDeviceRegistry()
	} else {
		registry = domain.NewDeviceRegistry(ignored...)
	}

	telemetry, err := pubsub.NewTelemetry(cfg, publisher)
	if err != nil {
		return nil, err
	}

	if recoverer == nil {
		recoverer = recovery.NewNoop()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RefreshInterval()
	bo.MaxInterval = time.Duration(max(cfg.Pika.BackoffMaxSecs, cfg.Pika.RefreshSeconds)) * time.Second
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0.1
	bo.Reset()

	m := &Monitor{
		config:     cfg,
		source:     source,
		parser:     feedParser,
		publisher:  publisher,
		monitoring: monitoring,
		recoverer:  recoverer,
		registry:   registry,
		telemetry:  telemetry,
		backoff:    bo,
		now:        time.Now,
		sleep:      sleepContext,
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "monitor").Logger(),
		startTime:  time.Now(),
	}
	m.metrics = metrics.New(registry)

	// A fresh broker session needs every retained value again.
	if r, ok := publisher.(interface{ SetReconnectHandler(func()) }); ok {
		r.SetReconnectHandler(telemetry.Filter().Reset)
	}

	if cfg.API.Enabled {
		m.apiServer = api.NewServer(cfg, m, m.metrics.Handler())
	}

	return m, nil
}

// Registry returns the device registry.
func (m *Monitor) Registry() *domain.DeviceRegistry {
	return m.registry
}

// Metrics returns the metrics set of the poll loop.
func (m *Monitor) Metrics() *metrics.Metrics {
	return m.metrics
}

// APIServer returns the status API, nil when disabled.
func (m *Monitor) APIServer() *api.Server {
	return m.apiServer
}

// State returns the current poll loop phase.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
}

// Start starts the status API and runs the poll loop in the background.
func (m *Monitor) Start(ctx context.Context) error {
	m.startTime = time.Now()

	if m.apiServer != nil {
		if err := m.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		defer close(m.done)
		if err := m.Run(runCtx); err != nil {
			m.logger.Error().Err(err).Msg("Poll loop exited")
		}
	}()

	return nil
}

// Stop ends the poll loop, marks the feed disconnected and closes the collaborators.
func (m *Monitor) Stop(ctx context.Context) error {
	m.logger.Info().Msg("Stopping monitor")

	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.done:
		case <-ctx.Done():
			m.logger.Warn().Msg("Timed out waiting for the poll loop to exit")
		}
	}

	if m.apiServer != nil {
		if err := m.apiServer.Stop(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	m.telemetry.PublishCycle(ctx, &domain.Snapshot{At: m.now()})

	if m.config.MQTT.HomeAssistantAutoDiscovery.RemoveOnStop {
		if r, ok := m.publisher.(interface{ RemoveDiscovery(context.Context) error }); ok {
			if err := r.RemoveDiscovery(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Failed to remove discovery configuration")
			}
		}
	}

	if err := m.publisher.Close(); err != nil {
		m.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	if m.monitoring != nil {
		if err := m.monitoring.Close(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to close monitoring service")
		}
	}

	m.logger.Info().Msg("Monitor stopped")
	return nil
}

// Run polls until ctx is cancelled. Upstream failures never end the loop.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.setState(StateIdle)

	m.logger.Info().
		Str("upstream", m.source.Target()).
		Dur("refresh", m.config.RefreshInterval()).
		Str("policy", m.config.Publish.Policy).
		Msg("Poll loop started")

	if m.config.Recovery.OnStart {
		m.recover(ctx)
	}

	for {
		if ctx.Err() != nil {
			m.logger.Info().Uint64("cycles", m.cycles.Load()).Msg("Poll loop stopped")
			return nil
		}

		delay := m.cycle(ctx)

		m.setState(StateSleeping)
		if !m.sleep(ctx, delay) {
			m.logger.Info().Uint64("cycles", m.cycles.Load()).Msg("Poll loop stopped")
			return nil
		}
	}
}

// cycle runs one fetch to publish pass and returns the delay before the next one.
func (m *Monitor) cycle(ctx context.Context) time.Duration {
	m.cycles.Add(1)
	now := m.now()

	m.setState(StateFetching)
	started := time.Now()
	data, err := m.source.FetchDevices(ctx)
	m.metrics.ObserveFetch(time.Since(started))
	if err != nil {
		return m.failCycle(ctx, now, metrics.ResultFetch, err)
	}

	m.setState(StateNormalizing)
	result, err := m.parser.Parse(ctx, data)
	if err != nil {
		return m.failCycle(ctx, now, metrics.ResultParse, err)
	}

	observations := result.Observations
	grid := m.gridTie(ctx, observations)
	if grid != nil && m.config.Publish.GridAsDevice {
		observations = append(observations, parser.GridTieObservation(*grid, now))
	}

	m.setState(StateReconciling)
	report := m.registry.Upsert(observations)
	for _, skipErr := range report.Skipped {
		m.logger.Warn().Err(skipErr).Msg("Observation rejected")
	}
	m.metrics.ObserveSkipped(len(result.Skipped) + len(report.Skipped))
	if report.Added > 0 {
		m.logger.Info().
			Int("added", report.Added).
			Int("devices", m.registry.Len()).
			Msg("New devices discovered")
	}

	m.setState(StateAggregating)
	snapshot := m.snapshot(now, grid)
	m.logDevices(snapshot)

	m.setState(StatePublishing)
	m.publish(ctx, snapshot)

	if !snapshot.Connected {
		m.logger.Warn().
			Err(domain.ErrStaleFeed).
			Int("devices", len(snapshot.Devices)).
			Msg("No device is reporting")
		m.metrics.ObserveCycle(metrics.ResultUnhealthy)
		m.unhealthyCycle(ctx)
		return m.config.RefreshInterval()
	}

	m.metrics.ObserveCycle(metrics.ResultOK)
	m.unhealthy.Store(0)
	m.backoff.Reset()
	return m.config.RefreshInterval()
}

// failCycle handles a cycle without a usable device listing.
func (m *Monitor) failCycle(ctx context.Context, now time.Time, result string, err error) time.Duration {
	m.logger.Error().Err(err).Str("upstream", m.source.Target()).Msg("Failed to obtain devices")

	m.setState(StatePublishing)
	m.publish(ctx, &domain.Snapshot{At: now, Devices: m.registry.Devices()})
	m.metrics.ObserveCycle(result)
	m.unhealthyCycle(ctx)

	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop || delay > m.backoff.MaxInterval {
		delay = m.backoff.MaxInterval
	}
	m.logger.Debug().Dur("retry_in", delay).Msg("Backing off")
	return delay
}

func (m *Monitor) snapshot(now time.Time, grid *float64) *domain.Snapshot {
	output, energy := m.registry.SolarTotal()
	return &domain.Snapshot{
		At:          now,
		Connected:   m.registry.AnyReporting(),
		Devices:     m.registry.Devices(),
		SolarOutput: output,
		SolarEnergy: energy,
		GridPower:   grid,
	}
}

func (m *Monitor) publish(ctx context.Context, snapshot *domain.Snapshot) {
	report := m.telemetry.PublishCycle(ctx, snapshot)
	m.metrics.ObservePublications(report.Sent, report.Suppressed, report.Failed)
	m.metrics.SetSnapshot(snapshot)
	m.last.Store(snapshot)

	if snapshot.Connected && m.monitoring != nil {
		if err := m.monitoring.Send(ctx, snapshot); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to send data to monitoring service")
		}
	}
}

// gridTie reads the grid exchange through the inverter's module id. Failures only
// drop the reading.
func (m *Monitor) gridTie(ctx context.Context, observations []domain.Observation) *float64 {
	if !m.config.Pika.GridTie || m.config.Pika.URL != "" {
		return nil
	}

	moduleID, ok := inverterModuleID(observations)
	if !ok {
		return nil
	}

	data, err := m.source.FetchGridTie(ctx, moduleID)
	if err != nil {
		m.logger.Warn().Err(err).Int("module_id", moduleID).Msg("Failed to obtain grid tie information")
		return nil
	}

	power, err := m.parser.ParseGridTie(data)
	if err != nil {
		m.logger.Warn().Err(err).Int("module_id", moduleID).Msg("Invalid grid tie information")
		return nil
	}
	return &power
}

func inverterModuleID(observations []domain.Observation) (int, bool) {
	for _, obs := range observations {
		if obs.ModuleID != nil && domain.Classify(obs.Serial) == domain.DeviceTypeInverter {
			return *obs.ModuleID, true
		}
	}
	return 0, false
}

// unhealthyCycle counts a cycle without reporting devices and recovers at the threshold.
func (m *Monitor) unhealthyCycle(ctx context.Context) {
	n := int(m.unhealthy.Add(1))
	threshold := m.config.Recovery.ThresholdCycles
	if threshold <= 0 || n < threshold {
		return
	}
	m.recover(ctx)
	m.unhealthy.Store(0)
}

// recover asks the recoverer to restart the upstream service and lets it settle.
func (m *Monitor) recover(ctx context.Context) {
	m.setState(StateRecovering)
	target := m.source.Target()

	outcome, err := m.recoverer.Recover(ctx, target)
	m.metrics.ObserveRecovery(outcome)

	switch outcome {
	case domain.RecoverySkipped:
		if err != nil {
			m.logger.Warn().Err(err).Str("target", target).Msg("Recovery skipped")
		}
		return
	case domain.RecoveryFailed:
		m.logger.Error().Err(err).Str("target", target).Msg("Recovery failed")
	default:
		m.logger.Info().Str("target", target).Msg("Recovery attempted")
	}

	settle := time.Duration(m.config.Recovery.SettleSeconds) * time.Second
	m.sleep(ctx, settle)
}

// logDevices writes the per-cycle device table at debug level.
func (m *Monitor) logDevices(snapshot *domain.Snapshot) {
	if m.logger.GetLevel() > zerolog.DebugLevel || zerolog.GlobalLevel() > zerolog.DebugLevel {
		return
	}
	for i := range snapshot.Devices {
		d := &snapshot.Devices[i]
		m.logger.Debug().
			Bool("advanced", d.Advanced).
			Str("serial", d.Serial).
			Str("type", d.Type.String()).
			Str("name", d.Name).
			Float64("power", d.Power).
			Float64("charge", d.Charge).
			Str("state", d.StateDefinition().Description).
			Float64("energy_kwh", d.Energy).
			Time("last_update", d.LastUpdate).
			Msg("Device")
	}
	if snapshot.GridPower != nil {
		m.logger.Debug().Float64("power", *snapshot.GridPower).Msg("Grid Tie")
	}
}

// Status implements api.StatusProvider.
func (m *Monitor) Status() api.Status {
	status := api.Status{
		State:           m.State().String(),
		Upstream:        m.source.Target(),
		Cycles:          m.cycles.Load(),
		UnhealthyCycles: int(m.unhealthy.Load()),
		DeviceCount:     m.registry.Len(),
	}

	if b, ok := m.source.(interface{ BreakerState() gobreaker.State }); ok {
		status.Breaker = b.BreakerState().String()
	}

	if last := m.last.Load(); last != nil {
		status.Connected = last.Connected
		status.LastCycle = last.At
		status.SolarOutput = last.SolarOutput
		status.SolarEnergy = last.SolarEnergy
		status.GridPower = last.GridPower
	}

	if v, ok := m.parser.(interface{ GetValidationStatistics() map[string]interface{} }); ok {
		status.Validation = v.GetValidationStatistics()
	}

	return status
}

// Devices implements api.StatusProvider.
func (m *Monitor) Devices() []domain.Device {
	return m.registry.Devices()
}

// Device implements api.StatusProvider. Serials match case-insensitively.
func (m *Monitor) Device(serial string) (*domain.Device, bool) {
	if d, ok := m.registry.FindBySerial(serial); ok {
		return d, true
	}
	for _, d := range m.registry.Devices() {
		if strings.EqualFold(d.Serial, serial) {
			return &d, true
		}
	}
	return nil, false
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
