// Package metrics exposes poll loop and device telemetry in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
)

const namespace = "pika"

// Cycle results.
const (
	ResultOK        = "ok"
	ResultFetch     = "fetch_error"
	ResultParse     = "parse_error"
	ResultUnhealthy = "unhealthy"
)

// DeviceSource supplies the devices reported by the collector.
type DeviceSource interface {
	Devices() []domain.Device
}

// Metrics owns a private Prometheus registry with the poll loop counters and the
// per-device collector.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	publications  *prometheus.CounterVec
	recoveries    *prometheus.CounterVec
	skipped       prometheus.Counter
	fetchDuration prometheus.Histogram
	connected     prometheus.Gauge
	gridPower     prometheus.Gauge
}

// New creates the metrics set. devices may be nil when no device gauges are wanted.
func New(devices DeviceSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by result",
		}, []string{"result"}),
		publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Telemetry publications by result",
		}, []string{"result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Upstream recovery attempts by outcome",
		}, []string{"outcome"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_entries_total",
			Help:      "Feed entries that could not be turned into observations",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream device listing requests",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the last cycle had at least one reporting device (1=yes, 0=no)",
		}),
		gridPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grid_power_watts",
			Help:      "Signed grid exchange in watts (positive=import, negative=export)",
		}),
	}

	m.registry.MustRegister(m.cycles, m.publications, m.recoveries, m.skipped, m.fetchDuration, m.connected, m.gridPower)
	if devices != nil {
		m.registry.MustRegister(NewCollector(devices))
	}

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle counts one poll cycle.
func (m *Metrics) ObserveCycle(result string) {
	m.cycles.WithLabelValues(result).Inc()
}

// ObserveFetch records the duration of a device listing request.
func (m *Metrics) ObserveFetch(d time.Duration) {
	m.fetchDuration.Observe(d.Seconds())
}

// ObservePublications adds the outcome counts of one publish pass.
func (m *Metrics) ObservePublications(sent, suppressed, failed int) {
	m.publications.WithLabelValues("sent").Add(float64(sent))
	m.publications.WithLabelValues("suppressed").Add(float64(suppressed))
	m.publications.WithLabelValues("failed").Add(float64(failed))
}

// ObserveSkipped adds feed entries dropped by the parser or registry.
func (m *Metrics) ObserveSkipped(n int) {
	m.skipped.Add(float64(n))
}

// ObserveRecovery counts one recovery attempt.
func (m *Metrics) ObserveRecovery(outcome domain.RecoveryOutcome) {
	m.recoveries.WithLabelValues(outcome.String()).Inc()
}

// SetSnapshot updates the gauges derived from a cycle snapshot.
func (m *Metrics) SetSnapshot(snapshot *domain.Snapshot) {
	if snapshot.Connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
	if snapshot.GridPower != nil {
		m.gridPower.Set(*snapshot.GridPower)
	} else {
		m.gridPower.Set(0)
	}
}
