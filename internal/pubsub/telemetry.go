package pubsub

import (
	"context"
	"math"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fixed aggregate topics.
const (
	TopicConnected  = "connected"
	TopicSolarTotal = "solar_total"
	TopicGrid       = "grid"
)

// DiscoveryPublisher is implemented by publishers that announce sensors to Home Assistant.
type DiscoveryPublisher interface {
	PublishDiscovery(ctx context.Context, devices []domain.Device) error
}

// CycleReport counts what one PublishCycle call did.
type CycleReport struct {
	Sent       int
	Suppressed int
	Failed     int
}

// Telemetry maps cycle snapshots onto the topic tree.
type Telemetry struct {
	filter        *ChangeFilter
	discovery     DiscoveryPublisher
	live          bool
	filterTypes   bool
	ignoreSerials map[string]bool
	ignoreTypes   map[domain.DeviceType]bool
	gridSeen      bool
	logger        zerolog.Logger
}

// NewTelemetry creates the telemetry mapper for cfg on top of publisher.
func NewTelemetry(cfg *config.Config, publisher domain.MessagePublisher) (*Telemetry, error) {
	ignored, err := cfg.IgnoredTypes()
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		filter:        NewChangeFilter(publisher, cfg.TopicPrefix()),
		live:          cfg.Publish.Policy == config.PolicyLive,
		filterTypes:   cfg.Publish.IgnorePolicy == config.IgnoreAtPublish,
		ignoreSerials: make(map[string]bool, len(cfg.Publish.IgnoreSerials)),
		ignoreTypes:   make(map[domain.DeviceType]bool, len(ignored)),
		logger:        log.With().Str("component", "telemetry").Logger(),
	}
	for _, serial := range cfg.Publish.IgnoreSerials {
		t.ignoreSerials[serial] = true
	}
	for _, dt := range ignored {
		t.ignoreTypes[dt] = true
	}
	if d, ok := publisher.(DiscoveryPublisher); ok && cfg.MQTT.HomeAssistantAutoDiscovery.Enabled {
		t.discovery = d
	}

	return t, nil
}

// Filter returns the change filter in front of the publisher.
func (t *Telemetry) Filter() *ChangeFilter {
	return t.filter
}

// PublishCycle publishes the heartbeat, per-device fields and aggregates for one cycle.
// Failures are counted and logged; they never abort the cycle.
func (t *Telemetry) PublishCycle(ctx context.Context, snapshot *domain.Snapshot) CycleReport {
	var report CycleReport

	connected := 0
	if snapshot.Connected {
		connected = 1
	}
	t.publish(ctx, &report, TopicConnected, "state", connected, true)

	if !snapshot.Connected {
		return report
	}

	devices := t.publishable(snapshot.Devices)

	if t.discovery != nil {
		if err := t.discovery.PublishDiscovery(ctx, devices); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to publish Home Assistant discovery")
		}
	}

	for _, device := range devices {
		// Under on_change a device only publishes when its sample advanced.
		if !t.live && !device.Advanced {
			continue
		}
		if !device.Reporting() {
			continue
		}

		topic := device.Topic()
		for _, field := range device.Type.Fields() {
			always := t.live && isLiveField(field)
			t.publish(ctx, &report, topic, field, fieldValue(device, field), always)
		}
	}

	t.publish(ctx, &report, TopicSolarTotal, "output", snapshot.SolarOutput, t.live)
	t.publish(ctx, &report, TopicSolarTotal, "energy", roundEnergy(snapshot.SolarEnergy), t.live)

	switch {
	case snapshot.GridPower != nil:
		power := *snapshot.GridPower
		output, input := domain.SplitPower(power)
		t.publish(ctx, &report, TopicGrid, "export", input, t.live)
		t.publish(ctx, &report, TopicGrid, "import", output, t.live)
		t.publish(ctx, &report, TopicGrid, "power", power, t.live)
		t.gridSeen = true
	case t.gridSeen:
		// The reading went away; zero the grid topics once.
		t.publish(ctx, &report, TopicGrid, "export", 0.0, true)
		t.publish(ctx, &report, TopicGrid, "import", 0.0, true)
		t.publish(ctx, &report, TopicGrid, "power", 0.0, true)
		t.gridSeen = false
	}

	t.logger.Debug().
		Int("sent", report.Sent).
		Int("suppressed", report.Suppressed).
		Int("failed", report.Failed).
		Msg("Cycle published")

	return report
}

// publishable drops the grid pseudo-device, ignored serials and, under the publish
// ignore policy, ignored types.
func (t *Telemetry) publishable(devices []domain.Device) []domain.Device {
	out := make([]domain.Device, 0, len(devices))
	for _, device := range devices {
		switch {
		case device.Type == domain.DeviceTypeGridTie:
		case t.ignoreSerials[device.Serial]:
		case t.filterTypes && t.ignoreTypes[device.Type]:
		default:
			out = append(out, device)
		}
	}
	return out
}

func (t *Telemetry) publish(ctx context.Context, report *CycleReport, topic, field string, value interface{}, always bool) {
	sent, err := t.filter.Publish(ctx, topic, field, value, always)
	switch {
	case err != nil:
		report.Failed++
		t.logger.Warn().Err(err).Str("topic", topic).Str("field", field).Msg("Publish failed")
	case sent:
		report.Sent++
	default:
		report.Suppressed++
	}
}

func isLiveField(field string) bool {
	switch field {
	case "output", "input", "energy":
		return true
	default:
		return false
	}
}

func fieldValue(device domain.Device, field string) interface{} {
	switch field {
	case "state":
		return device.State
	case "output":
		return device.Output
	case "input":
		return device.Input
	case "energy":
		return roundEnergy(device.Energy)
	case "charge":
		return int(math.Round(device.Charge * 10))
	default:
		return nil
	}
}

func roundEnergy(kwh float64) float64 {
	return math.Round(kwh*1000) / 1000
}
