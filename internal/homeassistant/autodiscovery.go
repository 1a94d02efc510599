// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/pika_sensors.yaml
var pikaSensorsYAML []byte

const (
	// catalogMapping renders state codes through the status catalog.
	catalogMapping = "catalog"

	defaultValueTemplate = "{{ value }}"
	payloadAvailable     = "1"
	payloadNotAvailable  = "0"
	softwareVersion      = "go-pika2mqtt"
	systemNodeID         = "pika_system"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceManufacturer string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
	StatusMapping     string `yaml:"status_mapping,omitempty"`
	ValueTemplate     string `yaml:"value_template,omitempty"`
}

// AggregateConfig describes one of the fixed aggregate topics.
type AggregateConfig struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                     `yaml:"version"`
	Description string                     `yaml:"description"`
	Sensors     map[string]SensorConfig    `yaml:"sensors"`
	Aggregates  map[string]AggregateConfig `yaml:"aggregates"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery builds discovery messages for the telemetry topic tree.
type AutoDiscovery struct {
	config        Config
	layoutConfig  *LayoutConfig
	baseTopic     string
	stateTemplate string
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the telemetry
// topic prefix and must end in "/".
func New(config Config, baseTopic string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:        config,
		baseTopic:     baseTopic,
		stateTemplate: catalogTemplate(),
	}

	// Load the layout configuration
	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the Home Assistant sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(pikaSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Info().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// DeviceMessages generates the discovery messages for every field published for a device.
func (ad *AutoDiscovery) DeviceMessages(device domain.Device) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	nodeID := deviceNodeID(device)
	info := DeviceInfo{
		Identifiers:  []string{nodeID},
		Name:         fmt.Sprintf("%s %s", device.Type, device.Serial),
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        device.Name,
		SwVersion:    softwareVersion,
	}

	for _, field := range device.Type.Fields() {
		sensorConfig, exists := ad.layoutConfig.Sensors[field]
		if !exists {
			continue
		}
		topic := ad.getDiscoveryTopic(nodeID, field)
		messages[topic] = ad.createDiscoveryMessage(nodeID, device.Topic(), field, sensorConfig, info)
	}

	return messages
}

// AggregateMessages generates the discovery messages for the fixed aggregate topics.
func (ad *AutoDiscovery) AggregateMessages() map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	info := DeviceInfo{
		Identifiers:  []string{systemNodeID},
		Name:         "PWRcell System",
		Manufacturer: ad.config.DeviceManufacturer,
		SwVersion:    softwareVersion,
	}

	for topic, aggregate := range ad.layoutConfig.Aggregates {
		nodeID := "pika_" + topic
		for _, field := range aggregate.Fields {
			sensorConfig, exists := ad.layoutConfig.Sensors[field]
			if !exists {
				continue
			}
			sensorConfig.Name = fmt.Sprintf("%s %s", aggregate.Name, sensorConfig.Name)
			messages[ad.getDiscoveryTopic(nodeID, field)] = ad.createDiscoveryMessage(nodeID, topic, field, sensorConfig, info)
		}
	}

	return messages
}

func (ad *AutoDiscovery) createDiscoveryMessage(nodeID, stateTopic, field string, sensorConfig SensorConfig, info DeviceInfo) DiscoveryMessage {
	// Determine entity category based on sensor category
	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:                sensorConfig.Name,
		UniqueID:            fmt.Sprintf("%s_%s", nodeID, field),
		StateTopic:          fmt.Sprintf("%s%s/%s", ad.baseTopic, stateTopic, field),
		ValueTemplate:       ad.getValueTemplate(sensorConfig),
		DeviceClass:         sensorConfig.DeviceClass,
		UnitOfMeasurement:   sensorConfig.UnitOfMeasurement,
		StateClass:          sensorConfig.StateClass,
		Icon:                sensorConfig.Icon,
		EntityCategory:      entityCategory,
		Device:              info,
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    payloadAvailable,
		PayloadNotAvailable: payloadNotAvailable,
	}
}

func (ad *AutoDiscovery) getValueTemplate(sensorConfig SensorConfig) string {
	switch {
	case sensorConfig.StatusMapping == catalogMapping:
		return ad.stateTemplate
	case sensorConfig.ValueTemplate != "":
		return sensorConfig.ValueTemplate
	default:
		return defaultValueTemplate
	}
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor.
// Format: <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(nodeID, field string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, field)
}

// GetAvailabilityTopic returns the topic whose 1/0 payload marks every sensor (un)available.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "connected/state"
}

// GetBirthTopic returns the topic Home Assistant announces itself on.
func (ad *AutoDiscovery) GetBirthTopic() string {
	return ad.config.DiscoveryPrefix + "/status"
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove a device's sensors.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(device domain.Device) map[string]string {
	messages := make(map[string]string)

	nodeID := deviceNodeID(device)
	for _, field := range device.Type.Fields() {
		messages[ad.getDiscoveryTopic(nodeID, field)] = "" // Empty payload removes the entity
	}

	return messages
}

func deviceNodeID(device domain.Device) string {
	return "pika_" + strings.ToLower(device.Serial)
}

// catalogTemplate renders a Jinja lookup of the status catalog, keyed by raw state code.
func catalogTemplate() string {
	catalog := domain.StatusCatalog()
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Code < catalog[j].Code })

	entries := make([]string, 0, len(catalog))
	for _, def := range catalog {
		entries = append(entries, fmt.Sprintf("%d: '%s'", def.Code, strings.ReplaceAll(def.Description, "'", "")))
	}

	return fmt.Sprintf("{%% set states = {%s} %%}{{ states[value | int] | default('Undefined') }}", strings.Join(entries, ", "))
}
