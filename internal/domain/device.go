package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// StaleThreshold is the number of non-advancing cycles after which a device is
	// no longer considered to be reporting.
	StaleThreshold = 3

	// GridTieSerial is the sentinel serial of the synthetic grid exchange device.
	GridTieSerial = "GRIDTIE"
)

// DeviceType classifies a bus device.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeWind
	DeviceTypeInverter
	DeviceTypeSolar
	DeviceTypeWeatherStation
	DeviceTypeBattery
	DeviceTypeLoad
	DeviceTypeBeacon
	DeviceTypeGridTie
)

var deviceTypeNames = [...]string{
	DeviceTypeUnknown:        "Unknown",
	DeviceTypeWind:           "Wind",
	DeviceTypeInverter:       "Inverter",
	DeviceTypeSolar:          "Solar",
	DeviceTypeWeatherStation: "Weatherstation",
	DeviceTypeBattery:        "Battery",
	DeviceTypeLoad:           "Load",
	DeviceTypeBeacon:         "Beacon",
	DeviceTypeGridTie:        "Gridtie",
}

// typeCodes maps the 4 digit code embedded at serial[4:8] to a device type.
var typeCodes = map[string]DeviceType{
	"0001": DeviceTypeWind,
	"0002": DeviceTypeInverter,
	"0007": DeviceTypeInverter,
	"0003": DeviceTypeSolar,
	"0004": DeviceTypeWeatherStation,
	"0005": DeviceTypeBattery,
	"0008": DeviceTypeBattery,
	"0006": DeviceTypeLoad,
	"0012": DeviceTypeBeacon,
}

// String returns the display name of the device type.
func (t DeviceType) String() string {
	if t < 0 || int(t) >= len(deviceTypeNames) {
		return deviceTypeNames[DeviceTypeUnknown]
	}
	return deviceTypeNames[t]
}

// HasPower reports whether devices of this type carry power readings.
func (t DeviceType) HasPower() bool {
	switch t {
	case DeviceTypeUnknown, DeviceTypeBeacon, DeviceTypeWeatherStation:
		return false
	default:
		return true
	}
}

// Fields returns the telemetry fields published for devices of this type.
func (t DeviceType) Fields() []string {
	switch {
	case t == DeviceTypeBattery:
		return []string{"state", "output", "input", "energy", "charge"}
	case t.HasPower():
		return []string{"state", "output", "input", "energy"}
	default:
		return []string{"state"}
	}
}

// ParseDeviceType resolves a type name case-insensitively.
func ParseDeviceType(name string) (DeviceType, error) {
	for i, n := range deviceTypeNames {
		if strings.EqualFold(n, name) {
			return DeviceType(i), nil
		}
	}
	return DeviceTypeUnknown, fmt.Errorf("unknown device type %q", name)
}

// Classify derives the device type from the code embedded in a serial number.
func Classify(serial string) DeviceType {
	if serial == GridTieSerial {
		return DeviceTypeGridTie
	}
	if len(serial) < 8 {
		return DeviceTypeUnknown
	}
	if t, ok := typeCodes[serial[4:8]]; ok {
		return t
	}
	return DeviceTypeUnknown
}

// SplitPower splits signed power into non-negative output and input.
func SplitPower(power float64) (output, input float64) {
	if power > 0 {
		return power, 0
	}
	return 0, math.Abs(power)
}

// EnergyKWh converts a power held for the given seconds into kilowatt hours.
func EnergyKWh(watts, seconds float64) float64 {
	return watts * seconds / 3600 / 1000
}

// Observation is one normalized upstream record for a single device.
type Observation struct {
	Serial    string
	Name      string
	Shape     FeedShape
	ModuleID  *int
	Status    uint32
	Power     float64
	Charge    float64 // percent
	HasCharge bool
	Updated   time.Time
}

// Validate checks that the observation carries the fields needed to apply it.
func (o Observation) Validate() error {
	if o.Serial == "" {
		return fmt.Errorf("%w: missing serial", ErrMalformedEntry)
	}
	if o.Shape == ShapeBusDump && o.ModuleID == nil {
		return fmt.Errorf("%w: %s has no module id", ErrMalformedEntry, o.Serial)
	}
	if o.Updated.IsZero() {
		return fmt.Errorf("%w: %s has no last-heard marker", ErrMalformedEntry, o.Serial)
	}
	return nil
}

// Device is the reconciled state of one bus device.
type Device struct {
	Serial      string     `json:"serial"`
	Type        DeviceType `json:"-"`
	Name        string     `json:"name"`
	State       uint32     `json:"state"`
	ModuleID    int        `json:"module_id,omitempty"`
	HasModuleID bool       `json:"-"`

	Power  float64 `json:"power"`
	Output float64 `json:"output"`
	Input  float64 `json:"input"`
	Charge float64 `json:"charge"`

	LastUpdate time.Time `json:"last_update"`
	FirstSeen  time.Time `json:"first_seen"`
	StaleCount int       `json:"stale_count"`
	Advanced   bool      `json:"advanced"`

	Energy   float64 `json:"energy_kwh"`
	EnergyIn float64 `json:"energy_in_kwh"`
}

// NewDevice creates a device from its first observation.
func NewDevice(obs Observation) (*Device, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		Serial:    obs.Serial,
		Type:      Classify(obs.Serial),
		FirstSeen: obs.Updated,
	}
	d.apply(obs, true)
	return d, nil
}

// ApplyUpdate merges an observation into the device. A rejected observation leaves
// the device unchanged.
func (d *Device) ApplyUpdate(obs Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	if obs.Serial != d.Serial {
		return fmt.Errorf("%w: %s != %s", ErrSerialMismatch, obs.Serial, d.Serial)
	}

	d.apply(obs, false)
	return nil
}

func (d *Device) apply(obs Observation, first bool) {
	if obs.Name != "" {
		d.Name = obs.Name
	}
	d.State = obs.Status
	d.Power = obs.Power
	d.Output, d.Input = SplitPower(obs.Power)

	d.Charge = 0
	if obs.HasCharge {
		d.Charge = math.Round(obs.Charge*10) / 10
	}

	if obs.ModuleID != nil {
		d.ModuleID = *obs.ModuleID
		d.HasModuleID = true
	}

	switch {
	case first:
		d.Advanced = true
		d.StaleCount = 0
		d.LastUpdate = obs.Updated
	case obs.Updated.After(d.LastUpdate):
		elapsed := obs.Updated.Sub(d.LastUpdate).Seconds()
		d.Energy += EnergyKWh(d.Output, elapsed)
		d.EnergyIn += EnergyKWh(d.Input, elapsed)
		d.Advanced = true
		d.StaleCount = 0
		d.LastUpdate = obs.Updated
	default:
		d.Advanced = false
		d.StaleCount++
	}
}

// markAbsent records a cycle in which the device was not part of the feed.
func (d *Device) markAbsent() {
	d.Advanced = false
	d.StaleCount++
}

// Reporting reports whether the device has advanced within the stale threshold.
func (d *Device) Reporting() bool {
	return d.StaleCount < StaleThreshold
}

// Topic returns the topic segment of the device, e.g. solar_1a2b3c4d5e6f.
func (d *Device) Topic() string {
	return strings.ToLower(fmt.Sprintf("%s_%s", d.Type, d.Serial))
}

// StateDefinition resolves the raw state code.
func (d *Device) StateDefinition() StatusDefinition {
	return LookupStatus(d.State)
}

// LastUpdateAge returns the time since the device last advanced.
func (d *Device) LastUpdateAge(now time.Time) time.Duration {
	if d.LastUpdate.IsZero() {
		return 0
	}
	return now.Sub(d.LastUpdate)
}
