package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func busObservation(serial string, power float64, updated time.Time) Observation {
	return Observation{
		Serial:   serial,
		Name:     "PV Link",
		Shape:    ShapeBusDump,
		ModuleID: intPtr(3),
		Power:    power,
		Updated:  updated,
	}
}

func TestNewDeviceRegistry(t *testing.T) {
	registry := NewDeviceRegistry()

	assert.NotNil(t, registry)
	assert.Equal(t, 0, registry.Len())
	assert.Empty(t, registry.Devices())
	assert.False(t, registry.AnyReporting())
}

func TestUpsertAddsDevicesInObservationOrder(t *testing.T) {
	registry := NewDeviceRegistry()

	report := registry.Upsert([]Observation{
		busObservation("AAAA0003BBBB", 800, t0),
		busObservation("CCCC0005DDDD", -200, t0),
		busObservation("EEEE0002FFFF", 600, t0),
	})

	assert.Equal(t, 3, report.Added)
	assert.Empty(t, report.Skipped)

	devices := registry.Devices()
	require.Len(t, devices, 3)
	assert.Equal(t, "AAAA0003BBBB", devices[0].Serial)
	assert.Equal(t, "CCCC0005DDDD", devices[1].Serial)
	assert.Equal(t, "EEEE0002FFFF", devices[2].Serial)
	assert.Equal(t, DeviceTypeSolar, devices[0].Type)
	assert.Equal(t, DeviceTypeBattery, devices[1].Type)
	assert.Equal(t, DeviceTypeInverter, devices[2].Type)
}

func TestUpsertKeepsFirstSeenOrderAcrossCycles(t *testing.T) {
	registry := NewDeviceRegistry()

	registry.Upsert([]Observation{busObservation("AAAA0003BBBB", 800, t0)})
	registry.Upsert([]Observation{
		busObservation("CCCC0005DDDD", -200, t0.Add(time.Second)),
		busObservation("AAAA0003BBBB", 810, t0.Add(time.Second)),
	})

	devices := registry.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "AAAA0003BBBB", devices[0].Serial)
	assert.Equal(t, 810.0, devices[0].Output)
	assert.Equal(t, "CCCC0005DDDD", devices[1].Serial)
}

func TestUpsertIsIdempotentForIdenticalInput(t *testing.T) {
	registry := NewDeviceRegistry()
	obs := []Observation{busObservation("AAAA0003BBBB", 800, t0)}

	registry.Upsert(obs)
	first, found := registry.FindBySerial("AAAA0003BBBB")
	require.True(t, found)

	report := registry.Upsert(obs)
	assert.Equal(t, 1, report.Updated)
	require.Equal(t, 1, registry.Len())

	second, found := registry.FindBySerial("AAAA0003BBBB")
	require.True(t, found)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, first.Input, second.Input)
	assert.Equal(t, first.Energy, second.Energy)
	assert.Equal(t, first.LastUpdate, second.LastUpdate)
	assert.Equal(t, 0, first.StaleCount)
	assert.Equal(t, 1, second.StaleCount)
}

func TestUpsertDropsIgnoredTypesAtIngestion(t *testing.T) {
	registry := NewDeviceRegistry(DeviceTypeBeacon, DeviceTypeWeatherStation, DeviceTypeUnknown, DeviceTypeGridTie)

	report := registry.Upsert([]Observation{
		busObservation("AAAA0012BBBB", 0, t0),
		busObservation("AAAA0004BBBB", 0, t0),
		busObservation("AAAA0099BBBB", 0, t0),
		busObservation("AAAA0003BBBB", 100, t0),
		{Serial: GridTieSerial, Shape: ShapeGridTie, Power: 50, Updated: t0},
	})

	assert.Equal(t, 3, report.Dropped)
	assert.Equal(t, 2, report.Added)
	_, found := registry.FindByType(DeviceTypeBeacon)
	assert.False(t, found)
	_, found = registry.FindBySerial(GridTieSerial)
	assert.True(t, found, "grid tie is never ignorable")
}

func TestUpsertSkipsMalformedObservations(t *testing.T) {
	registry := NewDeviceRegistry()

	noModule := busObservation("AAAA0003BBBB", 800, t0)
	noModule.ModuleID = nil
	noHeard := busObservation("CCCC0005DDDD", 800, time.Time{})

	report := registry.Upsert([]Observation{noModule, noHeard, {Shape: ShapeCompact, Updated: t0}})

	assert.Equal(t, 0, registry.Len())
	require.Len(t, report.Skipped, 3)
	for _, err := range report.Skipped {
		assert.True(t, errors.Is(err, ErrMalformedEntry))
	}
}

func TestUpsertRejectedUpdateLeavesDeviceUnchanged(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.Upsert([]Observation{busObservation("AAAA0003BBBB", 800, t0)})

	bad := busObservation("AAAA0003BBBB", 100, t0.Add(time.Minute))
	bad.ModuleID = nil
	report := registry.Upsert([]Observation{bad})

	require.Len(t, report.Skipped, 1)
	device, _ := registry.FindBySerial("AAAA0003BBBB")
	assert.Equal(t, 800.0, device.Output)
	assert.Equal(t, t0, device.LastUpdate)
}

func TestUpsertCountsDuplicatesOnce(t *testing.T) {
	registry := NewDeviceRegistry()

	report := registry.Upsert([]Observation{
		busObservation("AAAA0003BBBB", 800, t0),
		busObservation("AAAA0003BBBB", 900, t0),
	})

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Duplicates)
	device, _ := registry.FindBySerial("AAAA0003BBBB")
	assert.Equal(t, 800.0, device.Output)
	assert.Equal(t, 0, device.StaleCount)
}

func TestFindBySerialAndType(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.Upsert([]Observation{
		busObservation("AAAA0003BBBB", 800, t0),
		busObservation("AAAA0003CCCC", 700, t0),
		busObservation("EEEE0007FFFF", 600, t0),
	})

	solar, found := registry.FindByType(DeviceTypeSolar)
	require.True(t, found)
	assert.Equal(t, "AAAA0003BBBB", solar.Serial, "first match in observation order")

	inverter, found := registry.FindByType(DeviceTypeInverter)
	require.True(t, found)
	assert.Equal(t, "EEEE0007FFFF", inverter.Serial)

	_, found = registry.FindByType(DeviceTypeBattery)
	assert.False(t, found)

	device, found := registry.FindBySerial("AAAA0003CCCC")
	require.True(t, found)
	assert.Equal(t, 700.0, device.Output)

	device, found = registry.FindBySerial("missing")
	assert.False(t, found)
	assert.Nil(t, device)
}

func TestFindReturnsCopies(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.Upsert([]Observation{busObservation("AAAA0003BBBB", 800, t0)})

	device, _ := registry.FindBySerial("AAAA0003BBBB")
	device.Output = 1

	again, _ := registry.FindBySerial("AAAA0003BBBB")
	assert.Equal(t, 800.0, again.Output)
}

func TestStalenessAfterThreeNonAdvancingCycles(t *testing.T) {
	registry := NewDeviceRegistry()
	obs := []Observation{busObservation("AAAA0003BBBB", 800, t0)}

	registry.Upsert(obs)
	assert.True(t, registry.AnyReporting())

	// Three consecutive cycles in which the timestamp does not advance.
	registry.Upsert(obs)
	registry.Upsert(obs)
	assert.True(t, registry.AnyReporting())

	registry.Upsert(obs)
	device, _ := registry.FindBySerial("AAAA0003BBBB")
	assert.Equal(t, 3, device.StaleCount)
	assert.False(t, device.Reporting())
	assert.False(t, registry.AnyReporting())

	// An advancing sample brings it back.
	registry.Upsert([]Observation{busObservation("AAAA0003BBBB", 800, t0.Add(15*time.Second))})
	assert.True(t, registry.AnyReporting())
}

func TestAbsentDevicesGoStale(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.Upsert([]Observation{busObservation("AAAA0003BBBB", 800, t0)})

	for i := 0; i < StaleThreshold; i++ {
		registry.Upsert(nil)
	}

	device, _ := registry.FindBySerial("AAAA0003BBBB")
	assert.Equal(t, StaleThreshold, device.StaleCount)
	assert.False(t, device.Advanced)
	assert.False(t, registry.AnyReporting())
}

func TestAnyReportingIgnoresGridTie(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.Upsert([]Observation{{Serial: GridTieSerial, Shape: ShapeGridTie, Power: -300, Updated: t0}})

	assert.Equal(t, 1, registry.Len())
	assert.False(t, registry.AnyReporting())
}

func TestSolarTotal(t *testing.T) {
	registry := NewDeviceRegistry()
	registry.Upsert([]Observation{
		busObservation("AAAA0003BBBB", 800, t0),
		busObservation("AAAA0003CCCC", 200, t0),
		busObservation("CCCC0005DDDD", 500, t0),
	})
	registry.Upsert([]Observation{
		busObservation("AAAA0003BBBB", 800, t0.Add(time.Hour)),
		busObservation("AAAA0003CCCC", 200, t0.Add(time.Hour)),
		busObservation("CCCC0005DDDD", 500, t0.Add(time.Hour)),
	})

	output, energy := registry.SolarTotal()
	assert.Equal(t, 1000.0, output)
	assert.InDelta(t, 1.0, energy, 1e-9)
}
