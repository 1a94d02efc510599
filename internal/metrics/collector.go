package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
)

// Collector implements prometheus.Collector for the devices in the registry.
type Collector struct {
	devices DeviceSource

	power     *prometheus.Desc
	energy    *prometheus.Desc
	energyIn  *prometheus.Desc
	charge    *prometheus.Desc
	state     *prometheus.Desc
	reporting *prometheus.Desc
	lastSeen  *prometheus.Desc
}

// NewCollector creates a device collector reading from devices at scrape time.
func NewCollector(devices DeviceSource) *Collector {
	labels := []string{"serial", "type", "name"}
	return &Collector{
		devices: devices,
		power: prometheus.NewDesc(
			"pika_device_power_watts",
			"Signed device power in watts (positive=output, negative=input)",
			labels, nil,
		),
		energy: prometheus.NewDesc(
			"pika_device_energy_kwh",
			"Output energy accumulated since start in kWh",
			labels, nil,
		),
		energyIn: prometheus.NewDesc(
			"pika_device_energy_in_kwh",
			"Input energy accumulated since start in kWh",
			labels, nil,
		),
		charge: prometheus.NewDesc(
			"pika_device_charge_percent",
			"Battery state of charge in percent",
			labels, nil,
		),
		state: prometheus.NewDesc(
			"pika_device_state",
			"Raw device state code",
			append(labels, "description"), nil,
		),
		reporting: prometheus.NewDesc(
			"pika_device_reporting",
			"Whether the device advanced within the stale threshold (1=yes, 0=no)",
			labels, nil,
		),
		lastSeen: prometheus.NewDesc(
			"pika_device_last_update_timestamp_seconds",
			"Unix time of the last advancing sample",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.power
	ch <- c.energy
	ch <- c.energyIn
	ch <- c.charge
	ch <- c.state
	ch <- c.reporting
	ch <- c.lastSeen
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, device := range c.devices.Devices() {
		labels := []string{device.Serial, device.Type.String(), device.Name}

		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(device.State),
			append(labels, device.StateDefinition().Description)...)

		reporting := 0.0
		if device.Reporting() {
			reporting = 1
		}
		ch <- prometheus.MustNewConstMetric(c.reporting, prometheus.GaugeValue, reporting, labels...)

		if !device.LastUpdate.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastSeen, prometheus.GaugeValue, float64(device.LastUpdate.Unix()), labels...)
		}

		if !device.Type.HasPower() {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.power, prometheus.GaugeValue, device.Power, labels...)
		ch <- prometheus.MustNewConstMetric(c.energy, prometheus.CounterValue, device.Energy, labels...)
		ch <- prometheus.MustNewConstMetric(c.energyIn, prometheus.CounterValue, device.EnergyIn, labels...)

		if device.Type == domain.DeviceTypeBattery {
			ch <- prometheus.MustNewConstMetric(c.charge, prometheus.GaugeValue, device.Charge, labels...)
		}
	}
}
