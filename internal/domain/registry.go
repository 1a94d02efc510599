// Package domain provides core domain implementations.
package domain

import (
	"fmt"
	"sync"
)

// UpsertReport summarizes one Registry.Upsert call.
type UpsertReport struct {
	Added      int
	Updated    int
	Dropped    int
	Duplicates int
	// Skipped holds the soft failures of observations that were not applied.
	Skipped []error
}

// DeviceRegistry holds the reconciled devices in first-seen order.
type DeviceRegistry struct {
	devices []*Device
	index   map[string]int
	ignore  map[DeviceType]bool
	mutex   sync.RWMutex
}

// NewDeviceRegistry creates a registry that drops new devices of the given types.
func NewDeviceRegistry(ignore ...DeviceType) *DeviceRegistry {
	r := &DeviceRegistry{
		index:  make(map[string]int),
		ignore: make(map[DeviceType]bool, len(ignore)),
	}
	for _, t := range ignore {
		// The synthetic grid device is never ignorable.
		if t == DeviceTypeGridTie {
			continue
		}
		r.ignore[t] = true
	}
	return r
}

// Upsert merges one cycle of observations into the registry. Devices that are not
// part of the cycle count it as a non-advancing cycle.
func (r *DeviceRegistry) Upsert(observations []Observation) UpsertReport {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var report UpsertReport
	seen := make(map[string]bool, len(observations))

	for _, obs := range observations {
		if err := obs.Validate(); err != nil {
			report.Skipped = append(report.Skipped, err)
			continue
		}
		if seen[obs.Serial] {
			report.Duplicates++
			continue
		}
		seen[obs.Serial] = true

		if i, exists := r.index[obs.Serial]; exists {
			if err := r.devices[i].ApplyUpdate(obs); err != nil {
				report.Skipped = append(report.Skipped, err)
				continue
			}
			report.Updated++
			continue
		}

		if r.ignore[Classify(obs.Serial)] {
			report.Dropped++
			continue
		}

		device, err := NewDevice(obs)
		if err != nil {
			report.Skipped = append(report.Skipped, err)
			continue
		}
		r.index[device.Serial] = len(r.devices)
		r.devices = append(r.devices, device)
		report.Added++
	}

	for _, d := range r.devices {
		if !seen[d.Serial] {
			d.markAbsent()
		}
	}

	return report
}

// FindBySerial returns a copy of the device with the given serial.
func (r *DeviceRegistry) FindBySerial(serial string) (*Device, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	i, exists := r.index[serial]
	if !exists {
		return nil, false
	}
	d := *r.devices[i]
	return &d, true
}

// FindByType returns a copy of the first device of the given type.
func (r *DeviceRegistry) FindByType(t DeviceType) (*Device, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, device := range r.devices {
		if device.Type == t {
			d := *device
			return &d, true
		}
	}
	return nil, false
}

// Devices returns copies of all devices in first-seen order.
func (r *DeviceRegistry) Devices() []Device {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d)
	}
	return devices
}

// Len returns the number of devices.
func (r *DeviceRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.devices)
}

// AnyReporting reports whether at least one bus device is below the stale threshold.
// The grid tie pseudo-device does not count.
func (r *DeviceRegistry) AnyReporting() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, d := range r.devices {
		if d.Type != DeviceTypeGridTie && d.Reporting() {
			return true
		}
	}
	return false
}

// SolarTotal sums output and accumulated energy of all reporting solar devices.
func (r *DeviceRegistry) SolarTotal() (output, energy float64) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, d := range r.devices {
		if d.Type != DeviceTypeSolar || !d.Reporting() {
			continue
		}
		output += d.Output
		energy += d.Energy
	}
	return output, energy
}

// String returns a short description for logging.
func (r *DeviceRegistry) String() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return fmt.Sprintf("registry(%d devices)", len(r.devices))
}
