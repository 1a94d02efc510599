package api

import (
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/domain"
)

// deviceView is the JSON representation of a device.
type deviceView struct {
	Serial      string    `json:"serial"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Topic       string    `json:"topic"`
	State       uint32    `json:"state"`
	StateText   string    `json:"stateText"`
	ModuleID    *int      `json:"moduleId,omitempty"`
	Power       float64   `json:"power"`
	Output      float64   `json:"output"`
	Input       float64   `json:"input"`
	Charge      *float64  `json:"charge,omitempty"`
	EnergyKWh   float64   `json:"energyKWh"`
	EnergyInKWh float64   `json:"energyInKWh"`
	Reporting   bool      `json:"reporting"`
	StaleCount  int       `json:"staleCount"`
	LastUpdate  time.Time `json:"lastUpdate"`
	AgeSeconds  float64   `json:"ageSeconds"`
	FirstSeen   time.Time `json:"firstSeen"`
}

// newDeviceView renders d with its last update age measured at now.
func newDeviceView(d domain.Device, now time.Time) deviceView {
	view := deviceView{
		Serial:      d.Serial,
		Type:        d.Type.String(),
		Name:        d.Name,
		Topic:       d.Topic(),
		State:       d.State,
		StateText:   d.StateDefinition().Description,
		Power:       d.Power,
		Output:      d.Output,
		Input:       d.Input,
		EnergyKWh:   d.Energy,
		EnergyInKWh: d.EnergyIn,
		Reporting:   d.Reporting(),
		StaleCount:  d.StaleCount,
		LastUpdate:  d.LastUpdate,
		AgeSeconds:  d.LastUpdateAge(now).Seconds(),
		FirstSeen:   d.FirstSeen,
	}
	if d.HasModuleID {
		id := d.ModuleID
		view.ModuleID = &id
	}
	if d.Type == domain.DeviceTypeBattery {
		charge := d.Charge
		view.Charge = &charge
	}
	return view
}
