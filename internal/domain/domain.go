// Package domain provides core domain models and interfaces for the go-pika2mqtt application.
package domain

import (
	"context"
	"time"
)

// FeedShape identifies the upstream payload shape an observation was decoded from.
type FeedShape int

const (
	ShapeUnknown FeedShape = iota
	ShapeBusDump
	ShapeCompact
	ShapeGridTie
)

// String returns the string representation of the feed shape.
func (s FeedShape) String() string {
	switch s {
	case ShapeBusDump:
		return "bus_dump"
	case ShapeCompact:
		return "compact"
	case ShapeGridTie:
		return "grid_tie"
	default:
		return "unknown"
	}
}

// FeedResult is the output of one normalizer pass over an upstream payload.
type FeedResult struct {
	Shape        FeedShape
	Observations []Observation
	// Skipped holds one soft failure per entry that could not be turned into an observation.
	Skipped []error
}

// Snapshot is the reconciled view of one poll cycle handed to publishers.
type Snapshot struct {
	At        time.Time
	Connected bool
	Devices   []Device

	SolarOutput float64
	SolarEnergy float64

	// GridPower is the signed grid exchange in watts, nil when no reading was obtained.
	// Positive values are imports, negative values are exports.
	GridPower *float64
}

// DataParser defines the interface for normalizing upstream payloads.
type DataParser interface {
	// Parse converts a device listing payload into observations
	Parse(ctx context.Context, data []byte) (*FeedResult, error)

	// ParseGridTie extracts the signed grid power from an inverter status payload
	ParseGridTie(data []byte) (float64, error)
}

// FeedSource defines the interface for fetching raw payloads from the appliance.
type FeedSource interface {
	// FetchDevices returns the raw device listing
	FetchDevices(ctx context.Context) ([]byte, error)

	// FetchGridTie returns the raw inverter status for the given module id
	FetchGridTie(ctx context.Context, moduleID int) ([]byte, error)

	// Target returns the host the source talks to
	Target() string
}

// MessagePublisher defines the interface for publishing telemetry.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send uploads the cycle snapshot to the monitoring service
	Send(ctx context.Context, snapshot *Snapshot) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// RecoveryOutcome describes what a recovery attempt did.
type RecoveryOutcome int

const (
	RecoverySkipped RecoveryOutcome = iota
	RecoveryAttempted
	RecoveryFailed
)

// String returns the string representation of the recovery outcome.
func (o RecoveryOutcome) String() string {
	switch o {
	case RecoverySkipped:
		return "skipped"
	case RecoveryAttempted:
		return "attempted"
	case RecoveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Recoverer restarts the upstream service when the feed goes stale.
type Recoverer interface {
	// Recover attempts to bring the service on target back
	Recover(ctx context.Context, target string) (RecoveryOutcome, error)
}
