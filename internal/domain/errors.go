package domain

import "errors"

var (
	// ErrTransport is returned when the upstream could not be fetched.
	ErrTransport = errors.New("upstream transport error")
	// ErrMalformedEntry marks a single feed entry that lacks required fields.
	ErrMalformedEntry = errors.New("malformed feed entry")
	// ErrUnrecognizedFeed is returned when no known payload shape matches.
	ErrUnrecognizedFeed = errors.New("unrecognized feed shape")
	// ErrStaleFeed is returned when no device has reported for several cycles.
	ErrStaleFeed = errors.New("feed is stale")
	// ErrPublish wraps failures of the messaging collaborator.
	ErrPublish = errors.New("publish failed")
	// ErrNoCredentials is returned when recovery has no usable credential file.
	ErrNoCredentials = errors.New("no recovery credentials")
	// ErrSerialMismatch is returned when an observation is applied to the wrong device.
	ErrSerialMismatch = errors.New("observation serial does not match device")
)
