package service

// State is the phase of the poll loop.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateReconciling
	StateAggregating
	StatePublishing
	StateSleeping
	StateRecovering
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateFetching:    "fetching",
	StateNormalizing: "normalizing",
	StateReconciling: "reconciling",
	StateAggregating: "aggregating",
	StatePublishing:  "publishing",
	StateSleeping:    "sleeping",
	StateRecovering:  "recovering",
}

// String returns the name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
