package domain

// Severity classifies a status code for display purposes.
type Severity int

const (
	SeverityBad     Severity = -1
	SeverityNeutral Severity = 0
	SeverityGood    Severity = 1
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityGood:
		return "good"
	case SeverityBad:
		return "bad"
	default:
		return "neutral"
	}
}

// StatusDefinition describes one operating state reported by a bus device.
type StatusDefinition struct {
	Code        uint32   `json:"code"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

var undefinedStatus = StatusDefinition{Code: 0x0000, Description: "Undefined", Severity: SeverityNeutral}

var statusCatalog = []StatusDefinition{
	undefinedStatus,
	{0x0010, "Disabled", SeverityNeutral},
	{0x0100, "Initializing", SeverityNeutral},
	{0x0110, "Powering up", SeverityGood},
	{0x0120, "Connecting to bus", SeverityGood},
	{0x0130, "Disconnecting from bus", SeverityNeutral},
	{0x0140, "Testing bus", SeverityNeutral},
	{0x0200, "Low bus voltage", SeverityNeutral},
	{0x0300, "Standby", SeverityNeutral},
	{0x0310, "Waiting", SeverityNeutral},
	{0x0800, "Connecting grid", SeverityGood},
	{0x0810, "Disconnecting grid", SeverityGood},
	{0x0820, "Grid connected", SeverityGood},
	{0x0830, "Islanded", SeverityGood},
	{0x1000, "Low input voltage", SeverityNeutral},
	{0x1010, "Testing input", SeverityNeutral},
	{0x2000, "Running", SeverityGood},
	{0x2010, "Making power", SeverityGood},
	{0x2020, "Limiting power", SeverityGood},
	{0x3000, "Low wind", SeverityGood},
	{0x3100, "Low sun", SeverityGood},
	{0x6000, "Charging battery", SeverityGood},
	{0x6010, "Regulating battery", SeverityGood},
	{0x6020, "Charging battery", SeverityGood},
	{0x6100, "Discharging battery", SeverityGood},
	{0x6300, "Cell imbalance", SeverityBad},
	{0x7000, "Error", SeverityBad},
	{0x7010, "Input over-voltage", SeverityBad},
	{0x7020, "Output over-voltage", SeverityBad},
	{0x7030, "Input over-current", SeverityBad},
	{0x7040, "Output over-current", SeverityBad},
	{0x7100, "Overheating", SeverityBad},
	{0x8000, "Offline", SeverityNeutral},
}

var statusByCode = func() map[uint32]StatusDefinition {
	m := make(map[uint32]StatusDefinition, len(statusCatalog))
	for _, def := range statusCatalog {
		m[def.Code] = def
	}
	return m
}()

// LookupStatus resolves a status code, falling back to the Undefined definition.
func LookupStatus(code uint32) StatusDefinition {
	if def, ok := statusByCode[code]; ok {
		return def
	}
	return undefinedStatus
}

// StatusCatalog returns a copy of all known status definitions in code order.
func StatusCatalog() []StatusDefinition {
	out := make([]StatusDefinition, len(statusCatalog))
	copy(out, statusCatalog)
	return out
}
