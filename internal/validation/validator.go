// Package validation provides plausibility checks for normalized feed observations.
package validation

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// maxPlausiblePower bounds the absolute power a single bus device can report, in watts.
	maxPlausiblePower = 100000

	// maxClockSkew is how far into the future a last-heard marker may lie.
	maxClockSkew = 5 * time.Minute

	severityWarning = "warning"
	severityError   = "error"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelBasic ValidationLevel = iota
	ValidationLevelStandard
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseLevel resolves a level name.
func ParseLevel(name string) (ValidationLevel, error) {
	switch strings.ToLower(name) {
	case "basic":
		return ValidationLevelBasic, nil
	case "", "standard":
		return ValidationLevelStandard, nil
	case "strict":
		return ValidationLevelStrict, nil
	default:
		return ValidationLevelStandard, fmt.Errorf("unknown validation level %q", name)
	}
}

// ValidationError describes one failed rule.
type ValidationError struct {
	Rule     string
	Severity string
	Message  string
	Field    string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of checking one observation.
type ValidationResult struct {
	Serial   string
	Valid    bool
	Errors   []*ValidationError
	Warnings []*ValidationError
}

// HasErrors returns true if any rule failed with error severity.
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return "valid"
	}

	var parts []string
	for _, err := range vr.Errors {
		parts = append(parts, err.Rule)
	}
	for _, err := range vr.Warnings {
		parts = append(parts, err.Rule+" (warning)")
	}

	return strings.Join(parts, ", ")
}

// ObservationRule is a single plausibility check.
type ObservationRule struct {
	Name  string
	Field string
	Level ValidationLevel
	Check func(obs domain.Observation, now time.Time) *ValidationError
}

// Validator runs the rules enabled for its level against observations.
type Validator struct {
	level  ValidationLevel
	rules  []*ObservationRule
	now    func() time.Time
	logger zerolog.Logger

	validationsPerformed atomic.Int64
	errorsFound          atomic.Int64
	warningsFound        atomic.Int64
}

// NewValidator creates a validator with the default rule set.
func NewValidator(level ValidationLevel, logger zerolog.Logger) *Validator {
	v := &Validator{
		level:  level,
		now:    time.Now,
		logger: logger.With().Str("component", "validator").Logger(),
	}
	v.registerDefaultRules()
	return v
}

// Level returns the active validation level.
func (v *Validator) Level() ValidationLevel {
	return v.level
}

// Validate checks one observation. An observation with errors should not be applied.
func (v *Validator) Validate(obs domain.Observation) *ValidationResult {
	v.validationsPerformed.Add(1)

	result := &ValidationResult{Serial: obs.Serial, Valid: true}
	now := v.now()

	for _, rule := range v.rules {
		if rule.Level > v.level {
			continue
		}
		if err := rule.Check(obs, now); err != nil {
			err.Rule = rule.Name
			if err.Field == "" {
				err.Field = rule.Field
			}
			v.addValidationError(result, err)
		}
	}

	if !result.Valid || result.HasWarnings() {
		v.logger.Debug().
			Str("serial", obs.Serial).
			Int("errors", len(result.Errors)).
			Int("warnings", len(result.Warnings)).
			Str("summary", result.Summary()).
			Msg("Observation validation completed")
	}

	return result
}

func (v *Validator) addValidationError(result *ValidationResult, err *ValidationError) {
	if err.Severity == severityWarning {
		result.Warnings = append(result.Warnings, err)
		v.warningsFound.Add(1)
		return
	}
	result.Errors = append(result.Errors, err)
	result.Valid = false
	v.errorsFound.Add(1)
}

func (v *Validator) registerDefaultRules() {
	v.rules = []*ObservationRule{
		{
			Name:  "charge_range",
			Field: "charge",
			Level: ValidationLevelBasic,
			Check: func(obs domain.Observation, _ time.Time) *ValidationError {
				if !obs.HasCharge || (obs.Charge >= 0 && obs.Charge <= 100) {
					return nil
				}
				return &ValidationError{
					Severity: severityError,
					Message:  fmt.Sprintf("state of charge %.1f%% outside 0-100", obs.Charge),
					Value:    obs.Charge,
				}
			},
		},
		{
			Name:  "power_magnitude",
			Field: "power",
			Level: ValidationLevelStandard,
			Check: func(obs domain.Observation, _ time.Time) *ValidationError {
				if math.IsNaN(obs.Power) || math.IsInf(obs.Power, 0) || math.Abs(obs.Power) > maxPlausiblePower {
					return &ValidationError{
						Severity: severityError,
						Message:  fmt.Sprintf("power %v W is not plausible", obs.Power),
						Value:    obs.Power,
					}
				}
				return nil
			},
		},
		{
			Name:  "future_timestamp",
			Field: "updated",
			Level: ValidationLevelStandard,
			Check: func(obs domain.Observation, now time.Time) *ValidationError {
				if obs.Updated.After(now.Add(maxClockSkew)) {
					return &ValidationError{
						Severity: severityWarning,
						Message:  fmt.Sprintf("last heard %s is ahead of local clock", obs.Updated.Format(time.RFC3339)),
						Value:    obs.Updated,
					}
				}
				return nil
			},
		},
		{
			Name:  "power_on_passive_device",
			Field: "power",
			Level: ValidationLevelStandard,
			Check: func(obs domain.Observation, _ time.Time) *ValidationError {
				if obs.Power == 0 || domain.Classify(obs.Serial).HasPower() {
					return nil
				}
				return &ValidationError{
					Severity: severityWarning,
					Message:  "device type does not carry power readings",
					Value:    obs.Power,
				}
			},
		},
		{
			Name:  "serial_format",
			Field: "serial",
			Level: ValidationLevelStrict,
			Check: func(obs domain.Observation, _ time.Time) *ValidationError {
				if obs.Serial == domain.GridTieSerial {
					return nil
				}
				if len(obs.Serial) != 12 {
					return &ValidationError{
						Severity: severityWarning,
						Message:  fmt.Sprintf("unusual serial number length: %d characters", len(obs.Serial)),
						Value:    obs.Serial,
					}
				}
				for _, r := range obs.Serial {
					if !isHex(r) {
						return &ValidationError{
							Severity: severityError,
							Message:  fmt.Sprintf("serial number contains invalid character %q", r),
							Value:    obs.Serial,
						}
					}
				}
				return nil
			},
		},
		{
			Name:  "known_status",
			Field: "status",
			Level: ValidationLevelStrict,
			Check: func(obs domain.Observation, _ time.Time) *ValidationError {
				if obs.Status == 0 || domain.LookupStatus(obs.Status).Code == obs.Status {
					return nil
				}
				return &ValidationError{
					Severity: severityWarning,
					Message:  fmt.Sprintf("state code %#x is not in the catalog", obs.Status),
					Value:    obs.Status,
				}
			},
		},
	}
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')
}

// GetStatistics returns validation statistics.
func (v *Validator) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"validations_performed": v.validationsPerformed.Load(),
		"errors_found":          v.errorsFound.Load(),
		"warnings_found":        v.warningsFound.Load(),
		"validation_level":      v.level.String(),
		"rules":                 len(v.rules),
	}
}

// AddRule adds a custom observation rule.
func (v *Validator) AddRule(rule *ObservationRule) {
	v.rules = append(v.rules, rule)

	v.logger.Debug().
		Str("field", rule.Field).
		Str("rule", rule.Name).
		Msg("Added custom observation rule")
}
