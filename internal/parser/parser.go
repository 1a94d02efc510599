// Package parser normalizes the payload shapes served by a PWRcell appliance into observations.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/resident-x/go-pika2mqtt/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// compactTimeLayout is the fixed prefix of the compact "up" field, e.g. "2024-06-01 12:00:00 UTC".
	compactTimeLayout = "2006-01-02 15:04:05"

	// gridTieName is the display name of the synthetic grid device.
	gridTieName = "Grid Tie"

	// Keys that identify the compact shape.
	compactDevicesKey = "devices"
	compactProfileKey = "dvcs"

	// Key that identifies an inverter status payload.
	gridTieKey = "fixed"
)

// member is one top-level key of a JSON object, kept in document order.
type member struct {
	Key   string
	Value json.RawMessage
}

// busEntry is one element of a bus dump category.
type busEntry struct {
	RCPN      *string     `json:"rcpn"`
	ModuleID  *int        `json:"modID"`
	LastHeard *flexNumber `json:"lastheard"`
	Power     *flexNumber `json:"power"`
	SOC       *flexNumber `json:"soc"`
	Type      string      `json:"type"`
	Status    *flexNumber `json:"st"`
	State     *flexNumber `json:"state"`
}

// compactEntry is one element of the compact devices array.
type compactEntry struct {
	Serial  string          `json:"s"`
	Name    string          `json:"n"`
	Type    json.RawMessage `json:"t"`
	Updated string          `json:"up"`
	Power   *flexNumber     `json:"p"`
	Status  *flexNumber     `json:"st"`
	Charge  *flexNumber     `json:"O5"`
}

// gridTiePayload is the part of the inverter status payload that carries grid power.
type gridTiePayload struct {
	Fixed *struct {
		CTPow *flexNumber `json:"CTPow"`
	} `json:"fixed"`
}

// Parser implements domain.DataParser for PWRcell payloads.
type Parser struct {
	config    *config.Config
	shape     domain.FeedShape // forced shape, ShapeUnknown detects per payload
	now       func() time.Time
	logger    zerolog.Logger
	validator *validation.Validator
}

// NewParser creates a new Parser instance.
func NewParser(cfg *config.Config) (*Parser, error) {
	logger := log.With().Str("component", "parser").Logger()

	shape := domain.ShapeUnknown
	switch cfg.Pika.Shape {
	case "", config.ShapeAuto:
	case config.ShapeBusDump:
		shape = domain.ShapeBusDump
	case config.ShapeCompact:
		shape = domain.ShapeCompact
	default:
		return nil, fmt.Errorf("unsupported feed shape %q", cfg.Pika.Shape)
	}

	level, err := validation.ParseLevel(cfg.Pika.Validation)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Parser{
		config:    cfg,
		shape:     shape,
		now:       time.Now,
		logger:    logger,
		validator: validation.NewValidator(level, logger),
	}, nil
}

// Parse implements domain.DataParser.Parse.
func (p *Parser) Parse(ctx context.Context, data []byte) (*domain.FeedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members, err := decodeMembers(data)
	if err != nil {
		return nil, err
	}

	shape := p.shape
	if shape == domain.ShapeUnknown {
		shape, err = detect(members)
		if err != nil {
			return nil, err
		}
	}
	p.logf("Parsing %d bytes as %s", len(data), shape)

	result := &domain.FeedResult{Shape: shape}
	switch shape {
	case domain.ShapeBusDump:
		p.parseBusDump(members, result)
	case domain.ShapeCompact:
		if err := p.parseCompact(members, result); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s payload is not a device listing", domain.ErrUnrecognizedFeed, shape)
	}

	p.validate(result)

	for _, skipped := range result.Skipped {
		p.logger.Warn().Err(skipped).Str("shape", shape.String()).Msg("Skipping feed entry")
	}
	p.logf("Parsed %d observations, skipped %d entries", len(result.Observations), len(result.Skipped))

	return result, nil
}

// ParseGridTie implements domain.DataParser.ParseGridTie.
func (p *Parser) ParseGridTie(data []byte) (float64, error) {
	var payload gridTiePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("%w: inverter status: %v", domain.ErrMalformedEntry, err)
	}
	if payload.Fixed == nil || payload.Fixed.CTPow == nil || !payload.Fixed.CTPow.Valid {
		return 0, fmt.Errorf("%w: inverter status has no fixed.CTPow", domain.ErrMalformedEntry)
	}

	p.logf("Grid tie power: %v W", payload.Fixed.CTPow.Value)
	return payload.Fixed.CTPow.Value, nil
}

// GridTieObservation wraps a grid reading into an observation of the synthetic grid device.
func GridTieObservation(power float64, at time.Time) domain.Observation {
	return domain.Observation{
		Serial:  domain.GridTieSerial,
		Name:    gridTieName,
		Shape:   domain.ShapeGridTie,
		Power:   power,
		Updated: at,
	}
}

func detect(members []member) (domain.FeedShape, error) {
	if len(members) == 0 {
		// An appliance with nothing on the bus answers with an empty object.
		return domain.ShapeBusDump, nil
	}

	hasArray := false
	for _, m := range members {
		switch m.Key {
		case gridTieKey:
			if isObject(m.Value) {
				return domain.ShapeGridTie, nil
			}
		case compactDevicesKey, compactProfileKey:
			if isCompactArray(m.Value) {
				return domain.ShapeCompact, nil
			}
		}
		if isArray(m.Value) {
			hasArray = true
		}
	}

	if hasArray {
		return domain.ShapeBusDump, nil
	}
	return domain.ShapeUnknown, fmt.Errorf("%w: no device array found", domain.ErrUnrecognizedFeed)
}

func (p *Parser) parseBusDump(members []member, result *domain.FeedResult) {
	now := p.now()

	for _, m := range members {
		var entries []json.RawMessage
		if err := json.Unmarshal(m.Value, &entries); err != nil {
			// Scalars and nested objects next to the categories carry no devices.
			continue
		}

		for i, raw := range entries {
			obs, err := p.busObservation(raw, now)
			if err != nil {
				result.Skipped = append(result.Skipped, fmt.Errorf("%s[%d]: %w", m.Key, i, err))
				continue
			}
			result.Observations = append(result.Observations, obs)
		}
	}
}

func (p *Parser) busObservation(raw json.RawMessage, now time.Time) (domain.Observation, error) {
	var entry busEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.Observation{}, fmt.Errorf("%w: %v", domain.ErrMalformedEntry, err)
	}

	switch {
	case entry.RCPN == nil || *entry.RCPN == "":
		return domain.Observation{}, fmt.Errorf("%w: entry has no rcpn", domain.ErrMalformedEntry)
	case entry.ModuleID == nil:
		return domain.Observation{}, fmt.Errorf("%w: %s has no module id", domain.ErrMalformedEntry, *entry.RCPN)
	case entry.LastHeard == nil || !entry.LastHeard.Valid:
		return domain.Observation{}, fmt.Errorf("%w: %s has no last-heard marker", domain.ErrMalformedEntry, *entry.RCPN)
	}

	lastHeard := time.Duration(entry.LastHeard.Value * float64(time.Second))
	obs := domain.Observation{
		Serial:   *entry.RCPN,
		Name:     entry.Type,
		Shape:    domain.ShapeBusDump,
		ModuleID: entry.ModuleID,
		Power:    entry.Power.value(),
		Updated:  now.Add(-lastHeard).Truncate(time.Second),
	}

	if status := firstValid(entry.Status, entry.State); status != nil {
		code, err := status.code()
		if err != nil {
			return domain.Observation{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEntry, *entry.RCPN, err)
		}
		obs.Status = code
	}
	if entry.SOC != nil && entry.SOC.Valid {
		obs.Charge = entry.SOC.Value
		obs.HasCharge = true
	}

	return obs, nil
}

func (p *Parser) parseCompact(members []member, result *domain.FeedResult) error {
	var raw json.RawMessage
	for _, m := range members {
		if m.Key == compactDevicesKey || m.Key == compactProfileKey {
			raw = m.Value
			break
		}
	}
	if raw == nil {
		return fmt.Errorf("%w: compact payload has no devices array", domain.ErrUnrecognizedFeed)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%w: devices is not an array", domain.ErrUnrecognizedFeed)
	}

	for i, entryRaw := range entries {
		obs, err := compactObservation(entryRaw)
		if err != nil {
			result.Skipped = append(result.Skipped, fmt.Errorf("devices[%d]: %w", i, err))
			continue
		}
		result.Observations = append(result.Observations, obs)
	}

	return nil
}

func compactObservation(raw json.RawMessage) (domain.Observation, error) {
	var entry compactEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.Observation{}, fmt.Errorf("%w: %v", domain.ErrMalformedEntry, err)
	}
	if entry.Serial == "" {
		return domain.Observation{}, fmt.Errorf("%w: entry has no serial", domain.ErrMalformedEntry)
	}

	updated, err := parseCompactTime(entry.Updated)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEntry, entry.Serial, err)
	}

	obs := domain.Observation{
		Serial:  entry.Serial,
		Name:    entry.Name,
		Shape:   domain.ShapeCompact,
		Power:   entry.Power.value(),
		Updated: updated,
	}

	if obs.Name == "" {
		var typeName string
		if json.Unmarshal(entry.Type, &typeName) == nil {
			obs.Name = typeName
		}
	}
	if entry.Status != nil && entry.Status.Valid {
		code, err := entry.Status.code()
		if err != nil {
			return domain.Observation{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEntry, entry.Serial, err)
		}
		obs.Status = code
	}
	if entry.Charge != nil && entry.Charge.Valid {
		obs.Charge = entry.Charge.Value / 10
		obs.HasCharge = true
	}

	return obs, nil
}

// parseCompactTime reads the "YYYY-MM-DD HH:MM:SS <TZ>" pattern as UTC and returns it in local time.
func parseCompactTime(value string) (time.Time, error) {
	if len(value) < len(compactTimeLayout) {
		return time.Time{}, fmt.Errorf("bad updated timestamp %q", value)
	}
	t, err := time.ParseInLocation(compactTimeLayout, value[:len(compactTimeLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad updated timestamp %q", value)
	}
	return t.Local(), nil
}

// validate moves implausible observations to the skipped list.
func (p *Parser) validate(result *domain.FeedResult) {
	kept := result.Observations[:0]
	for _, obs := range result.Observations {
		check := p.validator.Validate(obs)
		if !check.Valid {
			result.Skipped = append(result.Skipped, fmt.Errorf("%w: %s failed %s", domain.ErrMalformedEntry, obs.Serial, check.Summary()))
			continue
		}
		if check.HasWarnings() {
			p.logger.Warn().Str("serial", obs.Serial).Str("summary", check.Summary()).Msg("Implausible observation")
		}
		kept = append(kept, obs)
	}
	result.Observations = kept
}

// SetCustomLogger sets a custom logger for the parser.
func (p *Parser) SetCustomLogger(logger *zerolog.Logger) {
	p.logger = logger.With().Str("component", "parser").Logger()
}

// GetValidationStatistics returns statistics from the observation validator.
func (p *Parser) GetValidationStatistics() map[string]interface{} {
	return p.validator.GetStatistics()
}

func (p *Parser) logf(format string, args ...interface{}) {
	p.logger.Debug().Msgf(format, args...)
}

// decodeMembers splits a JSON object into its members in document order.
func decodeMembers(data []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnrecognizedFeed, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", domain.ErrUnrecognizedFeed)
	}

	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnrecognizedFeed, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected token %v", domain.ErrUnrecognizedFeed, tok)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: member %q: %v", domain.ErrUnrecognizedFeed, key, err)
		}
		members = append(members, member{Key: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnrecognizedFeed, err)
	}
	return members, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// isCompactArray reports whether raw is an array in the compact shape: empty, with any
// element using the short "s" serial key, or with no element using the bus dump "rcpn" key.
// The whole array is inspected so one malformed entry cannot flip the shape.
func isCompactArray(raw json.RawMessage) bool {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return false
	}

	busKeys := false
	for _, entry := range entries {
		if _, ok := entry["s"]; ok {
			return true
		}
		if _, ok := entry["rcpn"]; ok {
			busKeys = true
		}
	}
	return !busKeys
}

func firstValid(values ...*flexNumber) *flexNumber {
	for _, v := range values {
		if v != nil && v.Valid {
			return v
		}
	}
	return nil
}

// flexNumber accepts JSON numbers, numeric strings (decimal or 0x hex) and null.
type flexNumber struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *flexNumber) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*n = flexNumber{}
		return nil
	}

	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		v, err := parseNumericString(s)
		if err != nil {
			return err
		}
		*n = flexNumber{Value: v, Valid: true}
		return nil
	}

	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*n = flexNumber{Value: v, Valid: true}
	return nil
}

func (n *flexNumber) value() float64 {
	if n == nil || !n.Valid {
		return 0
	}
	return n.Value
}

// code converts the number to a state code, which must be a whole number in uint32 range.
func (n *flexNumber) code() (uint32, error) {
	v := n.value()
	if v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
		return 0, fmt.Errorf("invalid state code %v", v)
	}
	return uint32(v), nil
}

var errEmptyNumber = errors.New("empty numeric string")

func parseNumericString(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errEmptyNumber
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid hex number %q: %w", s, err)
		}
		return float64(v), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}
