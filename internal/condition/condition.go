// Package condition decides whether a market event is worth a notification.
//
// Conditions form a closed set: the unexported sealed method keeps other
// packages from adding kinds, and Evaluate switches over every kind. Adding a
// kind means extending Evaluate and Parse.
package condition

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnknownConditionKind is returned by Parse for a kind it does not know.
	// Callers treat it as a suppression, but must report it.
	ErrUnknownConditionKind = errors.New("unknown condition kind")
	// ErrInvalidValue means the kind is known but its input could not be parsed.
	ErrInvalidValue = errors.New("invalid condition value")
)

type Kind string

const (
	KindSignal     Kind = "signal"
	KindThreshold  Kind = "threshold"
	KindVolatility Kind = "volatility"
	KindEvent      Kind = "event"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindSignal, KindThreshold, KindVolatility, KindEvent}

const (
	DefaultLookback         = 30 * time.Minute
	DefaultVolatilityCutoff = 3.0
)

// Condition is one of Signal, Threshold, Volatility or Event.
type Condition interface {
	Kind() Kind
	sealed()
}

// Signal passes when the symbol has a fresh signal record.
type Signal struct {
	Symbol   string
	Lookback time.Duration // 0 means DefaultLookback
	// MinConfidence is a fraction (0.6) or a percentage (60).
	// Zero disables the check.
	MinConfidence float64
}

// Threshold passes when Actual is strictly above Limit.
type Threshold struct {
	Symbol string
	Actual float64
	Limit  float64
}

// Volatility passes when Value (percent) is strictly above Cutoff.
type Volatility struct {
	Symbol string
	Value  float64
	Cutoff float64 // 0 means DefaultVolatilityCutoff
}

// Event passes any non-blank text through.
type Event struct {
	Text string
}

func (Signal) Kind() Kind     { return KindSignal }
func (Threshold) Kind() Kind  { return KindThreshold }
func (Volatility) Kind() Kind { return KindVolatility }
func (Event) Kind() Kind      { return KindEvent }

func (Signal) sealed()     {}
func (Threshold) sealed()  {}
func (Volatility) sealed() {}
func (Event) sealed()      {}

// ParseThreshold parses "actual:threshold", e.g. "12.5:10".
func ParseThreshold(symbol, s string) (Threshold, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Threshold{}, fmt.Errorf("%w: threshold %q (want actual:threshold)", ErrInvalidValue, s)
	}
	actual, err := parseNumber(parts[0])
	if err != nil {
		return Threshold{}, fmt.Errorf("%w: threshold actual %q", ErrInvalidValue, parts[0])
	}
	limit, err := parseNumber(parts[1])
	if err != nil {
		return Threshold{}, fmt.Errorf("%w: threshold limit %q", ErrInvalidValue, parts[1])
	}
	return Threshold{Symbol: strings.TrimSpace(symbol), Actual: actual, Limit: limit}, nil
}

// Parse builds a Condition from command-line style inputs.
//
// value is kind specific: "actual:threshold" for threshold, a percentage for
// volatility, the free text for event; it is ignored for signal.
func Parse(kind, symbol, value string, lookback time.Duration) (Condition, error) {
	symbol = strings.TrimSpace(symbol)
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case KindSignal:
		return Signal{Symbol: symbol, Lookback: lookback}, nil
	case KindThreshold:
		t, err := ParseThreshold(symbol, value)
		if err != nil {
			return nil, err
		}
		return t, nil
	case KindVolatility:
		v, err := parseNumber(strings.TrimSuffix(strings.TrimSpace(value), "%"))
		if err != nil {
			return nil, fmt.Errorf("%w: volatility %q", ErrInvalidValue, value)
		}
		return Volatility{Symbol: symbol, Value: v}, nil
	case KindEvent:
		return Event{Text: value}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConditionKind, kind)
	}
}

func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	return f, nil
}

// num renders a float the way it is usually written ("12.5", "10").
func num(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
