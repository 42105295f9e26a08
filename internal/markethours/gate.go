// Package markethours answers "is the exchange in its regular session now?".
package markethours

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // exchange zone must resolve on hosts without a tz database

	"tradealert/internal/config"
)

const (
	DefaultTimezone = "America/New_York"
	DefaultOpen     = 9*time.Hour + 30*time.Minute
	DefaultClose    = 16 * time.Hour
)

// Gate is a pure function of its fields; the zero value is not usable, use
// New or FromConfig.
type Gate struct {
	Location *time.Location
	Open     time.Duration // offset from local midnight, inclusive
	Close    time.Duration // exclusive
}

// New builds a gate. Zero open and close select the default session.
func New(tz string, open, closeAt time.Duration) (Gate, error) {
	if open <= 0 && closeAt <= 0 {
		open, closeAt = DefaultOpen, DefaultClose
	}
	return build(tz, open, closeAt)
}

func build(tz string, open, closeAt time.Duration) (Gate, error) {
	if strings.TrimSpace(tz) == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Gate{}, fmt.Errorf("market hours timezone %q: %w", tz, err)
	}
	if closeAt <= open {
		return Gate{}, fmt.Errorf("market hours: close %s must be after open %s", closeAt, open)
	}
	return Gate{Location: loc, Open: open, Close: closeAt}, nil
}

// FromConfig builds the gate from the market_hours section. Only an unset
// field falls back to its default; "00:00" is a real midnight open.
func FromConfig(c config.MarketHoursConfig) (Gate, error) {
	open, closeAt := DefaultOpen, DefaultClose
	if strings.TrimSpace(c.Open) != "" {
		d, err := config.ParseClockField("market_hours.open", c.Open)
		if err != nil {
			return Gate{}, err
		}
		open = d
	}
	if strings.TrimSpace(c.Close) != "" {
		d, err := config.ParseClockField("market_hours.close", c.Close)
		if err != nil {
			return Gate{}, err
		}
		closeAt = d
	}
	return build(c.Timezone, open, closeAt)
}

// IsTradingHours reports whether now falls in [Open, Close) on a weekday in
// the exchange's zone. Exchange holidays are not modelled.
func (g Gate) IsTradingHours(now time.Time) bool {
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	tod := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
	return tod >= g.Open && tod < g.Close
}

func (g Gate) String() string {
	name := "UTC"
	if g.Location != nil {
		name = g.Location.String()
	}
	return fmt.Sprintf("%s-%s %s", clock(g.Open), clock(g.Close), name)
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}
