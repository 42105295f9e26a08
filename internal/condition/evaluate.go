package condition

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"tradealert/internal/signals"
	kit "tradealert/internal/transport"
	logx "tradealert/pkg/logx"
	"tradealert/pkg/tgui"
)

// Outcome is the verdict for one condition.
// An invalid outcome has empty Subject and Message and must not be dispatched.
type Outcome struct {
	Valid    bool
	Subject  string
	Message  string
	Priority kit.Priority
	// Reason explains an invalid outcome. It is for logs only.
	Reason string
}

func invalid(format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...)}
}

// Evaluator holds the collaborators conditions read from.
// It has no mutable state; one instance may be shared.
type Evaluator struct {
	signals signals.Source
	now     func() time.Time
	log     logx.Logger
}

type Option func(*Evaluator)

// WithClock overrides time.Now (tests, replays).
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(e *Evaluator) {
		if !l.IsZero() {
			e.log = l
		}
	}
}

func NewEvaluator(src signals.Source, opts ...Option) *Evaluator {
	e := &Evaluator{signals: src, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate never fails: anything that prevents a verdict yields an invalid outcome.
func (e *Evaluator) Evaluate(ctx context.Context, c Condition) Outcome {
	var out Outcome
	switch c := c.(type) {
	case Signal:
		out = e.signal(ctx, c)
	case Threshold:
		out = threshold(c)
	case Volatility:
		out = volatility(c)
	case Event:
		out = event(c)
	case nil:
		out = invalid("no condition")
	default:
		// unreachable while Condition is sealed
		out = invalid("unhandled condition %T", c)
	}
	if !out.Valid {
		out.Subject, out.Message = "", ""
	}
	return out
}

func (e *Evaluator) signal(ctx context.Context, c Signal) Outcome {
	sym := strings.TrimSpace(c.Symbol)
	if sym == "" {
		return invalid("signal: symbol is required")
	}
	if e.signals == nil {
		return invalid("signal: no signal source configured")
	}
	rec, ok, err := e.signals.Latest(ctx, sym)
	if err != nil {
		e.log.Debug("signal lookup failed", logx.String("symbol", sym), logx.Err(err))
		return invalid("signal: %v", err)
	}
	if !ok {
		return invalid("signal: no record for %s", sym)
	}

	lookback := c.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	now := e.now()
	age := now.Sub(rec.Timestamp)
	if age > lookback || age < -lookback {
		return invalid("signal: %s record is %s old (lookback %s)", sym, age.Round(time.Second), lookback)
	}

	pct := confidencePercent(rec.Confidence)
	if c.MinConfidence > 0 {
		if floor := confidencePercent(c.MinConfidence); pct < floor {
			return invalid("signal: %s confidence %.0f%% below %.0f%%", sym, pct, floor)
		}
	}

	dir := "SELL / bearish"
	if strings.EqualFold(strings.TrimSpace(rec.Action), "BUY") {
		dir = "BUY / bullish"
	}
	ago := age.Round(time.Minute)
	if ago < 0 {
		ago = 0
	}
	return Outcome{
		Valid:    true,
		Subject:  fmt.Sprintf("Trade signal: %s %s", strings.ToUpper(sym), strings.SplitN(dir, " ", 2)[0]),
		Message:  fmt.Sprintf("Symbol: %s\nDirection: %s\nConfidence: %.0f%%\nSignal time: %s (%s ago)", strings.ToUpper(sym), dir, pct, rec.Timestamp.Format("2006-01-02 15:04:05 MST"), ago),
		Priority: kit.PriorityHigh,
	}
}

// confidencePercent maps 0-1 fractions to 0-100 and rounds.
// Values above 1 are taken as percentages already.
func confidencePercent(c float64) float64 {
	if c <= 1 {
		c *= 100
	}
	return math.Round(c)
}

func threshold(c Threshold) Outcome {
	if !(c.Actual > c.Limit) {
		return invalid("threshold: %s not above %s", num(c.Actual), num(c.Limit))
	}
	label := "Value"
	if c.Symbol != "" {
		label = strings.ToUpper(c.Symbol)
	}
	return Outcome{
		Valid:    true,
		Subject:  fmt.Sprintf("Threshold breach: %s", label),
		Message:  fmt.Sprintf("%s: %s is above threshold %s", label, num(c.Actual), num(c.Limit)),
		Priority: kit.PriorityMedium,
	}
}

func volatility(c Volatility) Outcome {
	cutoff := c.Cutoff
	if cutoff <= 0 {
		cutoff = DefaultVolatilityCutoff
	}
	if !(c.Value > cutoff) {
		return invalid("volatility: %s%% not above %s%%", num(c.Value), num(cutoff))
	}
	label := "Market"
	if c.Symbol != "" {
		label = strings.ToUpper(c.Symbol)
	}
	return Outcome{
		Valid:    true,
		Subject:  fmt.Sprintf("Volatility spike: %s", label),
		Message:  fmt.Sprintf("%s volatility %s%% exceeds %s%%", label, num(c.Value), num(cutoff)),
		Priority: kit.PriorityHigh,
	}
}

func event(c Event) Outcome {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return invalid("event: empty text")
	}
	subject := text
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	return Outcome{
		Valid:    true,
		Subject:  "Event: " + tgui.TruncRunes(subject, 80),
		Message:  text,
		Priority: kit.PriorityMedium,
	}
}
