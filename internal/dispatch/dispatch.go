// Package dispatch fans a message out to the selected channels and collects
// one outcome per channel.
//
// Every channel runs in its own goroutine with its own deadline. A channel
// that does not answer in time is recorded as failed and its goroutine is
// left to finish on its own; the late result is discarded.
package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"tradealert/internal/metrics"
	"tradealert/internal/storage"
	kit "tradealert/internal/transport"
	logx "tradealert/pkg/logx"
)

// DefaultChannelTimeout bounds how long Send waits on a single channel.
const DefaultChannelTimeout = 15 * time.Second

// Outcome is the per-channel result state.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

type ChannelResult struct {
	Channel kit.ChannelID
	Outcome Outcome
	Err     error
	Took    time.Duration
}

// Result is built fresh for every Send.
type Result struct {
	Channels     []ChannelResult
	AnySucceeded bool
	// Deduplicated is set when an identical dispatch went out within the
	// dedup window; no channel was attempted.
	Deduplicated bool
}

// Outcome returns the outcome recorded for id, or "" if id was not selected.
func (r Result) Outcome(id kit.ChannelID) Outcome {
	for _, c := range r.Channels {
		if c.Channel == id {
			return c.Outcome
		}
	}
	return ""
}

// Summary renders "chatbot=sent email=failed" in selection order.
func (r Result) Summary() string {
	if r.Deduplicated {
		return "deduplicated"
	}
	if len(r.Channels) == 0 {
		return "no channels"
	}
	parts := make([]string, 0, len(r.Channels))
	for _, c := range r.Channels {
		parts = append(parts, string(c.Channel)+"="+string(c.Outcome))
	}
	return strings.Join(parts, " ")
}

type Option func(*Dispatcher)

func WithChannelTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithStore enables dispatch history and persisted dedup state.
func WithStore(st storage.Store) Option { return func(x *Dispatcher) { x.store = st } }

// WithDedupWindow suppresses an identical dispatch (subject, body, priority
// and channel set) for window after it was delivered. Needs a store.
func WithDedupWindow(window time.Duration) Option {
	return func(x *Dispatcher) {
		if window > 0 {
			x.dedupWindow = window
		}
	}
}

// WithSource tags history records (send, notify, watch).
func WithSource(source string) Option { return func(x *Dispatcher) { x.source = source } }

func WithMetrics(m *metrics.Recorder) Option { return func(x *Dispatcher) { x.metrics = m } }
func WithLogger(l logx.Logger) Option        { return func(x *Dispatcher) { x.log = l } }
func WithClock(now func() time.Time) Option  { return func(x *Dispatcher) { x.now = now } }

// Dispatcher is safe for concurrent use; it holds no per-send state.
type Dispatcher struct {
	adapters map[kit.ChannelID]kit.Adapter

	timeout     time.Duration
	dedupWindow time.Duration
	store       storage.Store
	source      string
	metrics     *metrics.Recorder
	log         logx.Logger
	now         func() time.Time
}

// New registers the given adapters. Only enabled, fully configured channels
// should be passed in; anything else is reported as skipped by Send.
func New(adapters []kit.Adapter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		adapters: make(map[kit.ChannelID]kit.Adapter, len(adapters)),
		timeout:  DefaultChannelTimeout,
		now:      time.Now,
	}
	for _, a := range adapters {
		if a != nil {
			d.adapters[a.ID()] = a
		}
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.Comp("dispatch"))
	return d
}

// Enabled reports which channels have a registered adapter.
func (d *Dispatcher) Enabled() map[kit.ChannelID]bool {
	out := make(map[kit.ChannelID]bool, len(d.adapters))
	for id := range d.adapters {
		out[id] = true
	}
	return out
}

// Send delivers msg on every channel in channels concurrently and waits for
// each one up to the channel timeout. It never returns an error: failures are
// per-channel outcomes.
func (d *Dispatcher) Send(ctx context.Context, msg kit.Message, channels []kit.ChannelID) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	start := d.now()
	channels = uniqueChannels(channels)

	key := ""
	if d.dedupWindow > 0 && d.store != nil {
		key = dedupKey(msg, channels)
		if until, ok := d.dedupHit(ctx, key, start); ok {
			d.log.Info("dispatch suppressed (duplicate)",
				logx.String("subject", msg.Subject),
				logx.Time("until", until),
			)
			d.metrics.RecordSuppressed(metrics.ReasonDedup)
			res := Result{Deduplicated: true}
			d.appendHistory(msg, res, 0)
			return res
		}
	}

	res := Result{Channels: make([]ChannelResult, len(channels))}
	var wg sync.WaitGroup
	for i, id := range channels {
		ad, ok := d.adapters[id]
		if !ok {
			res.Channels[i] = ChannelResult{Channel: id, Outcome: OutcomeSkipped}
			continue
		}
		wg.Add(1)
		go func(i int, ad kit.Adapter) {
			defer wg.Done()
			res.Channels[i] = d.deliver(ctx, ad, msg)
		}(i, ad)
	}
	wg.Wait()

	for _, c := range res.Channels {
		if c.Outcome == OutcomeSent {
			res.AnySucceeded = true
		}
		d.logOutcome(msg, c)
		d.metrics.RecordDelivery(string(c.Channel), string(c.Outcome), c.Took)
	}
	d.metrics.RecordDispatch(res.AnySucceeded)

	if res.AnySucceeded && key != "" {
		d.dedupMark(key, start.Add(d.dedupWindow))
	}
	d.appendHistory(msg, res, d.now().Sub(start))
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, ad kit.Adapter, msg kit.Message) ChannelResult {
	id := ad.ID()
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s adapter panic: %v", id, r)
			}
		}()
		done <- ad.Deliver(cctx, msg)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		// The adapter may still be running; its result lands in the buffered
		// channel and is dropped.
		err = fmt.Errorf("%s: no answer within %s: %w", id, d.timeout, cctx.Err())
	}

	r := ChannelResult{Channel: id, Outcome: OutcomeSent, Took: time.Since(start)}
	if err != nil {
		r.Outcome = OutcomeFailed
		r.Err = err
	}
	return r
}

func (d *Dispatcher) logOutcome(msg kit.Message, c ChannelResult) {
	fields := []logx.Field{
		logx.String("channel", string(c.Channel)),
		logx.String("outcome", string(c.Outcome)),
		logx.String("priority", msg.Priority.String()),
		logx.Duration("took", c.Took),
	}
	switch c.Outcome {
	case OutcomeFailed:
		d.log.Warn("channel delivery failed", append(fields, logx.Err(c.Err))...)
	case OutcomeSkipped:
		d.log.Debug("channel skipped (not enabled)", fields...)
	default:
		d.log.Info("channel delivered", fields...)
	}
}

func (d *Dispatcher) dedupHit(ctx context.Context, key string, now time.Time) (time.Time, bool) {
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	until, ok, err := d.store.GetDedup(cctx, key)
	if err != nil {
		d.log.Debug("dedup lookup failed", logx.Err(err))
		return time.Time{}, false
	}
	return until, ok && now.Before(until)
}

func (d *Dispatcher) dedupMark(key string, until time.Time) {
	cctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.store.PutDedup(cctx, key, until); err != nil {
		d.log.Debug("dedup write failed", logx.Err(err))
	}
}

// appendHistory is best effort; the dispatch outcome never depends on it.
func (d *Dispatcher) appendHistory(msg kit.Message, res Result, took time.Duration) {
	if d.store == nil {
		return
	}
	rec := storage.DispatchRecord{
		At:           d.now(),
		Source:       d.source,
		Subject:      msg.Subject,
		Priority:     msg.Priority.String(),
		AnySucceeded: res.AnySucceeded,
		Deduplicated: res.Deduplicated,
		TookMS:       took.Milliseconds(),
	}
	for _, c := range res.Channels {
		co := storage.ChannelOutcome{Channel: string(c.Channel), Outcome: string(c.Outcome)}
		if c.Err != nil {
			co.Error = c.Err.Error()
		}
		rec.Channels = append(rec.Channels, co)
	}
	cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.store.AppendDispatch(cctx, rec); err != nil {
		d.log.Warn("history append failed", logx.Err(err))
	}
}

func uniqueChannels(in []kit.ChannelID) []kit.ChannelID {
	out := make([]kit.ChannelID, 0, len(in))
	seen := make(map[kit.ChannelID]bool, len(in))
	for _, id := range in {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// dedupKey ignores channel order and the timestamp.
func dedupKey(msg kit.Message, channels []kit.ChannelID) string {
	ids := make([]string, 0, len(channels))
	for _, c := range channels {
		ids = append(ids, string(c))
	}
	sort.Strings(ids)

	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(ids, ",")))
	_, _ = h.Write([]byte(fmt.Sprintf("|%d|", msg.Priority)))
	_, _ = h.Write([]byte(msg.Subject))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(msg.Body))
	return fmt.Sprintf("%x", h.Sum64())
}
