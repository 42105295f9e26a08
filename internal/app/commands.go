package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"tradealert/internal/condition"
	"tradealert/internal/dispatch"
	"tradealert/internal/metrics"
	"tradealert/internal/router"
	"tradealert/internal/signals"
	"tradealert/internal/storage"
	kit "tradealert/internal/transport"
	logx "tradealert/pkg/logx"
)

var (
	// ErrDeliveryFailed means no selected channel delivered the message.
	ErrDeliveryFailed = errors.New("delivery failed on every channel")
	// ErrUsage marks bad command input.
	ErrUsage = errors.New("usage")
)

// ExitCode maps a command error to the process exit status. Suppressed
// notifications (market hours, invalid condition, unknown kind, duplicate)
// return nil and therefore exit 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

type SendRequest struct {
	Subject string
	Body    string
	// Channel is "", "all" or a single channel id. Empty routes by priority.
	Channel  string
	Priority string
}

// Send delivers a free-form message.
func (a *App) Send(ctx context.Context, req SendRequest) error {
	if strings.TrimSpace(req.Body) == "" {
		return fmt.Errorf("%w: message is empty", ErrUsage)
	}
	p, err := kit.ParsePriority(req.Priority)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	d := a.dispatcher("send")
	var channels []kit.ChannelID
	switch ch := strings.ToLower(strings.TrimSpace(req.Channel)); ch {
	case "":
		channels = router.SelectChannels(p, a.Config().Preferences, d.Enabled())
	case "all":
		channels = router.Broadcast(d.Enabled())
	default:
		id, err := kit.ParseChannel(ch)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUsage, err)
		}
		channels = []kit.ChannelID{id}
	}

	msg := kit.NewMessage(req.Subject, req.Body, p, a.now())
	return a.deliver(ctx, d, msg, channels)
}

type NotifyRequest struct {
	Kind   string
	Symbol string
	Value  string

	Lookback      time.Duration
	MinConfidence float64
	// SignalsPath is the signal file read by signal conditions.
	SignalsPath string

	OnlyOutsideMarketHours bool
}

// Notify evaluates one condition and dispatches it when it holds.
func (a *App) Notify(ctx context.Context, req NotifyRequest) error {
	c, err := condition.Parse(req.Kind, req.Symbol, req.Value, req.Lookback)
	switch {
	case errors.Is(err, condition.ErrUnknownConditionKind):
		a.log.Warn("unknown condition kind; nothing sent",
			logx.String("kind", req.Kind),
			logx.Any("supported", condition.Kinds),
		)
		a.metrics.RecordSuppressed(metrics.ReasonUnknownKind)
		a.printf("suppressed: unknown condition kind %q\n", req.Kind)
		return nil
	case err != nil:
		a.log.Info("condition value unparseable; nothing sent", logx.Err(err))
		a.metrics.RecordSuppressed(metrics.ReasonInvalid)
		a.printf("suppressed: %v\n", err)
		return nil
	}
	if s, ok := c.(condition.Signal); ok {
		s.MinConfidence = req.MinConfidence
		c = s
	}

	if req.OnlyOutsideMarketHours {
		g := a.gate()
		if g.IsTradingHours(a.now()) {
			a.log.Info("market is open; notification suppressed", logx.String("session", g.String()))
			a.metrics.RecordSuppressed(metrics.ReasonMarketHours)
			a.printf("suppressed: market open (%s)\n", g)
			return nil
		}
	}

	ev := condition.NewEvaluator(a.signalSource(req.SignalsPath),
		condition.WithClock(a.now),
		condition.WithLogger(a.log.With(logx.Comp("condition"))),
	)
	out := ev.Evaluate(ctx, c)
	if !out.Valid {
		a.log.Info("condition not met; nothing sent",
			logx.String("kind", string(c.Kind())),
			logx.String("reason", out.Reason),
		)
		a.metrics.RecordSuppressed(metrics.ReasonInvalid)
		a.printf("suppressed: %s\n", out.Reason)
		return nil
	}

	d := a.dispatcher("notify")
	msg := kit.NewMessage(out.Subject, out.Message, out.Priority, a.now())
	return a.deliver(ctx, d, msg, router.SelectChannels(out.Priority, a.Config().Preferences, d.Enabled()))
}

func (a *App) deliver(ctx context.Context, d *dispatch.Dispatcher, msg kit.Message, channels []kit.ChannelID) error {
	res := d.Send(ctx, msg, channels)
	a.printf("%s\n", res.Summary())
	if res.Deduplicated {
		return nil
	}
	if !res.AnySucceeded {
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, res.Summary())
	}
	return nil
}

type WatchRequest struct {
	SignalsPath string
	// Symbols limits evaluation; empty means every symbol in the file.
	Symbols       []string
	Lookback      time.Duration
	MinConfidence float64
	Debounce      time.Duration

	// Reload triggers a config re-read (SIGHUP).
	Reload <-chan os.Signal
}

// Watch re-evaluates signal conditions whenever the signal file changes and
// blocks until ctx is cancelled. A signal record is marked handled once it
// reaches at least one channel; if every channel fails it is tried again on
// the next change.
func (a *App) Watch(ctx context.Context, req WatchRequest) error {
	if strings.TrimSpace(req.SignalsPath) == "" {
		return fmt.Errorf("%w: signals file is required", ErrUsage)
	}
	src := a.signalSource(req.SignalsPath)
	ev := condition.NewEvaluator(src,
		condition.WithClock(a.now),
		condition.WithLogger(a.log.With(logx.Comp("condition"))),
	)
	d := a.dispatcher("watch")
	log := a.log.With(logx.Comp("watch"), logx.String("file", req.SignalsPath))

	var (
		mu   sync.Mutex
		seen = map[string]time.Time{}
	)
	scan := func(ctx context.Context) {
		mu.Lock()
		defer mu.Unlock()

		symbols := req.Symbols
		if len(symbols) == 0 {
			lister, ok := src.(interface {
				Symbols(context.Context) ([]string, error)
			})
			if !ok {
				return
			}
			var err error
			if symbols, err = lister.Symbols(ctx); err != nil {
				log.Warn("signal file unreadable", logx.Err(err))
				return
			}
		}
		for _, sym := range symbols {
			rec, ok, err := src.Latest(ctx, sym)
			if err != nil || !ok {
				continue
			}
			if last, done := seen[rec.Symbol]; done && !rec.Timestamp.After(last) {
				continue
			}
			out := ev.Evaluate(ctx, condition.Signal{Symbol: sym, Lookback: req.Lookback, MinConfidence: req.MinConfidence})
			if !out.Valid {
				log.Debug("signal not actionable", logx.String("symbol", sym), logx.String("reason", out.Reason))
				continue
			}
			msg := kit.NewMessage(out.Subject, out.Message, out.Priority, a.now())
			if err := a.deliver(ctx, d, msg, router.SelectChannels(out.Priority, a.Config().Preferences, d.Enabled())); err != nil {
				log.Warn("signal dispatch failed; retrying on next change", logx.String("symbol", sym), logx.Err(err))
				continue
			}
			seen[rec.Symbol] = rec.Timestamp
		}
	}

	scan(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w := &signals.Watcher{Path: req.SignalsPath, Debounce: req.Debounce, OnChange: scan, Log: log}
		return w.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-req.Reload:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
				_ = a.Reload()
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			}
		}
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}
	log.Info("watching signal file", logx.Strings("symbols", req.Symbols))

	err := g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Migrate merges legacy per-channel files into the unified config.
func (a *App) Migrate(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: no legacy files given", ErrUsage)
	}
	cfg, err := a.cfgm.Migrate(paths)
	if err != nil {
		return err
	}
	a.printf("config: %s\n", a.cfgm.Path())
	a.printf("chatbot: enabled=%t configured=%t\n", cfg.ChatBot.Enabled, cfg.ChatBotConfigured())
	a.printf("email:   enabled=%t configured=%t\n", cfg.Email.Enabled, cfg.EmailConfigured())
	return nil
}

// History prints the last n dispatches, newest first. A non-empty priority
// limits the listing to that tier.
func (a *App) History(ctx context.Context, n int, priority string) error {
	if a.store == nil {
		return fmt.Errorf("history needs storage.driver in the config: %w", storage.ErrDisabled)
	}
	if n <= 0 {
		n = 20
	}
	if strings.TrimSpace(priority) != "" {
		p, err := kit.ParsePriority(priority)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUsage, err)
		}
		priority = p.String()
	}
	recs, err := a.store.RecentDispatches(ctx, n, priority)
	if err != nil {
		return err
	}
	loc := a.gate().Location
	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSOURCE\tPRIORITY\tSUBJECT\tRESULT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.At.In(loc).Format("2006-01-02 15:04:05"),
			r.Source, r.Priority, r.Subject, historyResult(r))
	}
	return tw.Flush()
}

func historyResult(r storage.DispatchRecord) string {
	if r.Deduplicated {
		return "deduplicated"
	}
	parts := make([]string, 0, len(r.Channels))
	for _, c := range r.Channels {
		parts = append(parts, c.Channel+"="+c.Outcome)
	}
	if len(parts) == 0 {
		return "no channels"
	}
	return strings.Join(parts, " ")
}
