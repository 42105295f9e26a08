package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradealert/internal/app"
	"tradealert/internal/condition"
)

const usage = `usage: tradealert [-config path] <command> [flags]

commands:
  send     send a free-form message
  notify   evaluate a condition and notify when it holds
  watch    re-evaluate signals whenever the signal file changes
  migrate  merge legacy per-channel config files
  history  show recent dispatches (needs storage)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("tradealert", flag.ContinueOnError)
	cfgPath := global.String("config", app.DefaultConfigPath, "path to notification config (json or yaml)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 2
	}
	cmd, cmdArgs := rest[0], rest[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.StringVar(cfgPath, "config", *cfgPath, "path to notification config (json or yaml)")

	var exec func(ctx context.Context, a *app.App) error
	switch cmd {
	case "send":
		var req app.SendRequest
		fs.StringVar(&req.Body, "m", "", "message body")
		fs.StringVar(&req.Subject, "s", "", "subject")
		fs.StringVar(&req.Channel, "c", "", "chatbot, email or all (default: route by priority)")
		fs.StringVar(&req.Priority, "p", "medium", "low, medium, high or critical")
		exec = func(ctx context.Context, a *app.App) error { return a.Send(ctx, req) }

	case "notify":
		var req app.NotifyRequest
		fs.StringVar(&req.Kind, "kind", "", "signal, threshold, volatility or event")
		fs.StringVar(&req.Symbol, "symbol", "", "instrument symbol")
		fs.StringVar(&req.Value, "value", "", "threshold actual:limit, volatility percent or event text")
		fs.DurationVar(&req.Lookback, "lookback", condition.DefaultLookback, "signal freshness window")
		fs.Float64Var(&req.MinConfidence, "min-confidence", 0, "minimum signal confidence (0.6 or 60)")
		fs.StringVar(&req.SignalsPath, "signals", "", "signal file for -kind signal")
		fs.BoolVar(&req.OnlyOutsideMarketHours, "only-outside-market-hours", false, "stay quiet while the market is open")
		exec = func(ctx context.Context, a *app.App) error { return a.Notify(ctx, req) }

	case "watch":
		var (
			req     app.WatchRequest
			symbols string
		)
		fs.StringVar(&req.SignalsPath, "signals", "", "signal file to watch")
		fs.StringVar(&symbols, "symbols", "", "comma separated symbols (default: every symbol in the file)")
		fs.DurationVar(&req.Lookback, "lookback", condition.DefaultLookback, "signal freshness window")
		fs.Float64Var(&req.MinConfidence, "min-confidence", 0, "minimum signal confidence (0.6 or 60)")
		fs.DurationVar(&req.Debounce, "debounce", 500*time.Millisecond, "quiet period after a write")
		exec = func(ctx context.Context, a *app.App) error {
			req.Symbols = splitList(symbols)
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			req.Reload = hup
			return a.Watch(ctx, req)
		}

	case "migrate":
		var legacy string
		fs.StringVar(&legacy, "legacy", "", "comma separated legacy config files")
		exec = func(ctx context.Context, a *app.App) error { return a.Migrate(splitList(legacy)) }

	case "history":
		var (
			n        int
			priority string
		)
		fs.IntVar(&n, "n", 20, "number of dispatches")
		fs.StringVar(&priority, "priority", "", "only show dispatches of this priority (low|medium|high|critical)")
		exec = func(ctx context.Context, a *app.App) error { return a.History(ctx, n, priority) }

	case "help", "-h", "--help":
		global.Usage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		global.Usage()
		return 2
	}

	if err := fs.Parse(cmdArgs); err != nil {
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: *cfgPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return app.ExitCode(err)
	}
	err = exec(ctx, a)
	if cerr := a.Close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "close:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, app.ErrUsage) {
			fs.Usage()
		}
	}
	return app.ExitCode(err)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
