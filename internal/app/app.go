package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradealert/internal/config"
	"tradealert/internal/dispatch"
	"tradealert/internal/markethours"
	"tradealert/internal/metrics"
	"tradealert/internal/signals"
	"tradealert/internal/storage"
	kit "tradealert/internal/transport"
	logx "tradealert/pkg/logx"
)

// Options configures New. Only ConfigPath is required.
type Options struct {
	ConfigPath string
	// EnvFiles are loaded before the config; missing files are ignored.
	// Nil means ".env" in the working directory and next to the config.
	EnvFiles []string

	// Stdout receives command output. Logs always go to stderr / the log file.
	Stdout io.Writer
	Now    func() time.Time

	// Adapters replaces the adapters built from the config.
	Adapters []kit.Adapter
	// Signals replaces the signal source used by signal conditions.
	Signals signals.Source
}

// App owns everything a single invocation needs: the live config, the
// channel adapters, storage and metrics. Build it with New, release it with
// Close.
type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	metrics  *metrics.Recorder
	adapters []kit.Adapter
	signals  signals.Source

	stdout io.Writer
	now    func() time.Time

	closeOnce sync.Once
}

// New loads (and if asked, migrates) the config and builds the channel
// adapters. A missing config is recoverable: a disabled default is written
// and the app starts with no channels. A malformed config is returned as an
// error matching config.ErrConfigMalformed and nothing else is built.
func New(opts Options) (*App, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env", filepath.Join(filepath.Dir(opts.ConfigPath), ".env")}
	}
	config.LoadEnvFiles(envFiles...)

	bootLog := logx.NewConsole("INFO").With(logx.Comp("config"))
	cfgm := config.NewManager(opts.ConfigPath)
	cfgm.SetLogger(bootLog)

	cfg, err := cfgm.Load()
	switch {
	case errors.Is(err, config.ErrConfigMissing):
		bootLog.Warn("no config found; all channels disabled until it is filled in", logx.String("path", opts.ConfigPath))
	case err != nil:
		return nil, fmt.Errorf("load config: %w", err)
	}

	if len(cfg.Legacy.Paths) > 0 {
		migrated, err := cfgm.Migrate(cfg.Legacy.Paths)
		if err != nil {
			return nil, fmt.Errorf("migrate legacy config: %w", err)
		}
		cfg = migrated
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.Comp("config")))
	log = log.With(logx.Comp("app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		metrics: metrics.New(),
		signals: opts.Signals,
		stdout:  opts.Stdout,
		now:     opts.Now,
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		log.Debug("storage enabled", logx.String("driver", sc.Driver))
	}

	if opts.Adapters != nil {
		a.adapters = opts.Adapters
	} else {
		a.adapters = buildAdapters(cfg, log)
	}
	if len(a.adapters) == 0 {
		log.Warn("no channel is enabled and configured")
	}
	return a, nil
}

// Config returns the live config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Reload re-reads the config file. Adapters are not rebuilt; routing,
// timeouts, the market-hours gate and logging pick up the new values.
func (a *App) Reload() error {
	cfg, err := a.cfgm.Reload()
	if err != nil {
		a.log.Warn("config reload failed; keeping previous config", logx.Err(err))
		return err
	}
	a.logs.Apply(mapLoggingConfig(cfg))
	return nil
}

// Close flushes metrics and releases storage and log files.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		cfg := a.cfgm.Get()
		if cfg != nil {
			if err := a.metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
				a.log.Warn("metrics textfile write failed", logx.Err(err), logx.String("path", cfg.Metrics.Textfile))
			}
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		errs = append(errs, a.logs.Close())
	})
	return errors.Join(errs...)
}

func (a *App) dispatcher(source string) *dispatch.Dispatcher {
	cfg := a.cfgm.Get()
	timeout, window := mapDispatchConfig(cfg, a.log)
	return dispatch.New(a.adapters,
		dispatch.WithChannelTimeout(timeout),
		dispatch.WithDedupWindow(window),
		dispatch.WithStore(a.store),
		dispatch.WithSource(source),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithLogger(a.log),
		dispatch.WithClock(a.now),
	)
}

func (a *App) gate() markethours.Gate {
	g, err := markethours.FromConfig(a.cfgm.Get().MarketHours)
	if err != nil {
		a.log.Warn("market_hours invalid; using defaults", logx.Err(err))
		g, _ = markethours.FromConfig(config.MarketHoursConfig{})
	}
	return g
}

func (a *App) signalSource(path string) signals.Source {
	if a.signals != nil {
		return a.signals
	}
	if path == "" {
		return nil
	}
	return &signals.FileSource{Path: path, Location: a.gate().Location}
}

func (a *App) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.stdout, format, args...)
}
