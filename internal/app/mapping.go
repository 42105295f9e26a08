package app

import (
	"fmt"
	"strings"
	"time"

	"tradealert/internal/config"
	"tradealert/internal/dispatch"
	"tradealert/internal/storage"
	kit "tradealert/internal/transport"
	"tradealert/internal/transport/email"
	"tradealert/internal/transport/telegram"
	logx "tradealert/pkg/logx"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "./notification_config.json"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDispatchConfig never fails: the values were validated at load time, so
// a parse error here only falls back to the defaults.
func mapDispatchConfig(cfg *config.Config, log logx.Logger) (timeout, dedupWindow time.Duration) {
	timeout, err := config.ParseDurationOrDefault("dispatch.channel_timeout", cfg.Dispatch.ChannelTimeout, dispatch.DefaultChannelTimeout)
	if err != nil || timeout <= 0 {
		if err != nil {
			log.Warn("bad dispatch.channel_timeout; using default", logx.Err(err))
		}
		timeout = dispatch.DefaultChannelTimeout
	}
	dedupWindow, err = config.ParseDurationField("dispatch.dedup_window", cfg.Dispatch.DedupWindow)
	if err != nil {
		log.Warn("bad dispatch.dedup_window; dedup disabled", logx.Err(err))
		dedupWindow = 0
	}
	return timeout, dedupWindow
}

// buildAdapters constructs an adapter for every channel that is enabled and
// carries real credentials. Everything else stays unregistered so the
// dispatcher reports it as skipped.
func buildAdapters(cfg *config.Config, log logx.Logger) []kit.Adapter {
	var out []kit.Adapter

	switch {
	case !cfg.ChatBot.Enabled:
		log.Debug("chat-bot channel disabled")
	case !cfg.ChatBotConfigured():
		log.Warn("chat-bot channel enabled but credentials are placeholders; skipping")
	default:
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.ChatBot.Token,
			RecipientID: cfg.ChatBot.RecipientID,
			APIURL:      cfg.ChatBot.APIURL,
			RatePerSec:  cfg.ChatBot.RatePerSec,
		}, log)
		if err != nil {
			log.Warn("chat-bot adapter init failed; skipping", logx.Err(err))
		} else {
			out = append(out, ad)
		}
	}

	switch {
	case !cfg.Email.Enabled:
		log.Debug("email channel disabled")
	case !cfg.EmailConfigured():
		log.Warn("email channel enabled but addresses are placeholders; skipping")
	default:
		ad, err := email.New(email.Config{
			From:       cfg.Email.From,
			To:         cfg.Email.To,
			Username:   cfg.Email.Username,
			Password:   cfg.Email.Password,
			Host:       cfg.Email.SMTPServer,
			Port:       cfg.Email.Port,
			UseSSL:     cfg.Email.UseSSL,
			EnableHTML: cfg.Email.EnableHTML,
		}, log)
		if err != nil {
			log.Warn("email adapter init failed; skipping", logx.Err(err))
		} else {
			out = append(out, ad)
		}
	}
	return out
}
