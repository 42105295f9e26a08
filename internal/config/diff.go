package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tradealert/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (bot token, SMTP password)
// are never included; only whether they changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	oc, nc := oldCfg.ChatBot, newCfg.ChatBot
	if oc.Enabled != nc.Enabled || oc.Token != nc.Token || oc.RecipientID != nc.RecipientID ||
		oc.APIURL != nc.APIURL || oc.RatePerSec != nc.RatePerSec {
		changed = append(changed, "chatbot")
		attrs = append(attrs,
			logx.Bool("chatbot.enabled", nc.Enabled),
			logx.Bool("chatbot.token_changed", oc.Token != nc.Token),
			logx.Bool("chatbot.configured", newCfg.ChatBotConfigured()),
		)
	}

	oe, ne := oldCfg.Email, newCfg.Email
	if oe.Password != ne.Password || !reflect.DeepEqual(withoutPassword(oe), withoutPassword(ne)) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", ne.Enabled),
			logx.String("email.server", strings.TrimSpace(ne.SMTPServer)),
			logx.Int("email.port", ne.Port),
			logx.Bool("email.ssl", ne.UseSSL),
			logx.Bool("email.password_changed", oe.Password != ne.Password),
		)
	}

	if !reflect.DeepEqual(oldCfg.Preferences, newCfg.Preferences) {
		changed = append(changed, "notification_preferences")
		attrs = append(attrs,
			logx.Strings("prefs.system_alerts", newCfg.Preferences.SystemAlerts),
			logx.Strings("prefs.trading_signals", newCfg.Preferences.TradingSignals),
			logx.Strings("prefs.daily_reports", newCfg.Preferences.DailyReports),
			logx.Strings("prefs.error_alerts", newCfg.Preferences.ErrorAlerts),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.channel_timeout", newCfg.Dispatch.ChannelTimeout),
			logx.String("dispatch.dedup_window", newCfg.Dispatch.DedupWindow),
		)
	}

	if oldCfg.MarketHours != newCfg.MarketHours {
		changed = append(changed, "market_hours")
		attrs = append(attrs,
			logx.String("market_hours.open", newCfg.MarketHours.Open),
			logx.String("market_hours.close", newCfg.MarketHours.Close),
			logx.String("market_hours.timezone", newCfg.MarketHours.Timezone),
		)
	}

	// Storage and metrics are opened once per process; a change only takes
	// effect after restart, so it is reported but not applied.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.textfile_set", strings.TrimSpace(newCfg.Metrics.Textfile) != ""))
	}

	sort.Strings(changed)
	return changed, attrs
}

func withoutPassword(e EmailConfig) EmailConfig {
	e.Password = ""
	return e
}
