package config

// Config is the unified notification config (one file, one live instance).
//
// Channel sections and notification_preferences keep the historical key
// names so existing files keep loading. Everything else is optional and
// defaulted via `default` tags.
type Config struct {
	ChatBot     ChatBotConfig `json:"chatbot"`
	Email       EmailConfig   `json:"email"`
	Preferences Preferences   `json:"notification_preferences"`

	Logging     LoggingConfig     `json:"logging,omitempty"`
	Dispatch    DispatchConfig    `json:"dispatch,omitempty"`
	MarketHours MarketHoursConfig `json:"market_hours,omitempty"`
	Storage     StorageConfig     `json:"storage,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty"`
	Legacy      LegacyConfig      `json:"legacy,omitempty"`
}

// ChatBotConfig holds bot push credentials.
// Token and RecipientID are only required when the channel is enabled.
type ChatBotConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token" validate:"required_if=Enabled true"`
	RecipientID string `json:"recipientId" validate:"required_if=Enabled true"`

	// APIURL overrides the bot API base (self-hosted bot API server).
	APIURL string `json:"apiUrl,omitempty" default:"https://api.telegram.org" validate:"omitempty,url"`
	// RatePerSec caps outgoing sendMessage calls.
	RatePerSec int `json:"ratePerSec,omitempty" default:"30" validate:"gte=0"`
}

type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	From       string `json:"from" validate:"required_if=Enabled true"`
	To         string `json:"to" validate:"required_if=Enabled true"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	SMTPServer string `json:"smtpServer" validate:"required_if=Enabled true"`
	Port       int    `json:"port" default:"587" validate:"gte=0,lte=65535"`
	// UseSSL selects implicit TLS (usually port 465). When false the
	// session must be upgraded with STARTTLS.
	UseSSL     bool `json:"useSsl"`
	EnableHTML bool `json:"enableHtml,omitempty"`
}

// Preferences maps an alert category to an ordered list of channel ids.
// A nil/empty category means "broadcast to every enabled channel".
// Entries accept every channel alias transport.ParseChannel does.
type Preferences struct {
	SystemAlerts   []string `json:"system_alerts" validate:"dive,channel"`
	TradingSignals []string `json:"trading_signals" validate:"dive,channel"`
	DailyReports   []string `json:"daily_reports" validate:"dive,channel"`
	ErrorAlerts    []string `json:"error_alerts" validate:"dive,channel"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty" default:"info" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// DispatchConfig tunes the dispatcher.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults:
//   - channel_timeout: "15s"
//   - dedup_window: "0s" (disabled)
type DispatchConfig struct {
	ChannelTimeout string `json:"channel_timeout,omitempty" default:"15s"`
	DedupWindow    string `json:"dedup_window,omitempty"`
}

// MarketHoursConfig describes the exchange session used by the off-hours gate.
type MarketHoursConfig struct {
	Open     string `json:"open,omitempty" default:"09:30"`
	Close    string `json:"close,omitempty" default:"16:00"`
	Timezone string `json:"timezone,omitempty" default:"America/New_York"`
}

// StorageConfig controls dispatch history / dedup persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tradealert.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the Prometheus textfile export.
// Each invocation rewrites the file so node_exporter's textfile collector can pick it up.
type MetricsConfig struct {
	Textfile string `json:"textfile,omitempty"`
}

// LegacyConfig lists older per-channel files merged in at startup.
// Merging is idempotent, so leaving the list in place is harmless.
type LegacyConfig struct {
	Paths []string `json:"paths,omitempty"`
}
