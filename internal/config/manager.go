package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"

	logx "tradealert/pkg/logx"
)

var (
	// ErrConfigMissing means the file did not exist; a disabled default was written instead.
	ErrConfigMissing = errors.New("config missing")
	// ErrConfigMalformed means the file exists but cannot be trusted. Callers must abort.
	ErrConfigMalformed = errors.New("config malformed")
)

// Environment overrides applied after parsing. They fill credentials only and
// never flip a channel's enabled flag.
const (
	EnvChatBotToken     = "TRADEALERT_CHATBOT_TOKEN"
	EnvChatBotRecipient = "TRADEALERT_CHATBOT_RECIPIENT"
	EnvEmailPassword    = "TRADEALERT_EMAIL_PASSWORD"
)

// Manager owns the single live Config of the process.
//
// The config is loaded once and only re-read on an explicit Reload().
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	log logx.Logger
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *Manager) Path() string { return m.path }

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored.
func LoadEnvFiles(paths ...string) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// Load reads, validates and commits the config.
//
// A missing file is not fatal: a disabled default is written to the path,
// committed and returned together with an error matching ErrConfigMissing.
// Any other failure returns a nil config and an error matching ErrConfigMalformed
// (or the raw I/O error when the file exists but cannot be read).
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.parseFile()
	if errors.Is(err, fs.ErrNotExist) {
		def := Default()
		werr := writeConfig(m.path, def)
		m.Commit(def)
		if werr != nil {
			return def, fmt.Errorf("%w: %s (writing default failed: %v)", ErrConfigMissing, m.path, werr)
		}
		m.log.Warn("config not found; wrote disabled default", logx.String("path", m.path))
		return def, fmt.Errorf("%w: default written to %s", ErrConfigMissing, m.path)
	}
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	m.Commit(cfg)
	return cfg, nil
}

// Reload re-reads the file. On failure the previous config stays live.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := m.parseFile()
	if err != nil {
		return m.Get(), err
	}
	applyEnv(cfg)
	prev := m.Get()
	m.Commit(cfg)
	changed, attrs := SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		m.log.Info("config reloaded (no changes)", logx.String("path", m.path))
		return cfg, nil
	}
	fields := append([]logx.Field{logx.String("path", m.path), logx.Strings("changed", changed)}, attrs...)
	m.log.Info("config reloaded", fields...)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// parseFile returns the file content as a defaulted, validated Config
// without any environment overlay.
func (m *Manager) parseFile() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Parse(m.path, b)
}

// Parse decodes config bytes. The path extension selects JSON or YAML.
func Parse(path string, b []byte) (*Config, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrConfigMalformed, path)
	}
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s decode: %v", ErrConfigMalformed, format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing data", ErrConfigMalformed)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", ErrConfigMalformed, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}
	return &cfg, nil
}

// Default is the fail-closed config written when no file exists:
// every channel disabled, every credential a visible placeholder.
func Default() *Config {
	cfg := &Config{
		ChatBot: ChatBotConfig{
			Enabled:     false,
			Token:       "YOUR_BOT_TOKEN_HERE",
			RecipientID: "YOUR_CHAT_ID_HERE",
		},
		Email: EmailConfig{
			Enabled:    false,
			From:       "sender@example.com",
			To:         "receiver@example.com",
			Username:   "sender@example.com",
			Password:   "YOUR_EMAIL_PASSWORD_HERE",
			SMTPServer: "smtp.example.com",
			Port:       587,
		},
		Preferences: Preferences{
			SystemAlerts:   []string{"chatbot"},
			TradingSignals: []string{"chatbot", "email"},
			DailyReports:   []string{"email"},
			ErrorAlerts:    []string{"chatbot", "email"},
		},
	}
	_ = defaults.Set(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvChatBotToken)); v != "" {
		cfg.ChatBot.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvChatBotRecipient)); v != "" {
		cfg.ChatBot.RecipientID = v
	}
	if v := os.Getenv(EnvEmailPassword); v != "" {
		cfg.Email.Password = v
	}
}

// writeConfig persists cfg atomically (temp file + rename).
func writeConfig(path string, cfg *Config) error {
	b, err := encodeConfig(path, cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	// Credentials live in here.
	_ = os.Chmod(tmpName, 0o600)
	return os.Rename(tmpName, path)
}

func encodeConfig(path string, cfg *Config) ([]byte, error) {
	jb, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if !isYAMLPath(path) {
		return append(jb, '\n'), nil
	}
	return jsonToYAML(jb)
}
