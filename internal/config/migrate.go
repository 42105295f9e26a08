package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"

	logx "tradealert/pkg/logx"
)

// legacyKind is detected from file content, not from the file name.
type legacyKind int

const (
	legacyUnknown legacyKind = iota
	legacyChatBot
	legacyEmail
)

// Migrate merges older per-channel config files into the unified file.
//
// Rules:
//   - only non-placeholder values are copied
//   - a channel already configured in the unified file is left untouched
//   - a channel that becomes fully configured through migration is enabled
//   - the unified file is rewritten only when something changed, so running
//     Migrate again over the same legacy files is a no-op
//
// Missing or unreadable legacy files are skipped. The merged config is committed
// (with the environment overlay) and returned.
func (m *Manager) Migrate(legacyPaths []string) (*Config, error) {
	cfg, err := m.parseFile()
	created := false
	if errors.Is(err, fs.ErrNotExist) {
		cfg, created = Default(), true
	} else if err != nil {
		return nil, err
	}

	before := *cfg
	before.Preferences = clonePreferences(cfg.Preferences)

	for _, p := range legacyPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		raw, kind, err := readLegacy(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				m.log.Debug("legacy config not found; skipping", logx.String("path", p))
			} else {
				m.log.Warn("legacy config unreadable; skipping", logx.String("path", p), logx.Err(err))
			}
			continue
		}
		switch kind {
		case legacyChatBot:
			if mergeChatBot(cfg, raw) {
				m.log.Info("migrated chat-bot settings", logx.String("from", p))
			}
		case legacyEmail:
			if mergeEmail(cfg, raw) {
				m.log.Info("migrated email settings", logx.String("from", p))
			}
		default:
			m.log.Warn("legacy config not recognised; skipping", logx.String("path", p))
		}
	}

	if created || !reflect.DeepEqual(before, *cfg) {
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("%w: migrated config invalid: %v", ErrConfigMalformed, err)
		}
		if err := writeConfig(m.path, cfg); err != nil {
			return nil, fmt.Errorf("write migrated config: %w", err)
		}
		m.log.Info("unified config written", logx.String("path", m.path))
	} else {
		m.log.Debug("migration: nothing to change", logx.String("path", m.path))
	}

	live := *cfg
	live.Preferences = clonePreferences(cfg.Preferences)
	applyEnv(&live)
	m.Commit(&live)
	return &live, nil
}

func readLegacy(path string) (map[string]any, legacyKind, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, legacyUnknown, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, legacyUnknown, err
	}
	var raw map[string]any
	if err := json.Unmarshal(jb, &raw); err != nil {
		return nil, legacyUnknown, err
	}
	switch {
	case hasAny(raw, "bot_token", "chat_id"):
		return raw, legacyChatBot, nil
	case hasAny(raw, "sender_email", "smtp_server", "receiver_email"):
		return raw, legacyEmail, nil
	default:
		return raw, legacyUnknown, nil
	}
}

func mergeChatBot(cfg *Config, raw map[string]any) bool {
	if cfg.ChatBotConfigured() {
		return false
	}
	changed := fillString(&cfg.ChatBot.Token, legacyString(raw, "bot_token", "token"))
	changed = fillString(&cfg.ChatBot.RecipientID, legacyString(raw, "chat_id")) || changed
	if changed && cfg.ChatBotConfigured() {
		cfg.ChatBot.Enabled = true
	}
	return changed
}

func mergeEmail(cfg *Config, raw map[string]any) bool {
	if cfg.EmailConfigured() {
		return false
	}
	sender := legacyString(raw, "sender_email")
	changed := fillString(&cfg.Email.From, sender)
	changed = fillString(&cfg.Email.Username, legacyString(raw, "username", "sender_email")) || changed
	changed = fillString(&cfg.Email.Password, legacyString(raw, "sender_password", "password")) || changed
	changed = fillString(&cfg.Email.To, legacyString(raw, "receiver_email")) || changed
	changed = fillString(&cfg.Email.SMTPServer, legacyString(raw, "smtp_server")) || changed

	if port, ok := legacyInt(raw, "smtp_port"); ok && port > 0 && port != cfg.Email.Port {
		cfg.Email.Port = port
		changed = true
	}
	if v, ok := raw["use_ssl"].(bool); ok && v != cfg.Email.UseSSL {
		cfg.Email.UseSSL = v
		changed = true
	}
	if changed && cfg.EmailConfigured() {
		cfg.Email.Enabled = true
	}
	return changed
}

// fillString copies v into *dst when v is real and *dst is still a placeholder.
func fillString(dst *string, v string) bool {
	if IsPlaceholder(v) || !IsPlaceholder(*dst) || *dst == v {
		return false
	}
	*dst = v
	return true
}

func legacyString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if !IsPlaceholder(v) {
				return strings.TrimSpace(v)
			}
		case float64:
			// chat ids are often written as bare numbers
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

func legacyInt(raw map[string]any, key string) (int, bool) {
	switch v := raw[key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func hasAny(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

func clonePreferences(p Preferences) Preferences {
	cp := func(s []string) []string {
		if s == nil {
			return nil
		}
		return append([]string(nil), s...)
	}
	return Preferences{
		SystemAlerts:   cp(p.SystemAlerts),
		TradingSignals: cp(p.TradingSignals),
		DailyReports:   cp(p.DailyReports),
		ErrorAlerts:    cp(p.ErrorAlerts),
	}
}
