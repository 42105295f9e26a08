package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	kit "tradealert/internal/transport"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// "channel" accepts the same ids and aliases as the send command.
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		_, err := kit.ParseChannel(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate runs struct-tag validation plus the cross-field checks tags can't express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if _, err := ParseDurationField("dispatch.channel_timeout", cfg.Dispatch.ChannelTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("dispatch.dedup_window", cfg.Dispatch.DedupWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseClockField("market_hours.open", cfg.MarketHours.Open); err != nil {
		return err
	}
	if _, err := ParseClockField("market_hours.close", cfg.MarketHours.Close); err != nil {
		return err
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver != "" && driver != "none" && strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver)
	}
	return nil
}

// IsPlaceholder reports whether v is an unset or template value.
//
// Placeholders are never migrated and a channel whose credentials are still
// placeholders counts as unconfigured.
func IsPlaceholder(v string) bool {
	s := strings.TrimSpace(v)
	if s == "" {
		return true
	}
	u := strings.ToUpper(s)
	if strings.HasPrefix(u, "YOUR_") && strings.HasSuffix(u, "_HERE") {
		return true
	}
	switch strings.ToLower(s) {
	case "sender@example.com", "receiver@example.com", "smtp.example.com":
		return true
	}
	return false
}

// ChatBotConfigured reports whether the chat-bot channel has real credentials.
func (c *Config) ChatBotConfigured() bool {
	return !IsPlaceholder(c.ChatBot.Token) && !IsPlaceholder(c.ChatBot.RecipientID)
}

// EmailConfigured reports whether the email channel has real addresses and a server.
func (c *Config) EmailConfigured() bool {
	return !IsPlaceholder(c.Email.From) && !IsPlaceholder(c.Email.To) && !IsPlaceholder(c.Email.SMTPServer)
}
