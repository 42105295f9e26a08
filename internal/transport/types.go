package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelID identifies a delivery transport.
type ChannelID string

const (
	ChannelChatBot ChannelID = "chatbot"
	ChannelEmail   ChannelID = "email"
)

// KnownChannels lists every channel in canonical order.
// Broadcast and any "all channels" iteration use this order.
var KnownChannels = []ChannelID{ChannelChatBot, ChannelEmail}

// ParseChannel accepts the canonical ids plus a few historical aliases.
func ParseChannel(s string) (ChannelID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chatbot", "chat-bot", "telegram", "bot":
		return ChannelChatBot, nil
	case "email", "mail", "smtp":
		return ChannelEmail, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// Priority is the severity tier of a message. It drives routing.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Icon is the prefix used when rendering a subject line.
func (p Priority) Icon() string {
	switch p {
	case PriorityCritical:
		return "🚨"
	case PriorityHigh:
		return "⚠️"
	case PriorityMedium:
		return "ℹ️"
	default:
		return "📊"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "daily":
		return PriorityLow, nil
	case "", "medium", "info":
		return PriorityMedium, nil
	case "high", "warn", "warning":
		return PriorityHigh, nil
	case "critical", "alert", "error":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// Message is the channel-neutral notification. Adapters render it; nobody mutates it.
type Message struct {
	Subject   string
	Body      string
	Timestamp time.Time
	Priority  Priority
}

// NewMessage stamps a message. An empty subject falls back to a priority-derived one.
func NewMessage(subject, body string, p Priority, now time.Time) Message {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "Trading alert (" + p.String() + ")"
	}
	return Message{Subject: subject, Body: body, Timestamp: now, Priority: p}
}

// Title is the subject as shown to humans (icon + subject).
func (m Message) Title() string {
	return m.Priority.Icon() + " " + m.Subject
}

// TimestampText renders the timestamp the same way on every channel.
func (m Message) TimestampText() string {
	return m.Timestamp.Format("2006-01-02 15:04:05 MST")
}

// ErrTransport marks a per-channel delivery failure (network, auth, API rejection).
var ErrTransport = errors.New("transport failure")

// TransportError wraps a delivery failure so callers can match ErrTransport.
func TransportError(channel ChannelID, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", channel, ErrTransport, err)
}

// Adapter delivers a message over one transport.
//
// Implementations hold only immutable channel config. Deliver must be safe to
// call concurrently and must not retry.
type Adapter interface {
	ID() ChannelID
	Deliver(ctx context.Context, msg Message) error
}
