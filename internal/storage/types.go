package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines history plus a dedup snapshot/journal next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchRecord summarises one dispatch. Message bodies are not stored.
type DispatchRecord struct {
	At           time.Time        `json:"at"`
	Source       string           `json:"source"` // send, notify, watch
	Subject      string           `json:"subject"`
	Priority     string           `json:"priority"`
	Channels     []ChannelOutcome `json:"channels"`
	AnySucceeded bool             `json:"any_succeeded"`
	Deduplicated bool             `json:"deduplicated,omitempty"`
	TookMS       int64            `json:"took_ms"`
}

type ChannelOutcome struct {
	Channel string `json:"channel"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}
