// Package router maps a message priority to the channels that should carry it.
//
// Every entry point (send, notify, watch) goes through SelectChannels so
// routing stays in one place.
package router

import (
	"tradealert/internal/config"
	kit "tradealert/internal/transport"
)

// Category names as they appear under notification_preferences.
const (
	CategoryErrorAlerts    = "error_alerts"
	CategorySystemAlerts   = "system_alerts"
	CategoryTradingSignals = "trading_signals"
	CategoryDailyReports   = "daily_reports"
)

// CategoryFor returns the preference category consulted for p.
func CategoryFor(p kit.Priority) string {
	switch p {
	case kit.PriorityCritical:
		return CategoryErrorAlerts
	case kit.PriorityHigh:
		return CategorySystemAlerts
	case kit.PriorityLow:
		return CategoryDailyReports
	default:
		return CategoryTradingSignals
	}
}

func preferenceList(prefs config.Preferences, category string) []string {
	switch category {
	case CategoryErrorAlerts:
		return prefs.ErrorAlerts
	case CategorySystemAlerts:
		return prefs.SystemAlerts
	case CategoryDailyReports:
		return prefs.DailyReports
	default:
		return prefs.TradingSignals
	}
}

// SelectChannels is pure: the same inputs always give the same slice.
//
// A configured category keeps its listed order (duplicates and unknown ids
// dropped). An absent or empty category, or one that names nothing usable,
// broadcasts to every enabled channel in canonical order.
//
// enabled may be nil, in which case channels listed in preferences are
// returned as-is and broadcast means every known channel; the dispatcher
// reports unregistered channels as skipped.
func SelectChannels(p kit.Priority, prefs config.Preferences, enabled map[kit.ChannelID]bool) []kit.ChannelID {
	listed := preferenceList(prefs, CategoryFor(p))

	out := make([]kit.ChannelID, 0, len(kit.KnownChannels))
	seen := make(map[kit.ChannelID]bool, len(kit.KnownChannels))
	for _, raw := range listed {
		id, err := kit.ParseChannel(raw)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) > 0 {
		return out
	}
	return Broadcast(enabled)
}

// Broadcast returns every enabled channel in canonical order.
func Broadcast(enabled map[kit.ChannelID]bool) []kit.ChannelID {
	out := make([]kit.ChannelID, 0, len(kit.KnownChannels))
	for _, id := range kit.KnownChannels {
		if enabled == nil || enabled[id] {
			out = append(out, id)
		}
	}
	return out
}
