package router

import (
	"reflect"
	"testing"

	"tradealert/internal/config"
	kit "tradealert/internal/transport"
)

var bothEnabled = map[kit.ChannelID]bool{kit.ChannelChatBot: true, kit.ChannelEmail: true}

func TestSelectChannels(t *testing.T) {
	t.Parallel()
	prefs := config.Preferences{
		SystemAlerts:   []string{"chatbot"},
		TradingSignals: []string{"email", "telegram", "email"},
		DailyReports:   []string{"email"},
		ErrorAlerts:    nil,
	}
	cases := []struct {
		p       kit.Priority
		enabled map[kit.ChannelID]bool
		want    []kit.ChannelID
	}{
		{kit.PriorityHigh, bothEnabled, []kit.ChannelID{kit.ChannelChatBot}},
		// order kept, alias normalised, duplicate dropped
		{kit.PriorityMedium, bothEnabled, []kit.ChannelID{kit.ChannelEmail, kit.ChannelChatBot}},
		{kit.PriorityLow, bothEnabled, []kit.ChannelID{kit.ChannelEmail}},
		// empty category broadcasts in canonical order
		{kit.PriorityCritical, bothEnabled, []kit.ChannelID{kit.ChannelChatBot, kit.ChannelEmail}},
		{kit.PriorityCritical, map[kit.ChannelID]bool{kit.ChannelEmail: true}, []kit.ChannelID{kit.ChannelEmail}},
		{kit.PriorityCritical, map[kit.ChannelID]bool{}, []kit.ChannelID{}},
	}
	for _, tc := range cases {
		got := SelectChannels(tc.p, prefs, tc.enabled)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SelectChannels(%s) = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestSelectChannelsIsDeterministic(t *testing.T) {
	t.Parallel()
	prefsSet := []config.Preferences{
		{},
		{SystemAlerts: []string{"email", "chatbot"}},
		{TradingSignals: []string{"chat-bot"}, ErrorAlerts: []string{"email", "bot", "mail"}},
		{DailyReports: []string{"pager"}},
	}
	priorities := []kit.Priority{kit.PriorityLow, kit.PriorityMedium, kit.PriorityHigh, kit.PriorityCritical}
	for _, prefs := range prefsSet {
		for _, p := range priorities {
			first := SelectChannels(p, prefs, bothEnabled)
			for i := 0; i < 50; i++ {
				if got := SelectChannels(p, prefs, bothEnabled); !reflect.DeepEqual(got, first) {
					t.Fatalf("run %d: SelectChannels(%s, %+v) = %v, first %v", i, p, prefs, got, first)
				}
			}
		}
	}
}

func TestUnknownIDsFallBackToBroadcast(t *testing.T) {
	t.Parallel()
	prefs := config.Preferences{DailyReports: []string{"pager"}}
	got := SelectChannels(kit.PriorityLow, prefs, map[kit.ChannelID]bool{kit.ChannelChatBot: true})
	if !reflect.DeepEqual(got, []kit.ChannelID{kit.ChannelChatBot}) {
		t.Fatalf("got %v, want broadcast to chatbot", got)
	}
}

func TestCategoryFor(t *testing.T) {
	t.Parallel()
	want := map[kit.Priority]string{
		kit.PriorityCritical: "error_alerts",
		kit.PriorityHigh:     "system_alerts",
		kit.PriorityMedium:   "trading_signals",
		kit.PriorityLow:      "daily_reports",
	}
	for p, c := range want {
		if got := CategoryFor(p); got != c {
			t.Fatalf("CategoryFor(%s) = %q, want %q", p, got, c)
		}
	}
}
