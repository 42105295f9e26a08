package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "tradealert/pkg/logx"
)

func drivers(t *testing.T) map[string]Config {
	t.Helper()
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "state", "tradealert.db")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "tradealert.sqlite")},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver: want error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file without path: want error")
	}
}

func TestDispatchHistory(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			base := time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				r := DispatchRecord{
					At:       base.Add(time.Duration(i) * time.Minute),
					Source:   "send",
					Subject:  string(rune('a' + i)),
					Priority: "medium",
					Channels: []ChannelOutcome{
						{Channel: "chatbot", Outcome: "sent"},
						{Channel: "email", Outcome: "failed", Error: "dial: refused"},
					},
					AnySucceeded: true,
					TookMS:       int64(10 * i),
				}
				if err := st.AppendDispatch(ctx, r); err != nil {
					t.Fatalf("AppendDispatch: %v", err)
				}
			}

			got, err := st.RecentDispatches(ctx, 3, "")
			if err != nil {
				t.Fatalf("RecentDispatches: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			if got[0].Subject != "e" || got[2].Subject != "c" {
				t.Fatalf("order = %s,%s,%s; want newest first e,d,c", got[0].Subject, got[1].Subject, got[2].Subject)
			}
			if !got[0].At.Equal(base.Add(4 * time.Minute)) {
				t.Fatalf("At = %v", got[0].At)
			}
			if len(got[0].Channels) != 2 || got[0].Channels[1].Error != "dial: refused" {
				t.Fatalf("channels = %+v", got[0].Channels)
			}
			if !got[0].AnySucceeded || got[0].TookMS != 40 {
				t.Fatalf("record = %+v", got[0])
			}

			all, err := st.RecentDispatches(ctx, 100, "")
			if err != nil || len(all) != 5 {
				t.Fatalf("RecentDispatches(100) = %d, %v", len(all), err)
			}

			crit := DispatchRecord{At: base.Add(10 * time.Minute), Source: "notify", Subject: "halt", Priority: "critical"}
			if err := st.AppendDispatch(ctx, crit); err != nil {
				t.Fatalf("AppendDispatch: %v", err)
			}
			only, err := st.RecentDispatches(ctx, 10, "critical")
			if err != nil || len(only) != 1 || only[0].Subject != "halt" {
				t.Fatalf("critical only = %+v, %v", only, err)
			}
			// The limit applies after filtering.
			med, err := st.RecentDispatches(ctx, 2, "medium")
			if err != nil || len(med) != 2 || med[0].Subject != "e" {
				t.Fatalf("medium = %+v, %v", med, err)
			}
		})
	}
}

func TestDedupSurvivesReopen(t *testing.T) {
	for name, cfg := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			if err := st.PutDedup(ctx, "old", time.Now().Add(-time.Hour)); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()

			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok {
				t.Fatalf("GetDedup(k1) = %v, %v", ok, err)
			}
			if !got.Equal(until) {
				t.Fatalf("until = %v, want %v", got, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("GetDedup(missing) found")
			}
		})
	}
}
