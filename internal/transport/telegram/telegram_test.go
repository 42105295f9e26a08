package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tradealert/internal/transport"
	"tradealert/pkg/logx"
)

type fakeBotAPI struct {
	mu    sync.Mutex
	paths []string
	texts []string
	chats []string
	fail  bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.texts = append(f.texts, fmt.Sprint(params["text"]))
	f.chats = append(f.chats, fmt.Sprint(params["chat_id"]))
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":42,"type":"private"},"text":"x"}}`))
}

func newTestAdapter(t *testing.T, api *fakeBotAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Token:       "123:abc",
		RecipientID: "42",
		APIURL:      srv.URL,
		RatePerSec:  1000,
		Client:      srv.Client(),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func testMessage(body string) kit.Message {
	ts := time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC)
	return kit.NewMessage("AAPL <signal>", body, kit.PriorityHigh, ts)
}

func TestDeliverSendsHTML(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	if err := a.Deliver(context.Background(), testMessage("price > 100 & rising")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.paths) != 1 {
		t.Fatalf("requests = %d, want 1", len(api.paths))
	}
	if got, want := api.paths[0], "/bot123:abc/sendMessage"; got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
	if api.chats[0] != "42" {
		t.Fatalf("chat_id = %q, want 42", api.chats[0])
	}
	want := "<b>⚠️ AAPL &lt;signal&gt;</b>\n<i>2024-03-06 11:00:00 UTC</i>\n\nprice &gt; 100 &amp; rising"
	if api.texts[0] != want {
		t.Fatalf("text = %q, want %q", api.texts[0], want)
	}
}

func TestDeliverSplitsLongBody(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	body := strings.Repeat("q", 9000)
	if err := a.Deliver(context.Background(), testMessage(body)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 3 {
		t.Fatalf("requests = %d, want 3", len(api.texts))
	}
	total := 0
	for _, s := range api.texts {
		n := len([]rune(s))
		if n > telegramTextLimit {
			t.Fatalf("chunk has %d runes, limit %d", n, telegramTextLimit)
		}
		total += strings.Count(s, "q")
	}
	// "q" does not occur in the header.
	if total != 9000 {
		t.Fatalf("delivered %d body runes, want 9000", total)
	}
}

func TestDeliverAPIRejection(t *testing.T) {
	api := &fakeBotAPI{fail: true}
	a := newTestAdapter(t, api)

	err := a.Deliver(context.Background(), testMessage("x"))
	if err == nil {
		t.Fatalf("Deliver err = nil, want failure")
	}
	if !errors.Is(err, kit.ErrTransport) {
		t.Fatalf("Deliver err = %v, want ErrTransport", err)
	}
}

func TestDeliverUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, err := New(Config{Token: "t", RecipientID: "1", APIURL: url}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Deliver(context.Background(), testMessage("x")); !errors.Is(err, kit.ErrTransport) {
		t.Fatalf("Deliver err = %v, want ErrTransport", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{RecipientID: "1"}, logx.Nop()); err == nil {
		t.Fatalf("New without token: want error")
	}
	if _, err := New(Config{Token: "t"}, logx.Nop()); err == nil {
		t.Fatalf("New without recipient: want error")
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, tele.ModeHTML); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %q", got)
	}

	// Prefers the newline near the end of the window.
	in := strings.Repeat("x", 6) + "\n" + strings.Repeat("y", 6)
	got := splitTelegramText(in, 10, "")
	if len(got) != 2 || got[0] != "xxxxxx" || got[1] != "yyyyyy" {
		t.Fatalf("newline split = %q", got)
	}

	// Never ends a chunk inside an entity.
	in = strings.Repeat("z", 8) + "&amp;" + strings.Repeat("z", 8)
	got = splitTelegramText(in, 10, tele.ModeHTML)
	for _, c := range got {
		if i := strings.LastIndex(c, "&"); i >= 0 && !strings.Contains(c[i:], ";") {
			t.Fatalf("chunk %q ends inside an entity", c)
		}
	}
	if strings.Join(got, "") != in {
		t.Fatalf("chunks %q do not reassemble input", got)
	}
}
