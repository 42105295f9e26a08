package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	kit "tradealert/internal/transport"
	"tradealert/pkg/logx"
	"tradealert/pkg/tgui"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	// DefaultRate is the bot API's documented global ceiling.
	DefaultRate = 30
)

type Config struct {
	Token       string
	RecipientID string
	APIURL      string
	RatePerSec  int
	// Client is used for bot API calls. Nil means a client with a 10s timeout.
	Client *http.Client
}

// Adapter pushes alerts to a single chat through the bot API.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	to      recipient
	limiter *rate.Limiter
}

var _ kit.Adapter = (*Adapter)(nil)

// recipient accepts numeric chat ids as well as "@channelname".
type recipient string

func (r recipient) Recipient() string { return string(r) }

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("chat-bot token is empty")
	}
	if strings.TrimSpace(cfg.RecipientID) == "" {
		return nil, errors.New("chat-bot recipient is empty")
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRate
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	// Offline skips the getMe round trip; this adapter never polls.
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   strings.TrimSpace(cfg.Token),
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With(logx.Comp("chatbot")),
		bot:     b,
		to:      recipient(strings.TrimSpace(cfg.RecipientID)),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}, nil
}

func (a *Adapter) ID() kit.ChannelID { return kit.ChannelChatBot }

// Deliver renders msg as HTML and sends it, split into several messages
// when it exceeds the per-message limit. Every chunk must be accepted.
func (a *Adapter) Deliver(ctx context.Context, msg kit.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	chunks := splitTelegramText(Render(msg), telegramTextLimit, tele.ModeHTML)

	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return kit.TransportError(kit.ChannelChatBot, err)
		}
		sent, err := a.bot.Send(a.to, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		if err != nil {
			a.log.Debug("sendMessage failed", logx.Int("chunk", i), logx.Err(err))
			return kit.TransportError(kit.ChannelChatBot, err)
		}
		if sent == nil {
			return kit.TransportError(kit.ChannelChatBot, errors.New("sendMessage: empty result"))
		}
	}
	a.log.Debug("delivered", logx.Int("chunks", len(chunks)), logx.String("priority", msg.Priority.String()))
	return nil
}

// Render builds the HTML body: bold icon+subject, italic timestamp, then the
// escaped body.
func Render(msg kit.Message) string {
	head := tgui.B(msg.Title())
	ts := tgui.I(msg.TimestampText())
	body := tgui.Esc(msg.Body)
	return tgui.JoinH("\n", head, ts).String() + "\n\n" + body.String()
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML
// tags or entities when parseMode is HTML.
func splitTelegramText(s string, limit int, parseMode tele.ParseMode) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(string(parseMode), string(tele.ModeHTML))

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if html && end < len(rs) {
			end = avoidDanglingMarkup(rs, start, end)
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// avoidDanglingMarkup moves end back so that rs[start:end] does not stop in
// the middle of "<tag" or "&amp;".
func avoidDanglingMarkup(rs []rune, start, end int) int {
	lastOpen, lastClose, lastAmp, lastSemi := -1, -1, -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		case '&':
			lastAmp = i
		case ';':
			lastSemi = i
		}
	}
	cut := end
	if lastOpen > lastClose && lastOpen > start+1 {
		cut = lastOpen
	}
	if lastAmp > lastSemi && lastAmp > start+1 && lastAmp < cut {
		cut = lastAmp
	}
	return cut
}
