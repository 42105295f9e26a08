package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	kit "tradealert/internal/transport"
	"tradealert/pkg/logx"
	"tradealert/pkg/tgui"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrStartTLSUnavailable is returned when a plain session cannot be upgraded.
	ErrStartTLSUnavailable = errors.New("server does not offer STARTTLS")
	// ErrAuthUnavailable is returned when credentials are set but the server
	// does not advertise AUTH.
	ErrAuthUnavailable = errors.New("server does not advertise AUTH")
)

type Config struct {
	From       string
	To         string // comma separated
	Username   string
	Password   string
	Host       string
	Port       int
	UseSSL     bool
	EnableHTML bool

	// TLS overrides the client TLS config (tests, private CAs).
	TLS *tls.Config
}

// Adapter sends one SMTP message per Deliver call.
type Adapter struct {
	cfg  Config
	rcpt []string
	log  logx.Logger
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.Host == "" {
		return nil, errors.New("smtp server is empty")
	}
	if cfg.From == "" {
		return nil, errors.New("sender address is empty")
	}
	rcpt := splitAddrs(cfg.To)
	if len(rcpt) == 0 {
		return nil, errors.New("recipient address is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
		if cfg.UseSSL {
			cfg.Port = 465
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, rcpt: rcpt, log: log.With(logx.Comp("email"))}, nil
}

func (a *Adapter) ID() kit.ChannelID { return kit.ChannelEmail }

func (a *Adapter) Deliver(ctx context.Context, msg kit.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := a.compose(msg)
	if err != nil {
		return kit.TransportError(kit.ChannelEmail, err)
	}
	if err := a.send(ctx, body); err != nil {
		return kit.TransportError(kit.ChannelEmail, err)
	}
	a.log.Debug("delivered", logx.Int("rcpt", len(a.rcpt)), logx.String("priority", msg.Priority.String()))
	return nil
}

func (a *Adapter) tlsConfig() *tls.Config {
	if a.cfg.TLS != nil {
		return a.cfg.TLS.Clone()
	}
	return &tls.Config{ServerName: a.cfg.Host, MinVersion: tls.VersionTLS12}
}

func (a *Adapter) send(ctx context.Context, body []byte) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	_ = conn.SetDeadline(deadline)

	// Unblock any pending read/write once the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if a.cfg.UseSSL {
		tc := tls.Client(conn, a.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tc
	}

	c, err := smtp.NewClient(conn, a.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if !a.cfg.UseSSL {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return ErrStartTLSUnavailable
		}
		if err := c.StartTLS(a.tlsConfig()); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if strings.TrimSpace(a.cfg.Username) != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return ErrAuthUnavailable
		}
		auth := smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(a.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, r := range a.rcpt {
		if err := c.Rcpt(r); err != nil {
			return fmt.Errorf("rcpt %s: %w", r, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	return c.Quit()
}

// compose renders the full RFC 5322 message.
func (a *Adapter) compose(msg kit.Message) ([]byte, error) {
	var buf bytes.Buffer
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	hdr := [][2]string{
		{"From", a.cfg.From},
		{"To", strings.Join(a.rcpt, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Title())},
		{"Date", ts.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"X-Priority", xPriority(msg.Priority)},
	}
	for _, h := range hdr {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}

	plain := PlainText(msg)
	if !a.cfg.EnableHTML {
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		if err := writeQP(&buf, plain); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	for _, part := range []struct{ ctype, text string }{
		{"text/plain; charset=UTF-8", plain},
		{"text/html; charset=UTF-8", HTML(msg)},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeQP(pw, part.text); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PlainText is the text/plain rendering.
func PlainText(msg kit.Message) string {
	return msg.Title() + "\n" + msg.TimestampText() + "\n\n" + msg.Body + "\n"
}

// HTML is the text/html rendering used when enableHtml is set.
func HTML(msg kit.Message) string {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	b.WriteString("<h3>" + tgui.Esc(msg.Title()).String() + "</h3>\n")
	b.WriteString("<p><i>" + tgui.Esc(msg.TimestampText()).String() + "</i></p>\n")
	b.WriteString(`<pre style="font-family:monospace;white-space:pre-wrap">`)
	b.WriteString(tgui.Esc(msg.Body).String())
	b.WriteString("</pre>\n</body></html>\n")
	return b.String()
}

func writeQP(w io.Writer, s string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(s)); err != nil {
		return err
	}
	return qp.Close()
}

func xPriority(p kit.Priority) string {
	switch p {
	case kit.PriorityCritical:
		return "1 (Highest)"
	case kit.PriorityHigh:
		return "2 (High)"
	case kit.PriorityLow:
		return "5 (Lowest)"
	default:
		return "3 (Normal)"
	}
}

func splitAddrs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
