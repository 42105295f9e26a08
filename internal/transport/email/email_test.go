package email

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	kit "tradealert/internal/transport"
	"tradealert/pkg/logx"
)

// fakeSMTP is a minimal SMTP server. With tls set it offers STARTTLS, or
// speaks TLS from the first byte when implicit is also set.
type fakeSMTP struct {
	ln net.Listener

	tls        *tls.Config
	implicit   bool
	noAuth     bool
	rejectRcpt bool
	hang       bool

	mu     sync.Mutex
	auth   []string
	from   []string
	rcpt   []string
	data   []string
	secure []bool
	conns  int
}

// testTLS returns a server config with a self-signed certificate for
// 127.0.0.1 and a client config that trusts it.
func testTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12}
	return server, client
}

func startFakeSMTP(t *testing.T, f *fakeSMTP) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f.ln = ln
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(c)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (f *fakeSMTP) serve(raw net.Conn) {
	defer raw.Close()
	f.mu.Lock()
	f.conns++
	f.mu.Unlock()

	if f.hang {
		_, _ = io.Copy(io.Discard, raw)
		return
	}

	var c net.Conn = raw
	secure := false
	if f.implicit && f.tls != nil {
		c = tls.Server(raw, f.tls)
		secure = true
	}
	r := bufio.NewReader(c)
	w := func(s string) { _, _ = io.WriteString(c, s+"\r\n") }
	w("220 localhost ESMTP fake")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			w("250-localhost")
			if f.tls != nil && !secure {
				w("250-STARTTLS")
			}
			if !f.noAuth {
				w("250-AUTH PLAIN")
			}
			w("250 8BITMIME")
		case "STARTTLS":
			if f.tls == nil || secure {
				w("502 not implemented")
				continue
			}
			w("220 ready to start TLS")
			tc := tls.Server(raw, f.tls)
			if err := tc.Handshake(); err != nil {
				return
			}
			c, secure = tc, true
			r = bufio.NewReader(c)
		case "AUTH":
			if f.noAuth {
				w("502 not implemented")
				continue
			}
			f.mu.Lock()
			f.auth = append(f.auth, line)
			f.mu.Unlock()
			w("235 2.7.0 ok")
		case "MAIL":
			f.mu.Lock()
			f.from = append(f.from, line)
			f.secure = append(f.secure, secure)
			f.mu.Unlock()
			w("250 ok")
		case "RCPT":
			if f.rejectRcpt {
				w("550 5.1.1 no such user")
				continue
			}
			f.mu.Lock()
			f.rcpt = append(f.rcpt, line)
			f.mu.Unlock()
			w("250 ok")
		case "DATA":
			w("354 go ahead")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				sb.WriteString(strings.TrimPrefix(l, "."))
			}
			f.mu.Lock()
			f.data = append(f.data, sb.String())
			f.mu.Unlock()
			w("250 queued")
		case "RSET", "NOOP":
			w("250 ok")
		case "QUIT":
			w("221 bye")
			return
		default:
			w("502 not implemented")
		}
	}
}

func testMessage() kit.Message {
	ts := time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC)
	return kit.NewMessage("Volatilité AAPL", "line one\nline <two> & more", kit.PriorityCritical, ts)
}

func TestDeliverStartTLS(t *testing.T) {
	srvTLS, cliTLS := testTLS(t)
	f := &fakeSMTP{tls: srvTLS}
	host, port := startFakeSMTP(t, f)

	a, err := New(Config{
		From:     "alerts@desk.io",
		To:       "me@desk.io, ops@desk.io",
		Username: "alerts@desk.io",
		Password: "pw",
		Host:     host,
		Port:     port,
		TLS:      cliTLS,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Deliver(context.Background(), testMessage()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.auth) != 1 || !strings.HasPrefix(f.auth[0], "AUTH PLAIN") {
		t.Fatalf("auth = %q, want one AUTH PLAIN", f.auth)
	}
	if len(f.secure) != 1 || !f.secure[0] {
		t.Fatalf("MAIL FROM sent before the STARTTLS upgrade")
	}
	if len(f.rcpt) != 2 {
		t.Fatalf("rcpt = %q, want 2", f.rcpt)
	}
	if len(f.data) != 1 {
		t.Fatalf("messages = %d, want 1", len(f.data))
	}

	m, err := mail.ReadMessage(strings.NewReader(f.data[0]))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	subj, err := new(mime.WordDecoder).DecodeHeader(m.Header.Get("Subject"))
	if err != nil {
		t.Fatalf("decode subject: %v", err)
	}
	if want := "🚨 Volatilité AAPL"; subj != want {
		t.Fatalf("subject = %q, want %q", subj, want)
	}
	if ct := m.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type = %q, want text/plain", ct)
	}
	body, _ := io.ReadAll(quotedprintable.NewReader(m.Body))
	if !strings.Contains(string(body), "line <two> & more") {
		t.Fatalf("body = %q", body)
	}
	if !strings.Contains(string(body), "2024-03-06 11:00:00 UTC") {
		t.Fatalf("body missing timestamp: %q", body)
	}
}

func TestDeliverHTMLIsMultipart(t *testing.T) {
	srvTLS, cliTLS := testTLS(t)
	f := &fakeSMTP{tls: srvTLS}
	host, port := startFakeSMTP(t, f)

	a, err := New(Config{From: "a@desk.io", To: "b@desk.io", Host: host, Port: port, EnableHTML: true, TLS: cliTLS}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Deliver(context.Background(), testMessage()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	f.mu.Lock()
	raw := f.data[0]
	nauth := len(f.auth)
	f.mu.Unlock()
	if nauth != 0 {
		t.Fatalf("auth attempted without username")
	}

	m, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	mt, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/alternative" {
		t.Fatalf("content-type = %q (%v), want multipart/alternative", mt, err)
	}
	mr := multipart.NewReader(m.Body, params["boundary"])
	var types []string
	var html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		ct := p.Header.Get("Content-Type")
		types = append(types, strings.SplitN(ct, ";", 2)[0])
		// multipart.Reader decodes quoted-printable transparently.
		b, _ := io.ReadAll(p)
		if strings.HasPrefix(ct, "text/html") {
			html = string(b)
		}
	}
	if strings.Join(types, ",") != "text/plain,text/html" {
		t.Fatalf("parts = %v", types)
	}
	if !strings.Contains(html, "line &lt;two&gt; &amp; more") {
		t.Fatalf("html body not escaped: %q", html)
	}
}

func TestDeliverRecipientRejected(t *testing.T) {
	srvTLS, cliTLS := testTLS(t)
	f := &fakeSMTP{tls: srvTLS, rejectRcpt: true}
	host, port := startFakeSMTP(t, f)

	a, _ := New(Config{From: "a@desk.io", To: "b@desk.io", Host: host, Port: port, TLS: cliTLS}, logx.Nop())
	err := a.Deliver(context.Background(), testMessage())
	if !errors.Is(err, kit.ErrTransport) {
		t.Fatalf("Deliver err = %v, want ErrTransport", err)
	}
}

func TestDeliverHonoursContextDeadline(t *testing.T) {
	f := &fakeSMTP{hang: true}
	host, port := startFakeSMTP(t, f)

	a, _ := New(Config{From: "a@desk.io", To: "b@desk.io", Host: host, Port: port}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := a.Deliver(ctx, testMessage())
	if !errors.Is(err, kit.ErrTransport) {
		t.Fatalf("Deliver err = %v, want ErrTransport", err)
	}
	if el := time.Since(start); el > 5*time.Second {
		t.Fatalf("Deliver took %v, want it bounded by the context", el)
	}
}

func TestDeliverImplicitTLSAgainstPlainServerFails(t *testing.T) {
	f := &fakeSMTP{}
	host, port := startFakeSMTP(t, f)

	a, _ := New(Config{From: "a@desk.io", To: "b@desk.io", Host: host, Port: port, UseSSL: true}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Deliver(ctx, testMessage()); !errors.Is(err, kit.ErrTransport) {
		t.Fatalf("Deliver err = %v, want ErrTransport", err)
	}
}

func TestDeliverImplicitTLS(t *testing.T) {
	srvTLS, cliTLS := testTLS(t)
	f := &fakeSMTP{tls: srvTLS, implicit: true}
	host, port := startFakeSMTP(t, f)

	a, err := New(Config{
		From:     "a@desk.io",
		To:       "b@desk.io",
		Username: "a@desk.io",
		Password: "pw",
		Host:     host,
		Port:     port,
		UseSSL:   true,
		TLS:      cliTLS,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Deliver(ctx, testMessage()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.auth) != 1 || len(f.data) != 1 {
		t.Fatalf("auth = %q, messages = %d", f.auth, len(f.data))
	}
	if !f.secure[0] {
		t.Fatalf("session was not encrypted")
	}
}

func TestDeliverRefusesWithoutStartTLS(t *testing.T) {
	f := &fakeSMTP{}
	host, port := startFakeSMTP(t, f)

	a, _ := New(Config{From: "a@desk.io", To: "b@desk.io", Host: host, Port: port}, logx.Nop())
	err := a.Deliver(context.Background(), testMessage())
	if !errors.Is(err, kit.ErrTransport) || !errors.Is(err, ErrStartTLSUnavailable) {
		t.Fatalf("Deliver err = %v, want ErrStartTLSUnavailable", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.from) != 0 {
		t.Fatalf("MAIL FROM sent over a plain session")
	}
}

func TestDeliverRefusesWithoutAuth(t *testing.T) {
	srvTLS, cliTLS := testTLS(t)
	f := &fakeSMTP{tls: srvTLS, noAuth: true}
	host, port := startFakeSMTP(t, f)

	a, _ := New(Config{
		From:     "a@desk.io",
		To:       "b@desk.io",
		Username: "a@desk.io",
		Password: "pw",
		Host:     host,
		Port:     port,
		TLS:      cliTLS,
	}, logx.Nop())
	err := a.Deliver(context.Background(), testMessage())
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("Deliver err = %v, want ErrAuthUnavailable", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.from) != 0 || len(f.data) != 0 {
		t.Fatalf("message sent without authentication")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	cases := []Config{
		{From: "a@x.io", To: "b@x.io"},
		{Host: "smtp.x.io", To: "b@x.io"},
		{Host: "smtp.x.io", From: "a@x.io", To: " , "},
	}
	for i, c := range cases {
		if _, err := New(c, logx.Nop()); err == nil {
			t.Fatalf("case %d: New(%+v) = nil error", i, c)
		}
	}

	a, err := New(Config{Host: "smtp.x.io", From: "a@x.io", To: "b@x.io", UseSSL: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.cfg.Port != 465 {
		t.Fatalf("port = %d, want 465", a.cfg.Port)
	}
}
