package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPTransport delivers over a direct SMTP connection, upgrading with
// STARTTLS when the server offers it.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	helo     string
}

// NewSMTPTransport configures a relay at host:port. Authentication is used
// only when username is set.
func NewSMTPTransport(host string, port int, username, password, helo string) *SMTPTransport {
	if helo == "" {
		helo = "localhost"
	}
	return &SMTPTransport{host: host, port: port, username: username, password: password, helo: helo}
}

// Name identifies the transport in logs and metrics.
func (t *SMTPTransport) Name() string { return "smtp" }

// Deliver runs one SMTP transaction. The connection deadline follows ctx.
func (t *SMTPTransport) Deliver(ctx context.Context, env Envelope, raw []byte) (string, error) {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(2 * time.Minute))
	}

	c, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if err := c.Hello(t.helo); err != nil {
		return "", fmt.Errorf("smtp hello: %w", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.host}); err != nil {
			return "", fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if t.username != "" {
		if err := c.Auth(smtp.PlainAuth("", t.username, t.password, t.host)); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(env.From); err != nil {
		return "", fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range env.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return "", fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp end data: %w", err)
	}
	if err := c.Quit(); err != nil {
		return "", fmt.Errorf("smtp quit: %w", err)
	}

	return headerMessageID(raw), nil
}

// headerMessageID pulls the Message-Id value out of a rendered message so
// the SMTP path reports the id recipients' servers will see.
func headerMessageID(raw []byte) string {
	for _, line := range bytes.Split(raw, []byte("\r\n")) {
		if len(line) == 0 {
			break
		}
		if k, v, ok := bytes.Cut(line, []byte(":")); ok && bytes.EqualFold(bytes.TrimSpace(k), []byte("Message-Id")) {
			return string(bytes.Trim(bytes.TrimSpace(v), "<>"))
		}
	}
	return ""
}
