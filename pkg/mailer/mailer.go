// SPDX-License-Identifier: Apache-2.0

// Package mailer delivers enchanted-link emails. Production uses SMTP;
// development logs the link instead of sending.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/Volcar144/WayGate-sub000/pkg/logger"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Text    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// SMTP sends mail through a single SMTP relay with PLAIN auth.
type SMTP struct {
	cfg SMTPConfig

	// send is swappable in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP builds the SMTP mailer.
func NewSMTP(cfg SMTPConfig) *SMTP {
	return &SMTP{cfg: cfg, send: smtp.SendMail}
}

// Send delivers the message, honoring context cancellation before the
// dial. smtp.SendMail itself has no context support; the relay
// connection is bounded by the server's own timeouts.
func (m *SMTP) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Text)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	if err := m.send(addr, auth, m.cfg.From, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("sending mail via %s: %w", addr, err)
	}
	return nil
}

// Dev logs messages instead of delivering them.
type Dev struct{}

// Send logs the message body; the magic link inside it surfaces
// through the endpoint's debug_link field in development.
func (Dev) Send(_ context.Context, msg Message) error {
	logger.Infow("dev mailer", "to", msg.To, "subject", msg.Subject, "body", msg.Text)
	return nil
}
