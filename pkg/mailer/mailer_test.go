// SPDX-License-Identifier: Apache-2.0

package mailer

import (
	"context"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSend(t *testing.T) {
	t.Parallel()

	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody string

	m := NewSMTP(SMTPConfig{
		Host: "mail.example.com",
		Port: 587,
		User: "waygate",
		Pass: "hunter2",
		From: "login@example.com",
	})
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, string(msg)
		return nil
	}

	err := m.Send(context.Background(), Message{
		To:      "pat@example.com",
		Subject: "Sign in to Acme",
		Text:    "Open https://id.example.com/a/acme/oauth/magic/consume?token=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "login@example.com", gotFrom)
	assert.Equal(t, []string{"pat@example.com"}, gotTo)
	assert.Contains(t, gotBody, "Subject: Sign in to Acme")
	assert.Contains(t, gotBody, "magic/consume?token=abc")
}

func TestSMTPSendCancelled(t *testing.T) {
	t.Parallel()

	m := NewSMTP(SMTPConfig{Host: "mail.example.com", Port: 587})
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Send(ctx, Message{To: "pat@example.com"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDevMailer(t *testing.T) {
	t.Parallel()
	require.NoError(t, Dev{}.Send(context.Background(), Message{To: "pat@example.com", Text: "link"}))
}
