// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
)

func newVerifier(t *testing.T) *captchaVerifier {
	t.Helper()
	fast := faststore.NewMemory()
	t.Cleanup(func() { _ = fast.Close() })
	return newCaptchaVerifier(fast, nil)
}

func TestCaptchaVerifierTurnstile(t *testing.T) {
	t.Parallel()

	var gotSecret, gotResponse, gotRemoteIP string
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotSecret = r.PostFormValue("secret")
		gotResponse = r.PostFormValue("response")
		gotRemoteIP = r.PostFormValue("remoteip")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "score": 0.7})
	}))
	t.Cleanup(stub.Close)

	v := newVerifier(t)
	cfg := CaptchaConfig{
		Provider:  CaptchaTurnstile,
		Secret:    "ts-secret",
		MinScore:  0.5,
		VerifyURL: stub.URL,
	}

	res, err := v.Verify(context.Background(), cfg, "203.0.113.7", "ts-token-1")
	require.NoError(t, err)
	assert.Equal(t, CaptchaTurnstile, res.Provider)
	assert.InDelta(t, 0.7, res.Score, 0.001)
	assert.Equal(t, "ts-secret", gotSecret)
	assert.Equal(t, "ts-token-1", gotResponse)
	assert.Equal(t, "203.0.113.7", gotRemoteIP)
}

func TestCaptchaVerifierMinScore(t *testing.T) {
	t.Parallel()

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "score": 0.2})
	}))
	t.Cleanup(stub.Close)

	v := newVerifier(t)
	cfg := CaptchaConfig{
		Provider:  CaptchaTurnstile,
		Secret:    "ts-secret",
		MinScore:  0.5,
		VerifyURL: stub.URL,
	}

	_, err := v.Verify(context.Background(), cfg, "", "low-score-token")
	require.ErrorIs(t, err, ErrCaptchaRejected)
}

func TestCaptchaVerifierProviderRejects(t *testing.T) {
	t.Parallel()

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error-codes": []string{"invalid-input-response"}})
	}))
	t.Cleanup(stub.Close)

	v := newVerifier(t)
	cfg := CaptchaConfig{Provider: CaptchaHCaptcha, Secret: "hc-secret", VerifyURL: stub.URL}

	_, err := v.Verify(context.Background(), cfg, "", "bad-token")
	require.ErrorIs(t, err, ErrCaptchaRejected)
}

func TestCaptchaVerifierReplay(t *testing.T) {
	t.Parallel()

	v := newVerifier(t)
	cfg := CaptchaConfig{Provider: CaptchaMock}

	_, err := v.Verify(context.Background(), cfg, "", "one-shot")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), cfg, "", "one-shot")
	require.ErrorIs(t, err, ErrCaptchaReplayed)
}

func TestCaptchaVerifierEmptyToken(t *testing.T) {
	t.Parallel()

	v := newVerifier(t)
	_, err := v.Verify(context.Background(), CaptchaConfig{Provider: CaptchaMock}, "", "")
	require.ErrorIs(t, err, ErrCaptchaRejected)
}
