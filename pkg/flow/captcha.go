// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
)

// Captcha providers.
const (
	CaptchaTurnstile = "turnstile"
	CaptchaHCaptcha  = "hcaptcha"
	CaptchaMock      = "mock"
)

const (
	turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	hcaptchaVerifyURL  = "https://api.hcaptcha.com/siteverify"
)

var (
	// ErrCaptchaRejected is returned when the provider rejects the
	// token or its score falls below the node's minimum.
	ErrCaptchaRejected = errors.New("captcha verification rejected")

	// ErrCaptchaReplayed is returned when a token is submitted twice
	// within the replay-guard window.
	ErrCaptchaReplayed = errors.New("captcha token already used")
)

// captchaVerifier checks a submitted token against the configured
// provider and guards against token replay.
type captchaVerifier struct {
	fast       faststore.Store
	httpClient *http.Client
}

func newCaptchaVerifier(fast faststore.Store, httpClient *http.Client) *captchaVerifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &captchaVerifier{fast: fast, httpClient: httpClient}
}

// Verify validates a captcha token. The token hash goes into the
// short-TTL seen set first, so a replayed token fails even if the
// provider would accept it again.
func (v *captchaVerifier) Verify(ctx context.Context, cfg CaptchaConfig, remoteIP, token string) (*CaptchaResult, error) {
	if token == "" {
		return nil, ErrCaptchaRejected
	}

	first, err := v.fast.MarkSeen(ctx, "captcha:"+crypto.HashToken(token), faststore.SeenTTL)
	if err != nil {
		return nil, fmt.Errorf("captcha replay guard: %w", err)
	}
	if !first {
		return nil, ErrCaptchaReplayed
	}

	if cfg.Provider == CaptchaMock {
		// The mock provider accepts any token not literally marked as
		// failing; used in development and tests.
		if strings.HasPrefix(token, "fail") {
			return nil, ErrCaptchaRejected
		}
		return &CaptchaResult{Provider: CaptchaMock, Score: 0.9}, nil
	}

	verifyURL := cfg.VerifyURL
	if verifyURL == "" {
		switch cfg.Provider {
		case CaptchaTurnstile:
			verifyURL = turnstileVerifyURL
		case CaptchaHCaptcha:
			verifyURL = hcaptchaVerifyURL
		}
	}

	form := url.Values{
		"secret":   {cfg.Secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s verify: %w", cfg.Provider, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s verify response: %w", cfg.Provider, err)
	}

	if !gjson.GetBytes(body, "success").Bool() {
		return nil, ErrCaptchaRejected
	}
	score := gjson.GetBytes(body, "score").Float()
	if cfg.MinScore > 0 && score < cfg.MinScore {
		return nil, ErrCaptchaRejected
	}
	return &CaptchaResult{Provider: cfg.Provider, Score: score}, nil
}
