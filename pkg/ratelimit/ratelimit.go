// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles the token, registration, and magic-link
// endpoints. Fixed windows are counted in the fast store so limits
// hold across processes; an in-process token bucket additionally
// smooths bursts on interactive endpoints.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
)

// Rule names with built-in defaults.
const (
	RuleTokenIP     = "token_ip"
	RuleTokenClient = "token_client"
	RuleRegister    = "register"
	RuleMagicEmail  = "magic_email"
)

// Rule is a fixed-window quota.
type Rule struct {
	Limit  int64         `json:"limit"`
	Window time.Duration `json:"-"`

	// WindowSeconds is the wire form used by RATE_LIMIT_RULES overrides.
	WindowSeconds int64 `json:"window_seconds"`
}

// Decision reports the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Remaining int64
}

// Defaults returns the built-in rule set.
func Defaults() map[string]Rule {
	return map[string]Rule{
		RuleTokenIP:     {Limit: 60, Window: time.Minute},
		RuleTokenClient: {Limit: 120, Window: time.Minute},
		RuleRegister:    {Limit: 10, Window: time.Hour},
		RuleMagicEmail:  {Limit: 5, Window: 10 * time.Minute},
	}
}

// ParseOverrides merges a RATE_LIMIT_RULES JSON document, for example
// {"token_ip":{"limit":100,"window_seconds":60}}, over the defaults.
// Unknown rule names are accepted so deployments can add quotas for
// custom endpoints.
func ParseOverrides(raw string) (map[string]Rule, error) {
	rules := Defaults()
	if raw == "" {
		return rules, nil
	}

	var overrides map[string]Rule
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("parsing rate limit overrides: %w", err)
	}
	for name, r := range overrides {
		if r.Limit <= 0 || r.WindowSeconds <= 0 {
			return nil, fmt.Errorf("rate limit %q: limit and window_seconds must be positive", name)
		}
		r.Window = time.Duration(r.WindowSeconds) * time.Second
		rules[name] = r
	}
	return rules, nil
}

// Limiter enforces named rules against fast-store counter windows.
type Limiter struct {
	store faststore.Store
	rules map[string]Rule
}

// New builds a limiter. A nil rules map means defaults.
func New(store faststore.Store, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = Defaults()
	}
	return &Limiter{store: store, rules: rules}
}

// Allow consumes one unit of the named rule's quota for a subject key
// (an IP, a client id, or a tenant:email pair). Unknown rule names
// allow everything, so a missing configuration entry fails open rather
// than locking out a whole endpoint.
func (l *Limiter) Allow(ctx context.Context, rule, subject string) (Decision, error) {
	r, ok := l.rules[rule]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	return l.AllowWith(ctx, rule, r, subject)
}

// AllowWith enforces an explicit quota under the named counter,
// used when a per-tenant or per-client override replaces the default
// rule for one subject.
func (l *Limiter) AllowWith(ctx context.Context, name string, r Rule, subject string) (Decision, error) {
	count, err := l.store.IncrWindow(ctx, name+":"+subject, r.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", name, err)
	}

	remaining := r.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= r.Limit, Remaining: remaining}, nil
}

// Rule exposes the configured quota for a name, for Retry-After
// headers.
func (l *Limiter) Rule(name string) (Rule, bool) {
	r, ok := l.rules[name]
	return r, ok
}
