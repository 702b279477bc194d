// SPDX-License-Identifier: Apache-2.0

// Package session orchestrates the cross-device authorization
// ceremony: a pending request created at /authorize, a single-use
// magic token delivered by email, SSE events handed back to the
// waiting device, and finally an authorization code. All transient
// state lives in the fast store; codes and consents are relational.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// CodeTTL is the authorization code lifetime.
const CodeTTL = 5 * time.Minute

// SSE event names delivered to the device waiting on /authorize.
const (
	EventConsentRequired = "consentRequired"
	EventLoginComplete   = "loginComplete"
)

var (
	// ErrRedirectMismatch means the redirect_uri is not registered for
	// the client. Registered URIs are compared byte for byte.
	ErrRedirectMismatch = errors.New("redirect_uri does not match a registered uri")

	// ErrPKCERequired means a public client started the code flow
	// without a code challenge.
	ErrPKCERequired = errors.New("public clients must send a PKCE code challenge")

	// ErrInvalidChallengeMethod means an unsupported
	// code_challenge_method was supplied.
	ErrInvalidChallengeMethod = errors.New("unsupported code_challenge_method")

	// ErrPendingCompleted means the ceremony already issued its code.
	ErrPendingCompleted = errors.New("pending request already completed")

	// ErrNoUserAttached means the code was requested before any channel
	// authenticated the user.
	ErrNoUserAttached = errors.New("pending request has no authenticated user")
)

// Event is one SSE payload on a pending request's channel. Handoff is
// the short-lived JWT that lets the original device prove the ceremony
// outcome.
type Event struct {
	Event    string `json:"event"`
	Redirect string `json:"redirect,omitempty"`
	Handoff  string `json:"handoff,omitempty"`
}

// AuthorizeParams are the validated query parameters of /authorize.
type AuthorizeParams struct {
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Manager drives pending requests through the ceremony state machine.
type Manager struct {
	fast     faststore.Store
	codes    storage.CodeStore
	consents storage.ConsentStore

	// now is swappable in tests.
	now func() time.Time
}

// NewManager wires the ceremony over its stores.
func NewManager(fast faststore.Store, codes storage.CodeStore, consents storage.ConsentStore) *Manager {
	return &Manager{
		fast:     fast,
		codes:    codes,
		consents: consents,
		now:      time.Now,
	}
}

// CreatePending validates an authorization request and stores the
// pending ceremony state under a fresh rid.
func (m *Manager) CreatePending(ctx context.Context, client *storage.Client, p AuthorizeParams) (*faststore.PendingAuthRequest, error) {
	if !registeredRedirect(client, p.RedirectURI) {
		return nil, ErrRedirectMismatch
	}

	switch p.CodeChallengeMethod {
	case "", crypto.PKCEMethodS256, crypto.PKCEMethodPlain:
	default:
		return nil, ErrInvalidChallengeMethod
	}
	if p.CodeChallengeMethod != "" && p.CodeChallenge == "" {
		return nil, ErrPKCERequired
	}
	if client.IsPublic() && p.CodeChallenge == "" {
		return nil, ErrPKCERequired
	}

	now := m.now()
	pending := &faststore.PendingAuthRequest{
		Rid:                 crypto.NewRequestID(),
		TenantID:            client.TenantID,
		ClientDBID:          client.ID,
		ClientID:            client.ClientID,
		RedirectURI:         p.RedirectURI,
		Scope:               p.Scope,
		State:               p.State,
		Nonce:               p.Nonce,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(faststore.PendingTTL),
	}
	if err := m.fast.PutPending(ctx, pending); err != nil {
		return nil, fmt.Errorf("storing pending request: %w", err)
	}
	return pending, nil
}

// registeredRedirect compares the requested redirect byte for byte
// against the client's registered URIs. No normalization: a trailing
// slash or case difference is a mismatch.
func registeredRedirect(client *storage.Client, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// GetPending returns the ceremony state for a rid.
func (m *Manager) GetPending(ctx context.Context, rid string) (*faststore.PendingAuthRequest, error) {
	return m.fast.GetPending(ctx, rid)
}

// SetPendingUser attaches the authenticated user to the ceremony.
// A completed ceremony rejects further attachment.
func (m *Manager) SetPendingUser(ctx context.Context, rid, userID string) (*faststore.PendingAuthRequest, error) {
	pending, err := m.fast.GetPending(ctx, rid)
	if err != nil {
		return nil, err
	}
	if pending.Completed {
		return nil, ErrPendingCompleted
	}
	pending.UserID = userID
	if err := m.fast.PutPending(ctx, pending); err != nil {
		return nil, fmt.Errorf("updating pending request: %w", err)
	}
	return pending, nil
}

// IssueMagicToken mints the single-use emailed token for a ceremony.
// The email is lowercased before binding.
func (m *Manager) IssueMagicToken(ctx context.Context, tenantID, rid, email string) (string, error) {
	if _, err := m.fast.GetPending(ctx, rid); err != nil {
		return "", err
	}

	token := crypto.NewToken()
	err := m.fast.PutMagicToken(ctx, &faststore.MagicToken{
		Token:     token,
		TenantID:  tenantID,
		Rid:       rid,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		ExpiresAt: m.now().Add(faststore.MagicTokenTTL),
	})
	if err != nil {
		return "", fmt.Errorf("storing magic token: %w", err)
	}
	return token, nil
}

// ConsumeMagicToken redeems the emailed token exactly once.
func (m *Manager) ConsumeMagicToken(ctx context.Context, token string) (*faststore.MagicToken, error) {
	return m.fast.ConsumeMagicToken(ctx, token)
}

// NeedsConsent applies the consent decision rule: consent is skipped
// for empty scope, first-party clients, and scope sets already covered
// by a stored consent.
func (m *Manager) NeedsConsent(ctx context.Context, tenantID, userID string, client *storage.Client, scope string) (bool, error) {
	requested := strings.Fields(scope)
	if len(requested) == 0 || client.FirstParty {
		return false, nil
	}

	consent, err := m.consents.GetConsent(ctx, tenantID, userID, client.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up consent: %w", err)
	}
	return !consent.Covers(requested), nil
}

// GrantConsent records the user's approval, merging with any scopes
// approved earlier.
func (m *Manager) GrantConsent(ctx context.Context, tenantID, userID string, client *storage.Client, scope string) error {
	return m.consents.UpsertConsent(ctx, tenantID, userID, client.ID, strings.Fields(scope))
}

// IssueAuthCode finalizes an authorized ceremony: it persists the
// single-use code, records its transient metadata, and marks the
// pending request completed. The completion guard is a single-flight
// key in the fast store, so two concurrent finalizers (a consent
// double-submit, say) cannot both mint a code for one rid.
func (m *Manager) IssueAuthCode(ctx context.Context, pending *faststore.PendingAuthRequest) (string, error) {
	if pending.UserID == "" {
		return "", ErrNoUserAttached
	}
	if pending.Completed {
		return "", ErrPendingCompleted
	}
	first, err := m.fast.MarkSeen(ctx, "completed:"+pending.Rid, faststore.PendingTTL)
	if err != nil {
		return "", fmt.Errorf("checking completion guard: %w", err)
	}
	if !first {
		return "", ErrPendingCompleted
	}

	now := m.now()
	code := crypto.NewToken()
	err = m.codes.CreateAuthCode(ctx, &storage.AuthCode{
		Code:        code,
		TenantID:    pending.TenantID,
		ClientDBID:  pending.ClientDBID,
		ClientID:    pending.ClientID,
		UserID:      pending.UserID,
		RedirectURI: pending.RedirectURI,
		Scope:       pending.Scope,
		ExpiresAt:   storage.At(now.Add(CodeTTL)),
		CreatedAt:   storage.At(now),
	})
	if err != nil {
		return "", fmt.Errorf("persisting auth code: %w", err)
	}

	err = m.fast.PutAuthCodeMeta(ctx, code, &faststore.AuthCodeMeta{
		Nonce:               pending.Nonce,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		AuthTime:            now,
	})
	if err != nil {
		return "", fmt.Errorf("recording code metadata: %w", err)
	}

	pending.Completed = true
	if err := m.fast.PutPending(ctx, pending); err != nil {
		return "", fmt.Errorf("completing pending request: %w", err)
	}
	return code, nil
}

// ConsumeAuthCodeMeta hands the transient code context to the token
// service alongside code redemption.
func (m *Manager) ConsumeAuthCodeMeta(ctx context.Context, code string) (*faststore.AuthCodeMeta, error) {
	return m.fast.ConsumeAuthCodeMeta(ctx, code)
}

// SetRefreshMeta preserves the granted scope across refresh rotations.
func (m *Manager) SetRefreshMeta(ctx context.Context, token, scope string) error {
	return m.fast.SetRefreshMeta(ctx, token, scope)
}

// GetRefreshMeta returns the scope bound to a refresh token.
func (m *Manager) GetRefreshMeta(ctx context.Context, token string) (string, error) {
	return m.fast.GetRefreshMeta(ctx, token)
}

// PublishConsentRequired tells the original device to render the
// consent form.
func (m *Manager) PublishConsentRequired(ctx context.Context, rid string) error {
	return m.publish(ctx, rid, Event{Event: EventConsentRequired})
}

// PublishLoginComplete hands the final redirect (carrying code and
// state) and the handoff token to the original device.
func (m *Manager) PublishLoginComplete(ctx context.Context, rid, redirect, handoff string) error {
	return m.publish(ctx, rid, Event{Event: EventLoginComplete, Redirect: redirect, Handoff: handoff})
}

func (m *Manager) publish(ctx context.Context, rid string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := m.fast.Publish(ctx, rid, string(payload)); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Event, err)
	}
	return nil
}

// Subscribe attaches to the ceremony's event stream. The returned
// channel closes when the context ends or cancel is called.
func (m *Manager) Subscribe(ctx context.Context, rid string) (<-chan Event, func(), error) {
	raw, cancel, err := m.fast.Subscribe(ctx, rid)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event, 4)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
