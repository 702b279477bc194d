// SPDX-License-Identifier: Apache-2.0

// Package faststore holds the transient, TTL-bound records of the
// authorization ceremony: pending requests, magic tokens, upstream
// states, code and refresh metadata, flow resume tokens, replay guards,
// and rate-limit windows. Two implementations exist: an in-process map
// store for development and tests, and a Redis store for multi-process
// deployments. Pub/sub channels back the SSE fan-out across processes.
package faststore

import (
	"context"
	"errors"
	"time"
)

// Record TTLs.
const (
	PendingTTL     = 5 * time.Minute
	MagicTokenTTL  = 10 * time.Minute
	UpstreamTTL    = 5 * time.Minute
	CodeMetaTTL    = 10 * time.Minute
	RefreshMetaTTL = 60 * 24 * time.Hour
	ResumeTokenTTL = 10 * time.Minute
	SeenTTL        = 5 * time.Minute
)

var (
	// ErrNotFound is returned when a record does not exist or was
	// already consumed.
	ErrNotFound = errors.New("record not found")

	// ErrExpired is returned when a record exists but its TTL elapsed.
	ErrExpired = errors.New("record expired")
)

// PendingAuthRequest is the server-side state of one authorization
// ceremony, created at /authorize and consumed when the auth code is
// issued.
type PendingAuthRequest struct {
	Rid                 string    `json:"rid"`
	TenantID            string    `json:"tenant_id"`
	ClientDBID          string    `json:"client_db_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	State               string    `json:"state"`
	Nonce               string    `json:"nonce"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	UserID              string    `json:"user_id"`
	Completed           bool      `json:"completed"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// MagicToken binds an emailed single-use token to a pending request.
type MagicToken struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	Rid       string    `json:"rid"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UpstreamState binds a federated sign-in round trip: the outgoing
// state parameter, the nonce expected in the ID token, and the PKCE
// verifier for the code exchange.
type UpstreamState struct {
	State         string    `json:"state"`
	TenantID      string    `json:"tenant_id"`
	Rid           string    `json:"rid"`
	ProviderID    string    `json:"provider_id"`
	ProviderType  string    `json:"provider_type"`
	Nonce         string    `json:"nonce"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// AuthCodeMeta carries the transient context of an authorization code:
// the nonce and PKCE challenge from /authorize and the moment the user
// authenticated.
type AuthCodeMeta struct {
	Nonce               string    `json:"nonce"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	AuthTime            time.Time `json:"auth_time"`
}

// ResumeToken is the single-use handle that resumes an interrupted
// flow run at a specific node.
type ResumeToken struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the transient-state capability shared by the session
// manager, token service, upstream connector, flow engine, and rate
// limiter. Consume operations are atomic get-and-delete: a record is
// observed by at most one caller.
type Store interface {
	PutPending(ctx context.Context, p *PendingAuthRequest) error
	GetPending(ctx context.Context, rid string) (*PendingAuthRequest, error)
	DeletePending(ctx context.Context, rid string) error

	PutMagicToken(ctx context.Context, m *MagicToken) error
	ConsumeMagicToken(ctx context.Context, token string) (*MagicToken, error)

	PutUpstreamState(ctx context.Context, u *UpstreamState) error
	ConsumeUpstreamState(ctx context.Context, state string) (*UpstreamState, error)

	PutAuthCodeMeta(ctx context.Context, code string, meta *AuthCodeMeta) error
	GetAuthCodeMeta(ctx context.Context, code string) (*AuthCodeMeta, error)
	ConsumeAuthCodeMeta(ctx context.Context, code string) (*AuthCodeMeta, error)

	SetRefreshMeta(ctx context.Context, token, scope string) error
	GetRefreshMeta(ctx context.Context, token string) (string, error)
	DeleteRefreshMeta(ctx context.Context, token string) error

	PutResumeToken(ctx context.Context, r *ResumeToken) error
	ConsumeResumeToken(ctx context.Context, token string) (*ResumeToken, error)

	// MarkSeen records a key in a short-TTL replay-guard set. Returns
	// true when the key was new, false when it was already present.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IncrWindow atomically increments a fixed-window counter, setting
	// the window TTL on first increment, and returns the new count.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Publish sends a payload to every subscriber of a channel.
	// Per-channel publish order is preserved for each subscriber.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a payload stream for a channel and a cancel
	// function that releases the subscription.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Health(ctx context.Context) error
	Close() error
}
