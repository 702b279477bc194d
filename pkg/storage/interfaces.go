// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"
)

// TenantStore manages tenants. Tenant rows themselves are not
// tenant-scoped; creation paths call the unscoped implementation
// explicitly.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)
	DeleteTenant(ctx context.Context, id string) error
}

// UserStore manages users within a tenant.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, tenantID, id string) (*User, error)
	GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error)

	// UpsertUserByEmail finds or creates a user by lowercased email.
	// Creation happens inside a transaction that also decides whether
	// the user is the tenant's first (and therefore admin). Returns the
	// user and whether it was created.
	UpsertUserByEmail(ctx context.Context, tenantID, email, name string) (*User, bool, error)

	SetUserLastLogin(ctx context.Context, tenantID, id string, at time.Time) error
}

// ClientStore manages registered relying parties.
type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, tenantID, id string) (*Client, error)
	GetClientByClientID(ctx context.Context, tenantID, clientID string) (*Client, error)
	ListClients(ctx context.Context, tenantID string) ([]Client, error)
}

// CodeStore manages single-use authorization codes.
type CodeStore interface {
	CreateAuthCode(ctx context.Context, c *AuthCode) error

	// ConsumeAuthCode atomically deletes and returns the code. A second
	// consume returns ErrNotFound; an expired code returns ErrExpired
	// (and is deleted).
	ConsumeAuthCode(ctx context.Context, tenantID, code string) (*AuthCode, error)
}

// GrantStore manages sessions and refresh tokens.
type GrantStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenantID, id string) (*Session, error)
	ExpireSession(ctx context.Context, tenantID, id string, at time.Time) error

	CreateRefreshToken(ctx context.Context, r *RefreshToken) error
	GetRefreshToken(ctx context.Context, tenantID, token string) (*RefreshToken, error)

	// RotateRefreshToken revokes the old token and inserts its
	// replacement in one transaction.
	RotateRefreshToken(ctx context.Context, tenantID, oldID string, replacement *RefreshToken) error

	RevokeRefreshToken(ctx context.Context, tenantID, id string) error

	// RevokeSessionTokens revokes every refresh token of a session and
	// returns how many were still live.
	RevokeSessionTokens(ctx context.Context, tenantID, sessionID string) (int64, error)
}

// KeyStore manages tenant signing keys.
type KeyStore interface {
	GetActiveKey(ctx context.Context, tenantID string) (*JwkKey, error)

	// ListPublishableKeys returns keys with status active, or retired
	// with not_after in the future.
	ListPublishableKeys(ctx context.Context, tenantID string, now time.Time) ([]JwkKey, error)

	GetKeyByKid(ctx context.Context, tenantID, kid string) (*JwkKey, error)

	// RotateKeys demotes the current active key to retired (with the
	// given notAfter) and inserts the replacement as active, in one
	// transaction.
	RotateKeys(ctx context.Context, tenantID string, replacement *JwkKey, notAfter time.Time) error
}

// ConsentStore manages per-(user, client) scope grants.
type ConsentStore interface {
	GetConsent(ctx context.Context, tenantID, userID, clientID string) (*Consent, error)

	// UpsertConsent creates the row or merges new scopes into it.
	UpsertConsent(ctx context.Context, tenantID, userID, clientID string, scopes []string) error
}

// ProviderStore manages upstream IdP configurations and the external
// identities they own.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *IdentityProvider) error
	GetProvider(ctx context.Context, tenantID, id string) (*IdentityProvider, error)
	GetProviderByType(ctx context.Context, tenantID, providerType string) (*IdentityProvider, error)
	ListProviders(ctx context.Context, tenantID string) ([]IdentityProvider, error)

	// UpsertExternalIdentity inserts or refreshes the (provider,
	// subject) link and reports whether this was the first link.
	UpsertExternalIdentity(ctx context.Context, ident *ExternalIdentity) (bool, error)
}

// FlowStore manages flows, prompts, runs, events, and user metadata.
type FlowStore interface {
	CreateFlow(ctx context.Context, f *Flow) error

	// GetActiveFlow returns the enabled flow with the highest version
	// for (tenant, trigger), or ErrNotFound.
	GetActiveFlow(ctx context.Context, tenantID, trigger string) (*Flow, error)

	GetUiPrompt(ctx context.Context, tenantID, id string) (*UiPrompt, error)
	CreateUiPrompt(ctx context.Context, p *UiPrompt) error

	CreateFlowRun(ctx context.Context, r *FlowRun) error
	GetFlowRun(ctx context.Context, tenantID, id string) (*FlowRun, error)
	UpdateFlowRun(ctx context.Context, r *FlowRun) error
	AppendFlowEvent(ctx context.Context, e *FlowEvent) error

	UpsertUserMetadata(ctx context.Context, m *UserMetadata) error
	GetUserMetadata(ctx context.Context, tenantID, userID, namespace string) (*UserMetadata, error)
}

// AuditStore appends audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, a *Audit) error
}

// Store aggregates every repository. The sqldb implementation satisfies
// it directly; Scoped wraps any Store with tenant enforcement.
type Store interface {
	TenantStore
	UserStore
	ClientStore
	CodeStore
	GrantStore
	KeyStore
	ConsentStore
	ProviderStore
	FlowStore
	AuditStore

	Close() error
}
