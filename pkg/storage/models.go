// SPDX-License-Identifier: Apache-2.0

// Package storage defines the relational entities, repository
// interfaces, and sentinel errors of the identity store. Implementations
// live in subpackages (sqldb); the tenant-scoped wrapper in scoped.go
// enforces per-tenant data boundaries in front of any implementation.
package storage

// Key statuses for tenant signing keys.
const (
	KeyStatusStaged  = "staged"
	KeyStatusActive  = "active"
	KeyStatusRetired = "retired"
)

// Identity-provider types and statuses.
const (
	ProviderGoogle      = "google"
	ProviderMicrosoft   = "microsoft"
	ProviderGitHub      = "github"
	ProviderOIDCGeneric = "oidc_generic"

	ProviderEnabled  = "enabled"
	ProviderDisabled = "disabled"
)

// Flow triggers, statuses, and run states.
const (
	TriggerSignin      = "signin"
	TriggerSignup      = "signup"
	TriggerPreConsent  = "pre_consent"
	TriggerPostConsent = "post_consent"
	TriggerCustom      = "custom"

	FlowEnabled  = "enabled"
	FlowDisabled = "disabled"

	RunRunning     = "running"
	RunSuccess     = "success"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// Tenant is the isolation root. Every other entity carries its id.
type Tenant struct {
	ID        string   `db:"id"`
	Slug      string   `db:"slug"`
	Name      string   `db:"name"`
	CreatedAt UnixTime `db:"created_at"`
}

// User is an end-user within a tenant. Email is unique per tenant and
// stored lowercased. PasswordHash is optional (magic-link-first).
type User struct {
	ID            string   `db:"id"`
	TenantID      string   `db:"tenant_id"`
	Email         string   `db:"email"`
	Name          string   `db:"name"`
	EmailVerified bool     `db:"email_verified"`
	PasswordHash  string   `db:"password_hash"`
	IsAdmin       bool     `db:"is_admin"`
	CreatedAt     UnixTime `db:"created_at"`
	LastLoginAt   UnixTime `db:"last_login_at"`
}

// Client is a registered relying party. An empty Secret marks a public
// client; public clients must use PKCE.
type Client struct {
	ID           string      `db:"id"`
	TenantID     string      `db:"tenant_id"`
	ClientID     string      `db:"client_id"`
	Secret       string      `db:"secret"`
	Name         string      `db:"name"`
	RedirectURIs StringSlice `db:"redirect_uris"`
	GrantTypes   StringSlice `db:"grant_types"`
	AuthMethod   string      `db:"auth_method"`
	FirstParty   bool        `db:"first_party"`
	CreatedAt    UnixTime    `db:"created_at"`
}

// IsPublic reports whether the client has no stored secret.
func (c *Client) IsPublic() bool { return c.Secret == "" }

// AuthCode is a single-use authorization code. The transient metadata
// (nonce, PKCE challenge, auth_time) lives in the fast store keyed by
// the code value.
type AuthCode struct {
	Code        string   `db:"code"`
	TenantID    string   `db:"tenant_id"`
	ClientDBID  string   `db:"client_db_id"`
	ClientID    string   `db:"client_id"`
	UserID      string   `db:"user_id"`
	RedirectURI string   `db:"redirect_uri"`
	Scope       string   `db:"scope"`
	ExpiresAt   UnixTime `db:"expires_at"`
	CreatedAt   UnixTime `db:"created_at"`
}

// Session is created on token exchange and owns refresh tokens.
type Session struct {
	ID        string   `db:"id"`
	TenantID  string   `db:"tenant_id"`
	UserID    string   `db:"user_id"`
	CreatedAt UnixTime `db:"created_at"`
	ExpiresAt UnixTime `db:"expires_at"`
}

// RefreshToken is an opaque rotating credential. At most one
// non-revoked token exists per session at any instant.
type RefreshToken struct {
	ID        string   `db:"id"`
	Token     string   `db:"token"`
	TenantID  string   `db:"tenant_id"`
	SessionID string   `db:"session_id"`
	ClientID  string   `db:"client_id"`
	Revoked   bool     `db:"revoked"`
	ExpiresAt UnixTime `db:"expires_at"`
	CreatedAt UnixTime `db:"created_at"`
}

// JwkKey is a tenant signing key. PrivateJWKSealed is the AES-256-GCM
// sealed private JWK; PublicJWK is the plain public JWK document.
type JwkKey struct {
	ID               string   `db:"id"`
	TenantID         string   `db:"tenant_id"`
	Kid              string   `db:"kid"`
	PublicJWK        string   `db:"public_jwk"`
	PrivateJWKSealed string   `db:"private_jwk_sealed"`
	Status           string   `db:"status"`
	NotBefore        UnixTime `db:"not_before"`
	NotAfter         UnixTime `db:"not_after"`
	CreatedAt        UnixTime `db:"created_at"`
}

// Consent records the scopes a user has approved for a client.
type Consent struct {
	ID        string      `db:"id"`
	TenantID  string      `db:"tenant_id"`
	UserID    string      `db:"user_id"`
	ClientID  string      `db:"client_id"`
	Scopes    StringSlice `db:"scopes"`
	CreatedAt UnixTime    `db:"created_at"`
	UpdatedAt UnixTime    `db:"updated_at"`
}

// Covers reports whether every requested scope is already granted.
func (c *Consent) Covers(requested []string) bool {
	for _, s := range requested {
		if !c.Scopes.Contains(s) {
			return false
		}
	}
	return true
}

// IdentityProvider is an upstream IdP configuration. ClientSecretSealed
// is AES-256-GCM sealed. (tenant, type) is unique.
type IdentityProvider struct {
	ID                 string      `db:"id"`
	TenantID           string      `db:"tenant_id"`
	Type               string      `db:"type"`
	ClientID           string      `db:"client_id"`
	ClientSecretSealed string      `db:"client_secret_sealed"`
	Issuer             string      `db:"issuer"`
	Scopes             StringSlice `db:"scopes"`
	Status             string      `db:"status"`
	CreatedAt          UnixTime    `db:"created_at"`
}

// ExternalIdentity links a user to an upstream subject. (provider,
// subject) is unique; upserted on every federated sign-in.
type ExternalIdentity struct {
	ID          string   `db:"id"`
	TenantID    string   `db:"tenant_id"`
	UserID      string   `db:"user_id"`
	ProviderID  string   `db:"provider_id"`
	Subject     string   `db:"subject"`
	Email       string   `db:"email"`
	Claims      RawJSON  `db:"claims"`
	LastLoginAt UnixTime `db:"last_login_at"`
	CreatedAt   UnixTime `db:"created_at"`
}

// Flow is a versioned node sequence for a trigger. Nodes holds the
// JSON array of node definitions; pkg/flow parses it into typed
// variants at load.
type Flow struct {
	ID        string   `db:"id"`
	TenantID  string   `db:"tenant_id"`
	Name      string   `db:"name"`
	Trigger   string   `db:"flow_trigger"`
	Status    string   `db:"status"`
	Version   int      `db:"version"`
	Nodes     RawJSON  `db:"nodes"`
	CreatedAt UnixTime `db:"created_at"`
}

// UiPrompt is an admin-defined form schema referenced by prompt nodes.
type UiPrompt struct {
	ID          string   `db:"id"`
	TenantID    string   `db:"tenant_id"`
	Title       string   `db:"title"`
	Description string   `db:"description"`
	Schema      RawJSON  `db:"schema"`
	TimeoutSec  int      `db:"timeout_sec"`
	CreatedAt   UnixTime `db:"created_at"`
}

// FlowRun is one execution of a flow for a pending request.
type FlowRun struct {
	ID            string   `db:"id"`
	TenantID      string   `db:"tenant_id"`
	FlowID        string   `db:"flow_id"`
	UserID        string   `db:"user_id"`
	RequestRid    string   `db:"request_rid"`
	Trigger       string   `db:"flow_trigger"`
	Context       RawJSON  `db:"context"`
	Status        string   `db:"status"`
	CurrentNodeID string   `db:"current_node_id"`
	StartedAt     UnixTime `db:"started_at"`
	FinishedAt    UnixTime `db:"finished_at"`
	LastError     string   `db:"last_error"`
}

// FlowEvent is an append-only trace record of a run.
type FlowEvent struct {
	ID        int64    `db:"id"`
	TenantID  string   `db:"tenant_id"`
	FlowRunID string   `db:"flow_run_id"`
	NodeID    string   `db:"node_id"`
	Type      string   `db:"type"`
	Metadata  RawJSON  `db:"metadata"`
	CreatedAt UnixTime `db:"created_at"`
}

// UserMetadata is a per-namespace JSON document attached to a user,
// written by metadata_write flow nodes.
type UserMetadata struct {
	TenantID  string   `db:"tenant_id"`
	UserID    string   `db:"user_id"`
	Namespace string   `db:"namespace"`
	Data      RawJSON  `db:"data"`
	UpdatedAt UnixTime `db:"updated_at"`
}

// Audit is an append-only record of a state-changing operation.
type Audit struct {
	ID        int64    `db:"id"`
	TenantID  string   `db:"tenant_id"`
	UserID    string   `db:"user_id"`
	Action    string   `db:"action"`
	IP        string   `db:"ip"`
	UserAgent string   `db:"user_agent"`
	Detail    RawJSON  `db:"detail"`
	CreatedAt UnixTime `db:"created_at"`
}
