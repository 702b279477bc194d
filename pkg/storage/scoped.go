// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Volcar144/WayGate-sub000/pkg/logger"
)

// AuditActionCrossTenant is the security audit emitted when a caller
// addresses a tenant other than the one resolved for the request.
const AuditActionCrossTenant = "security.cross_tenant"

// Scoped wraps a Store with tenant enforcement. Every read is pinned to
// the resolved tenant; writes have their tenant id validated or
// auto-populated. Cross-tenant attempts fail with ErrTenantMismatch and
// leave a security audit under the resolved tenant, never leaking the
// attempted one to the caller.
type Scoped struct {
	inner    Store
	tenantID string

	// allowUnscoped permits operations without a resolved tenant, used
	// for development bootstrap. Production composition must leave it
	// false.
	allowUnscoped bool
}

var _ Store = (*Scoped)(nil)

// NewScoped pins a store to one tenant.
func NewScoped(inner Store, tenantID string) *Scoped {
	return &Scoped{inner: inner, tenantID: tenantID}
}

// NewUnscopedDev returns a wrapper that passes tenant ids through
// unchecked. Only for development bootstrap paths.
func NewUnscopedDev(inner Store) *Scoped {
	return &Scoped{inner: inner, allowUnscoped: true}
}

// TenantID returns the resolved tenant id.
func (s *Scoped) TenantID() string { return s.tenantID }

// resolve validates a caller-supplied tenant id against the scope.
// Empty means "use the scoped tenant".
func (s *Scoped) resolve(ctx context.Context, requested string) (string, error) {
	if s.tenantID == "" {
		if s.allowUnscoped {
			return requested, nil
		}
		return "", ErrTenantRequired
	}
	if requested != "" && requested != s.tenantID {
		s.flagCrossTenant(ctx)
		return "", ErrTenantMismatch
	}
	return s.tenantID, nil
}

// stamp validates or auto-populates an entity's tenant id before a write.
func (s *Scoped) stamp(ctx context.Context, field *string) error {
	resolved, err := s.resolve(ctx, *field)
	if err != nil {
		return err
	}
	*field = resolved
	return nil
}

func (s *Scoped) flagCrossTenant(ctx context.Context) {
	logger.Warnw("cross-tenant access attempt blocked", "tenant_id", s.tenantID)
	err := s.inner.AppendAudit(ctx, &Audit{
		TenantID:  s.tenantID,
		Action:    AuditActionCrossTenant,
		CreatedAt: Now(),
	})
	if err != nil {
		logger.Errorw("recording cross-tenant audit", "error", err)
	}
}

// ErrUnscopedOperation is returned when tenant lifecycle operations are
// attempted through a scoped store.
var ErrUnscopedOperation = errors.New("tenant lifecycle requires the unscoped store")

// CreateTenant is rejected; tenant creation bypasses scoping explicitly.
func (s *Scoped) CreateTenant(_ context.Context, _ *Tenant) error {
	return ErrUnscopedOperation
}

// DeleteTenant is rejected; tenant deletion bypasses scoping explicitly.
func (s *Scoped) DeleteTenant(_ context.Context, _ string) error {
	return ErrUnscopedOperation
}

// GetTenant returns the scoped tenant only.
func (s *Scoped) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	resolved, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.inner.GetTenant(ctx, resolved)
}

// GetTenantBySlug resolves a slug; the result must be the scoped tenant.
func (s *Scoped) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	t, err := s.inner.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if s.tenantID != "" && t.ID != s.tenantID {
		s.flagCrossTenant(ctx)
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *Scoped) CreateUser(ctx context.Context, u *User) error {
	if err := s.stamp(ctx, &u.TenantID); err != nil {
		return err
	}
	return s.inner.CreateUser(ctx, u)
}

func (s *Scoped) GetUser(ctx context.Context, tenantID, id string) (*User, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetUser(ctx, resolved, id)
}

func (s *Scoped) GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetUserByEmail(ctx, resolved, email)
}

func (s *Scoped) UpsertUserByEmail(ctx context.Context, tenantID, email, name string) (*User, bool, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	return s.inner.UpsertUserByEmail(ctx, resolved, email, name)
}

func (s *Scoped) SetUserLastLogin(ctx context.Context, tenantID, id string, at time.Time) error {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.inner.SetUserLastLogin(ctx, resolved, id, at)
}

func (s *Scoped) CreateClient(ctx context.Context, c *Client) error {
	if err := s.stamp(ctx, &c.TenantID); err != nil {
		return err
	}
	return s.inner.CreateClient(ctx, c)
}

func (s *Scoped) GetClient(ctx context.Context, tenantID, id string) (*Client, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetClient(ctx, resolved, id)
}

func (s *Scoped) GetClientByClientID(ctx context.Context, tenantID, clientID string) (*Client, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetClientByClientID(ctx, resolved, clientID)
}

func (s *Scoped) ListClients(ctx context.Context, tenantID string) ([]Client, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.ListClients(ctx, resolved)
}

func (s *Scoped) CreateAuthCode(ctx context.Context, c *AuthCode) error {
	if err := s.stamp(ctx, &c.TenantID); err != nil {
		return err
	}
	return s.inner.CreateAuthCode(ctx, c)
}

func (s *Scoped) ConsumeAuthCode(ctx context.Context, tenantID, code string) (*AuthCode, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.ConsumeAuthCode(ctx, resolved, code)
}

func (s *Scoped) CreateSession(ctx context.Context, sess *Session) error {
	if err := s.stamp(ctx, &sess.TenantID); err != nil {
		return err
	}
	return s.inner.CreateSession(ctx, sess)
}

func (s *Scoped) GetSession(ctx context.Context, tenantID, id string) (*Session, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetSession(ctx, resolved, id)
}

func (s *Scoped) ExpireSession(ctx context.Context, tenantID, id string, at time.Time) error {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.inner.ExpireSession(ctx, resolved, id, at)
}

func (s *Scoped) CreateRefreshToken(ctx context.Context, r *RefreshToken) error {
	if err := s.stamp(ctx, &r.TenantID); err != nil {
		return err
	}
	return s.inner.CreateRefreshToken(ctx, r)
}

func (s *Scoped) GetRefreshToken(ctx context.Context, tenantID, token string) (*RefreshToken, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetRefreshToken(ctx, resolved, token)
}

func (s *Scoped) RotateRefreshToken(ctx context.Context, tenantID, oldID string, replacement *RefreshToken) error {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.stamp(ctx, &replacement.TenantID); err != nil {
		return err
	}
	return s.inner.RotateRefreshToken(ctx, resolved, oldID, replacement)
}

func (s *Scoped) RevokeRefreshToken(ctx context.Context, tenantID, id string) error {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.inner.RevokeRefreshToken(ctx, resolved, id)
}

func (s *Scoped) RevokeSessionTokens(ctx context.Context, tenantID, sessionID string) (int64, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return s.inner.RevokeSessionTokens(ctx, resolved, sessionID)
}

func (s *Scoped) GetActiveKey(ctx context.Context, tenantID string) (*JwkKey, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetActiveKey(ctx, resolved)
}

func (s *Scoped) ListPublishableKeys(ctx context.Context, tenantID string, now time.Time) ([]JwkKey, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.ListPublishableKeys(ctx, resolved, now)
}

func (s *Scoped) GetKeyByKid(ctx context.Context, tenantID, kid string) (*JwkKey, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetKeyByKid(ctx, resolved, kid)
}

func (s *Scoped) RotateKeys(ctx context.Context, tenantID string, replacement *JwkKey, notAfter time.Time) error {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.stamp(ctx, &replacement.TenantID); err != nil {
		return err
	}
	return s.inner.RotateKeys(ctx, resolved, replacement, notAfter)
}

func (s *Scoped) GetConsent(ctx context.Context, tenantID, userID, clientID string) (*Consent, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetConsent(ctx, resolved, userID, clientID)
}

func (s *Scoped) UpsertConsent(ctx context.Context, tenantID, userID, clientID string, scopes []string) error {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.inner.UpsertConsent(ctx, resolved, userID, clientID, scopes)
}

func (s *Scoped) CreateProvider(ctx context.Context, p *IdentityProvider) error {
	if err := s.stamp(ctx, &p.TenantID); err != nil {
		return err
	}
	return s.inner.CreateProvider(ctx, p)
}

func (s *Scoped) GetProvider(ctx context.Context, tenantID, id string) (*IdentityProvider, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetProvider(ctx, resolved, id)
}

func (s *Scoped) GetProviderByType(ctx context.Context, tenantID, providerType string) (*IdentityProvider, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetProviderByType(ctx, resolved, providerType)
}

func (s *Scoped) ListProviders(ctx context.Context, tenantID string) ([]IdentityProvider, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.ListProviders(ctx, resolved)
}

func (s *Scoped) UpsertExternalIdentity(ctx context.Context, ident *ExternalIdentity) (bool, error) {
	if err := s.stamp(ctx, &ident.TenantID); err != nil {
		return false, err
	}
	return s.inner.UpsertExternalIdentity(ctx, ident)
}

func (s *Scoped) CreateFlow(ctx context.Context, f *Flow) error {
	if err := s.stamp(ctx, &f.TenantID); err != nil {
		return err
	}
	return s.inner.CreateFlow(ctx, f)
}

func (s *Scoped) GetActiveFlow(ctx context.Context, tenantID, trigger string) (*Flow, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetActiveFlow(ctx, resolved, trigger)
}

func (s *Scoped) GetUiPrompt(ctx context.Context, tenantID, id string) (*UiPrompt, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetUiPrompt(ctx, resolved, id)
}

func (s *Scoped) CreateUiPrompt(ctx context.Context, p *UiPrompt) error {
	if err := s.stamp(ctx, &p.TenantID); err != nil {
		return err
	}
	return s.inner.CreateUiPrompt(ctx, p)
}

func (s *Scoped) CreateFlowRun(ctx context.Context, r *FlowRun) error {
	if err := s.stamp(ctx, &r.TenantID); err != nil {
		return err
	}
	return s.inner.CreateFlowRun(ctx, r)
}

func (s *Scoped) GetFlowRun(ctx context.Context, tenantID, id string) (*FlowRun, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetFlowRun(ctx, resolved, id)
}

func (s *Scoped) UpdateFlowRun(ctx context.Context, r *FlowRun) error {
	if err := s.stamp(ctx, &r.TenantID); err != nil {
		return err
	}
	return s.inner.UpdateFlowRun(ctx, r)
}

func (s *Scoped) AppendFlowEvent(ctx context.Context, e *FlowEvent) error {
	if err := s.stamp(ctx, &e.TenantID); err != nil {
		return err
	}
	return s.inner.AppendFlowEvent(ctx, e)
}

func (s *Scoped) UpsertUserMetadata(ctx context.Context, m *UserMetadata) error {
	if err := s.stamp(ctx, &m.TenantID); err != nil {
		return err
	}
	return s.inner.UpsertUserMetadata(ctx, m)
}

func (s *Scoped) GetUserMetadata(ctx context.Context, tenantID, userID, namespace string) (*UserMetadata, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.inner.GetUserMetadata(ctx, resolved, userID, namespace)
}

func (s *Scoped) AppendAudit(ctx context.Context, a *Audit) error {
	if err := s.stamp(ctx, &a.TenantID); err != nil {
		return err
	}
	return s.inner.AppendAudit(ctx, a)
}

// Close is a no-op; the lifetime of the underlying store belongs to the
// composition root.
func (*Scoped) Close() error { return nil }
