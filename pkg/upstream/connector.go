// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/session"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// Result is a completed federated sign-in, ready for the consent
// decision.
type Result struct {
	Pending     *faststore.PendingAuthRequest
	User        *storage.User
	UserCreated bool
	FirstLink   bool
}

// Connector orchestrates the start and callback legs of federated
// sign-in for every tenant and provider type. Adapters are built
// lazily (discovery is a network round trip) and cached per provider
// row.
type Connector struct {
	fast      faststore.Store
	providers storage.ProviderStore
	users     storage.UserStore
	audits    storage.AuditStore
	sessions  *session.Manager
	sealer    *crypto.Sealer
	baseURL   string

	// HTTPClient is used by adapters for discovery and API calls;
	// tests point it at stub servers.
	HTTPClient *http.Client

	mu       sync.Mutex
	adapters map[string]Adapter

	// now is swappable in tests.
	now func() time.Time
}

// NewConnector wires the federated sign-in orchestrator.
func NewConnector(fast faststore.Store, providers storage.ProviderStore, users storage.UserStore, audits storage.AuditStore, sessions *session.Manager, sealer *crypto.Sealer, baseURL string) *Connector {
	return &Connector{
		fast:      fast,
		providers: providers,
		users:     users,
		audits:    audits,
		sessions:  sessions,
		sealer:    sealer,
		baseURL:   baseURL,
		adapters:  make(map[string]Adapter),
		now:       time.Now,
	}
}

// CallbackURL is the tenant-rooted redirect URI registered with the
// upstream provider.
func (c *Connector) CallbackURL(tenantSlug, providerType string) string {
	return fmt.Sprintf("%s/a/%s/sso/%s/callback", c.baseURL, tenantSlug, providerType)
}

// Start begins the upstream leg for a pending ceremony: it binds a
// fresh state, nonce, and PKCE pair, persists the upstream state, and
// returns the provider redirect URL.
func (c *Connector) Start(ctx context.Context, tenant *storage.Tenant, providerType, rid string) (string, error) {
	pending, err := c.sessions.GetPending(ctx, rid)
	if err != nil {
		return "", err
	}

	provider, err := c.providers.GetProviderByType(ctx, tenant.ID, providerType)
	if err != nil {
		return "", err
	}
	if provider.Status != storage.ProviderEnabled {
		return "", ErrProviderDisabled
	}

	adapter, err := c.adapter(ctx, tenant, provider)
	if err != nil {
		return "", err
	}

	state := crypto.NewToken()
	nonce := crypto.NewToken()
	verifier := crypto.GeneratePKCEVerifier()
	challenge := crypto.ComputePKCEChallenge(verifier)

	err = c.fast.PutUpstreamState(ctx, &faststore.UpstreamState{
		State:         state,
		TenantID:      tenant.ID,
		Rid:           pending.Rid,
		ProviderID:    provider.ID,
		ProviderType:  provider.Type,
		Nonce:         nonce,
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		ExpiresAt:     c.now().Add(faststore.UpstreamTTL),
	})
	if err != nil {
		return "", fmt.Errorf("storing upstream state: %w", err)
	}

	return adapter.AuthorizationURL(state, nonce, challenge), nil
}

// Callback finishes the upstream leg: it consumes the state exactly
// once, resolves the upstream identity, links it race-safely to a
// local user, and attaches that user to the pending ceremony.
func (c *Connector) Callback(ctx context.Context, tenant *storage.Tenant, code, state string) (*Result, error) {
	st, err := c.fast.ConsumeUpstreamState(ctx, state)
	if errors.Is(err, faststore.ErrNotFound) || errors.Is(err, faststore.ErrExpired) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming upstream state: %w", err)
	}
	if st.TenantID != tenant.ID {
		// A state minted for another tenant reads as unknown; nothing
		// about the other tenant leaks.
		return nil, ErrStateNotFound
	}

	provider, err := c.providers.GetProvider(ctx, tenant.ID, st.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("loading provider: %w", err)
	}
	adapter, err := c.adapter(ctx, tenant, provider)
	if err != nil {
		return nil, err
	}

	ident, err := adapter.ResolveIdentity(ctx, code, st.CodeVerifier, st.Nonce)
	if err != nil {
		return nil, err
	}
	if ident.Email == "" {
		return nil, ErrNoVerifiedEmail
	}

	user, created, err := c.users.UpsertUserByEmail(ctx, tenant.ID, ident.Email, ident.Name)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	claims, _ := json.Marshal(ident.Claims)
	now := c.now()
	firstLink, err := c.providers.UpsertExternalIdentity(ctx, &storage.ExternalIdentity{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		UserID:      user.ID,
		ProviderID:  provider.ID,
		Subject:     ident.Subject,
		Email:       ident.Email,
		Claims:      claims,
		LastLoginAt: storage.At(now),
		CreatedAt:   storage.At(now),
	})
	if err != nil {
		return nil, fmt.Errorf("linking external identity: %w", err)
	}
	if err := c.users.SetUserLastLogin(ctx, tenant.ID, user.ID, now); err != nil {
		logger.Warnw("last login update failed", "user_id", user.ID, "error", err)
	}

	c.audit(ctx, tenant.ID, user.ID, "login.sso."+provider.Type, map[string]string{
		"provider_id": provider.ID,
		"subject":     ident.Subject,
	})
	if firstLink {
		c.audit(ctx, tenant.ID, user.ID, "idp.linked", map[string]string{
			"provider_id": provider.ID,
			"subject":     ident.Subject,
		})
	}

	pending, err := c.sessions.SetPendingUser(ctx, st.Rid, user.ID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Pending:     pending,
		User:        user,
		UserCreated: created,
		FirstLink:   firstLink,
	}, nil
}

// adapter returns the cached adapter for a provider row, building it
// on first use.
func (c *Connector) adapter(ctx context.Context, tenant *storage.Tenant, provider *storage.IdentityProvider) (Adapter, error) {
	c.mu.Lock()
	if a, ok := c.adapters[provider.ID]; ok {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	secret, err := c.sealer.Open(provider.ClientSecretSealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing provider secret: %w", err)
	}
	redirectURI := c.CallbackURL(tenant.Slug, provider.Type)

	var adapter Adapter
	switch provider.Type {
	case storage.ProviderGoogle:
		adapter, err = NewOIDCAdapter(ctx, OIDCConfig{
			ProviderType: storage.ProviderGoogle,
			Issuer:       GoogleIssuer,
			ClientID:     provider.ClientID,
			ClientSecret: string(secret),
			RedirectURI:  redirectURI,
			Scopes:       provider.Scopes,
			HTTPClient:   c.HTTPClient,
		})
	case storage.ProviderMicrosoft:
		adapter, err = NewMicrosoftAdapter(ctx, OIDCConfig{
			Issuer:       provider.Issuer,
			ClientID:     provider.ClientID,
			ClientSecret: string(secret),
			RedirectURI:  redirectURI,
			Scopes:       provider.Scopes,
			HTTPClient:   c.HTTPClient,
		})
	case storage.ProviderGitHub:
		adapter = NewGitHubAdapter(GitHubConfig{
			ClientID:     provider.ClientID,
			ClientSecret: string(secret),
			RedirectURI:  redirectURI,
			Scopes:       provider.Scopes,
			HTTPClient:   c.HTTPClient,
		})
	case storage.ProviderOIDCGeneric:
		adapter, err = NewOIDCAdapter(ctx, OIDCConfig{
			ProviderType: storage.ProviderOIDCGeneric,
			Issuer:       provider.Issuer,
			ClientID:     provider.ClientID,
			ClientSecret: string(secret),
			RedirectURI:  redirectURI,
			Scopes:       provider.Scopes,
			HTTPClient:   c.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", provider.Type)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.adapters[provider.ID] = adapter
	c.mu.Unlock()
	return adapter, nil
}

// Invalidate drops a provider's cached adapter after its
// configuration changes.
func (c *Connector) Invalidate(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.adapters, providerID)
}

func (c *Connector) audit(ctx context.Context, tenantID, userID, action string, detail map[string]string) {
	data, _ := json.Marshal(detail)
	err := c.audits.AppendAudit(ctx, &storage.Audit{
		TenantID: tenantID,
		UserID:   userID,
		Action:   action,
		Detail:   data,
	})
	if err != nil {
		logger.Warnw("audit write failed", "action", action, "error", err)
	}
}
