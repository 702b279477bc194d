// SPDX-License-Identifier: Apache-2.0

// Package keys manages per-tenant RSA signing keys through their
// staged, active, and retired states. Private keys are sealed before
// they reach storage; retired keys stay published in the JWKS until
// their notAfter so tokens signed before a rotation keep verifying.
package keys

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// RetirementGrace is how long a demoted key remains in the JWKS.
const RetirementGrace = 7 * 24 * time.Hour

// ErrNoActiveKey is returned when a tenant has no active signing key
// and the caller did not ask for one to be created.
var ErrNoActiveKey = errors.New("no active signing key")

// SigningKey is an unsealed active key ready for token signing.
type SigningKey struct {
	Kid     string
	Private *rsa.PrivateKey
}

// Manager drives the key lifecycle for all tenants.
type Manager struct {
	store  storage.KeyStore
	audits storage.AuditStore
	sealer *crypto.Sealer

	// now is swappable in tests.
	now func() time.Time
}

// NewManager builds a lifecycle manager over the scoped key store.
func NewManager(store storage.KeyStore, audits storage.AuditStore, sealer *crypto.Sealer) *Manager {
	return &Manager{
		store:  store,
		audits: audits,
		sealer: sealer,
		now:    time.Now,
	}
}

// EnsureActive returns the tenant's active key, rotating one into
// existence when none is present.
func (m *Manager) EnsureActive(ctx context.Context, tenantID string) (*storage.JwkKey, error) {
	key, err := m.store.GetActiveKey(ctx, tenantID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup active key: %w", err)
	}
	return m.Rotate(ctx, tenantID)
}

// Rotate mints a fresh RSA-2048 keypair, promotes it to active, and
// demotes the previous active key to retired with a seven-day JWKS
// grace window. The new key is staged only within the rotation
// transaction; callers always observe it as active.
func (m *Manager) Rotate(ctx context.Context, tenantID string) (*storage.JwkKey, error) {
	priv, err := crypto.GenerateRSAKey()
	if err != nil {
		return nil, err
	}
	kid, err := crypto.DeriveKeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	pubJWK, err := crypto.MarshalPublicJWK(&priv.PublicKey, kid)
	if err != nil {
		return nil, err
	}
	privJWK, err := crypto.MarshalPrivateJWK(priv, kid)
	if err != nil {
		return nil, err
	}
	sealed, err := m.sealer.Seal(privJWK)
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}

	now := m.now()
	key := &storage.JwkKey{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		Kid:              kid,
		PublicJWK:        string(pubJWK),
		PrivateJWKSealed: sealed,
		Status:           storage.KeyStatusActive,
		NotBefore:        storage.At(now),
		CreatedAt:        storage.At(now),
	}
	if err := m.store.RotateKeys(ctx, tenantID, key, now.Add(RetirementGrace)); err != nil {
		return nil, fmt.Errorf("rotating keys: %w", err)
	}

	detail, _ := json.Marshal(map[string]string{"kid": kid})
	if err := m.audits.AppendAudit(ctx, &storage.Audit{
		TenantID: tenantID,
		Action:   "jwks.rotate",
		Detail:   detail,
	}); err != nil {
		logger.Warnw("audit write failed", "action", "jwks.rotate", "error", err)
	}

	logger.Infow("rotated signing key", "tenant_id", tenantID, "kid", kid)
	return key, nil
}

// PublicJWKS renders the tenant's key set document: the active key
// plus retired keys whose grace window has not elapsed.
func (m *Manager) PublicJWKS(ctx context.Context, tenantID string) (json.RawMessage, error) {
	published, err := m.store.ListPublishableKeys(ctx, tenantID, m.now())
	if err != nil {
		return nil, fmt.Errorf("listing publishable keys: %w", err)
	}

	set := jwk.NewSet()
	for _, k := range published {
		key, err := jwk.ParseKey([]byte(k.PublicJWK))
		if err != nil {
			return nil, fmt.Errorf("parsing stored JWK %s: %w", k.Kid, err)
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("assembling key set: %w", err)
		}
	}

	doc, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshaling key set: %w", err)
	}
	return doc, nil
}

// ActivePrivate unseals the tenant's active signing key.
func (m *Manager) ActivePrivate(ctx context.Context, tenantID string) (*SigningKey, error) {
	key, err := m.store.GetActiveKey(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveKey
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active key: %w", err)
	}

	privJWK, err := m.sealer.Open(key.PrivateJWKSealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing private key %s: %w", key.Kid, err)
	}
	priv, err := crypto.ParsePrivateJWK(privJWK)
	if err != nil {
		return nil, err
	}
	return &SigningKey{Kid: key.Kid, Private: priv}, nil
}

// PublicKeyByKid returns the public key for a kid, for verifying
// tokens signed before the current rotation.
func (m *Manager) PublicKeyByKid(ctx context.Context, tenantID, kid string) (*rsa.PublicKey, error) {
	key, err := m.store.GetKeyByKid(ctx, tenantID, kid)
	if err != nil {
		return nil, fmt.Errorf("lookup key %s: %w", kid, err)
	}

	parsed, err := jwk.ParseKey([]byte(key.PublicJWK))
	if err != nil {
		return nil, fmt.Errorf("parsing stored JWK %s: %w", kid, err)
	}
	var pub rsa.PublicKey
	if err := jwk.Export(parsed, &pub); err != nil {
		return nil, fmt.Errorf("exporting public key %s: %w", kid, err)
	}
	return &pub, nil
}
