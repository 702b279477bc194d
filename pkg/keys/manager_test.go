// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// fakeKeyStore implements the rotation semantics in memory.
type fakeKeyStore struct {
	keys   []*storage.JwkKey
	audits []*storage.Audit
}

func (s *fakeKeyStore) GetActiveKey(_ context.Context, tenantID string) (*storage.JwkKey, error) {
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Status == storage.KeyStatusActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeKeyStore) ListPublishableKeys(_ context.Context, tenantID string, now time.Time) ([]storage.JwkKey, error) {
	var out []storage.JwkKey
	for _, k := range s.keys {
		if k.TenantID != tenantID {
			continue
		}
		if k.Status == storage.KeyStatusActive ||
			(k.Status == storage.KeyStatusRetired && k.NotAfter.After(now)) {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (s *fakeKeyStore) GetKeyByKid(_ context.Context, tenantID, kid string) (*storage.JwkKey, error) {
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Kid == kid {
			cp := *k
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeKeyStore) RotateKeys(_ context.Context, tenantID string, replacement *storage.JwkKey, notAfter time.Time) error {
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Status == storage.KeyStatusActive {
			k.Status = storage.KeyStatusRetired
			k.NotAfter = storage.At(notAfter)
		}
	}
	cp := *replacement
	s.keys = append(s.keys, &cp)
	return nil
}

func (s *fakeKeyStore) AppendAudit(_ context.Context, a *storage.Audit) error {
	s.audits = append(s.audits, a)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeKeyStore) {
	t.Helper()
	sealer, err := crypto.NewSealer("test-master-secret-at-least-32-bytes")
	require.NoError(t, err)
	store := &fakeKeyStore{}
	return NewManager(store, store, sealer), store
}

func TestEnsureActiveCreatesOnce(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t)
	ctx := context.Background()

	first, err := m.EnsureActive(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, storage.KeyStatusActive, first.Status)
	assert.NotEmpty(t, first.Kid)

	second, err := m.EnsureActive(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.Kid, second.Kid, "an existing active key is reused")
	assert.Len(t, store.keys, 1)
}

func TestRotateDemotesPreviousActive(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t)
	ctx := context.Background()

	old, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)
	fresh, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)
	assert.NotEqual(t, old.Kid, fresh.Kid)

	var active, retired int
	for _, k := range store.keys {
		switch k.Status {
		case storage.KeyStatusActive:
			active++
			assert.Equal(t, fresh.Kid, k.Kid)
		case storage.KeyStatusRetired:
			retired++
			assert.Equal(t, old.Kid, k.Kid)
			assert.WithinDuration(t, time.Now().Add(RetirementGrace), k.NotAfter.Time, time.Minute)
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, retired)
}

func TestRotateWritesAudit(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t)

	key, err := m.Rotate(context.Background(), "t1")
	require.NoError(t, err)

	require.Len(t, store.audits, 1)
	assert.Equal(t, "jwks.rotate", store.audits[0].Action)
	assert.Equal(t, "t1", store.audits[0].TenantID)
	assert.Contains(t, string(store.audits[0].Detail), key.Kid)
}

func TestPublicJWKSIncludesRetiredWithinGrace(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	old, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)
	fresh, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)

	doc, err := m.PublicJWKS(ctx, "t1")
	require.NoError(t, err)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(doc, &set))
	require.Len(t, set.Keys, 2)

	kids := []string{set.Keys[0]["kid"].(string), set.Keys[1]["kid"].(string)}
	assert.ElementsMatch(t, []string{old.Kid, fresh.Kid}, kids)
	for _, k := range set.Keys {
		assert.Equal(t, "RS256", k["alg"])
		assert.Equal(t, "sig", k["use"])
		assert.NotContains(t, k, "d", "private material never reaches the JWKS")
	}
}

func TestPublicJWKSDropsExpiredRetired(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)
	fresh, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)

	// Jump past the retirement window.
	m.now = func() time.Time { return time.Now().Add(RetirementGrace + time.Hour) }

	doc, err := m.PublicJWKS(ctx, "t1")
	require.NoError(t, err)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(doc, &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, fresh.Kid, set.Keys[0]["kid"])
}

func TestActivePrivateRoundTrip(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t)
	ctx := context.Background()

	created, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)

	signing, err := m.ActivePrivate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, created.Kid, signing.Kid)
	require.NotNil(t, signing.Private)
	assert.Equal(t, 2048, signing.Private.N.BitLen())

	// The stored private key is sealed, never plaintext JWK.
	assert.True(t, strings.HasPrefix(store.keys[0].PrivateJWKSealed, "v1:gcm:"))
	assert.NotContains(t, store.keys[0].PrivateJWKSealed, `"d"`)
}

func TestActivePrivateWithoutKey(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	_, err := m.ActivePrivate(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoActiveKey)
}

func TestPublicKeyByKid(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	old, err := m.Rotate(ctx, "t1")
	require.NoError(t, err)
	_, err = m.Rotate(ctx, "t1")
	require.NoError(t, err)

	// Retired keys remain resolvable for verification.
	pub, err := m.PublicKeyByKid(ctx, "t1", old.Kid)
	require.NoError(t, err)
	assert.Equal(t, 2048, pub.N.BitLen())

	_, err = m.PublicKeyByKid(ctx, "t1", "unknown-kid")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTenantKeysIndependent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	k1, err := m.EnsureActive(ctx, "t1")
	require.NoError(t, err)
	k2, err := m.EnsureActive(ctx, "t2")
	require.NoError(t, err)
	assert.NotEqual(t, k1.Kid, k2.Kid)

	doc, err := m.PublicJWKS(ctx, "t1")
	require.NoError(t, err)
	assert.NotContains(t, string(doc), k2.Kid)
}
