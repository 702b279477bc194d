// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

func newTestStore(t *testing.T) *DB {
	t.Helper()
	s, err := Open(context.Background(), "sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTenant(t *testing.T, s *DB, slug string) *storage.Tenant {
	t.Helper()
	tenant := &storage.Tenant{Slug: slug, Name: slug}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return tenant
}

func TestParseDatabaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		url        string
		wantDriver string
		wantErr    bool
	}{
		{name: "sqlite file", url: "sqlite:waygate.db", wantDriver: "sqlite"},
		{name: "sqlite memory", url: "sqlite::memory:", wantDriver: "sqlite"},
		{name: "postgres", url: "postgres://u:p@localhost/db", wantDriver: "pgx"},
		{name: "postgresql", url: "postgresql://u:p@localhost/db", wantDriver: "pgx"},
		{name: "empty sqlite path", url: "sqlite:", wantErr: true},
		{name: "unknown scheme", url: "mysql://localhost/db", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			driver, _, err := parseDatabaseURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
		})
	}
}

func TestTenantLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tenant := newTestTenant(t, s, "acme")

	got, err := s.GetTenantBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.ID)

	err = s.CreateTenant(ctx, &storage.Tenant{Slug: "acme"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = s.GetTenantBySlug(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteTenant(ctx, tenant.ID))
	assert.ErrorIs(t, s.DeleteTenant(ctx, tenant.ID), storage.ErrNotFound)
}

func TestUpsertUserByEmailFirstAdmin(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")

	first, created, err := s.UpsertUserByEmail(ctx, tenant.ID, "Admin@Example.com ", "Admin")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "admin@example.com", first.Email, "email must be lowercased")
	assert.True(t, first.IsAdmin, "first user of a tenant becomes admin")

	second, created, err := s.UpsertUserByEmail(ctx, tenant.ID, "user@example.com", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, second.IsAdmin)

	again, created, err := s.UpsertUserByEmail(ctx, tenant.ID, "ADMIN@example.com", "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestUpsertUserByEmailConcurrentFirstLogins(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")

	// Distinct emails race for the same empty tenant; the tenant-row
	// lock must let exactly one of them become admin.
	emails := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	var wg sync.WaitGroup
	errs := make([]error, len(emails))
	for i, email := range emails {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = s.UpsertUserByEmail(ctx, tenant.ID, email, "")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	admins := 0
	for _, email := range emails {
		u, err := s.GetUserByEmail(ctx, tenant.ID, email)
		require.NoError(t, err)
		if u.IsAdmin {
			admins++
		}
	}
	assert.Equal(t, 1, admins, "exactly one of the racing first logins becomes admin")
}

func TestUserEmailUniquePerTenant(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	t1 := newTestTenant(t, s, "t1")
	t2 := newTestTenant(t, s, "t2")

	require.NoError(t, s.CreateUser(ctx, &storage.User{TenantID: t1.ID, Email: "a@b.c"}))
	err := s.CreateUser(ctx, &storage.User{TenantID: t1.ID, Email: "a@b.c"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	// Same email under another tenant is fine.
	require.NoError(t, s.CreateUser(ctx, &storage.User{TenantID: t2.ID, Email: "a@b.c"}))
}

func TestAuthCodeSingleUse(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")

	client := &storage.Client{
		TenantID:     tenant.ID,
		ClientID:     "c1",
		RedirectURIs: storage.StringSlice{"https://rp/cb"},
	}
	require.NoError(t, s.CreateClient(ctx, client))

	code := &storage.AuthCode{
		Code:        "code-1",
		TenantID:    tenant.ID,
		ClientDBID:  client.ID,
		ClientID:    "c1",
		UserID:      "u1",
		RedirectURI: "https://rp/cb",
		Scope:       "openid email",
		ExpiresAt:   storage.At(time.Now().Add(5 * time.Minute)),
	}
	require.NoError(t, s.CreateAuthCode(ctx, code))

	got, err := s.ConsumeAuthCode(ctx, tenant.ID, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "openid email", got.Scope)
	assert.Equal(t, "https://rp/cb", got.RedirectURI)

	_, err = s.ConsumeAuthCode(ctx, tenant.ID, "code-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "a code is consumed at most once")
}

func TestAuthCodeExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")
	client := &storage.Client{TenantID: tenant.ID, ClientID: "c1"}
	require.NoError(t, s.CreateClient(ctx, client))

	code := &storage.AuthCode{
		Code:       "stale",
		TenantID:   tenant.ID,
		ClientDBID: client.ID,
		ClientID:   "c1",
		UserID:     "u1",
		ExpiresAt:  storage.At(time.Now().Add(-time.Minute)),
	}
	require.NoError(t, s.CreateAuthCode(ctx, code))

	_, err := s.ConsumeAuthCode(ctx, tenant.ID, "stale")
	assert.ErrorIs(t, err, storage.ErrExpired)

	// The expired code is gone either way.
	_, err = s.ConsumeAuthCode(ctx, tenant.ID, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshRotationAndCascade(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")
	require.NoError(t, s.CreateUser(ctx, &storage.User{ID: "u1", TenantID: tenant.ID, Email: "a@b.c"}))

	sess := &storage.Session{
		TenantID:  tenant.ID,
		UserID:    "u1",
		ExpiresAt: storage.At(time.Now().Add(30 * 24 * time.Hour)),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	r1 := &storage.RefreshToken{
		Token:     "tok-1",
		TenantID:  tenant.ID,
		SessionID: sess.ID,
		ClientID:  "c1",
		ExpiresAt: storage.At(time.Now().Add(30 * 24 * time.Hour)),
	}
	require.NoError(t, s.CreateRefreshToken(ctx, r1))

	r2 := &storage.RefreshToken{
		Token:     "tok-2",
		TenantID:  tenant.ID,
		SessionID: sess.ID,
		ClientID:  "c1",
		ExpiresAt: storage.At(time.Now().Add(30 * 24 * time.Hour)),
	}
	require.NoError(t, s.RotateRefreshToken(ctx, tenant.ID, r1.ID, r2))

	old, err := s.GetRefreshToken(ctx, tenant.ID, "tok-1")
	require.NoError(t, err)
	assert.True(t, old.Revoked)

	fresh, err := s.GetRefreshToken(ctx, tenant.ID, "tok-2")
	require.NoError(t, err)
	assert.False(t, fresh.Revoked)

	// Rotating an already-revoked token fails; the rotation is atomic.
	r3 := &storage.RefreshToken{
		Token: "tok-3", TenantID: tenant.ID, SessionID: sess.ID, ClientID: "c1",
	}
	err = s.RotateRefreshToken(ctx, tenant.ID, r1.ID, r3)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, tenant.ID, "tok-3")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	revoked, err := s.RevokeSessionTokens(ctx, tenant.ID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked, "only tok-2 was still live")
}

func TestKeyRotation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")

	_, err := s.GetActiveKey(ctx, tenant.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	k1 := &storage.JwkKey{
		TenantID:         tenant.ID,
		Kid:              "kid-1",
		PublicJWK:        `{"kty":"RSA"}`,
		PrivateJWKSealed: "v1:gcm:a:b:c",
	}
	require.NoError(t, s.RotateKeys(ctx, tenant.ID, k1, time.Now().Add(7*24*time.Hour)))

	active, err := s.GetActiveKey(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "kid-1", active.Kid)

	k2 := &storage.JwkKey{
		TenantID:         tenant.ID,
		Kid:              "kid-2",
		PublicJWK:        `{"kty":"RSA"}`,
		PrivateJWKSealed: "v1:gcm:d:e:f",
	}
	notAfter := time.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, s.RotateKeys(ctx, tenant.ID, k2, notAfter))

	active, err = s.GetActiveKey(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "kid-2", active.Kid)

	retired, err := s.GetKeyByKid(ctx, tenant.ID, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, storage.KeyStatusRetired, retired.Status)
	assert.WithinDuration(t, notAfter, retired.NotAfter.Time, 2*time.Second)

	// Both keys publishable while the retired one lingers.
	keys, err := s.ListPublishableKeys(ctx, tenant.ID, time.Now())
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	// After notAfter only the active key remains.
	keys, err = s.ListPublishableKeys(ctx, tenant.ID, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "kid-2", keys[0].Kid)
}

func TestConsentMerge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")
	require.NoError(t, s.CreateUser(ctx, &storage.User{ID: "u1", TenantID: tenant.ID, Email: "a@b.c"}))

	require.NoError(t, s.UpsertConsent(ctx, tenant.ID, "u1", "c1", []string{"openid"}))
	require.NoError(t, s.UpsertConsent(ctx, tenant.ID, "u1", "c1", []string{"openid", "email"}))

	c, err := s.GetConsent(ctx, tenant.ID, "u1", "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openid", "email"}, []string(c.Scopes))
	assert.True(t, c.Covers([]string{"email"}))
	assert.False(t, c.Covers([]string{"profile"}))
}

func TestExternalIdentityUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")
	require.NoError(t, s.CreateUser(ctx, &storage.User{ID: "u1", TenantID: tenant.ID, Email: "a@b.c"}))

	provider := &storage.IdentityProvider{
		TenantID: tenant.ID,
		Type:     storage.ProviderGoogle,
		ClientID: "google-client",
		Status:   storage.ProviderEnabled,
	}
	require.NoError(t, s.CreateProvider(ctx, provider))

	ident := &storage.ExternalIdentity{
		TenantID:    tenant.ID,
		UserID:      "u1",
		ProviderID:  provider.ID,
		Subject:     "goog-sub-1",
		Email:       "a@b.c",
		LastLoginAt: storage.Now(),
	}
	firstLink, err := s.UpsertExternalIdentity(ctx, ident)
	require.NoError(t, err)
	assert.True(t, firstLink)

	later := &storage.ExternalIdentity{
		TenantID:    tenant.ID,
		UserID:      "u1",
		ProviderID:  provider.ID,
		Subject:     "goog-sub-1",
		Email:       "renamed@b.c",
		LastLoginAt: storage.Now(),
	}
	firstLink, err = s.UpsertExternalIdentity(ctx, later)
	require.NoError(t, err)
	assert.False(t, firstLink)
}

func TestGetActiveFlowHighestVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")

	for version, status := range map[int]string{
		1: storage.FlowEnabled,
		2: storage.FlowEnabled,
		3: storage.FlowDisabled,
	} {
		require.NoError(t, s.CreateFlow(ctx, &storage.Flow{
			TenantID: tenant.ID,
			Name:     "signin-flow",
			Trigger:  storage.TriggerSignin,
			Status:   status,
			Version:  version,
			Nodes:    storage.RawJSON(`[{"id":"n1","type":"begin"}]`),
		}))
	}

	f, err := s.GetActiveFlow(ctx, tenant.ID, storage.TriggerSignin)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Version, "highest enabled version wins")

	_, err = s.GetActiveFlow(ctx, tenant.ID, storage.TriggerSignup)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlowRunAndMetadata(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")
	require.NoError(t, s.CreateUser(ctx, &storage.User{ID: "u1", TenantID: tenant.ID, Email: "a@b.c"}))

	flow := &storage.Flow{
		TenantID: tenant.ID,
		Trigger:  storage.TriggerSignin,
		Status:   storage.FlowEnabled,
		Nodes:    storage.RawJSON(`[]`),
	}
	require.NoError(t, s.CreateFlow(ctx, flow))

	run := &storage.FlowRun{
		TenantID:   tenant.ID,
		FlowID:     flow.ID,
		UserID:     "u1",
		RequestRid: "rid-1",
		Trigger:    storage.TriggerSignin,
		Context:    storage.RawJSON(`{"prompts":{}}`),
	}
	require.NoError(t, s.CreateFlowRun(ctx, run))

	run.Status = storage.RunInterrupted
	run.CurrentNodeID = "n2"
	require.NoError(t, s.UpdateFlowRun(ctx, run))

	got, err := s.GetFlowRun(ctx, tenant.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunInterrupted, got.Status)
	assert.Equal(t, "n2", got.CurrentNodeID)

	require.NoError(t, s.AppendFlowEvent(ctx, &storage.FlowEvent{
		TenantID:  tenant.ID,
		FlowRunID: run.ID,
		NodeID:    "n2",
		Type:      "prompt",
	}))

	require.NoError(t, s.UpsertUserMetadata(ctx, &storage.UserMetadata{
		TenantID:  tenant.ID,
		UserID:    "u1",
		Namespace: "travel",
		Data:      storage.RawJSON(`{"country":"DE"}`),
	}))
	require.NoError(t, s.UpsertUserMetadata(ctx, &storage.UserMetadata{
		TenantID:  tenant.ID,
		UserID:    "u1",
		Namespace: "travel",
		Data:      storage.RawJSON(`{"country":"FR"}`),
	}))

	m, err := s.GetUserMetadata(ctx, tenant.ID, "u1", "travel")
	require.NoError(t, err)
	assert.JSONEq(t, `{"country":"FR"}`, string(m.Data))
}

func TestTenantCascadeDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := newTestTenant(t, s, "acme")
	require.NoError(t, s.CreateUser(ctx, &storage.User{ID: "u1", TenantID: tenant.ID, Email: "a@b.c"}))
	require.NoError(t, s.AppendAudit(ctx, &storage.Audit{TenantID: tenant.ID, Action: "login.magic"}))

	require.NoError(t, s.DeleteTenant(ctx, tenant.ID))

	_, err := s.GetUser(ctx, tenant.ID, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCrossTenantReadsComeBackEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	t1 := newTestTenant(t, s, "t1")
	t2 := newTestTenant(t, s, "t2")

	client := &storage.Client{TenantID: t1.ID, ClientID: "c1"}
	require.NoError(t, s.CreateClient(ctx, client))

	_, err := s.GetClient(ctx, t2.ID, client.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetClientByClientID(ctx, t2.ID, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
