// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

type fakeCodeStore struct {
	created []*storage.AuthCode
}

func (s *fakeCodeStore) CreateAuthCode(_ context.Context, c *storage.AuthCode) error {
	s.created = append(s.created, c)
	return nil
}

func (s *fakeCodeStore) ConsumeAuthCode(_ context.Context, _, code string) (*storage.AuthCode, error) {
	for i, c := range s.created {
		if c.Code == code {
			s.created = append(s.created[:i], s.created[i+1:]...)
			return c, nil
		}
	}
	return nil, storage.ErrNotFound
}

type fakeConsentStore struct {
	consents map[string]*storage.Consent // keyed by user:client
}

func consentKey(userID, clientID string) string { return userID + ":" + clientID }

func (s *fakeConsentStore) GetConsent(_ context.Context, _, userID, clientID string) (*storage.Consent, error) {
	if c, ok := s.consents[consentKey(userID, clientID)]; ok {
		return c, nil
	}
	return nil, storage.ErrNotFound
}

func (s *fakeConsentStore) UpsertConsent(_ context.Context, tenantID, userID, clientID string, scopes []string) error {
	if s.consents == nil {
		s.consents = make(map[string]*storage.Consent)
	}
	s.consents[consentKey(userID, clientID)] = &storage.Consent{
		TenantID: tenantID,
		UserID:   userID,
		ClientID: clientID,
		Scopes:   scopes,
	}
	return nil
}

func testClient() *storage.Client {
	return &storage.Client{
		ID:           "cdb-1",
		TenantID:     "t1",
		ClientID:     "web",
		Secret:       "s3cret",
		RedirectURIs: []string{"https://app.example.com/cb", "http://localhost:3000/cb"},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeCodeStore, *fakeConsentStore) {
	t.Helper()
	fast := faststore.NewMemory()
	t.Cleanup(func() { _ = fast.Close() })
	codes := &fakeCodeStore{}
	consents := &fakeConsentStore{}
	return NewManager(fast, codes, consents), codes, consents
}

func TestCreatePending(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pending, err := m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI:         "https://app.example.com/cb",
		Scope:               "openid email",
		State:               "xyz",
		Nonce:               "n1",
		CodeChallenge:       "ch",
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pending.Rid)
	assert.Equal(t, "t1", pending.TenantID)
	assert.False(t, pending.Completed)

	got, err := m.GetPending(ctx, pending.Rid)
	require.NoError(t, err)
	assert.Equal(t, "xyz", got.State)
	assert.Equal(t, "n1", got.Nonce)
	assert.WithinDuration(t, time.Now().Add(faststore.PendingTTL), got.ExpiresAt, time.Minute)
}

func TestCreatePendingRedirectExactMatch(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		uri  string
	}{
		{"trailing slash", "https://app.example.com/cb/"},
		{"different case", "https://APP.example.com/cb"},
		{"unregistered host", "https://evil.example.com/cb"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := m.CreatePending(ctx, testClient(), AuthorizeParams{
				RedirectURI:         tt.uri,
				CodeChallenge:       "ch",
				CodeChallengeMethod: "S256",
			})
			assert.ErrorIs(t, err, ErrRedirectMismatch)
		})
	}
}

func TestCreatePendingPKCERules(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ctx := context.Background()

	public := testClient()
	public.Secret = ""

	_, err := m.CreatePending(ctx, public, AuthorizeParams{
		RedirectURI: "https://app.example.com/cb",
	})
	assert.ErrorIs(t, err, ErrPKCERequired, "public clients must send a challenge")

	_, err = m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       "ch",
		CodeChallengeMethod: "S512",
	})
	assert.ErrorIs(t, err, ErrInvalidChallengeMethod)

	_, err = m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI:         "https://app.example.com/cb",
		CodeChallengeMethod: "S256",
	})
	assert.ErrorIs(t, err, ErrPKCERequired, "a method without a challenge is rejected")

	// Confidential clients may omit PKCE entirely.
	_, err = m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)
}

func TestSetPendingUser(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pending, err := m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)

	updated, err := m.SetPendingUser(ctx, pending.Rid, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", updated.UserID)

	got, err := m.GetPending(ctx, pending.Rid)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	_, err = m.SetPendingUser(ctx, "missing-rid", "u1")
	assert.ErrorIs(t, err, faststore.ErrNotFound)
}

func TestMagicTokenLifecycle(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pending, err := m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)

	token, err := m.IssueMagicToken(ctx, "t1", pending.Rid, "  User@Example.COM ")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := m.ConsumeMagicToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, pending.Rid, got.Rid)
	assert.Equal(t, "user@example.com", got.Email, "email is lowercased and trimmed")

	_, err = m.ConsumeMagicToken(ctx, token)
	assert.ErrorIs(t, err, faststore.ErrNotFound, "a consumed token never resurrects")
}

func TestIssueMagicTokenUnknownRid(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	_, err := m.IssueMagicToken(context.Background(), "t1", "ghost", "a@b.c")
	assert.ErrorIs(t, err, faststore.ErrNotFound)
}

func TestNeedsConsent(t *testing.T) {
	t.Parallel()

	m, _, consents := newTestManager(t)
	ctx := context.Background()

	client := testClient()

	needed, err := m.NeedsConsent(ctx, "t1", "u1", client, "")
	require.NoError(t, err)
	assert.False(t, needed, "empty scope skips consent")

	firstParty := testClient()
	firstParty.FirstParty = true
	needed, err = m.NeedsConsent(ctx, "t1", "u1", firstParty, "openid email")
	require.NoError(t, err)
	assert.False(t, needed, "first-party clients skip consent")

	needed, err = m.NeedsConsent(ctx, "t1", "u1", client, "openid email")
	require.NoError(t, err)
	assert.True(t, needed, "no stored consent requires the form")

	require.NoError(t, m.GrantConsent(ctx, "t1", "u1", client, "openid email"))
	needed, err = m.NeedsConsent(ctx, "t1", "u1", client, "openid")
	require.NoError(t, err)
	assert.False(t, needed, "covered scopes skip consent")

	needed, err = m.NeedsConsent(ctx, "t1", "u1", client, "openid email profile")
	require.NoError(t, err)
	assert.True(t, needed, "an uncovered scope re-prompts")

	// Granting the wider set merges, not replaces.
	require.NoError(t, m.GrantConsent(ctx, "t1", "u1", client, "openid email profile"))
	assert.NotNil(t, consents.consents[consentKey("u1", client.ID)])
}

func TestIssueAuthCode(t *testing.T) {
	t.Parallel()

	m, codes, _ := newTestManager(t)
	ctx := context.Background()

	pending, err := m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI:         "https://app.example.com/cb",
		Scope:               "openid",
		Nonce:               "n1",
		CodeChallenge:       "ch",
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	_, err = m.IssueAuthCode(ctx, pending)
	assert.ErrorIs(t, err, ErrNoUserAttached)

	pending, err = m.SetPendingUser(ctx, pending.Rid, "u1")
	require.NoError(t, err)

	code, err := m.IssueAuthCode(ctx, pending)
	require.NoError(t, err)
	require.Len(t, codes.created, 1)
	assert.Equal(t, "u1", codes.created[0].UserID)
	assert.Equal(t, "openid", codes.created[0].Scope)
	assert.WithinDuration(t, time.Now().Add(CodeTTL), codes.created[0].ExpiresAt.Time, time.Minute)

	meta, err := m.ConsumeAuthCodeMeta(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "n1", meta.Nonce)
	assert.Equal(t, "ch", meta.CodeChallenge)
	assert.False(t, meta.AuthTime.IsZero())

	got, err := m.GetPending(ctx, pending.Rid)
	require.NoError(t, err)
	assert.True(t, got.Completed)

	_, err = m.IssueAuthCode(ctx, got)
	assert.ErrorIs(t, err, ErrPendingCompleted)

	_, err = m.SetPendingUser(ctx, pending.Rid, "u2")
	assert.ErrorIs(t, err, ErrPendingCompleted, "completed ceremonies reject new users")
}

func TestIssueAuthCodeSingleFlight(t *testing.T) {
	t.Parallel()

	m, codes, _ := newTestManager(t)
	ctx := context.Background()

	pending, err := m.CreatePending(ctx, testClient(), AuthorizeParams{
		RedirectURI: "https://app.example.com/cb",
		Scope:       "openid",
	})
	require.NoError(t, err)
	_, err = m.SetPendingUser(ctx, pending.Rid, "u1")
	require.NoError(t, err)

	// Two finalizers holding independent snapshots of the same rid, the
	// way a consent double-submit reaches the manager. Both snapshots
	// predate completion, so a guard read from the snapshot alone would
	// let both mint a code.
	snapA, err := m.GetPending(ctx, pending.Rid)
	require.NoError(t, err)
	snapB, err := m.GetPending(ctx, pending.Rid)
	require.NoError(t, err)

	_, err = m.IssueAuthCode(ctx, snapA)
	require.NoError(t, err)

	_, err = m.IssueAuthCode(ctx, snapB)
	assert.ErrorIs(t, err, ErrPendingCompleted)
	assert.Len(t, codes.created, 1, "only one live code exists for the ceremony")
}

func TestRefreshMetaPassthrough(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetRefreshMeta(ctx, "rt-1", "openid profile"))
	scope, err := m.GetRefreshMeta(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "openid profile", scope)
}

func TestSSEEvents(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsub, err := m.Subscribe(ctx, "rid-1")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.PublishConsentRequired(ctx, "rid-1"))
	require.NoError(t, m.PublishLoginComplete(ctx, "rid-1", "https://app.example.com/cb?code=abc&state=xyz", "handoff-jwt"))

	ev := <-events
	assert.Equal(t, EventConsentRequired, ev.Event)
	assert.Empty(t, ev.Redirect)

	ev = <-events
	assert.Equal(t, EventLoginComplete, ev.Event)
	assert.Contains(t, ev.Redirect, "code=abc")
	assert.Equal(t, "handoff-jwt", ev.Handoff)
}
