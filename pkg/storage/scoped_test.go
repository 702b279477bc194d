// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records the tenant ids the wrapper actually passes down.
// Only the methods exercised by these tests are implemented; the
// embedded interface panics on anything else, which would itself be a
// test failure.
type fakeStore struct {
	Store

	gotTenant string
	users     []*User
	audits    []*Audit
}

func (f *fakeStore) GetUser(_ context.Context, tenantID, id string) (*User, error) {
	f.gotTenant = tenantID
	return &User{ID: id, TenantID: tenantID}, nil
}

func (f *fakeStore) CreateUser(_ context.Context, u *User) error {
	f.users = append(f.users, u)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, a *Audit) error {
	f.audits = append(f.audits, a)
	return nil
}

func (f *fakeStore) GetTenantBySlug(_ context.Context, slug string) (*Tenant, error) {
	return &Tenant{ID: "tenant-of-" + slug, Slug: slug}, nil
}

func TestScopedReadPinsTenant(t *testing.T) {
	t.Parallel()

	inner := &fakeStore{}
	scoped := NewScoped(inner, "t1")

	u, err := scoped.GetUser(context.Background(), "", "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", inner.gotTenant, "empty tenant resolves to the scope")
	assert.Equal(t, "t1", u.TenantID)

	_, err = scoped.GetUser(context.Background(), "t1", "u1")
	require.NoError(t, err, "matching tenant passes")
}

func TestScopedCrossTenantReadBlocked(t *testing.T) {
	t.Parallel()

	inner := &fakeStore{}
	scoped := NewScoped(inner, "t1")

	_, err := scoped.GetUser(context.Background(), "t2", "u1")
	assert.ErrorIs(t, err, ErrTenantMismatch)

	require.Len(t, inner.audits, 1)
	assert.Equal(t, AuditActionCrossTenant, inner.audits[0].Action)
	assert.Equal(t, "t1", inner.audits[0].TenantID,
		"the audit lands under the resolved tenant, not the attempted one")
}

func TestScopedWriteAutoPopulates(t *testing.T) {
	t.Parallel()

	inner := &fakeStore{}
	scoped := NewScoped(inner, "t1")

	require.NoError(t, scoped.CreateUser(context.Background(), &User{Email: "a@b.c"}))
	require.Len(t, inner.users, 1)
	assert.Equal(t, "t1", inner.users[0].TenantID)
}

func TestScopedWriteMismatchBlocked(t *testing.T) {
	t.Parallel()

	inner := &fakeStore{}
	scoped := NewScoped(inner, "t1")

	err := scoped.CreateUser(context.Background(), &User{TenantID: "t2", Email: "a@b.c"})
	assert.ErrorIs(t, err, ErrTenantMismatch)
	assert.Empty(t, inner.users, "no write reaches the inner store")
	assert.Len(t, inner.audits, 1)
}

func TestScopedSlugResolutionChecked(t *testing.T) {
	t.Parallel()

	inner := &fakeStore{}
	scoped := NewScoped(inner, "tenant-of-acme")

	tenant, err := scoped.GetTenantBySlug(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant-of-acme", tenant.ID)

	// A slug resolving to a different tenant is reported as not found,
	// never leaking the other tenant's existence.
	_, err = scoped.GetTenantBySlug(context.Background(), "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScopedTenantLifecycleRejected(t *testing.T) {
	t.Parallel()

	scoped := NewScoped(&fakeStore{}, "t1")
	assert.ErrorIs(t, scoped.CreateTenant(context.Background(), &Tenant{Slug: "x"}), ErrUnscopedOperation)
	assert.ErrorIs(t, scoped.DeleteTenant(context.Background(), "t1"), ErrUnscopedOperation)
}

func TestScopedWithoutTenantFails(t *testing.T) {
	t.Parallel()

	scoped := NewScoped(&fakeStore{}, "")
	_, err := scoped.GetUser(context.Background(), "", "u1")
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestUnscopedDevPassthrough(t *testing.T) {
	t.Parallel()

	inner := &fakeStore{}
	scoped := NewUnscopedDev(inner)

	_, err := scoped.GetUser(context.Background(), "any-tenant", "u1")
	require.NoError(t, err)
	assert.Equal(t, "any-tenant", inner.gotTenant)
}
