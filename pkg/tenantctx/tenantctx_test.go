// SPDX-License-Identifier: Apache-2.0

package tenantctx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

type countingTenantStore struct {
	storage.TenantStore

	lookups int
	tenants map[string]*storage.Tenant
}

func (s *countingTenantStore) GetTenantBySlug(_ context.Context, slug string) (*storage.Tenant, error) {
	s.lookups++
	if t, ok := s.tenants[slug]; ok {
		return t, nil
	}
	return nil, storage.ErrNotFound
}

func newCountingStore(slugs ...string) *countingTenantStore {
	s := &countingTenantStore{tenants: make(map[string]*storage.Tenant)}
	for _, slug := range slugs {
		s.tenants[slug] = &storage.Tenant{ID: "id-" + slug, Slug: slug}
	}
	return s
}

func TestResolveCaches(t *testing.T) {
	t.Parallel()

	store := newCountingStore("acme")
	r := NewResolver(store)

	for i := 0; i < 3; i++ {
		tenant, err := r.Resolve(context.Background(), "acme")
		require.NoError(t, err)
		assert.Equal(t, "id-acme", tenant.ID)
	}
	assert.Equal(t, 1, store.lookups, "repeat resolutions hit the cache")
}

func TestResolveTTLExpiry(t *testing.T) {
	t.Parallel()

	store := newCountingStore("acme")
	r := NewResolver(store)

	current := time.Now()
	r.now = func() time.Time { return current }

	_, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)

	current = current.Add(cacheTTL + time.Second)
	_, err = r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, store.lookups, "expired entries are re-fetched")
}

func TestResolveUnknownNotCached(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	r := NewResolver(store)

	_, err := r.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The tenant appears; the next resolve must see it.
	store.tenants["ghost"] = &storage.Tenant{ID: "id-ghost", Slug: "ghost"}
	tenant, err := r.Resolve(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "id-ghost", tenant.ID)
}

func TestCacheEviction(t *testing.T) {
	t.Parallel()

	store := &countingTenantStore{tenants: make(map[string]*storage.Tenant)}
	for i := 0; i < cacheCapacity+1; i++ {
		slug := fmt.Sprintf("t%04d", i)
		store.tenants[slug] = &storage.Tenant{ID: "id-" + slug, Slug: slug}
	}
	r := NewResolver(store)

	for i := 0; i < cacheCapacity+1; i++ {
		_, err := r.Resolve(context.Background(), fmt.Sprintf("t%04d", i))
		require.NoError(t, err)
	}

	// t0000 was evicted as the least recently used entry.
	before := store.lookups
	_, err := r.Resolve(context.Background(), "t0000")
	require.NoError(t, err)
	assert.Equal(t, before+1, store.lookups)

	// t0001 onward may still be cached; the cache never exceeds its cap.
	assert.LessOrEqual(t, r.order.Len(), cacheCapacity)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	store := newCountingStore("acme")
	r := NewResolver(store)

	_, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	r.Invalidate("acme")

	_, err = r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, store.lookups)
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FromContext(context.Background()))

	tenant := &storage.Tenant{ID: "t1", Slug: "acme"}
	ctx := WithTenant(context.Background(), tenant)
	assert.Equal(t, tenant, FromContext(ctx))
}
