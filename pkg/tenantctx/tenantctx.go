// SPDX-License-Identifier: Apache-2.0

// Package tenantctx resolves tenant slugs from request paths and
// carries the resolved tenant through request contexts. Resolution is
// cached in a bounded LRU with a short TTL so the hot path avoids a
// database round trip per request.
package tenantctx

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// Cache bounds matching the isolation layer's contract.
const (
	cacheCapacity = 1000
	cacheTTL      = 5 * time.Minute
)

type ctxKey struct{}

// WithTenant attaches the resolved tenant to the context.
func WithTenant(ctx context.Context, t *storage.Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the resolved tenant, or nil.
func FromContext(ctx context.Context) *storage.Tenant {
	t, _ := ctx.Value(ctxKey{}).(*storage.Tenant)
	return t
}

type cacheEntry struct {
	slug    string
	tenant  *storage.Tenant
	expires time.Time
}

// Resolver maps slugs to tenants through a TTL'd LRU cache.
type Resolver struct {
	tenants storage.TenantStore

	mu      sync.Mutex
	order   *list.List // front = most recent
	entries map[string]*list.Element

	// now is swappable in tests.
	now func() time.Time
}

// NewResolver builds a resolver over the unscoped tenant store.
func NewResolver(tenants storage.TenantStore) *Resolver {
	return &Resolver{
		tenants: tenants,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Resolve returns the tenant for a slug, from cache when fresh.
// Unknown slugs return storage.ErrNotFound; negative results are not
// cached so a freshly created tenant is visible immediately.
func (r *Resolver) Resolve(ctx context.Context, slug string) (*storage.Tenant, error) {
	if t := r.cached(slug); t != nil {
		return t, nil
	}

	t, err := r.tenants.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	r.store(slug, t)
	return t, nil
}

// Invalidate drops a slug from the cache, for use after tenant deletion.
func (r *Resolver) Invalidate(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[slug]; ok {
		r.order.Remove(el)
		delete(r.entries, slug)
	}
}

func (r *Resolver) cached(slug string) *storage.Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[slug]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if r.now().After(entry.expires) {
		r.order.Remove(el)
		delete(r.entries, slug)
		return nil
	}
	r.order.MoveToFront(el)
	return entry.tenant
}

func (r *Resolver) store(slug string, t *storage.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[slug]; ok {
		el.Value.(*cacheEntry).tenant = t
		el.Value.(*cacheEntry).expires = r.now().Add(cacheTTL)
		r.order.MoveToFront(el)
		return
	}

	for r.order.Len() >= cacheCapacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*cacheEntry).slug)
	}

	r.entries[slug] = r.order.PushFront(&cacheEntry{
		slug:    slug,
		tenant:  t,
		expires: r.now().Add(cacheTTL),
	})
}
