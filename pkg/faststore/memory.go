// SPDX-License-Identifier: Apache-2.0

package faststore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultCleanupInterval = time.Minute

// memEntry wraps a value with its expiry deadline.
type memEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e memEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

type counterEntry struct {
	count   int64
	resetAt time.Time
}

// Memory is the in-process Store for single-node deployments and
// tests. A background goroutine sweeps expired entries; expiry is also
// enforced on every read so a missed sweep never resurrects a record.
type Memory struct {
	mu       sync.RWMutex
	pending  map[string]memEntry[PendingAuthRequest]
	magic    map[string]memEntry[MagicToken]
	upstream map[string]memEntry[UpstreamState]
	codeMeta map[string]memEntry[AuthCodeMeta]
	refresh  map[string]memEntry[string]
	resume   map[string]memEntry[ResumeToken]
	seen     map[string]time.Time
	counters map[string]counterEntry

	broker *memBroker

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once

	// now is swappable in tests.
	now func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithCleanupInterval overrides how often the sweeper runs.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanupInterval = d
	}
}

// NewMemory creates an in-process store and starts its sweeper.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		pending:         make(map[string]memEntry[PendingAuthRequest]),
		magic:           make(map[string]memEntry[MagicToken]),
		upstream:        make(map[string]memEntry[UpstreamState]),
		codeMeta:        make(map[string]memEntry[AuthCodeMeta]),
		refresh:         make(map[string]memEntry[string]),
		resume:          make(map[string]memEntry[ResumeToken]),
		seen:            make(map[string]time.Time),
		counters:        make(map[string]counterEntry),
		broker:          newMemBroker(),
		cleanupInterval: defaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupLoop()
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) PutPending(_ context.Context, p *PendingAuthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.Rid] = memEntry[PendingAuthRequest]{value: *p, expiresAt: p.ExpiresAt}
	return nil
}

func (m *Memory) GetPending(_ context.Context, rid string) (*PendingAuthRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pending[rid]
	if !ok {
		return nil, fmt.Errorf("pending request %q: %w", rid, ErrNotFound)
	}
	if e.expired(m.now()) {
		delete(m.pending, rid)
		return nil, fmt.Errorf("pending request %q: %w", rid, ErrExpired)
	}
	v := e.value
	return &v, nil
}

func (m *Memory) DeletePending(_ context.Context, rid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, rid)
	return nil
}

func (m *Memory) PutMagicToken(_ context.Context, t *MagicToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.magic[t.Token] = memEntry[MagicToken]{value: *t, expiresAt: t.ExpiresAt}
	return nil
}

func (m *Memory) ConsumeMagicToken(_ context.Context, token string) (*MagicToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.magic[token]
	if !ok {
		return nil, fmt.Errorf("magic token: %w", ErrNotFound)
	}
	delete(m.magic, token)
	if e.expired(m.now()) {
		return nil, fmt.Errorf("magic token: %w", ErrExpired)
	}
	v := e.value
	return &v, nil
}

func (m *Memory) PutUpstreamState(_ context.Context, u *UpstreamState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstream[u.State] = memEntry[UpstreamState]{value: *u, expiresAt: u.ExpiresAt}
	return nil
}

func (m *Memory) ConsumeUpstreamState(_ context.Context, state string) (*UpstreamState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.upstream[state]
	if !ok {
		return nil, fmt.Errorf("upstream state: %w", ErrNotFound)
	}
	delete(m.upstream, state)
	if e.expired(m.now()) {
		return nil, fmt.Errorf("upstream state: %w", ErrExpired)
	}
	v := e.value
	return &v, nil
}

func (m *Memory) PutAuthCodeMeta(_ context.Context, code string, meta *AuthCodeMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codeMeta[code] = memEntry[AuthCodeMeta]{value: *meta, expiresAt: m.now().Add(CodeMetaTTL)}
	return nil
}

func (m *Memory) GetAuthCodeMeta(_ context.Context, code string) (*AuthCodeMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.codeMeta[code]
	if !ok {
		return nil, fmt.Errorf("code metadata: %w", ErrNotFound)
	}
	if e.expired(m.now()) {
		delete(m.codeMeta, code)
		return nil, fmt.Errorf("code metadata: %w", ErrExpired)
	}
	v := e.value
	return &v, nil
}

func (m *Memory) ConsumeAuthCodeMeta(_ context.Context, code string) (*AuthCodeMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.codeMeta[code]
	if !ok {
		return nil, fmt.Errorf("code metadata: %w", ErrNotFound)
	}
	delete(m.codeMeta, code)
	if e.expired(m.now()) {
		return nil, fmt.Errorf("code metadata: %w", ErrExpired)
	}
	v := e.value
	return &v, nil
}

func (m *Memory) SetRefreshMeta(_ context.Context, token, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[token] = memEntry[string]{value: scope, expiresAt: m.now().Add(RefreshMetaTTL)}
	return nil
}

func (m *Memory) GetRefreshMeta(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.refresh[token]
	if !ok {
		return "", fmt.Errorf("refresh metadata: %w", ErrNotFound)
	}
	if e.expired(m.now()) {
		delete(m.refresh, token)
		return "", fmt.Errorf("refresh metadata: %w", ErrExpired)
	}
	return e.value, nil
}

func (m *Memory) DeleteRefreshMeta(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, token)
	return nil
}

func (m *Memory) PutResumeToken(_ context.Context, r *ResumeToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resume[r.Token] = memEntry[ResumeToken]{value: *r, expiresAt: r.ExpiresAt}
	return nil
}

func (m *Memory) ConsumeResumeToken(_ context.Context, token string) (*ResumeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.resume[token]
	if !ok {
		return nil, fmt.Errorf("resume token: %w", ErrNotFound)
	}
	delete(m.resume, token)
	if e.expired(m.now()) {
		return nil, fmt.Errorf("resume token: %w", ErrExpired)
	}
	v := e.value
	return &v, nil
}

func (m *Memory) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || now.After(c.resetAt) {
		c = counterEntry{resetAt: now.Add(window)}
	}
	c.count++
	m.counters[key] = c
	return c.count, nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.broker.publish(channel, payload)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	return m.broker.subscribe(ctx, channel)
}

func (*Memory) Health(context.Context) error {
	return nil
}

// Close stops the sweeper and releases all subscribers.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCleanup)
		<-m.cleanupDone
		m.broker.close()
	})
	return nil
}

func (m *Memory) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

func (m *Memory) cleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	sweep(m.pending, now)
	sweep(m.magic, now)
	sweep(m.upstream, now)
	sweep(m.codeMeta, now)
	sweep(m.refresh, now)
	sweep(m.resume, now)
	for k, exp := range m.seen {
		if now.After(exp) {
			delete(m.seen, k)
		}
	}
	for k, c := range m.counters {
		if now.After(c.resetAt) {
			delete(m.counters, k)
		}
	}
}

func sweep[T any](entries map[string]memEntry[T], now time.Time) {
	for k, e := range entries {
		if e.expired(now) {
			delete(entries, k)
		}
	}
}

// subscriberBuffer bounds each subscriber's backlog. A subscriber that
// falls this far behind loses the oldest undelivered payloads; SSE
// clients recover by re-reading the pending request state.
const subscriberBuffer = 16

type memSub struct {
	ch   chan string
	once sync.Once
}

func (s *memSub) close() {
	s.once.Do(func() { close(s.ch) })
}

// memBroker fans published payloads out to channel subscribers.
type memBroker struct {
	mu     sync.Mutex
	subs   map[string][]*memSub
	closed bool
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]*memSub)}
}

func (b *memBroker) publish(channel, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Drop the oldest payload to make room for the newest.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- payload:
			default:
			}
		}
	}
}

func (b *memBroker) subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, fmt.Errorf("subscribe %q: store closed", channel)
	}

	sub := &memSub{ch: make(chan string, subscriberBuffer)}
	b.subs[channel] = append(b.subs[channel], sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, s := range subs {
			if s == sub {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		sub.close()
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, cancel, nil
}

func (b *memBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.close()
		}
	}
	b.subs = make(map[string][]*memSub)
}
