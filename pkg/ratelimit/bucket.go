// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// bucketCapacity bounds how many per-subject buckets are held before
// the map is reset. A reset briefly refills every bucket, which only
// relaxes limiting, never tightens it.
const bucketCapacity = 10000

// Buckets is an in-process token-bucket limiter keyed by subject. It
// fronts interactive endpoints (login page, SSE attach) where a smooth
// per-IP cap matters more than cross-process exactness.
type Buckets struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewBuckets allows ratePerSecond sustained requests with the given
// burst per subject.
func NewBuckets(ratePerSecond float64, burst int) *Buckets {
	return &Buckets{
		limit:   rate.Limit(ratePerSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the subject may proceed right now.
func (b *Buckets) Allow(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.buckets[subject]
	if !ok {
		if len(b.buckets) >= bucketCapacity {
			b.buckets = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(b.limit, b.burst)
		b.buckets[subject] = lim
	}
	return lim.Allow()
}
