// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
)

func newTestLimiter(t *testing.T, rules map[string]Rule) *Limiter {
	t.Helper()
	store := faststore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, rules)
}

func TestAllowWithinQuota(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, map[string]Rule{"r": {Limit: 3, Window: time.Minute}})
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		d, err := l.Allow(ctx, "r", "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "r", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestSubjectsIndependent(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, map[string]Rule{"r": {Limit: 1, Window: time.Minute}})
	ctx := context.Background()

	d, err := l.Allow(ctx, "r", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(ctx, "r", "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "r", "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other subjects keep their own window")
}

func TestUnknownRuleFailsOpen(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, map[string]Rule{})
	d, err := l.Allow(context.Background(), "missing", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	rules := Defaults()
	assert.Equal(t, Rule{Limit: 60, Window: time.Minute}, rules[RuleTokenIP])
	assert.Equal(t, Rule{Limit: 120, Window: time.Minute}, rules[RuleTokenClient])
	assert.Equal(t, Rule{Limit: 10, Window: time.Hour}, rules[RuleRegister])
	assert.Equal(t, Rule{Limit: 5, Window: 10 * time.Minute}, rules[RuleMagicEmail])
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, rules map[string]Rule)
	}{
		{
			name: "empty keeps defaults",
			raw:  "",
			check: func(t *testing.T, rules map[string]Rule) {
				assert.Equal(t, Defaults(), rules)
			},
		},
		{
			name: "override one rule",
			raw:  `{"token_ip":{"limit":100,"window_seconds":30}}`,
			check: func(t *testing.T, rules map[string]Rule) {
				assert.EqualValues(t, 100, rules[RuleTokenIP].Limit)
				assert.Equal(t, 30*time.Second, rules[RuleTokenIP].Window)
				assert.Equal(t, Defaults()[RuleRegister], rules[RuleRegister])
			},
		},
		{
			name: "custom rule name accepted",
			raw:  `{"introspect_ip":{"limit":10,"window_seconds":60}}`,
			check: func(t *testing.T, rules map[string]Rule) {
				assert.EqualValues(t, 10, rules["introspect_ip"].Limit)
			},
		},
		{
			name:    "invalid json",
			raw:     `{`,
			wantErr: true,
		},
		{
			name:    "non-positive limit",
			raw:     `{"token_ip":{"limit":0,"window_seconds":60}}`,
			wantErr: true,
		},
		{
			name:    "missing window",
			raw:     `{"token_ip":{"limit":5}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rules, err := ParseOverrides(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, rules)
		})
	}
}

func TestBuckets(t *testing.T) {
	t.Parallel()

	b := NewBuckets(1, 2)

	assert.True(t, b.Allow("ip-1"))
	assert.True(t, b.Allow("ip-1"))
	assert.False(t, b.Allow("ip-1"), "burst exhausted")
	assert.True(t, b.Allow("ip-2"), "per-subject buckets")
}
