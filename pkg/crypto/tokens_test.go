// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpaqueToken(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, TokenBytes)

	rid := NewRequestID()
	raw, err = base64.RawURLEncoding.DecodeString(rid)
	require.NoError(t, err)
	assert.Len(t, raw, RequestIDBytes)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken()
		assert.False(t, seen[tok], "token collision")
		seen[tok] = true
	}
}

func TestHashToken(t *testing.T) {
	t.Parallel()

	h1 := HashToken("token-a")
	h2 := HashToken("token-a")
	h3 := HashToken("token-b")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)

	raw, err := base64.RawURLEncoding.DecodeString(h1)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestPasswordHashing(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "wrong password"))
	assert.False(t, VerifyPassword("not a hash", "anything"))
}
