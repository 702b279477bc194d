// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealRoundTrip(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	plaintext := []byte(`{"kty":"RSA","d":"secret"}`)
	sealed, err := sealer.Seal(plaintext)
	require.NoError(t, err)

	parts := strings.Split(sealed, ":")
	require.Len(t, parts, 5)
	assert.Equal(t, "v1", parts[0])
	assert.Equal(t, "gcm", parts[1])

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealUniqueIVs(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	s1, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	s2, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2, "each seal must use a fresh IV")
}

func TestOpenRejectsTampering(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("sensitive"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(parts []string)
	}{
		{
			name:   "flipped ciphertext",
			mutate: func(p []string) { p[3] = flipFirstChar(p[3]) },
		},
		{
			name:   "flipped tag",
			mutate: func(p []string) { p[4] = flipFirstChar(p[4]) },
		},
		{
			name:   "flipped IV",
			mutate: func(p []string) { p[2] = flipFirstChar(p[2]) },
		},
		{
			name:   "wrong version",
			mutate: func(p []string) { p[0] = "v2" },
		},
		{
			name:   "wrong mode",
			mutate: func(p []string) { p[1] = "cbc" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			parts := strings.Split(sealed, ":")
			tt.mutate(parts)
			_, err := sealer.Open(strings.Join(parts, ":"))
			assert.Error(t, err)
		})
	}
}

func TestOpenRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	for _, payload := range []string{
		"",
		"v1:gcm",
		"v1:gcm:a:b",
		"not a sealed payload",
		"v1:gcm:!!!:!!!:!!!",
	} {
		_, err := sealer.Open(payload)
		assert.ErrorIs(t, err, ErrSealFormat, "payload %q", payload)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	t.Parallel()

	s1, err := NewSealer("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	s2, err := NewSealer("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	sealed, err := s1.Seal([]byte("sensitive"))
	require.NoError(t, err)

	_, err = s2.Open(sealed)
	assert.Error(t, err)
}

func TestNewSealerEmptySecret(t *testing.T) {
	t.Parallel()

	_, err := NewSealer("")
	assert.Error(t, err)
}

func flipFirstChar(s string) string {
	if s == "" {
		return s
	}
	if s[0] == 'A' {
		return "B" + s[1:]
	}
	return "A" + s[1:]
}
