// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	v1 := GeneratePKCEVerifier()
	v2 := GeneratePKCEVerifier()

	assert.GreaterOrEqual(t, len(v1), MinVerifierLength)
	assert.LessOrEqual(t, len(v1), MaxVerifierLength)
	assert.NotEqual(t, v1, v2, "verifiers must be random")
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	challenge := ComputePKCEChallenge(verifier)
	plainVerifier := strings.Repeat("a", 43)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
		wantErr   bool
	}{
		{
			name:      "valid S256",
			verifier:  verifier,
			challenge: challenge,
			method:    PKCEMethodS256,
			want:      true,
		},
		{
			name:      "wrong verifier S256",
			verifier:  GeneratePKCEVerifier(),
			challenge: challenge,
			method:    PKCEMethodS256,
			want:      false,
		},
		{
			name:      "valid plain",
			verifier:  plainVerifier,
			challenge: plainVerifier,
			method:    PKCEMethodPlain,
			want:      true,
		},
		{
			name:      "empty method defaults to plain",
			verifier:  plainVerifier,
			challenge: plainVerifier,
			method:    "",
			want:      true,
		},
		{
			name:      "verifier too short",
			verifier:  strings.Repeat("a", 42),
			challenge: challenge,
			method:    PKCEMethodS256,
			wantErr:   true,
		},
		{
			name:      "verifier too long",
			verifier:  strings.Repeat("a", 129),
			challenge: challenge,
			method:    PKCEMethodS256,
			wantErr:   true,
		},
		{
			name:      "unsupported method",
			verifier:  verifier,
			challenge: challenge,
			method:    "S512",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ok, err := VerifyPKCE(tt.verifier, tt.challenge, tt.method)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
