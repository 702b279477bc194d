// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCE challenge methods (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// ErrVerifierLength is returned when a code_verifier is outside the
// RFC 7636 length bounds.
var ErrVerifierLength = errors.New("code_verifier must be 43-128 characters")

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1. The verifier is 43 characters (32 bytes
// base64url encoded without padding).
//
// This delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate here).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a code_verifier against the recorded challenge.
// Method "S256" compares BASE64URL(SHA256(verifier)) to the challenge;
// "plain" (and empty, per RFC 7636 Section 4.3) compares directly.
// Comparison is constant-time.
func VerifyPKCE(verifier, challenge, method string) (bool, error) {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false, ErrVerifierLength
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = ComputePKCEChallenge(verifier)
	case PKCEMethodPlain, "":
		computed = verifier
	default:
		return false, errors.New("unsupported code_challenge_method: " + method)
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1, nil
}
