// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the cryptographic primitives used across
// WayGate: opaque token minting, PKCE verification, RSA key generation
// with JWK thumbprints, AES-256-GCM secret sealing, and password hashing.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Opaque token sizes in bytes before base64url encoding.
const (
	// TokenBytes is the size of magic, refresh, resume, and handoff tokens.
	TokenBytes = 24

	// RequestIDBytes is the size of pending-request identifiers (rid).
	RequestIDBytes = 16
)

// NewOpaqueToken returns n random bytes base64url-encoded without padding.
// It panics on crypto/rand failure; an exhausted entropy source is not a
// recoverable condition for an auth server.
func NewOpaqueToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// NewToken mints a standard 24-byte opaque token.
func NewToken() string {
	return NewOpaqueToken(TokenBytes)
}

// NewRequestID mints an opaque pending-request identifier.
func NewRequestID() string {
	return NewOpaqueToken(RequestIDBytes)
}

// HashToken returns the base64url SHA-256 digest of a token. Used for
// replay-guard sets where storing the raw token is unnecessary.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
