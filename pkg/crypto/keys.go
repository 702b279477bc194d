// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// RSAKeySize is the modulus size for tenant signing keys.
const RSAKeySize = 2048

// GenerateRSAKey generates a new RSA-2048 private key.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return key, nil
}

// DeriveKeyID computes a key ID from the public key using the RFC 7638
// JWK thumbprint: base64url(SHA-256(JWK canonical form)).
func DeriveKeyID(pub *rsa.PublicKey) (string, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return "", fmt.Errorf("importing public key: %w", err)
	}

	thumbprint, err := key.Thumbprint(stdcrypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// MarshalPublicJWK serializes the public half of an RSA key as a JWK
// JSON object with the given kid, ready for the JWKS document.
func MarshalPublicJWK(pub *rsa.PublicKey, kid string) ([]byte, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return nil, fmt.Errorf("importing public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("setting kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, fmt.Errorf("setting alg: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("setting use: %w", err)
	}
	return json.Marshal(key)
}

// MarshalPrivateJWK serializes a full RSA private key as a JWK JSON
// object with the given kid. The result must be sealed before storage.
func MarshalPrivateJWK(priv *rsa.PrivateKey, kid string) ([]byte, error) {
	key, err := jwk.Import(priv)
	if err != nil {
		return nil, fmt.Errorf("importing private key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("setting kid: %w", err)
	}
	return json.Marshal(key)
}

// ParsePrivateJWK parses a private JWK JSON object back into an RSA key.
func ParsePrivateJWK(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing private JWK: %w", err)
	}

	var priv rsa.PrivateKey
	if err := jwk.Export(key, &priv); err != nil {
		return nil, fmt.Errorf("exporting RSA private key: %w", err)
	}
	return &priv, nil
}
