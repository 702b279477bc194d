// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Sealed-payload format: "v1:gcm:<iv_b64u>:<ct_b64u>:<tag_b64u>".
const (
	sealVersion = "v1"
	sealMode    = "gcm"

	gcmTagSize = 16
)

// ErrSealFormat is returned when a sealed payload does not match the
// expected "v1:gcm:..." layout.
var ErrSealFormat = errors.New("sealed payload has invalid format")

// Sealer encrypts and decrypts small secrets (private JWKs, provider
// client secrets) with AES-256-GCM. The AES key is derived from the
// configured master secret by SHA-256.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256 key from the master secret and returns a
// ready Sealer. The secret must be non-empty; length policy is enforced
// at config load.
func NewSealer(masterSecret string) (*Sealer, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is empty")
	}

	key := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and encodes it as "v1:gcm:<iv>:<ct>:<tag>"
// with base64url (no padding) segments.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	// GCM appends the tag to the ciphertext; the wire format keeps them apart.
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	enc := base64.RawURLEncoding
	return strings.Join([]string{
		sealVersion, sealMode,
		enc.EncodeToString(iv),
		enc.EncodeToString(ct),
		enc.EncodeToString(tag),
	}, ":"), nil
}

// Open decrypts a payload produced by Seal. Tampering with any segment
// fails authentication.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 5 || parts[0] != sealVersion || parts[1] != sealMode {
		return nil, ErrSealFormat
	}

	enc := base64.RawURLEncoding
	iv, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrSealFormat
	}
	ct, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, ErrSealFormat
	}
	tag, err := enc.DecodeString(parts[4])
	if err != nil || len(tag) != gcmTagSize {
		return nil, ErrSealFormat
	}
	if len(iv) != s.aead.NonceSize() {
		return nil, ErrSealFormat
	}

	plaintext, err := s.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed payload: %w", err)
	}
	return plaintext, nil
}
