// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

type signParams struct {
	clientID string
	userID   string
	scope    string
	nonce    string
	authTime time.Time
}

// signTokens mints the access and ID token pair under the tenant's
// active key. The kid travels in the protected header so verifiers can
// pick the right JWKS entry.
func (s *Service) signTokens(ctx context.Context, tenant *storage.Tenant, p signParams) (*Response, error) {
	signing, err := s.keys.ActivePrivate(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	now := s.now()
	issuer := s.Issuer(tenant)

	access := jwt.MapClaims{
		"iss":   issuer,
		"sub":   p.userID,
		"aud":   p.clientID,
		"iat":   now.Unix(),
		"exp":   now.Add(AccessTokenTTL).Unix(),
		"scope": p.scope,
	}
	accessToken, err := signRS256(signing.Private, signing.Kid, access)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	id := jwt.MapClaims{
		"iss": issuer,
		"sub": p.userID,
		"aud": p.clientID,
		"iat": now.Unix(),
		"exp": now.Add(AccessTokenTTL).Unix(),
	}
	if p.nonce != "" {
		id["nonce"] = p.nonce
	}
	if !p.authTime.IsZero() {
		id["auth_time"] = p.authTime.Unix()
	}
	idToken, err := signRS256(signing.Private, signing.Kid, id)
	if err != nil {
		return nil, fmt.Errorf("signing id token: %w", err)
	}

	return &Response{
		TokenType:   "Bearer",
		AccessToken: accessToken,
		ExpiresIn:   int64(AccessTokenTTL.Seconds()),
		IDToken:     idToken,
		Scope:       p.scope,
	}, nil
}

// NewHandoffToken mints the short-lived JWT that rides the
// loginComplete SSE event, proving to the original device which user
// and ceremony completed.
func (s *Service) NewHandoffToken(ctx context.Context, tenant *storage.Tenant, userID, clientID, rid string) (string, error) {
	signing, err := s.keys.ActivePrivate(ctx, tenant.ID)
	if err != nil {
		return "", fmt.Errorf("loading signing key: %w", err)
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.Issuer(tenant),
		"sub": userID,
		"aud": clientID,
		"rid": rid,
		"iat": now.Unix(),
		"exp": now.Add(HandoffTTL).Unix(),
	}
	return signRS256(signing.Private, signing.Kid, claims)
}

func signRS256(key any, kid string, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// Introspection is the RFC 7662 response body.
type Introspection struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Subject  string `json:"sub,omitempty"`
	Issuer   string `json:"iss,omitempty"`
	Expires  int64  `json:"exp,omitempty"`
	IssuedAt int64  `json:"iat,omitempty"`
}

// Introspect validates a signed access token against the tenant's
// published keys. Any failure, including an unknown kid or a foreign
// issuer, yields {active:false} rather than an error, per RFC 7662.
func (s *Service) Introspect(ctx context.Context, tenant *storage.Tenant, rawToken string) *Introspection {
	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}
		return s.keys.PublicKeyByKid(ctx, tenant.ID, kid)
	}, jwt.WithIssuer(s.Issuer(tenant)), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return &Introspection{Active: false}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return &Introspection{Active: false}
	}

	out := &Introspection{Active: true}
	out.Subject, _ = claims["sub"].(string)
	out.Issuer, _ = claims["iss"].(string)
	out.Scope, _ = claims["scope"].(string)
	out.ClientID, _ = claims["aud"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Expires = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Unix()
	}
	return out
}
