// SPDX-License-Identifier: Apache-2.0

// Package upstream implements federated sign-in against external
// identity providers. One adapter exists per provider type; they share
// the transient UpstreamState store that binds the outgoing state
// parameter, the expected nonce, and the PKCE verifier of a round
// trip.
package upstream

import (
	"context"
	"errors"
)

// Well-known issuers.
const (
	GoogleIssuer        = "https://accounts.google.com"
	MicrosoftIssuerBase = "https://login.microsoftonline.com/"
	// MicrosoftCommonIssuer accepts accounts from any Azure AD tenant;
	// the real issuer is enforced per token from its tid claim.
	MicrosoftCommonIssuer = MicrosoftIssuerBase + "common/v2.0"
)

var (
	// ErrNonceMismatch is returned when the ID token nonce differs
	// from the one bound to the upstream state.
	ErrNonceMismatch = errors.New("id token nonce does not match expected value")

	// ErrNonceMissing is returned when a nonce was sent upstream but
	// the ID token carries none.
	ErrNonceMissing = errors.New("id token missing nonce claim when nonce was expected")

	// ErrIssuerMismatch is returned when a Microsoft ID token's issuer
	// does not match the issuer derived from its tid claim.
	ErrIssuerMismatch = errors.New("id token issuer does not match tenant-derived issuer")

	// ErrNoVerifiedEmail is returned when no verified email address can
	// be determined for the upstream account.
	ErrNoVerifiedEmail = errors.New("no verified email for upstream account")

	// ErrProviderDisabled is returned when the tenant's provider
	// configuration exists but is not enabled.
	ErrProviderDisabled = errors.New("identity provider is not enabled")

	// ErrStateNotFound is returned when the callback state is unknown,
	// already consumed, expired, or bound to another tenant.
	ErrStateNotFound = errors.New("upstream state not found")
)

// Identity is the provider-agnostic result of a completed upstream
// round trip.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Claims        map[string]any
}

// Adapter is one provider type's protocol implementation.
type Adapter interface {
	// Type returns the provider type constant.
	Type() string

	// AuthorizationURL builds the upstream redirect carrying state,
	// nonce (where the protocol supports it), and the PKCE challenge.
	AuthorizationURL(state, nonce, codeChallenge string) string

	// ResolveIdentity exchanges the callback code with the stored
	// verifier and validates the result, including the nonce binding.
	ResolveIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error)
}
