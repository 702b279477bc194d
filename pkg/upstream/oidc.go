// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/Volcar144/WayGate-sub000/pkg/logger"
)

const discoveryMaxTries = 3

// OIDCConfig configures a discovery-based adapter.
type OIDCConfig struct {
	ProviderType string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// SkipIssuerCheck disables go-oidc's static issuer validation for
	// providers whose discovery document templates the issuer
	// (Microsoft multi-tenant). The caller must then validate the
	// issuer per token.
	SkipIssuerCheck bool

	// HTTPClient overrides the client used for discovery, token, and
	// JWKS requests. Tests point it at a local stub.
	HTTPClient *http.Client
}

// OIDCAdapter talks to any provider that publishes a discovery
// document: Google, the generic oidc_generic type, and (via the
// Microsoft wrapper) Azure AD.
type OIDCAdapter struct {
	providerType string
	oauth        *oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

// NewOIDCAdapter discovers the provider's endpoints, retrying
// transient failures, and prepares the verifier backed by the
// provider's cached JWKS.
func NewOIDCAdapter(ctx context.Context, cfg OIDCConfig) (*OIDCAdapter, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	if !slices.Contains(scopes, "openid") {
		return nil, errors.New("openid scope is required for OIDC providers")
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	if cfg.SkipIssuerCheck {
		ctx = oidc.InsecureIssuerURLContext(ctx, cfg.Issuer)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, cfg.Issuer)
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(discoveryMaxTries))
	if err != nil {
		return nil, fmt.Errorf("discovering %s endpoints: %w", cfg.ProviderType, err)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	logger.Debugw("upstream provider discovered",
		"provider_type", cfg.ProviderType, "issuer", cfg.Issuer)

	return &OIDCAdapter{
		providerType: cfg.ProviderType,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier: provider.Verifier(&oidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: cfg.SkipIssuerCheck,
		}),
	}, nil
}

func (a *OIDCAdapter) Type() string { return a.providerType }

func (a *OIDCAdapter) AuthorizationURL(state, nonce, codeChallenge string) string {
	return a.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ResolveIdentity exchanges the code and validates the ID token: the
// signature against the provider JWKS, the audience, and the nonce
// binding from the authorization request.
func (a *OIDCAdapter) ResolveIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error) {
	token, err := a.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code with %s: %w", a.providerType, err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("%s token response has no id_token", a.providerType)
	}
	return a.verifyIDToken(ctx, rawIDToken, nonce)
}

func (a *OIDCAdapter) verifyIDToken(ctx context.Context, rawIDToken, nonce string) (*Identity, error) {
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying %s id token: %w", a.providerType, err)
	}
	if nonce != "" {
		if idToken.Nonce == "" {
			return nil, ErrNonceMissing
		}
		if idToken.Nonce != nonce {
			return nil, ErrNonceMismatch
		}
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding %s claims: %w", a.providerType, err)
	}
	return identityFromClaims(idToken.Subject, claims), nil
}

// identityFromClaims maps standard OIDC claims to an Identity.
// email_verified arrives as a bool from most providers but as a string
// from a few non-conforming ones.
func identityFromClaims(subject string, claims map[string]any) *Identity {
	ident := &Identity{Subject: subject, Claims: claims}
	ident.Email, _ = claims["email"].(string)
	ident.Name, _ = claims["name"].(string)

	switch v := claims["email_verified"].(type) {
	case bool:
		ident.EmailVerified = v
	case string:
		ident.EmailVerified = v == "true"
	}
	return ident
}
