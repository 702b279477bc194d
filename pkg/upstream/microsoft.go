// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// MicrosoftAdapter wraps the OIDC adapter for Azure AD. Multi-tenant
// app registrations publish a discovery document whose issuer contains
// a template, so static issuer validation is disabled and each ID
// token's issuer is instead checked against the one derived from its
// tid claim.
type MicrosoftAdapter struct {
	*OIDCAdapter
}

// NewMicrosoftAdapter builds the Azure AD adapter. An empty issuer
// defaults to the multi-tenant common endpoint.
func NewMicrosoftAdapter(ctx context.Context, cfg OIDCConfig) (*MicrosoftAdapter, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = MicrosoftCommonIssuer
	}
	cfg.ProviderType = storage.ProviderMicrosoft
	cfg.SkipIssuerCheck = true

	inner, err := NewOIDCAdapter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MicrosoftAdapter{OIDCAdapter: inner}, nil
}

// ResolveIdentity resolves the identity through the OIDC path and then
// enforces the strict tid-derived issuer:
// https://login.microsoftonline.com/<tid>/v2.0.
func (a *MicrosoftAdapter) ResolveIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error) {
	ident, err := a.OIDCAdapter.ResolveIdentity(ctx, code, codeVerifier, nonce)
	if err != nil {
		return nil, err
	}

	tid, _ := ident.Claims["tid"].(string)
	iss, _ := ident.Claims["iss"].(string)
	if tid == "" || iss != fmt.Sprintf("%s%s/v2.0", MicrosoftIssuerBase, tid) {
		return nil, ErrIssuerMismatch
	}

	// Azure AD frequently omits email_verified; preferred_username is
	// the account's UPN and serves as the address when email is absent.
	if ident.Email == "" {
		if upn, ok := ident.Claims["preferred_username"].(string); ok {
			ident.Email = upn
		}
	}
	return ident, nil
}
