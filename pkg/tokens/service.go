// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the /token endpoint semantics: the
// authorization_code and refresh_token grants, client authentication,
// PKCE verification at redemption, refresh rotation with reuse
// detection, and RS256 token minting under the tenant's active key.
package tokens

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/keys"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/session"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// Lifetimes.
const (
	AccessTokenTTL = time.Hour
	SessionTTL     = 30 * 24 * time.Hour
	RefreshTTL     = 30 * 24 * time.Hour
	HandoffTTL     = 2 * time.Minute
)

// Request is the parsed form body of /token, with client credentials
// from either the Basic header or the body.
type Request struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Response is the success body of /token.
type Response struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Service implements the token endpoint over the relational grant
// store, the ceremony manager's transient metadata, and the tenant's
// signing keys.
type Service struct {
	clients  storage.ClientStore
	codes    storage.CodeStore
	grants   storage.GrantStore
	sessions *session.Manager
	keys     *keys.Manager
	audits   storage.AuditStore
	baseURL  string

	// now is swappable in tests.
	now func() time.Time
}

// NewService wires the token endpoint. baseURL is the external scheme
// and host; tenant issuers hang off it under /a/<slug>.
func NewService(clients storage.ClientStore, codes storage.CodeStore, grants storage.GrantStore, sessions *session.Manager, km *keys.Manager, audits storage.AuditStore, baseURL string) *Service {
	return &Service{
		clients:  clients,
		codes:    codes,
		grants:   grants,
		sessions: sessions,
		keys:     km,
		audits:   audits,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		now:      time.Now,
	}
}

// Issuer is the canonical issuer URL for a tenant.
func (s *Service) Issuer(tenant *storage.Tenant) string {
	return s.baseURL + "/a/" + tenant.Slug
}

// Exchange dispatches a /token request to its grant handler.
func (s *Service) Exchange(ctx context.Context, tenant *storage.Tenant, req Request) (*Response, error) {
	client, err := s.authenticateClient(ctx, tenant, req)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, tenant, client, req)
	case "refresh_token":
		return s.refresh(ctx, tenant, client, req)
	default:
		return nil, unsupportedGrantType(req.GrantType)
	}
}

// AuthenticateClient exposes client authentication for endpoints that
// guard access without exchanging a grant, such as introspection.
func (s *Service) AuthenticateClient(ctx context.Context, tenant *storage.Tenant, req Request) (*storage.Client, error) {
	return s.authenticateClient(ctx, tenant, req)
}

// authenticateClient resolves and authenticates the caller.
// Confidential clients must present their exact secret; public clients
// skip authentication and are held to PKCE instead.
func (s *Service) authenticateClient(ctx context.Context, tenant *storage.Tenant, req Request) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, invalidClient("client authentication required")
	}

	client, err := s.clients.GetClientByClientID(ctx, tenant.ID, req.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidClient("unknown client")
	}
	if err != nil {
		return nil, serverError(err)
	}

	if !client.IsPublic() {
		if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(req.ClientSecret)) != 1 {
			return nil, invalidClient("client authentication failed")
		}
	}
	return client, nil
}

func (s *Service) exchangeCode(ctx context.Context, tenant *storage.Tenant, client *storage.Client, req Request) (*Response, error) {
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	code, err := s.codes.ConsumeAuthCode(ctx, tenant.ID, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidGrant("code is invalid or already used")
	}
	if errors.Is(err, storage.ErrExpired) {
		return nil, invalidGrant("code has expired")
	}
	if err != nil {
		return nil, serverError(err)
	}
	if code.ClientID != client.ClientID {
		return nil, invalidGrant("code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}

	meta, err := s.sessions.ConsumeAuthCodeMeta(ctx, req.Code)
	if err != nil && !isTransientMiss(err) {
		return nil, serverError(err)
	}
	if meta == nil || meta.CodeChallenge == "" {
		return nil, invalidGrant("pkce_required")
	}
	ok, err := crypto.VerifyPKCE(req.CodeVerifier, meta.CodeChallenge, meta.CodeChallengeMethod)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	if !ok {
		return nil, invalidGrant("pkce_verification_failed")
	}

	now := s.now()
	sess := &storage.Session{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		UserID:    code.UserID,
		CreatedAt: storage.At(now),
		ExpiresAt: storage.At(now.Add(SessionTTL)),
	}
	if err := s.grants.CreateSession(ctx, sess); err != nil {
		return nil, serverError(err)
	}

	refreshToken, err := s.mintRefreshToken(ctx, tenant.ID, sess.ID, client.ClientID, code.Scope)
	if err != nil {
		return nil, serverError(err)
	}

	resp, err := s.signTokens(ctx, tenant, signParams{
		clientID: client.ClientID,
		userID:   code.UserID,
		scope:    code.Scope,
		nonce:    meta.Nonce,
		authTime: meta.AuthTime,
	})
	if err != nil {
		return nil, serverError(err)
	}
	resp.RefreshToken = refreshToken

	s.audit(ctx, tenant.ID, code.UserID, "token.exchange", map[string]string{
		"client_id": client.ClientID,
		"scope":     code.Scope,
	})
	return resp, nil
}

func (s *Service) refresh(ctx context.Context, tenant *storage.Tenant, client *storage.Client, req Request) (*Response, error) {
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	current, err := s.grants.GetRefreshToken(ctx, tenant.ID, req.RefreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidGrant("refresh token is invalid")
	}
	if err != nil {
		return nil, serverError(err)
	}
	if current.ClientID != client.ClientID {
		return nil, invalidGrant("refresh token was issued to a different client")
	}

	if current.Revoked {
		// Reuse of a rotated token: assume theft and burn the session.
		revoked, revokeErr := s.grants.RevokeSessionTokens(ctx, tenant.ID, current.SessionID)
		if revokeErr == nil {
			revokeErr = s.grants.ExpireSession(ctx, tenant.ID, current.SessionID, s.now())
		}
		if revokeErr != nil {
			logger.Errorw("reuse cascade failed", "session_id", current.SessionID, "error", revokeErr)
		}
		s.audit(ctx, tenant.ID, "", "token.reuse_detected", map[string]string{
			"client_id":  client.ClientID,
			"session_id": current.SessionID,
			"revoked":    fmt.Sprintf("%d", revoked),
		})
		return nil, invalidGrant("refresh token reuse detected")
	}
	if current.ExpiresAt.Before(s.now()) {
		return nil, invalidGrant("refresh token has expired")
	}

	sess, err := s.grants.GetSession(ctx, tenant.ID, current.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidGrant("session no longer exists")
	}
	if err != nil {
		return nil, serverError(err)
	}
	if sess.ExpiresAt.Before(s.now()) {
		return nil, invalidGrant("session has expired")
	}

	scope, err := s.sessions.GetRefreshMeta(ctx, current.Token)
	if err != nil && !isTransientMiss(err) {
		return nil, serverError(err)
	}

	replacement := &storage.RefreshToken{
		ID:        uuid.NewString(),
		Token:     crypto.NewToken(),
		TenantID:  tenant.ID,
		SessionID: current.SessionID,
		ClientID:  client.ClientID,
		ExpiresAt: storage.At(s.now().Add(RefreshTTL)),
		CreatedAt: storage.At(s.now()),
	}
	if err := s.grants.RotateRefreshToken(ctx, tenant.ID, current.ID, replacement); err != nil {
		return nil, serverError(err)
	}
	if err := s.sessions.SetRefreshMeta(ctx, replacement.Token, scope); err != nil {
		logger.Warnw("refresh meta write failed", "error", err)
	}

	resp, err := s.signTokens(ctx, tenant, signParams{
		clientID: client.ClientID,
		userID:   sess.UserID,
		scope:    scope,
		authTime: sess.CreatedAt.Time,
	})
	if err != nil {
		return nil, serverError(err)
	}
	resp.RefreshToken = replacement.Token

	s.audit(ctx, tenant.ID, sess.UserID, "token.refresh", map[string]string{
		"client_id":  client.ClientID,
		"session_id": sess.ID,
	})
	return resp, nil
}

func (s *Service) mintRefreshToken(ctx context.Context, tenantID, sessionID, clientID, scope string) (string, error) {
	now := s.now()
	token := &storage.RefreshToken{
		ID:        uuid.NewString(),
		Token:     crypto.NewToken(),
		TenantID:  tenantID,
		SessionID: sessionID,
		ClientID:  clientID,
		ExpiresAt: storage.At(now.Add(RefreshTTL)),
		CreatedAt: storage.At(now),
	}
	if err := s.grants.CreateRefreshToken(ctx, token); err != nil {
		return "", fmt.Errorf("persisting refresh token: %w", err)
	}
	if err := s.sessions.SetRefreshMeta(ctx, token.Token, scope); err != nil {
		return "", fmt.Errorf("recording refresh scope: %w", err)
	}
	return token.Token, nil
}

// Revoke implements RFC 7009: revoking an unknown token is still a
// success so callers learn nothing about token validity.
func (s *Service) Revoke(ctx context.Context, tenant *storage.Tenant, req Request) error {
	client, err := s.authenticateClient(ctx, tenant, req)
	if err != nil {
		return err
	}

	current, err := s.grants.GetRefreshToken(ctx, tenant.ID, req.RefreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return serverError(err)
	}
	if current.ClientID != client.ClientID {
		return nil
	}

	if err := s.grants.RevokeRefreshToken(ctx, tenant.ID, current.ID); err != nil {
		return serverError(err)
	}
	s.audit(ctx, tenant.ID, "", "token.revoke", map[string]string{
		"client_id": client.ClientID,
	})
	return nil
}

func (s *Service) audit(ctx context.Context, tenantID, userID, action string, detail map[string]string) {
	data, _ := json.Marshal(detail)
	err := s.audits.AppendAudit(ctx, &storage.Audit{
		TenantID: tenantID,
		UserID:   userID,
		Action:   action,
		Detail:   data,
	})
	if err != nil {
		logger.Warnw("audit write failed", "action", action, "error", err)
	}
}

// isTransientMiss reports whether a fast-store read failed only
// because the record aged out or was never written (a single-process
// restart, for example), which the grant handlers tolerate.
func isTransientMiss(err error) bool {
	return err == nil || errors.Is(err, faststore.ErrNotFound) || errors.Is(err, faststore.ErrExpired)
}
