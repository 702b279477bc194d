// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"

	"github.com/Volcar144/WayGate-sub000/pkg/ratelimit"
	"github.com/Volcar144/WayGate-sub000/pkg/tokens"
)

// parseTokenRequest reads the form body and folds in HTTP Basic client
// credentials. Body credentials win only when the header is absent.
func parseTokenRequest(r *http.Request) (tokens.Request, error) {
	if err := r.ParseForm(); err != nil {
		return tokens.Request{}, err
	}
	req := tokens.Request{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}
	return req, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)

	req, err := parseTokenRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	if !s.allow(r, tenant, ratelimit.RuleTokenIP, clientIP(r), req.ClientID) {
		writeRateLimited(w, retryAfter(s.limiter, ratelimit.RuleTokenIP))
		return
	}
	if req.ClientID != "" && !s.allow(r, tenant, ratelimit.RuleTokenClient, tenant.ID+":"+req.ClientID, req.ClientID) {
		writeRateLimited(w, retryAfter(s.limiter, ratelimit.RuleTokenClient))
		return
	}

	resp, err := s.tokens.Exchange(r.Context(), tenant, req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)

	req, err := parseTokenRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	req.RefreshToken = r.PostForm.Get("token")

	if err := s.tokens.Revoke(r.Context(), tenant, req); err != nil {
		writeOAuthError(w, err)
		return
	}
	// RFC 7009: revocation of an unknown token is still a 200.
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)

	req, err := parseTokenRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	// Introspection requires an authenticated client; public clients
	// cannot probe token validity.
	client, err := s.tokens.AuthenticateClient(r.Context(), tenant, req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if client.IsPublic() {
		writeOAuthError(w, &tokens.OAuthError{
			Code: "invalid_client", Description: "client authentication required", Status: http.StatusUnauthorized,
		})
		return
	}

	result := s.tokens.Introspect(r.Context(), tenant, r.PostForm.Get("token"))
	writeJSON(w, http.StatusOK, result)
}

func retryAfter(l *ratelimit.Limiter, name string) string {
	if r, ok := l.Rule(name); ok {
		return strconv.Itoa(int(r.Window.Seconds()))
	}
	return ""
}
