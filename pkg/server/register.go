// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/ratelimit"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// registerRequest is the RFC 7591 subset accepted by dynamic client
// registration.
type registerRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

type registerResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)

	if !s.allow(r, tenant, ratelimit.RuleRegister, clientIP(r), "") {
		writeRateLimited(w, retryAfter(s.limiter, ratelimit.RuleRegister))
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON body")
		return
	}
	if req.ClientName == "" || len(req.RedirectURIs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "client_name and redirect_uris are required")
		return
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Fragment != "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be absolute URLs without fragments")
			return
		}
	}
	for _, gt := range req.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "unsupported grant_type "+gt)
			return
		}
	}
	switch req.TokenEndpointAuthMethod {
	case "", "client_secret_basic", "client_secret_post", "none":
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "unsupported token_endpoint_auth_method")
		return
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	client := &storage.Client{
		ID:           uuid.NewString(),
		TenantID:     tenant.ID,
		ClientID:     crypto.NewToken(),
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   grantTypes,
		AuthMethod:   authMethod,
		CreatedAt:    storage.At(time.Now()),
	}
	// Public clients get no secret and are held to PKCE instead.
	if authMethod != "none" {
		client.Secret = crypto.NewToken()
	}

	if err := s.store.CreateClient(r.Context(), client); err != nil {
		logger.Errorw("creating client", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	s.audit(r, tenant.ID, "", "client.registered", map[string]string{
		"client_id": client.ClientID,
		"name":      client.Name,
	})

	writeJSON(w, http.StatusCreated, registerResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.Secret,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
	})
}
