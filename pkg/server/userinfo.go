// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// handleUserinfo serves the OIDC userinfo claims for a bearer access
// token signed by this tenant.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)

	raw := bearerToken(r)
	if raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
		return
	}

	info := s.tokens.Introspect(r.Context(), tenant, raw)
	if !info.Active {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
		return
	}

	user, err := s.store.GetUser(r.Context(), tenant.ID, info.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "token subject no longer exists")
		return
	}
	if err != nil {
		logger.Errorw("loading user", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	claims := map[string]any{
		"sub":            user.ID,
		"email":          user.Email,
		"email_verified": user.EmailVerified,
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	writeJSON(w, http.StatusOK, claims)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// handleLogout ends the session behind a refresh token: the session is
// expired and every refresh token hanging off it is revoked. Unknown
// tokens still succeed so the endpoint reveals nothing.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	token := r.PostForm.Get("refresh_token")
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	rt, err := s.store.GetRefreshToken(r.Context(), tenant.ID, token)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err != nil {
		logger.Errorw("loading refresh token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	userID := ""
	if sess, serr := s.store.GetSession(r.Context(), tenant.ID, rt.SessionID); serr == nil {
		userID = sess.UserID
	}

	if _, err := s.store.RevokeSessionTokens(r.Context(), tenant.ID, rt.SessionID); err != nil {
		logger.Errorw("revoking session tokens", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if err := s.store.ExpireSession(r.Context(), tenant.ID, rt.SessionID, time.Now()); err != nil {
		logger.Errorw("expiring session", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	s.audit(r, tenant.ID, userID, "logout", map[string]string{"session_id": rt.SessionID})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
