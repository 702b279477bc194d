// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Volcar144/WayGate-sub000/pkg/flow"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
	"github.com/Volcar144/WayGate-sub000/pkg/upstream"
)

// handleSSOStart redirects the browser to the upstream provider's
// authorization endpoint with fresh state and nonce bound to the
// ceremony.
func (s *Server) handleSSOStart(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	providerType := chi.URLParam(r, "provider")
	rid := r.URL.Query().Get("rid")

	authURL, err := s.connector.Start(r.Context(), tenant, providerType, rid)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		renderErrorPage(w, http.StatusNotFound, "This sign-in method is not available.")
		return
	case errors.Is(err, upstream.ErrProviderDisabled):
		renderErrorPage(w, http.StatusNotFound, "This sign-in method is not available.")
		return
	case err != nil:
		logger.Errorw("starting sso", "provider", providerType, "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleSSOCallback finishes the upstream exchange, links the external
// identity, runs the sign-in flow, and completes the ceremony exactly
// like the magic-link path.
func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		logger.Infow("upstream returned error", "error", e, "description", q.Get("error_description"))
		renderErrorPage(w, http.StatusBadRequest, "The identity provider declined the sign-in. Try again.")
		return
	}

	res, err := s.connector.Callback(r.Context(), tenant, q.Get("code"), q.Get("state"))
	switch {
	case errors.Is(err, upstream.ErrStateNotFound):
		renderErrorPage(w, http.StatusBadRequest, "This sign-in attempt is invalid or has expired. Start over.")
		return
	case errors.Is(err, upstream.ErrNoVerifiedEmail):
		renderErrorPage(w, http.StatusForbidden, "Your account at the identity provider has no verified email address.")
		return
	case err != nil:
		logger.Errorw("sso callback", "error", err)
		renderErrorPage(w, http.StatusBadGateway, "The identity provider could not complete the sign-in. Try again.")
		return
	}

	trigger := storage.TriggerSignin
	if res.UserCreated {
		trigger = storage.TriggerSignup
	}
	result, err := s.flows.Start(r.Context(), tenant, flow.StartInput{
		Trigger: trigger,
		UserID:  res.User.ID,
		Rid:     res.Pending.Rid,
		Request: requestInfo(r),
	})
	if err != nil {
		logger.Errorw("starting flow", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	s.afterFlow(w, r, tenant, result, res.Pending.Rid, res.User.ID)
}
