// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/flow"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/mailer"
	"github.com/Volcar144/WayGate-sub000/pkg/ratelimit"
	"github.com/Volcar144/WayGate-sub000/pkg/session"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// handleAuthorize validates the authorization request and renders the
// login page. A redirect_uri that is not registered for the client is
// never redirected to; the error is shown in place.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	q := r.URL.Query()

	if !s.browser.Allow(clientIP(r)) {
		writeRateLimited(w, "1")
		return
	}

	if rt := q.Get("response_type"); rt != "code" {
		writeJSONError(w, http.StatusBadRequest, "unsupported_response_type",
			fmt.Sprintf("response_type %q is not supported", rt))
		return
	}

	client, err := s.store.GetClientByClientID(r.Context(), tenant.ID, q.Get("client_id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}
	if err != nil {
		logger.Errorw("loading client", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	pending, err := s.sessions.CreatePending(r.Context(), client, session.AuthorizeParams{
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	switch {
	case errors.Is(err, session.ErrRedirectMismatch):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for client")
		return
	case errors.Is(err, session.ErrPKCERequired), errors.Is(err, session.ErrInvalidChallengeMethod):
		// The redirect target is registered at this point, so the error
		// goes back to the relying party per RFC 6749.
		redirectError(w, r, q.Get("redirect_uri"), "invalid_request", err.Error(), q.Get("state"))
		return
	case err != nil:
		logger.Errorw("creating pending request", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	providers, err := s.store.ListProviders(r.Context(), tenant.ID)
	if err != nil {
		logger.Warnw("listing providers", "error", err)
	}
	links := make([]ssoLink, 0, len(providers))
	for _, p := range providers {
		if p.Status != storage.ProviderEnabled {
			continue
		}
		links = append(links, ssoLink{
			Label: providerLabel(p.Type),
			Href:  "../sso/" + url.PathEscape(p.Type) + "/start?rid=" + url.QueryEscape(pending.Rid),
		})
	}

	renderPage(w, "login", pageData{
		Title:      "Sign in to " + tenant.Name,
		TenantName: tenant.Name,
		Rid:        pending.Rid,
		Nonce:      cspNonce(),
		Providers:  links,
	})
}

func providerLabel(providerType string) string {
	switch providerType {
	case storage.ProviderGoogle:
		return "Google"
	case storage.ProviderMicrosoft:
		return "Microsoft"
	case storage.ProviderGitHub:
		return "GitHub"
	default:
		return "SSO"
	}
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, code, description)
		return
	}
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// handleMagicRequest emails the single-use sign-in link. The response
// is identical whether or not the ceremony exists, so the endpoint
// cannot be used to probe rids or addresses.
func (s *Server) handleMagicRequest(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	rid := r.PostForm.Get("rid")
	email := strings.ToLower(strings.TrimSpace(r.PostForm.Get("email")))
	if rid == "" || email == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "rid and email are required")
		return
	}

	if !s.browser.Allow(clientIP(r)) {
		writeRateLimited(w, "1")
		return
	}
	if !s.allow(r, tenant, ratelimit.RuleMagicEmail, tenant.ID+":"+email, "") {
		writeRateLimited(w, "600")
		return
	}

	debugLink := s.sendMagicLink(r, tenant, rid, email)
	if wantsJSON(r) {
		body := map[string]any{"ok": true}
		if debugLink != "" {
			body["debug_link"] = debugLink
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	renderPage(w, "sent", pageData{Title: "Check your email", DebugLink: debugLink})
}

// sendMagicLink issues and delivers the token. Failures are logged but
// not surfaced; the caller always renders the generic response. In
// development the link is returned for display instead of relying on a
// real mailbox.
func (s *Server) sendMagicLink(r *http.Request, tenant *storage.Tenant, rid, email string) string {
	ctx := r.Context()

	pending, err := s.sessions.GetPending(ctx, rid)
	if err != nil || pending.TenantID != tenant.ID {
		return ""
	}

	token, err := s.sessions.IssueMagicToken(ctx, tenant.ID, rid, email)
	if err != nil {
		logger.Warnw("issuing magic token", "error", err)
		return ""
	}
	link := s.cfg.TenantIssuer(tenant.Slug) + "/oauth/magic/consume?token=" + url.QueryEscape(token)

	err = s.mail.Send(ctx, mailer.Message{
		To:      email,
		Subject: "Sign in to " + tenant.Name,
		Text:    "Open this link to sign in:\n\n" + link + "\n\nThe link works once and expires shortly.",
	})
	if err != nil {
		logger.Warnw("sending magic link", "error", err)
		return ""
	}

	if !s.cfg.IsProduction() {
		return link
	}
	return ""
}

// handleMagicConsumeGet redeems the emailed token, runs the sign-in
// flow, and completes the ceremony (or suspends into a challenge).
func (s *Server) handleMagicConsumeGet(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)

	mt, err := s.sessions.ConsumeMagicToken(r.Context(), r.URL.Query().Get("token"))
	if errors.Is(err, faststore.ErrNotFound) || errors.Is(err, faststore.ErrExpired) {
		renderErrorPage(w, http.StatusBadRequest, "This sign-in link is invalid or has expired. Request a new one from the sign-in page.")
		return
	}
	if err != nil {
		logger.Errorw("consuming magic token", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	if mt.TenantID != tenant.ID {
		renderErrorPage(w, http.StatusBadRequest, "This sign-in link is invalid or has expired. Request a new one from the sign-in page.")
		return
	}

	user, created, err := s.store.UpsertUserByEmail(r.Context(), tenant.ID, mt.Email, "")
	if err != nil {
		logger.Errorw("upserting user", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	if err := s.store.SetUserLastLogin(r.Context(), tenant.ID, user.ID, time.Now()); err != nil {
		logger.Warnw("recording last login", "error", err)
	}
	s.audit(r, tenant.ID, user.ID, "login.magic", map[string]string{"email": mt.Email})

	if _, err := s.sessions.SetPendingUser(r.Context(), mt.Rid, user.ID); err != nil {
		logger.Errorw("attaching user to ceremony", "error", err)
		renderErrorPage(w, http.StatusBadRequest, "This sign-in request is no longer active.")
		return
	}

	trigger := storage.TriggerSignin
	if created {
		trigger = storage.TriggerSignup
	}
	result, err := s.flows.Start(r.Context(), tenant, flow.StartInput{
		Trigger: trigger,
		UserID:  user.ID,
		Rid:     mt.Rid,
		Request: requestInfo(r),
	})
	if err != nil {
		logger.Errorw("starting flow", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	s.afterFlow(w, r, tenant, result, mt.Rid, user.ID)
}

// handleMagicConsumePost resumes a suspended flow with the submitted
// challenge answers.
func (s *Server) handleMagicConsumePost(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	resume := r.PostForm.Get("resume")
	submission := make(map[string]string)
	for k := range r.PostForm {
		if k == "resume" {
			continue
		}
		submission[k] = r.PostForm.Get(k)
	}

	result, err := s.flows.Resume(r.Context(), tenant, resume, submission)
	switch {
	case errors.Is(err, flow.ErrResumeExpired), errors.Is(err, flow.ErrResumeMismatch),
		errors.Is(err, flow.ErrRunNotResumable):
		renderErrorPage(w, http.StatusBadRequest, "This challenge has expired. Start over from the sign-in page.")
		return
	case err != nil:
		logger.Errorw("resuming flow", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	run, err := s.store.GetFlowRun(r.Context(), tenant.ID, result.RunID)
	if err != nil {
		logger.Errorw("loading flow run", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	s.afterFlow(w, r, tenant, result, run.RequestRid, run.UserID)
}

// afterFlow routes a flow result: success finishes the ceremony,
// interruption renders the challenge, failure ends the attempt.
func (s *Server) afterFlow(w http.ResponseWriter, r *http.Request, tenant *storage.Tenant, result *flow.Result, rid, userID string) {
	switch result.Status {
	case flow.StatusSkipped, flow.StatusSuccess:
		s.finishCeremony(w, r, tenant, rid, userID)
	case flow.StatusInterrupted:
		// Absolute path so the form posts correctly from both the
		// magic-link and SSO callback URLs.
		renderPrompt(w, tenant, "/a/"+tenant.Slug+"/oauth/magic/consume", result.Prompt)
	default:
		logger.Warnw("flow run failed", "run_id", result.RunID, "error", result.LastError)
		renderErrorPage(w, http.StatusForbidden, "Sign-in was blocked by your organization's policy.")
	}
}

// finishCeremony applies the consent rule, then either parks the
// ceremony on the consent prompt or issues the authorization code and
// wakes the original device over SSE.
func (s *Server) finishCeremony(w http.ResponseWriter, r *http.Request, tenant *storage.Tenant, rid, userID string) {
	ctx := r.Context()

	pending, err := s.sessions.GetPending(ctx, rid)
	if err != nil {
		renderErrorPage(w, http.StatusBadRequest, "This sign-in request is no longer active.")
		return
	}

	client, err := s.store.GetClient(ctx, tenant.ID, pending.ClientDBID)
	if err != nil {
		logger.Errorw("loading client", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}

	needed, err := s.sessions.NeedsConsent(ctx, tenant.ID, userID, client, pending.Scope)
	if err != nil {
		logger.Errorw("checking consent", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	if needed {
		if err := s.sessions.PublishConsentRequired(ctx, rid); err != nil {
			logger.Warnw("publishing consentRequired", "error", err)
		}
		renderPage(w, "done", pageData{Title: "Almost there"})
		return
	}

	if err := s.completePending(ctx, tenant, pending, userID); err != nil {
		logger.Errorw("completing ceremony", "error", err)
		renderErrorPage(w, http.StatusInternalServerError, "Something went wrong. Try again.")
		return
	}
	renderPage(w, "done", pageData{Title: "Signed in"})
}

// completePending issues the code, mints the handoff token, and
// publishes loginComplete to the waiting device.
func (s *Server) completePending(ctx context.Context, tenant *storage.Tenant, pending *faststore.PendingAuthRequest, userID string) error {
	code, err := s.sessions.IssueAuthCode(ctx, pending)
	if err != nil {
		return fmt.Errorf("issuing code: %w", err)
	}

	redirect, err := codeRedirect(pending.RedirectURI, code, pending.State)
	if err != nil {
		return err
	}

	handoff, err := s.tokens.NewHandoffToken(ctx, tenant, userID, pending.ClientID, pending.Rid)
	if err != nil {
		return fmt.Errorf("minting handoff token: %w", err)
	}

	if err := s.sessions.PublishLoginComplete(ctx, pending.Rid, redirect, handoff); err != nil {
		logger.Warnw("publishing loginComplete", "error", err)
	}
	return nil
}

func codeRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parsing redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handleConsent records the user's decision on the original device and
// sends the browser to the relying party.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	rid := r.PostForm.Get("rid")
	deny := r.PostForm.Get("deny") != ""

	pending, err := s.sessions.GetPending(r.Context(), rid)
	if err != nil || pending.TenantID != tenant.ID {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown or expired request")
		return
	}
	if pending.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "ceremony has not authenticated yet")
		return
	}

	if deny {
		u, perr := url.Parse(pending.RedirectURI)
		if perr != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "bad redirect_uri")
			return
		}
		q := u.Query()
		q.Set("error", "access_denied")
		if pending.State != "" {
			q.Set("state", pending.State)
		}
		u.RawQuery = q.Encode()
		s.audit(r, tenant.ID, pending.UserID, "consent.denied", map[string]string{"client_id": pending.ClientID})
		consentRespond(w, r, u.String())
		return
	}

	client, err := s.store.GetClient(r.Context(), tenant.ID, pending.ClientDBID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if err := s.sessions.GrantConsent(r.Context(), tenant.ID, pending.UserID, client, pending.Scope); err != nil {
		logger.Errorw("storing consent", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	s.audit(r, tenant.ID, pending.UserID, "consent.granted", map[string]string{
		"client_id": pending.ClientID,
		"scope":     pending.Scope,
	})

	code, err := s.sessions.IssueAuthCode(r.Context(), pending)
	if err != nil {
		logger.Errorw("issuing code after consent", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	redirect, err := codeRedirect(pending.RedirectURI, code, pending.State)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	consentRespond(w, r, redirect)
}

func consentRespond(w http.ResponseWriter, r *http.Request, redirect string) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{"redirect": redirect})
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// handleSSE streams ceremony events to the device waiting on the login
// page.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	rid := r.URL.Query().Get("rid")

	if !s.browser.Allow(clientIP(r)) {
		writeRateLimited(w, "1")
		return
	}

	pending, err := s.sessions.GetPending(r.Context(), rid)
	if err != nil || pending.TenantID != tenant.ID {
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown or expired request")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	ctx := r.Context()
	events, unsub, err := s.sessions.Subscribe(ctx, rid)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	deadline := time.NewTimer(sseTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, sseData(ev))
			flusher.Flush()
			if ev.Event == session.EventLoginComplete {
				return
			}
		}
	}
}

func sseData(ev session.Event) string {
	payload := map[string]string{}
	if ev.Redirect != "" {
		payload["redirect"] = ev.Redirect
	}
	if ev.Handoff != "" {
		payload["handoff"] = ev.Handoff
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func (s *Server) audit(r *http.Request, tenantID, userID, action string, detail map[string]string) {
	a := &storage.Audit{
		TenantID:  tenantID,
		UserID:    userID,
		Action:    action,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		CreatedAt: storage.At(time.Now()),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			a.Detail = storage.RawJSON(raw)
		}
	}
	if err := s.store.AppendAudit(r.Context(), a); err != nil {
		logger.Warnw("appending audit", "action", action, "error", err)
	}
}

func requestInfo(r *http.Request) *flow.RequestInfo {
	return &flow.RequestInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Country:   r.Header.Get("CF-IPCountry"),
	}
}
