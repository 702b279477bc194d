// SPDX-License-Identifier: Apache-2.0

// Package server exposes the tenant-rooted HTTP surface: discovery and
// JWKS, the authorization ceremony (login page, magic links, consent,
// SSE), the token endpoint family, client registration, and federated
// sign-in.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Volcar144/WayGate-sub000/pkg/config"
	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/flow"
	"github.com/Volcar144/WayGate-sub000/pkg/keys"
	"github.com/Volcar144/WayGate-sub000/pkg/mailer"
	"github.com/Volcar144/WayGate-sub000/pkg/ratelimit"
	"github.com/Volcar144/WayGate-sub000/pkg/session"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
	"github.com/Volcar144/WayGate-sub000/pkg/tenantctx"
	"github.com/Volcar144/WayGate-sub000/pkg/tokens"
	"github.com/Volcar144/WayGate-sub000/pkg/upstream"
)

// SSE stream lifetime; clients reconnect when it elapses.
const sseTimeout = 5 * time.Minute

// Server holds the wired services behind the HTTP surface.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	fast      faststore.Store
	resolver  *tenantctx.Resolver
	sessions  *session.Manager
	tokens    *tokens.Service
	keys      *keys.Manager
	flows     *flow.Engine
	connector *upstream.Connector
	limiter   *ratelimit.Limiter
	mail      mailer.Mailer

	// browser smooths per-IP bursts on the interactive endpoints that
	// render HTML or hold a stream open.
	browser *ratelimit.Buckets
}

// Deps bundles the constructor arguments; every field is required.
type Deps struct {
	Config    *config.Config
	Store     storage.Store
	Fast      faststore.Store
	Resolver  *tenantctx.Resolver
	Sessions  *session.Manager
	Tokens    *tokens.Service
	Keys      *keys.Manager
	Flows     *flow.Engine
	Connector *upstream.Connector
	Limiter   *ratelimit.Limiter
	Mailer    mailer.Mailer
}

// New builds the server.
func New(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		store:     d.Store,
		fast:      d.Fast,
		resolver:  d.Resolver,
		sessions:  d.Sessions,
		tokens:    d.Tokens,
		keys:      d.Keys,
		flows:     d.Flows,
		connector: d.Connector,
		limiter:   d.Limiter,
		mail:      d.Mailer,
		browser:   ratelimit.NewBuckets(5, 20),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/a/{tenant}", func(r chi.Router) {
		r.Use(s.tenantMiddleware)

		r.Get("/.well-known/openid-configuration", s.handleDiscovery)
		r.Get("/.well-known/jwks.json", s.handleJWKS)

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/authorize", s.handleAuthorize)
			r.Post("/magic/request", s.handleMagicRequest)
			r.Get("/magic/consume", s.handleMagicConsumeGet)
			r.Post("/magic/consume", s.handleMagicConsumePost)
			r.Post("/consent", s.handleConsent)
			r.Get("/sse", s.handleSSE)
			r.Post("/token", s.handleToken)
			r.Post("/register", s.handleRegister)
			r.Post("/revoke", s.handleRevoke)
			r.Post("/introspect", s.handleIntrospect)
		})

		r.Get("/userinfo", s.handleUserinfo)
		r.Post("/logout", s.handleLogout)

		r.Route("/sso/{provider}", func(r chi.Router) {
			r.Get("/start", s.handleSSOStart)
			r.Get("/callback", s.handleSSOCallback)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.fast.Health(r.Context()); err != nil {
		http.Error(w, "fast store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
