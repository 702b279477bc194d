// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Volcar144/WayGate-sub000/pkg/config"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/ratelimit"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
	"github.com/Volcar144/WayGate-sub000/pkg/tenantctx"
)

// tenantMiddleware resolves the {tenant} slug and stores the tenant in
// the request context. Unknown slugs 404 before any handler runs, so no
// endpoint can leak whether deeper resources exist.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "tenant")
		tenant, err := s.resolver.Resolve(r.Context(), slug)
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "unknown tenant")
			return
		}
		if err != nil {
			logger.Errorw("resolving tenant", "slug", slug, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenantctx.WithTenant(r.Context(), tenant)))
	})
}

// tenant returns the tenant placed by tenantMiddleware. Handlers under
// /a/{tenant} can rely on it being present.
func (s *Server) tenant(r *http.Request) *storage.Tenant {
	return tenantctx.FromContext(r.Context())
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// clientIP returns the remote address without the port. RealIP has
// already folded trusted forwarding headers into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow checks a named quota for a subject, applying any per-tenant or
// per-client override from RATE_LIMITS. Override keys are "<slug>" and
// "<slug>/<clientID>", the latter winning; an override only applies
// when its endpoint names the rule being checked.
func (s *Server) allow(r *http.Request, tenant *storage.Tenant, rule, subject, clientID string) bool {
	ctx := r.Context()

	if clientID != "" {
		if ov, ok := s.cfg.RateLimits[tenant.Slug+"/"+clientID]; ok && ov.Endpoint == rule {
			return s.allowWith(r, rule, ov, tenant.Slug+"/"+clientID+":"+subject)
		}
	}
	if ov, ok := s.cfg.RateLimits[tenant.Slug]; ok && ov.Endpoint == rule {
		return s.allowWith(r, rule, ov, tenant.Slug+":"+subject)
	}

	d, err := s.limiter.Allow(ctx, rule, subject)
	if err != nil {
		logger.Warnw("rate limit check failed", "rule", rule, "error", err)
		return true // fail open: the quota is advisory, auth is not
	}
	return d.Allowed
}

func (s *Server) allowWith(r *http.Request, rule string, ov config.RateLimitOverride, subject string) bool {
	d, err := s.limiter.AllowWith(r.Context(), rule, ratelimit.Rule{
		Limit:  int64(ov.Capacity),
		Window: time.Duration(ov.WindowSecs) * time.Second,
	}, subject)
	if err != nil {
		logger.Warnw("rate limit override check failed", "rule", rule, "error", err)
		return true
	}
	return d.Allowed
}
