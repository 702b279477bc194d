// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Volcar144/WayGate-sub000/pkg/config"
	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/flow"
	"github.com/Volcar144/WayGate-sub000/pkg/keys"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/mailer"
	"github.com/Volcar144/WayGate-sub000/pkg/ratelimit"
	"github.com/Volcar144/WayGate-sub000/pkg/server"
	"github.com/Volcar144/WayGate-sub000/pkg/session"
	"github.com/Volcar144/WayGate-sub000/pkg/storage/sqldb"
	"github.com/Volcar144/WayGate-sub000/pkg/tenantctx"
	"github.com/Volcar144/WayGate-sub000/pkg/tokens"
	"github.com/Volcar144/WayGate-sub000/pkg/upstream"
)

const (
	gracefulTimeout   = 10 * time.Second
	serverReadTimeout = 10 * time.Second
	serverIdleTimeout = 120 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identity provider",
	Long: `Start the HTTP server. Configuration comes from the environment:
ISSUER_BASE_URL, DATABASE_URL, REDIS_URL, ENCRYPTION_KEY,
SESSION_SECRET, SMTP_*, RATE_LIMITS, RATE_LIMIT_RULES, ENVIRONMENT,
LISTEN_ADDR.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := sqldb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	var fast faststore.Store
	if cfg.RedisURL != "" {
		fast, err = faststore.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		logger.Infof("Fast store: redis")
	} else {
		fast = faststore.NewMemory()
		logger.Infof("Fast store: in-memory (single process only)")
	}
	defer fast.Close()

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	rules, err := ratelimit.ParseOverrides(cfg.RateLimitRules)
	if err != nil {
		return err
	}

	sessions := session.NewManager(fast, store, store)
	km := keys.NewManager(store, store, sealer)

	var mail mailer.Mailer
	if cfg.SMTPHost != "" {
		mail = mailer.NewSMTP(mailer.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		})
	} else {
		if cfg.IsProduction() {
			return errors.New("SMTP_HOST is required in production")
		}
		mail = mailer.Dev{}
		logger.Warn("No SMTP configured; magic links are logged, not emailed")
	}

	srv := server.New(server.Deps{
		Config:    cfg,
		Store:     store,
		Fast:      fast,
		Resolver:  tenantctx.NewResolver(store),
		Sessions:  sessions,
		Tokens:    tokens.NewService(store, store, store, sessions, km, store, cfg.IssuerBaseURL),
		Keys:      km,
		Flows:     flow.NewEngine(store, fast),
		Connector: upstream.NewConnector(fast, store, store, store, sessions, sealer, cfg.IssuerBaseURL),
		Limiter:   ratelimit.New(fast, rules),
		Mailer:    mail,
	})

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: serverReadTimeout,
		IdleTimeout: serverIdleTimeout,
		// No WriteTimeout: the SSE endpoint holds responses open and
		// enforces its own deadline.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Listening on %s (issuer base %s)", cfg.ListenAddr, cfg.IssuerBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
