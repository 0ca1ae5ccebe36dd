// Package hub is the main orchestrator that ties all relay components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reachly/relay/internal/api"
	"github.com/reachly/relay/internal/auth"
	"github.com/reachly/relay/internal/command"
	"github.com/reachly/relay/internal/config"
	"github.com/reachly/relay/internal/relay"
	"github.com/reachly/relay/internal/store"
)

// Hub is the main relay process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	relay        *relay.Relay
	dispatcher   *command.Dispatcher
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	rl := relay.New(db, authProvider, logger, relay.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxMsgBytes:    cfg.Server.MaxMsgBytes,
	})

	d := command.NewDispatcher(db, rl, cfg.Commands, cfg.Storage.CommandTTL.Duration, logger)

	apiSrv := api.NewServer(db, authProvider, loginProvider, rl, d, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		relay:        rl,
		dispatcher:   d,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the relay HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	// The registry only describes connections owned by this process, and
	// none survive a restart. Sweep whatever a previous run left behind so
	// dispatch never finds a connection that cannot exist.
	if n, err := h.store.DeleteAllConnections(ctx); err != nil {
		h.logger.Warn("startup connection sweep failed", "error", err)
	} else if n > 0 {
		h.logger.Info("startup connection sweep removed stale records", "count", n)
	}

	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start the command TTL purger.
	go h.runExpiryPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("relay listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

// runExpiryPurger periodically removes expired commands and stale rate
// counter windows. Expired commands are already invisible to reads, this
// reclaims the rows.
func (h *Hub) runExpiryPurger(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := h.store.PurgeExpiredCommands(ctx, time.Now()); err != nil {
				h.logger.Warn("expiry purge: commands failed", "error", err)
			} else if n > 0 {
				h.logger.Info("expiry purge: deleted expired commands", "count", n)
			}

			window := h.cfg.Commands.RateLimitWindow.Duration
			cutoff := time.Now().Add(-2 * window).Truncate(window).Unix()
			if n, err := h.store.PurgeRateCounters(ctx, cutoff); err != nil {
				h.logger.Warn("expiry purge: rate counters failed", "error", err)
			} else if n > 0 {
				h.logger.Info("expiry purge: deleted stale rate counters", "count", n)
			}
		}
	}
}
