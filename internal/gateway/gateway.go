// Package gateway is the main orchestrator that ties all world gateway
// components together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vircadia/vircadia-world-sub000/internal/acl"
	"github.com/vircadia/vircadia-world-sub000/internal/api"
	"github.com/vircadia/vircadia-world-sub000/internal/asset"
	"github.com/vircadia/vircadia-world-sub000/internal/auth"
	"github.com/vircadia/vircadia-world-sub000/internal/config"
	"github.com/vircadia/vircadia-world-sub000/internal/query"
	"github.com/vircadia/vircadia-world-sub000/internal/reflect"
	"github.com/vircadia/vircadia-world-sub000/internal/session"
	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg      *config.Config
	store    store.Store
	registry *session.Registry
	sweeper  *session.Sweeper
	assets   *asset.Manager
	api      *api.Server
	logger   *slog.Logger
}

// New creates a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	validator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init credential validator: %w", err)
	}

	// The system provider is optional; deployments backed entirely by
	// external identity providers run without the login flow.
	system, err := auth.NewSystemService(db, cfg.Auth)
	if err != nil && !errors.Is(err, auth.ErrNoSystemProvider) {
		_ = db.Close()
		return nil, fmt.Errorf("init system provider: %w", err)
	}

	registry := session.NewRegistry()
	aclCache := acl.New(db, logger)

	sweeper := session.NewSweeper(registry, db, cfg.Session.HeartbeatInterval.Duration, logger,
		func(sessionID, agentID string) {
			if registry.AgentSessionCount(agentID) == 0 {
				aclCache.Forget(agentID)
			}
		})

	proxy := query.New(db.DB(), cfg.Storage.AgentContextStatement, cfg.Session.QueryTimeout.Duration, logger)
	fanout := reflect.New(registry, aclCache, logger)

	assets, err := asset.NewManager(db, cfg.Asset.CacheDir, cfg.Asset.ByteBudget, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init asset cache: %w", err)
	}

	apiSrv := api.NewServer(api.Deps{
		Store:     db,
		Validator: validator,
		System:    system,
		Registry:  registry,
		ACL:       aclCache,
		Proxy:     proxy,
		Fanout:    fanout,
		Assets:    assets,
	}, cfg, logger)

	g := &Gateway{
		cfg:      cfg,
		store:    db,
		registry: registry,
		sweeper:  sweeper,
		assets:   assets,
		api:      apiSrv,
		logger:   logger.With("component", "gateway"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if system == nil {
		logger.Info("no system provider enabled, login and register routes disabled")
	}

	return g, nil
}

// Run starts the gateway HTTP server and background loops and blocks until
// the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    g.cfg.Server.Addr,
		Handler: g.api.Handler(),
	}

	go g.sweeper.Run(ctx)
	go g.assets.Run(ctx, g.cfg.Asset.MaintenanceInterval.Duration)
	g.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr)
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		g.registry.CloseAll("Server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.logger.Info("closing store")
		_ = g.store.Close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = g.store.Close()
		return err
	}
}
