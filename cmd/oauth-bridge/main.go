// Command oauth-bridge runs the Nightscout OAuth bridge HTTP server.
//
// All configuration comes from BRIDGE_* environment variables; see the root
// Config type for the full list.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bridge "github.com/nightscout/oauth-bridge"
	"github.com/nightscout/oauth-bridge/instrumentation"
	"github.com/nightscout/oauth-bridge/providers/google"
	"github.com/nightscout/oauth-bridge/security"
	"github.com/nightscout/oauth-bridge/server"
	"github.com/nightscout/oauth-bridge/sessions"
	"github.com/nightscout/oauth-bridge/storage"
	"github.com/nightscout/oauth-bridge/storage/memory"
	"github.com/nightscout/oauth-bridge/storage/valkey"
)

const shutdownTimeout = 10 * time.Second

// repository is the union of the storage interfaces both backends satisfy.
type repository interface {
	storage.UserStore
	storage.ClientStore
	storage.FlowStore
	storage.TokenStore
	storage.SessionStore
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := bridge.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.DefaultClient.ID != "" {
		if err := registerDefaultClient(ctx, store, cfg); err != nil {
			return err
		}
	}

	verifier, err := google.New(ctx, google.Config{
		ClientID: cfg.GoogleClientID,
		Logger:   logger.With("component", "google"),
	})
	if err != nil {
		return err
	}

	srv, err := server.New(verifier, store, store, store, store, &server.Config{
		Issuer:                  cfg.Issuer,
		AuthorizationCodeTTL:    cfg.Flow.AuthorizationCodeTTL,
		PendingAuthorizationTTL: cfg.Flow.PendingAuthorizationTTL,
		AccessTokenTTL:          cfg.Flow.AccessTokenTTL,
		RefreshTokenTTL:         cfg.Flow.RefreshTokenTTL,
	}, logger.With("component", "server"))
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(logger, true))

	sessionMgr, err := sessions.New(store, sessions.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		TTL:        cfg.SessionTTL,
		Secure:     cfg.SecureCookies,
		Logger:     logger.With("component", "sessions"),
	})
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauth-bridge",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	handler := bridge.NewHandler(srv, sessionMgr, cfg, logger.With("component", "http"))
	handler.SetMetrics(inst.Metrics())
	defer handler.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "address", cfg.ListenAddress, "issuer", cfg.Issuer)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(cfg *bridge.Config, logger *slog.Logger) (repository, func(), error) {
	switch cfg.Storage.Backend {
	case "valkey":
		var tlsCfg *tls.Config
		if cfg.Storage.ValkeyTLS {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.ValkeyAddress,
			Password:  cfg.Storage.ValkeyPassword,
			DB:        cfg.Storage.ValkeyDB,
			KeyPrefix: cfg.Storage.ValkeyKeyPrefix,
			TLS:       tlsCfg,
			Logger:    logger.With("component", "valkey"),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store := memory.New()
		logger.Warn("Using in-memory storage; all state is lost on restart")
		return store, store.Stop, nil
	}
}

func registerDefaultClient(ctx context.Context, store repository, cfg *bridge.Config) error {
	grants := []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken}
	return store.SaveClient(ctx, &storage.Client{
		ClientID:         cfg.DefaultClient.ID,
		ClientSecretHash: cfg.DefaultClient.SecretHash,
		Name:             cfg.DefaultClient.Name,
		RedirectURIs:     []string{cfg.DefaultClient.RedirectURI},
		Grants:           grants,
		ValidScopes:      []string{server.ScopeNightscoutURI},
		CreatedAt:        time.Now(),
	})
}
