// Command mcp-oauth-bridge runs the OAuth 2.0 authorization server and the
// JSON-RPC tool gateway as a single HTTP service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	oauth "github.com/modelbridge/mcp-oauth-bridge"
	"github.com/modelbridge/mcp-oauth-bridge/identity"
	identitygoogle "github.com/modelbridge/mcp-oauth-bridge/identity/google"
	identitymock "github.com/modelbridge/mcp-oauth-bridge/identity/mock"
	"github.com/modelbridge/mcp-oauth-bridge/instrumentation"
	"github.com/modelbridge/mcp-oauth-bridge/internal/config"
	"github.com/modelbridge/mcp-oauth-bridge/mcp"
	"github.com/modelbridge/mcp-oauth-bridge/security"
	"github.com/modelbridge/mcp-oauth-bridge/storage"
	storagememory "github.com/modelbridge/mcp-oauth-bridge/storage/memory"
	storagevalkey "github.com/modelbridge/mcp-oauth-bridge/storage/valkey"
)

const (
	envLocal = "local"
	envProd  = "prod"

	serviceName    = "mcp-oauth-bridge"
	serviceVersion = "0.1.0"
)

func main() {
	cfg := config.MustLoad()
	logger := setupLogger(cfg.Env)

	logger.Info("Starting server",
		"env", cfg.Env,
		"address", cfg.HTTP.Address,
		"storage", cfg.Storage.Backend)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Enabled:        cfg.Env == envProd,
	})
	if err != nil {
		logger.Error("Failed to initialize instrumentation", "error", err)
		os.Exit(1)
	}
	defer inst.Shutdown(context.Background())

	store, closeStore, err := setupStorage(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	idp, err := setupIdentity(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize identity provider", "error", err)
		os.Exit(1)
	}

	server, err := oauth.NewServer(&oauth.Config{
		Clients:            store,
		Codes:              store,
		Tokens:             store,
		Identity:           idp,
		ServerURL:          cfg.HTTP.ServerURL,
		AccessTokenTTL:     cfg.OAuth.AccessTokenTTL,
		AuthCodeTTL:        cfg.OAuth.AuthCodeTTL,
		RateLimitPerSecond: cfg.OAuth.RateLimitPerSecond,
		RateLimitBurst:     cfg.OAuth.RateLimitBurst,
		DisableRateLimit:   cfg.OAuth.DisableRateLimit,
		TrustProxy:         cfg.HTTP.TrustProxy,
		TrustedProxyCount:  cfg.HTTP.TrustedProxies,
		AuditEnabled:       cfg.Audit.Enabled,
		Logger:             logger,
		Instrumentation:    inst,
	})
	if err != nil {
		logger.Error("Failed to create authorization server", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	gateway, err := mcp.New(mcp.Config{
		Auth:            server,
		ServerName:      "MCP OAuth Server",
		ServerVersion:   serviceVersion,
		ServerURL:       cfg.HTTP.ServerURL,
		Logger:          logger,
		Auditor:         security.NewAuditor(logger, cfg.Audit.Enabled),
		Instrumentation: inst,
	})
	if err != nil {
		logger.Error("Failed to create gateway", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	mux.Handle("/mcp", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if google, ok := idp.(*identitygoogle.Provider); ok {
		mux.HandleFunc(google.LoginPath(), google.HandleLogin)
		mux.HandleFunc("/auth/callback", google.HandleCallback)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      security.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}

// setupLogger builds the structured logger: pretty text locally, JSON
// elsewhere.
func setupLogger(env string) *slog.Logger {
	var handler slog.Handler
	switch env {
	case envLocal:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	logger := slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
	slog.SetDefault(logger)
	return logger
}

// setupStorage builds the configured storage backend.
func setupStorage(cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "valkey":
		store, err := storagevalkey.New(storagevalkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		store := storagememory.NewStore(logger)
		return store, func() { store.Close() }, nil
	}
}

// setupIdentity builds the identity provider: Google when configured, the
// mock provider otherwise.
func setupIdentity(cfg *config.Config, logger *slog.Logger) (identity.Provider, error) {
	if cfg.Google.ClientID != "" {
		return identitygoogle.NewProvider(&identitygoogle.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			SecureCookie: cfg.Env == envProd,
		})
	}

	logger.Warn("Google identity not configured, using mock provider")
	return identitymock.NewProvider(&identity.User{ID: "local-dev-user"}), nil
}
