// Sonde hub server: accepts agent WebSocket connections, serves the MCP
// endpoint and the dashboard API, and routes probes to agents and
// integrations.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sonde-dev/sonde/pkg/api"
	"github.com/sonde-dev/sonde/pkg/audit"
	"github.com/sonde-dev/sonde/pkg/auth"
	"github.com/sonde-dev/sonde/pkg/config"
	"github.com/sonde-dev/sonde/pkg/dispatch"
	"github.com/sonde-dev/sonde/pkg/integration"
	"github.com/sonde-dev/sonde/pkg/mcptools"
	"github.com/sonde-dev/sonde/pkg/metrics"
	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/pack"
	"github.com/sonde-dev/sonde/pkg/probe"
	"github.com/sonde-dev/sonde/pkg/store"
	"github.com/sonde-dev/sonde/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Sonde hub",
		"version", version.Full(),
		"addr", cfg.Addr(),
		"db_path", cfg.DBPath,
		"secret_source", cfg.SecretSource)

	ctx := context.Background()

	// 1. Storage
	st, err := store.Open(ctx, cfg.DBPath, cfg.Secret)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 2. Probe packs
	registry := pack.NewRegistry(cfg.AllowUnsignedPacks, nil)
	for _, m := range pack.Builtin() {
		if err := registry.Register(m); err != nil {
			slog.Error("Failed to register builtin pack", "pack", m.Name, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Probe packs registered", "count", len(registry.List()))

	// 3. Probe plumbing
	dispatcher := dispatch.New(st)
	executor := integration.NewExecutor(st)
	router := probe.NewRouter(registry, dispatcher, executor, st)
	recorder := audit.NewRecorder(st)
	m := metrics.New(dispatcher.ActiveAgents)
	executor.OnResult = func(integration, outcome string) {
		m.IntegrationsTotal.WithLabelValues(integration, outcome).Inc()
	}

	// 4. Auth services
	keys := auth.NewKeyService(st)
	sessions := auth.NewSessionService(st, auth.EnvAdmin{
		Username: cfg.AdminUser,
		Password: cfg.AdminPassword,
	}, cfg.TLS)
	sso := auth.NewSSOService(st, cfg.HubURL)
	provider := auth.NewProvider(st)
	authn := auth.NewAuthenticator(keys, sessions, provider)

	// 5. MCP endpoint. MCP clients that cannot set headers may pass the API
	// key as an apiKey query parameter instead.
	mcpHandler := mcptools.Handler(mcptools.Deps{
		Registry: registry,
		Router:   router,
		Store:    st,
		Conns:    dispatcher,
		Audit:    recorder,
		Metrics:  m,
	}, func(ctx context.Context, r *http.Request) (*models.AuthContext, error) {
		if key := r.URL.Query().Get("apiKey"); key != "" {
			return keys.Validate(ctx, key)
		}
		return authn.Resolve(ctx, r)
	})

	// 6. HTTP server
	server := api.NewServer(cfg, api.Deps{
		Store:      st,
		Dispatcher: dispatcher,
		Executor:   executor,
		Registry:   registry,
		Keys:       keys,
		Sessions:   sessions,
		SSO:        sso,
		Provider:   provider,
		Authn:      authn,
		MCP:        mcpHandler,
		Metrics:    m,
	})

	// 7. Background maintenance
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go dispatcher.RunStatusSweeper(bgCtx)
	go sessions.RunSweeper(bgCtx)
	go provider.RunPurger(bgCtx)

	// 8. Serve
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting HTTP first, then close agent
	// sockets so in-flight probes can finish draining.
	bgCancel()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	dispatcher.Shutdown()
	slog.Info("Shutdown complete")
}
