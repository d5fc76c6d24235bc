// Command mcp-oauth runs the stateless OAuth authorization server together
// with the gated MCP resource server. Configuration comes from OAUTH_*
// environment variables; OAUTH_ISSUER and OAUTH_JWT_SECRET are required.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	oauth "github.com/statelesslabs/mcp-oauth"
	"github.com/statelesslabs/mcp-oauth/instrumentation"
	"github.com/statelesslabs/mcp-oauth/mcpserver"
	"github.com/statelesslabs/mcp-oauth/storage/memory"
)

const serviceName = "mcp-oauth"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := oauth.LoadConfig()
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Enabled:        cfg.InstrumentationEnabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()

	store := memory.New()
	store.SetLogger(logger)
	store.SetInstrumentation(inst)

	server, err := oauth.NewServer(cfg,
		oauth.WithLogger(logger),
		oauth.WithClientStore(store),
		oauth.WithInstrumentation(inst),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	oauth.NewHandler(server).Routes(mux)

	gate := oauth.NewGate(server)
	tools := mcpserver.New(serviceName, cfg.ServiceVersion, mcpserver.WithLogger(logger))
	mux.Handle("/mcp", gate.Middleware(tools.Handler()))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
