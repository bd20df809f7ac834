// Studio Bridge - relay between Roblox Studio, agents and CLI observers
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/studio-bridge/internal/config"
	"github.com/workspace/studio-bridge/internal/logging"
	"github.com/workspace/studio-bridge/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logging.Setup()
	slog.Info("Starting studio bridge...", "version", server.Version)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Configuration loaded", "addr", cfg.ListenAddr(), "root", cfg.Root, "backend", cfg.AgentBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, shutdownTimeout); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Studio bridge stopped")
}

// run serves until ctx is cancelled or the listener fails, then stops the
// server within timeout.
func run(ctx context.Context, cfg *config.Config, timeout time.Duration) error {
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		// Release runs and the store even though the listener never came up.
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Stop(stopCtx)
		return err
	case <-ctx.Done():
		slog.Info("Received signal, shutting down...")
	}

	// Runs, sockets and the store are all torn down inside Stop.
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Stop(stopCtx)
}
