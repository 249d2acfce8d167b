// msg-gateway - WebSocket gateway for multi-tenant messaging automation sessions
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/msg-gateway/internal/config"
	"github.com/workspace/msg-gateway/internal/engine"
	"github.com/workspace/msg-gateway/internal/logging"
	"github.com/workspace/msg-gateway/internal/persistence"
	"github.com/workspace/msg-gateway/internal/server"
	"github.com/workspace/msg-gateway/internal/session"
)

func main() {
	logging.Setup()
	slog.Info("Starting msg-gateway...")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.SessionsDir, 0o755); err != nil {
		slog.Error("Failed to create sessions directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o755); err != nil {
		slog.Error("Failed to create database directory", "error", err)
		os.Exit(1)
	}

	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		slog.Error("Failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	eng := &engine.ProcessEngine{
		Command:      cfg.EngineCommand,
		Args:         cfg.EngineArgs,
		ReplyTimeout: cfg.EngineReplyTimeout,
	}

	mgr := session.NewManager(session.Config{
		SessionsDir:        cfg.SessionsDir,
		InitStaleTimeout:   cfg.InitStaleTimeout,
		ReconnectGrace:     cfg.ReconnectGrace,
		LogoutGuardGrace:   cfg.LogoutGuardGrace,
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		IdleSweepInterval:  cfg.IdleSweepInterval,
		InitSweepInterval:  cfg.InitSweepInterval,
		QROrphanCleanup:    cfg.QROrphanCleanup,
	}, eng, store)

	// Clear out artifacts left behind by a previous process before accepting
	// connections, then start the reaper sweeps.
	mgr.SweepOrphans()
	mgr.Start()

	srv, err := server.New(cfg, mgr)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	slog.Info("Configuration loaded", "host", cfg.Host, "port", cfg.Port, "sessionsDir", cfg.SessionsDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down...", "signal", sig.String())
	}

	// Drain sessions first so clients get a clean close before the listener
	// goes away.
	mgr.StopAndDrainAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("msg-gateway stopped")
}
