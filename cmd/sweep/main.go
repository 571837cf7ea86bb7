// Command sweep runs every periodic sweep once and exits: offer expiry,
// stalled-escrow flagging, deadline warnings and the settlement retry.
// Leases keep it from overlapping with sweeps already running in the API.
//
// Usage:
//
//	go run ./cmd/sweep
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kunsthall/settlement/internal/config"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	srv.RunSweeps(ctx)
	logger.Info("sweeps completed", "duration_ms", time.Since(start).Milliseconds())

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Close(closeCtx)
}
