// Settlement - escrow and commission settlement for the art marketplace
package main

import (
	"context"
	"os"

	"github.com/kunsthall/settlement/internal/config"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting settlement",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Reconfigure now that level and format are known.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"commission_bps", cfg.Rates.CommissionBps,
		"vat_bps", cfg.Rates.VATBps,
		"approval_window", cfg.ApprovalWindow.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
