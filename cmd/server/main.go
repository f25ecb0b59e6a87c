// escrowsync reconciles escrow payment and purchase ledgers with the chain.
package main

import (
	"context"
	"os"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrowsync",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Re-create the logger now that level, format and file are known.
	var opts []logging.Option
	if cfg.LogFile != "" {
		opts = append(opts, logging.WithFile(logging.FileOptions{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}))
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat, opts...)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"sources", len(cfg.Sources),
		"sources_file", cfg.PaymentSourcesFile,
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
