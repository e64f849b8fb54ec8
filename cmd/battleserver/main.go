// Package main provides the battle server binary: the websocket session
// server, matchmaking, and match rooms backed by the configured account store.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/config"
	"github.com/cory-johannsen/blockbattle/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "battleserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	observability.RegisterMetrics()

	logger.Info("starting battle server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("path", cfg.Server.Path),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx := context.Background()
	application, cleanup, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initializing server", zap.Error(err))
	}
	defer cleanup()

	logger.Info("server initialized", zap.Duration("elapsed", time.Since(start)))

	if err := application.Lifecycle.Run(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		cleanup()
		logger.Sync()
		log.Fatalf("battle server: %v", err)
	}
}
