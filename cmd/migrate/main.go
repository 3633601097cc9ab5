package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmahotiedu/workflow-orchestrator/internal/config"
	"github.com/jmahotiedu/workflow-orchestrator/internal/db"
	"github.com/jmahotiedu/workflow-orchestrator/internal/migrate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to database failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrate.Run(ctx, pool, logger); err != nil {
		logger.Error("run migrations failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migrations complete")
}
