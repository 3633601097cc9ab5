// The controlplane binary runs the orchestration daemon: migrations, the
// lease reaper, and the delayed-queue pump. Workflow and run operations are
// issued through the wfctl CLI against the same database.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/jmahotiedu/workflow-orchestrator/internal/config"
	"github.com/jmahotiedu/workflow-orchestrator/internal/db"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/migrate"
	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
	"github.com/jmahotiedu/workflow-orchestrator/internal/reaper"
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

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("connecting to database", "url", cfg.DatabaseURL)
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

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("parse redis URL failed", "error", err, "url", cfg.RedisURL)
		os.Exit(1)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	taskQueue := queue.NewRedisQueue(rc)
	if err := taskQueue.EnsureConsumerGroup(ctx); err != nil {
		logger.Error("ensure consumer group failed", "error", err)
		os.Exit(1)
	}

	r := reaper.New(
		ledger.NewStore(pool),
		taskQueue,
		logger,
		cfg.ReaperInterval,
		cfg.DelayedPumpInterval,
	)

	logger.Info("control plane ready",
		"reaper_interval", cfg.ReaperInterval,
		"pump_interval", cfg.DelayedPumpInterval)

	r.Run(ctx)

	logger.Info("shutdown complete")
}
