package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jmahotiedu/workflow-orchestrator/internal/config"
	"github.com/jmahotiedu/workflow-orchestrator/internal/db"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/migrate"
	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
	"github.com/jmahotiedu/workflow-orchestrator/internal/registry"
	"github.com/jmahotiedu/workflow-orchestrator/internal/worker"
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
	logger.Info("database connected")

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

	logger.Info("connecting to redis", "url", cfg.RedisURL)
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("redis connected")

	taskQueue := queue.NewRedisQueue(rc)
	if err := taskQueue.EnsureConsumerGroup(ctx); err != nil {
		logger.Error("ensure consumer group failed", "error", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	w := worker.New(
		workerID,
		ledger.NewStore(pool),
		taskQueue,
		registry.Default(),
		logger,
		cfg.Lease,
		cfg.Heartbeat,
		cfg.WorkerMaxBatch,
	)

	logger.Info("worker ready", "worker_id", workerID, "hostname", hostname)

	go w.Run(ctx)

	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer drainCancel()
	if err := w.DrainAndWait(drainCtx); err != nil {
		logger.Warn("shutdown drain timeout; in-flight leases will expire and be reaped", "error", err)
	}

	logger.Info("shutdown complete")
}
