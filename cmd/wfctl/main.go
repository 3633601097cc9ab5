// wfctl is the operator CLI: workflow registration and inspection, run
// triggering, status, and cancellation. It talks directly to the same
// Postgres/Redis pair the daemons use.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmahotiedu/workflow-orchestrator/internal/config"
	"github.com/jmahotiedu/workflow-orchestrator/internal/db"
	"github.com/jmahotiedu/workflow-orchestrator/internal/events"
	"github.com/jmahotiedu/workflow-orchestrator/internal/ledger"
	"github.com/jmahotiedu/workflow-orchestrator/internal/orchestrator"
	"github.com/jmahotiedu/workflow-orchestrator/internal/queue"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wfctl",
		Short:         "Manage workflows and runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newWorkflowCmd(), newRunCmd(), newValidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// clients bundles the connections a subcommand needs. Close must be called
// once the command finishes.
type clients struct {
	service *orchestrator.Service
	store   *ledger.Store
	close   func()
}

func connect(ctx context.Context) (*clients, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rc := redis.NewClient(redisOpts)
	if err := rc.Ping(ctx).Err(); err != nil {
		pool.Close()
		rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	taskQueue := queue.NewRedisQueue(rc)
	if err := taskQueue.EnsureConsumerGroup(ctx); err != nil {
		pool.Close()
		rc.Close()
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	store := ledger.NewStore(pool)
	service := orchestrator.New(store, taskQueue, events.NopSink, logger, cfg.GlobalActiveRunLimit)

	return &clients{
		service: service,
		store:   store,
		close: func() {
			rc.Close()
			pool.Close()
		},
	}, nil
}
