package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// runHeartbeat extends the task's lease on a fixed cadence while an attempt
// executes. A heartbeat that no longer matches a running task owned by this
// worker means the lease was fenced (reaper reclaim or concurrent state
// change); the extender stops and lets the attempt's recorded outcome be
// resolved by status-guarded updates.
func (w *Worker) runHeartbeat(ctx context.Context, taskID uuid.UUID, log *slog.Logger) {
	ticker := time.NewTicker(w.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Store.HeartbeatTask(ctx, taskID, w.ID, w.Lease); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("lease heartbeat failed", "error", err)
			}
		}
	}
}
