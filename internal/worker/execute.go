package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

// execute runs one attempt of a claimed task, racing the executor against
// the task's wall-clock timeout. On timeout the executor goroutine keeps
// running in the background; its eventual result is discarded, and the
// attempt is recorded as failed. The lease reaper would reach the same
// verdict if the worker died instead.
func (w *Worker) execute(ctx context.Context, task domain.Task) error {
	executor, err := w.Registry.Lookup(task.Payload.Kind)
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- executor.Execute(execCtx, task.Payload.Config, task.AttemptCount)
	}()

	timeout := time.Duration(task.Payload.TimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("task timed out after %dms", task.Payload.TimeoutMs)
	}
}
