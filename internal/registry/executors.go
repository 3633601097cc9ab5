package registry

import (
	"context"
	"fmt"
	"time"
)

// Noop sleeps for the configured duration and succeeds. Config:
// durationMs (default 100, floor 1).
type Noop struct{}

func (Noop) Execute(ctx context.Context, config map[string]any, _ int) error {
	return sleep(ctx, durationMs(config, 100))
}

// Flaky fails deterministically while the attempt number is at or below
// failUntilAttempt, then succeeds. Config: failUntilAttempt (default 1),
// durationMs (default 100, floor 1). Useful for exercising retry and
// dead-letter behavior end to end.
type Flaky struct{}

func (Flaky) Execute(ctx context.Context, config map[string]any, attempt int) error {
	if err := sleep(ctx, durationMs(config, 100)); err != nil {
		return err
	}
	failUntil := intConfig(config, "failUntilAttempt", 1)
	if attempt <= failUntil {
		return fmt.Errorf("simulated failure on attempt %d", attempt)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func durationMs(config map[string]any, def int) time.Duration {
	ms := intConfig(config, "durationMs", def)
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// intConfig reads an integer config value; JSON decoding yields float64.
func intConfig(config map[string]any, key string, def int) int {
	if config == nil {
		return def
	}
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
