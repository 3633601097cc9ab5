package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmahotiedu/workflow-orchestrator/internal/worker"
)

func TestCalculateBackoff(t *testing.T) {
	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, want := range expected {
		attempt := i + 1
		assert.Equal(t, want, worker.CalculateBackoff(attempt), "attempt %d", attempt)
	}

	// Out-of-range inputs stay within the clamp.
	assert.Equal(t, 1000*time.Millisecond, worker.CalculateBackoff(0))
	assert.Equal(t, 1000*time.Millisecond, worker.CalculateBackoff(-3))
	assert.Equal(t, 30000*time.Millisecond, worker.CalculateBackoff(1000))
}
