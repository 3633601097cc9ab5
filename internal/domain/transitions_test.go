package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmahotiedu/workflow-orchestrator/internal/domain"
)

func TestRunTransitions(t *testing.T) {
	allowed := []struct{ from, to domain.RunStatus }{
		{domain.RunPending, domain.RunRunning},
		{domain.RunPending, domain.RunCancelled},
		{domain.RunRunning, domain.RunSucceeded},
		{domain.RunRunning, domain.RunFailed},
		{domain.RunRunning, domain.RunCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, domain.CanTransitionRun(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
		assert.NoError(t, domain.AssertRunTransition(tc.from, tc.to))
	}

	terminal := []domain.RunStatus{domain.RunSucceeded, domain.RunFailed, domain.RunCancelled}
	all := []domain.RunStatus{
		domain.RunPending, domain.RunRunning,
		domain.RunSucceeded, domain.RunFailed, domain.RunCancelled,
	}
	for _, from := range terminal {
		for _, to := range all {
			assert.False(t, domain.CanTransitionRun(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, domain.CanTransitionRun(domain.RunPending, domain.RunSucceeded))
	err := domain.AssertRunTransition(domain.RunPending, domain.RunSucceeded)
	assert.EqualError(t, err, "invalid run transition: pending -> succeeded")
}

func TestTaskTransitions(t *testing.T) {
	allowed := []struct{ from, to domain.TaskStatus }{
		{domain.TaskPending, domain.TaskQueued},
		{domain.TaskPending, domain.TaskCancelled},
		{domain.TaskQueued, domain.TaskRunning},
		{domain.TaskQueued, domain.TaskCancelled},
		{domain.TaskRunning, domain.TaskSucceeded},
		{domain.TaskRunning, domain.TaskFailed},
		{domain.TaskRunning, domain.TaskPending},
		{domain.TaskRunning, domain.TaskDeadLetter},
		{domain.TaskRunning, domain.TaskCancelled},
		{domain.TaskFailed, domain.TaskPending},
		{domain.TaskFailed, domain.TaskDeadLetter},
	}
	for _, tc := range allowed {
		assert.True(t, domain.CanTransitionTask(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to domain.TaskStatus }{
		{domain.TaskPending, domain.TaskRunning},
		{domain.TaskPending, domain.TaskSucceeded},
		{domain.TaskQueued, domain.TaskSucceeded},
		{domain.TaskSucceeded, domain.TaskPending},
		{domain.TaskDeadLetter, domain.TaskPending},
		{domain.TaskCancelled, domain.TaskQueued},
		{domain.TaskFailed, domain.TaskRunning},
	}
	for _, tc := range denied {
		assert.False(t, domain.CanTransitionTask(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
		assert.Error(t, domain.AssertTaskTransition(tc.from, tc.to))
	}
}
