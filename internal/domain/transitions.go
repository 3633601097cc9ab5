package domain

import "fmt"

// Transition tables for runs and tasks. These document the lifecycle and back
// the assertion helpers below; the ledger's conditional updates are the
// authoritative enforcement under concurrency.
//
// failed -> pending expresses the retry path; terminal statuses have no
// successors.

var runTransitions = map[RunStatus][]RunStatus{
	RunPending:   {RunRunning, RunCancelled},
	RunRunning:   {RunSucceeded, RunFailed, RunCancelled},
	RunSucceeded: {},
	RunFailed:    {},
	RunCancelled: {},
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskQueued, TaskCancelled},
	TaskQueued:     {TaskRunning, TaskCancelled},
	TaskRunning:    {TaskSucceeded, TaskFailed, TaskPending, TaskDeadLetter, TaskCancelled},
	TaskSucceeded:  {},
	TaskFailed:     {TaskPending, TaskDeadLetter},
	TaskDeadLetter: {},
	TaskCancelled:  {},
}

func CanTransitionRun(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func AssertRunTransition(from, to RunStatus) error {
	if !CanTransitionRun(from, to) {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}

func AssertTaskTransition(from, to TaskStatus) error {
	if !CanTransitionTask(from, to) {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}
