package ledger

import "github.com/jmahotiedu/workflow-orchestrator/internal/domain"

type statusCounts struct {
	Pending    int
	Queued     int
	Running    int
	Failed     int
	DeadLetter int
	Succeeded  int
	Cancelled  int
}

func (c statusCounts) total() int {
	return c.Pending + c.Queued + c.Running + c.Failed + c.DeadLetter + c.Succeeded + c.Cancelled
}

// deriveRunStatus decides a run's aggregate status. Decision order:
// cancelRequested wins outright, any failure fails the run, any live task
// keeps it running, otherwise it succeeded. A run with zero tasks keeps its
// current status.
func deriveRunStatus(run domain.Run, counts statusCounts) domain.RunStatus {
	if counts.total() == 0 {
		return run.Status
	}
	if run.CancelRequested {
		return domain.RunCancelled
	}
	if counts.DeadLetter > 0 || counts.Failed > 0 {
		return domain.RunFailed
	}
	if counts.Pending > 0 || counts.Queued > 0 || counts.Running > 0 {
		return domain.RunRunning
	}
	return domain.RunSucceeded
}
