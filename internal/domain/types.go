package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskRunning    TaskStatus = "running"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
	TaskCancelled  TaskStatus = "cancelled"
)

type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerSchedule TriggerSource = "schedule"
	TriggerEvent    TriggerSource = "event"
)

type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// TaskDefinition is one node of a workflow definition graph.
type TaskDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Kind        string         `json:"kind" yaml:"kind"`
	DependsOn   []string       `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	TimeoutMs   int            `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	MaxAttempts int            `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
}

// WorkflowDefinition is the versioned DAG a workflow executes.
type WorkflowDefinition struct {
	Version int              `json:"version" yaml:"version"`
	Tasks   []TaskDefinition `json:"tasks" yaml:"tasks"`
}

type Workflow struct {
	ID                uuid.UUID
	Name              string
	Definition        WorkflowDefinition
	Schedule          *string
	MaxConcurrentRuns int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Run struct {
	ID              uuid.UUID
	WorkflowID      uuid.UUID
	Status          RunStatus
	TriggerSource   TriggerSource
	IdempotencyKey  *string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Error           *string
}

// TaskPayload is the execution snapshot taken from the workflow definition
// when a run's tasks are seeded. It is immutable for the life of the task.
type TaskPayload struct {
	Kind      string         `json:"kind"`
	Config    map[string]any `json:"config"`
	TimeoutMs int            `json:"timeoutMs"`
}

type Task struct {
	ID             uuid.UUID
	RunID          uuid.UUID
	WorkflowID     uuid.UUID
	NodeID         string
	Status         TaskStatus
	AttemptCount   int
	MaxAttempts    int
	DependsOn      []string
	RemainingDeps  int
	Payload        TaskPayload
	WorkerID       *string
	LeaseExpiresAt *time.Time
	HeartbeatAt    *time.Time
	LastError      *string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskAttempt is an append-only record of one execution attempt.
type TaskAttempt struct {
	ID         uuid.UUID
	TaskID     uuid.UUID
	AttemptNo  int
	Status     AttemptStatus
	Error      *string
	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMs *int
}

// DeadLetter is written exactly once, when a task exhausts its attempts.
type DeadLetter struct {
	ID         uuid.UUID
	TaskID     uuid.UUID
	RunID      uuid.UUID
	WorkflowID uuid.UUID
	Reason     string
	Payload    TaskPayload
	CreatedAt  time.Time
}
