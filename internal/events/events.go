// Package events defines the lifecycle event stream consumed by the
// presentation layer. The sink is injected explicitly wherever events are
// produced; there is no process-global emitter.
package events

import (
	"log/slog"
	"sync"
)

type Type string

const (
	WorkflowCreated Type = "workflow.created"
	RunCreated      Type = "run.created"
	RunUpdated      Type = "run.updated"
	TaskUpdated     Type = "task.updated"
)

// Event carries the identifiers relevant to its type; unused fields are
// empty.
type Event struct {
	Type       Type
	WorkflowID string
	RunID      string
	TaskID     string
	Status     string
}

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(event Event) { f(event) }

// NopSink discards events.
var NopSink Sink = SinkFunc(func(Event) {})

// NewLogSink returns a Sink that writes each event as a structured log line.
func NewLogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(e Event) {
		logger.Info("lifecycle event",
			"type", string(e.Type),
			"workflow_id", e.WorkflowID,
			"run_id", e.RunID,
			"task_id", e.TaskID,
			"status", e.Status)
	})
}

// Recorder is a Sink that captures events for test assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByType returns the captured events of one type, in emission order.
func (r *Recorder) ByType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
