// Package bus provides the in-process event bus connecting the orchestrator,
// dependency graph, and cycle runner. Events from the same source are
// delivered to each handler in emission order; across sources ordering is
// unspecified.
package bus

import (
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

// EventType discriminates event payloads.
type EventType string

// Event type constants.
const (
	EventTypeTaskStarted        EventType = "task.started"
	EventTypeTaskCompleted      EventType = "task.completed"
	EventTypeTaskFailed         EventType = "task.failed"
	EventTypeTaskCancelled      EventType = "task.cancelled"
	EventTypeDependencyResolved EventType = "dependency.resolved"
	EventTypeBackpressure       EventType = "backpressure.detected"
	EventTypeResourceAvailable  EventType = "resource.available"
)

// Event is the interface all bus payloads implement. Source identifies the
// emitting task (or subsystem) and scopes the ordering guarantee.
type Event interface {
	Type() EventType
	Source() string
}

// TaskStarted is published when a task transitions to RUNNING.
type TaskStarted struct {
	TaskID string      `json:"task_id"`
	Class  agent.Class `json:"agent_class"`
	At     time.Time   `json:"t"`
}

func (e TaskStarted) Type() EventType { return EventTypeTaskStarted }
func (e TaskStarted) Source() string  { return e.TaskID }

// TaskCompleted is published when a task reaches SUCCEEDED.
type TaskCompleted struct {
	TaskID string      `json:"task_id"`
	Class  agent.Class `json:"agent_class"`
	Result []byte      `json:"result,omitempty"`
	At     time.Time   `json:"t"`
}

func (e TaskCompleted) Type() EventType { return EventTypeTaskCompleted }
func (e TaskCompleted) Source() string  { return e.TaskID }

// TaskFailed is published when a task reaches FAILED after exhausting retries.
type TaskFailed struct {
	TaskID string      `json:"task_id"`
	Class  agent.Class `json:"agent_class"`
	Error  string      `json:"error"`
	At     time.Time   `json:"t"`
}

func (e TaskFailed) Type() EventType { return EventTypeTaskFailed }
func (e TaskFailed) Source() string  { return e.TaskID }

// TaskCancelled is published when a task reaches CANCELLED. Cause carries the
// originating failed task ID for dependency cascades, or the cancellation
// reason otherwise.
type TaskCancelled struct {
	TaskID string      `json:"task_id"`
	Class  agent.Class `json:"agent_class"`
	Cause  string      `json:"cause,omitempty"`
	// Started reports whether the task had entered RUNNING before cancellation.
	Started bool      `json:"started"`
	At      time.Time `json:"t"`
}

func (e TaskCancelled) Type() EventType { return EventTypeTaskCancelled }
func (e TaskCancelled) Source() string  { return e.TaskID }

// DependencyResolved is published when a completed task releases an edge to a
// dependent. Source is the completed (from) task so it orders after that
// task's TaskCompleted.
type DependencyResolved struct {
	FromID string    `json:"from_id"`
	ToID   string    `json:"to_id"`
	At     time.Time `json:"t"`
}

func (e DependencyResolved) Type() EventType { return EventTypeDependencyResolved }
func (e DependencyResolved) Source() string  { return e.FromID }

// BackpressureDetected is published when production outpaces consumption
// (bus queue full, or ready-set growth beyond the orchestrator's high water).
type BackpressureDetected struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"t"`
}

func (e BackpressureDetected) Type() EventType { return EventTypeBackpressure }
func (e BackpressureDetected) Source() string  { return "bus" }

// ResourceAvailable is published when a constrained resource frees up;
// the orchestrator emits one per released worker slot.
type ResourceAvailable struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"t"`
}

func (e ResourceAvailable) Type() EventType { return EventTypeResourceAvailable }
func (e ResourceAvailable) Source() string  { return "resources" }
