package orchestrator

import (
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

// TaskState is a task's position in its lifecycle. Transitions only move
// forward along PENDING, READY, RUNNING to one terminal state.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateReady     TaskState = "ready"
	StateRunning   TaskState = "running"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

var stateRank = map[TaskState]int{
	StatePending:   0,
	StateReady:     1,
	StateRunning:   2,
	StateSucceeded: 3,
	StateFailed:    3,
	StateCancelled: 3,
}

// TaskSpec describes one task in a batch. Dependencies reference task IDs in
// the same batch or tasks already registered with the orchestrator.
type TaskSpec struct {
	// ID is assigned if empty.
	ID string
	// Class selects the invocation handler and the per-class semaphore.
	Class agent.Class
	// Input is opaque to the orchestrator.
	Input []byte
	// DependsOn lists task IDs that must succeed first.
	DependsOn []string
	// Deadline is absolute; zero means none. The effective deadline is the
	// earlier of this and the batch deadline.
	Deadline time.Time
	// Priority orders the ready-set drain, higher first. Dispatch order
	// only; running tasks are never preempted.
	Priority int
}

// TaskResult is the terminal outcome of one task.
type TaskResult struct {
	TaskID   string      `json:"task_id"`
	Class    agent.Class `json:"agent_class"`
	State    TaskState   `json:"state"`
	OK       bool        `json:"ok"`
	Value    []byte      `json:"value,omitempty"`
	Err      error       `json:"-"`
	Error    string      `json:"error,omitempty"`
	Cause    string      `json:"cause,omitempty"`
	Attempts int         `json:"attempts"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
