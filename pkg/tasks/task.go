// Package tasks defines the core data structures for task representation in the signalq scheduler.
// Tasks are units of deferred work that are queued by priority, executed by workers, and retried on failure.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Operation is the work a task performs. The context is cancelled when the task
// times out, is cancelled explicitly, or the scheduler shuts down.
type Operation func(ctx context.Context) (any, error)

// Priority determines the processing order of the task.
// Lower values are dequeued first.
type Priority int

const (
	// PriorityCritical is for order fills, position updates and emergency exits.
	PriorityCritical Priority = iota
	// PriorityHigh is for risk checks and take-profit handling.
	PriorityHigh
	// PriorityNormal is for entries and general signal processing.
	PriorityNormal
	// PriorityLow is for reconciliation, logging and metrics.
	PriorityLow
	// PriorityBackground is for cleanup.
	PriorityBackground
)

var priorityNames = [...]string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if p < PriorityCritical || p > PriorityBackground {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority converts a level name (case-insensitive) to a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Status tracks where a task is in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxRetries is used when a task is submitted without an explicit budget.
const DefaultMaxRetries = 3

// Task represents a unit of work owned by the scheduler.
//
// The ID is stable across retries: a failing task is re-enqueued, never re-created.
// CreatedAt is informational only and plays no part in ordering.
type Task struct {
	// ID is a unique identifier for the task (UUID when not supplied).
	ID string `json:"id"`

	// Type labels the task for logs and metrics (e.g. "signal.open_long").
	Type string `json:"type"`

	// Priority determines the processing order of the task.
	Priority Priority `json:"priority"`

	// Timeout bounds a single attempt. Zero means unbounded.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RetryCount tracks how many times this task has been retried after failures.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the retry budget; a task is attempted at most MaxRetries+1 times.
	MaxRetries int `json:"max_retries"`

	// CreatedAt is the timestamp when the task was submitted.
	CreatedAt time.Time `json:"created_at"`

	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`

	// Operation is the work itself. It is not serialized.
	Operation Operation `json:"-"`
}

// RetriesRemaining returns how many more attempts the task may be retried.
func (t *Task) RetriesRemaining() int {
	if r := t.MaxRetries - t.RetryCount; r > 0 {
		return r
	}
	return 0
}

// Attempts returns how many times the task has been started so far,
// counting the one in progress.
func (t *Task) Attempts() int {
	return t.RetryCount + 1
}
