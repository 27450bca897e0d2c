package queue

import (
	"time"

	"github.com/guido-cesarano/signalq/pkg/tasks"
)

type submitOptions struct {
	id         string
	taskType   string
	priority   tasks.Priority
	timeout    time.Duration
	maxRetries int
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

// WithPriority sets the task priority (default NORMAL).
func WithPriority(p tasks.Priority) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithID sets the task ID instead of generating a UUID.
func WithID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithTimeout bounds each attempt. Zero disables the timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// WithMaxRetries sets the retry budget. Zero means a single attempt.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = n }
}

// WithType labels the task for logs and metrics.
func WithType(t string) SubmitOption {
	return func(o *submitOptions) { o.taskType = t }
}

func prepend(opts []SubmitOption, first ...SubmitOption) []SubmitOption {
	return append(first, opts...)
}
