package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/guido-cesarano/signalq/pkg/tasks"
)

// FailureSink reports permanently failed tasks. It satisfies queue.ResultSink.
type FailureSink struct {
	n       Notifier
	timeout time.Duration
}

// NewFailureSink creates a sink that sends an error event for every task that
// exhausted its retries.
func NewFailureSink(n Notifier) *FailureSink {
	return &FailureSink{n: n, timeout: 5 * time.Second}
}

// Complete ignores successful tasks.
func (s *FailureSink) Complete(ctx context.Context, task tasks.Task, result any) error {
	return nil
}

// Fail sends an error event describing task.
func (s *FailureSink) Fail(ctx context.Context, task tasks.Task, err error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := task.LastError
	if err != nil {
		msg = err.Error()
	}
	return s.n.Notify(ctx, Event{
		Kind:        KindError,
		Title:       "Task failed",
		Description: msg,
		Fields: []Field{
			{Name: "Type", Value: task.Type, Inline: true},
			{Name: "Priority", Value: task.Priority.String(), Inline: true},
			{Name: "Attempts", Value: strconv.Itoa(task.Attempts()), Inline: true},
			{Name: "Task ID", Value: task.ID},
		},
	})
}
