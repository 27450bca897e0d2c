package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/signalq/pkg/broker"
	"github.com/guido-cesarano/signalq/pkg/market"
	"github.com/guido-cesarano/signalq/pkg/queue"
	"github.com/guido-cesarano/signalq/pkg/signals"
)

var (
	// ErrDebounced marks an open suppressed as a duplicate. It is reported as success.
	ErrDebounced = errors.New("duplicate open within debounce window")
	// ErrValidation marks a signal that is missing the levels its action needs.
	ErrValidation = errors.New("invalid signal")
)

// ErrorKind classifies why a dispatch did not act.
type ErrorKind string

const (
	KindParse      ErrorKind = "parse"
	KindDebounced  ErrorKind = "debounced"
	KindQueueFull  ErrorKind = "queue_full"
	KindTimeout    ErrorKind = "timeout"
	KindBroker     ErrorKind = "broker"
	KindValidation ErrorKind = "validation"
)

// KindOf maps an error to its kind.
func KindOf(err error) ErrorKind {
	var ce *broker.CallError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, signals.ErrUnclassified):
		return KindParse
	case errors.Is(err, ErrDebounced):
		return KindDebounced
	case errors.Is(err, queue.ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, queue.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.As(err, &ce):
		return KindBroker
	}
	return KindBroker
}

// Result is the outcome of dispatching one signal.
type Result struct {
	Success         bool                 `json:"success"`
	Action          signals.ActionKind   `json:"action"`
	Symbol          string               `json:"symbol"`
	Side            market.Side          `json:"side,omitempty"`
	Debounced       bool                 `json:"debounced,omitempty"`
	Ignored         bool                 `json:"ignored,omitempty"`
	Partial         bool                 `json:"partial,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	Kind            ErrorKind            `json:"error_kind,omitempty"`
	Error           string               `json:"error,omitempty"`
	Orders          []broker.OrderResult `json:"orders,omitempty"`
	ClosedPositions int                  `json:"closed_positions,omitempty"`
	CancelledOrders int                  `json:"cancelled_orders,omitempty"`
	Reconcile       *Reconcile           `json:"reconcile,omitempty"`

	err error
}

// Err returns the error behind a failed result.
func (r Result) Err() error { return r.err }

// Outcome is the metrics label for the result.
func (r Result) Outcome() string {
	switch {
	case !r.Success:
		return "failed"
	case r.Debounced:
		return "debounced"
	case r.Ignored:
		return "ignored"
	case r.Partial:
		return "partial"
	}
	return "success"
}

func newResult(sig signals.Signal) Result {
	return Result{Action: sig.Action, Symbol: sig.Symbol, Side: sig.Action.Side()}
}

func (r Result) fail(err error) Result {
	r.Success = false
	r.Kind = KindOf(err)
	r.Error = err.Error()
	r.err = err
	return r
}

func (r Result) ignore(reason string) Result {
	r.Success = true
	r.Ignored = true
	r.Reason = reason
	return r
}

// note appends a per-item failure to Reason and marks the result partial.
func (r *Result) note(format string, args ...any) {
	r.Partial = true
	msg := fmt.Sprintf(format, args...)
	if r.Reason == "" {
		r.Reason = msg
		return
	}
	r.Reason += "; " + msg
}

// Reconcile records the reconciliation pass that followed an action.
type Reconcile struct {
	Pass      string                `json:"pass"`
	TaskID    string                `json:"task_id,omitempty"`
	Scheduled bool                  `json:"scheduled,omitempty"`
	Report    *broker.MonitorReport `json:"report,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Ack is the immediate answer to an inbound event.
type Ack struct {
	Accepted bool               `json:"accepted"`
	Action   signals.ActionKind `json:"action"`
	Symbol   string             `json:"symbol,omitempty"`
	Detail   string             `json:"detail"`
	TaskID   string             `json:"task_id,omitempty"`
	Kind     ErrorKind          `json:"error_kind,omitempty"`
}
