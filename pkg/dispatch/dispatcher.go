// Package dispatch turns classified signals into broker actions.
//
// HandleEvent classifies an inbound event and, when a scheduler is attached,
// submits the dispatch as a task whose priority follows the action: stop-outs
// and flattens run before partial exits, which run before new entries.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/signalq/pkg/broker"
	"github.com/guido-cesarano/signalq/pkg/debounce"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/notify"
	"github.com/guido-cesarano/signalq/pkg/queue"
	"github.com/guido-cesarano/signalq/pkg/signals"
	"github.com/guido-cesarano/signalq/pkg/tasks"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Submitter accepts dispatch work. *queue.Scheduler implements it.
type Submitter interface {
	Submit(op tasks.Operation, opts ...queue.SubmitOption) (string, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithScheduler makes HandleEvent asynchronous: dispatches and reconciliation
// passes are submitted as tasks instead of running inline.
func WithScheduler(s Submitter) Option {
	return func(d *Dispatcher) { d.sched = s }
}

// WithNotifier reports dispatch outcomes through n.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithClock replaces time.Now for stamping and debouncing.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher executes the trading action for each signal.
type Dispatcher struct {
	broker broker.Broker
	guard  debounce.Guard
	cfg    Config
	sched  Submitter
	now    func() time.Time
	tracer trace.Tracer
	log    zerolog.Logger

	notifier      notify.Notifier
	notifyTimeout time.Duration
}

// New creates a dispatcher over b. A nil guard disables debouncing.
func New(b broker.Broker, g debounce.Guard, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		broker: b,
		guard:  g,
		cfg:    cfg.normalized(),
		now:    time.Now,
		tracer: otel.Tracer("signalq/dispatch"),
		log:    logger.Component("dispatch"),

		notifyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration after defaults were applied.
func (d *Dispatcher) Config() Config { return d.cfg }

// priorityFor orders work so that exits that limit risk run first.
func priorityFor(a signals.ActionKind) tasks.Priority {
	switch {
	case a.IsCriticalExit(), a.IsFlatten():
		return tasks.PriorityCritical
	case a.IsOpen():
		return tasks.PriorityNormal
	}
	return tasks.PriorityHigh
}

// HandleEvent classifies one inbound event and dispatches it. With a scheduler
// attached the ack only says whether the work was queued.
func (d *Dispatcher) HandleEvent(ctx context.Context, title, description string, fields []signals.Field) (ack Ack) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("title", title).Msg("Event handler panicked")
			ack = Ack{Accepted: false, Action: signals.Unknown, Detail: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	sig := signals.Classify(title, description, fields)
	sig.ReceivedAt = d.now()

	if err := sig.Err(); err != nil {
		eventsReceived.WithLabelValues(string(sig.Action), "false").Inc()
		d.log.Warn().Str("title", title).Msg("Unactionable event")
		return Ack{Accepted: false, Action: sig.Action, Symbol: sig.Symbol, Detail: err.Error(), Kind: KindParse}
	}

	if d.sched == nil {
		res := d.Dispatch(ctx, sig)
		eventsReceived.WithLabelValues(string(sig.Action), "true").Inc()
		out := Ack{Accepted: true, Action: sig.Action, Symbol: sig.Symbol, Detail: res.Reason, Kind: res.Kind}
		if !res.Success {
			out.Detail = res.Error
		}
		return out
	}

	op := func(ctx context.Context) (any, error) {
		res := d.Dispatch(ctx, sig)
		if !res.Success {
			return res, res.Err()
		}
		return res, nil
	}
	id, err := d.sched.Submit(op,
		queue.WithPriority(priorityFor(sig.Action)),
		queue.WithType("signal."+string(sig.Action)),
		queue.WithMaxRetries(d.cfg.DispatchRetries),
		queue.WithTimeout(d.cfg.DispatchTimeout),
	)
	if err != nil {
		eventsReceived.WithLabelValues(string(sig.Action), "false").Inc()
		d.log.Error().Err(err).Str("action", string(sig.Action)).Str("symbol", sig.Symbol).Msg("Failed to submit signal")
		return Ack{Accepted: false, Action: sig.Action, Symbol: sig.Symbol, Detail: err.Error(), Kind: KindOf(err)}
	}

	eventsReceived.WithLabelValues(string(sig.Action), "true").Inc()
	return Ack{Accepted: true, Action: sig.Action, Symbol: sig.Symbol, Detail: "queued", TaskID: id}
}

// Dispatch executes the action of a classified signal. It never panics and
// never returns a result without either Success or an error kind.
func (d *Dispatcher) Dispatch(ctx context.Context, sig signals.Signal) (res Result) {
	ctx, span := d.tracer.Start(ctx, "dispatch."+string(sig.Action))
	defer span.End()
	span.SetAttributes(
		attribute.String("signal.action", string(sig.Action)),
		attribute.String("signal.symbol", sig.Symbol),
		attribute.String("signal.side", sig.Side.String()),
	)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("action", string(sig.Action)).Msg("Dispatch panicked")
			res = newResult(sig).fail(broker.Wrap("dispatch", fmt.Errorf("panic: %v", r)))
		}
		dispatchDuration.WithLabelValues(string(sig.Action)).Observe(time.Since(start).Seconds())
		dispatchResults.WithLabelValues(string(sig.Action), res.Outcome()).Inc()
		if res.Success {
			span.SetStatus(codes.Ok, res.Outcome())
		} else {
			span.SetStatus(codes.Error, res.Error)
		}
		d.logResult(res)
		d.sendNotification(ctx, sig, res)
	}()

	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = d.now()
	}
	res = newResult(sig)
	if err := sig.Err(); err != nil {
		return res.fail(err)
	}
	if d.cfg.IgnoreNonEntry && !sig.Action.IsEntry() && !sig.Action.IsCriticalExit() {
		return res.ignore("non-entry signal ignored")
	}

	switch sig.Action {
	case signals.OpenLong, signals.OpenShort:
		return d.open(ctx, sig, res)
	case signals.StopOutLong, signals.StopOutShort,
		signals.TP2HitLong, signals.TP2HitShort,
		signals.TP3HitLong, signals.TP3HitShort:
		return d.closeSide(ctx, sig, res)
	case signals.TP1HitLong, signals.TP1HitShort:
		if d.cfg.IgnoreTP1 {
			return res.ignore("TP1 handled by standing orders")
		}
		return d.trim(ctx, sig, res)
	case signals.TrimLong, signals.TrimShort, signals.TrimPosition:
		return d.trim(ctx, sig, res)
	case signals.CloseLong, signals.CloseShort,
		signals.ExitLong, signals.ExitShort,
		signals.SessionClose:
		return d.flatten(ctx, res)
	}
	return res.fail(fmt.Errorf("%w: unhandled action %s", signals.ErrUnclassified, sig.Action))
}

func (d *Dispatcher) logResult(res Result) {
	var ev *zerolog.Event
	switch {
	case !res.Success:
		ev = d.log.Error().Str("error_kind", string(res.Kind)).Str("error", res.Error)
	case res.Partial:
		ev = d.log.Warn()
	default:
		ev = d.log.Info()
	}
	ev.Str("action", string(res.Action)).
		Str("symbol", res.Symbol).
		Str("outcome", res.Outcome()).
		Str("reason", res.Reason).
		Int("orders", len(res.Orders)).
		Int("closed_positions", res.ClosedPositions).
		Int("cancelled_orders", res.CancelledOrders).
		Msg("Signal dispatched")
}
