// Package queue provides the in-process priority scheduler that executes signal work.
// It supports:
//   - Priority ordering (CRITICAL before BACKGROUND)
//   - A bounded queue that rejects submissions when full
//   - A worker pool decoupled from a global concurrency limit
//   - Per-task timeouts and exponential backoff retry
//   - Graceful shutdown with a bounded drain
//   - Cron-driven periodic submissions
//
// The Scheduler type is the main entry point.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/tasks"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrStopped is returned by Submit once shutdown has begun. It is also the
	// cancellation cause seen by tasks still running when the drain expires.
	ErrStopped = errors.New("scheduler stopped")
	// ErrTimeout is the failure recorded when an attempt exceeds its timeout.
	ErrTimeout = errors.New("task timed out")
	// ErrCancelled is the cancellation cause for tasks cancelled through Cancel.
	ErrCancelled = errors.New("task cancelled")
)

// DefaultWorkers is used when Start is called with a non-positive worker count.
const DefaultWorkers = 5

// CronParser parses the specs accepted by Schedule: five fields, an optional
// leading seconds field, or a descriptor such as "@every 30s".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config controls queue capacity, concurrency and retry timing.
//
// A permit is held until the operation returns, even after its attempt timed out,
// so MaxConcurrent also bounds operations that ignore their context. The retry of
// a timed-out attempt is not queued before that attempt has returned.
type Config struct {
	MaxConcurrent     int           // simultaneous executions (default: 10)
	MaxQueueSize      int           // queued tasks accepted by Submit (default: 1000)
	DefaultMaxRetries int           // retry budget when none is given (default: 3)
	BackoffUnit       time.Duration // retry k waits BackoffUnit * 2^k (default: 1s)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     10,
		MaxQueueSize:      1000,
		DefaultMaxRetries: tasks.DefaultMaxRetries,
		BackoffUnit:       time.Second,
	}
}

// ResultSink receives terminal outcomes. Implementations must be safe for concurrent use.
type ResultSink interface {
	Complete(ctx context.Context, task tasks.Task, result any) error
	Fail(ctx context.Context, task tasks.Task, err error) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResultSink records completed and permanently failed tasks in sink.
// Sinks added by repeated options are called in order.
func WithResultSink(sink ResultSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateStopped
)

// Scheduler executes submitted tasks by ascending priority.
//
// Queue, active registry and lifecycle state are guarded by mu. Workers block on cond
// while the queue is empty and on the permits channel while MaxConcurrent tasks run.
type Scheduler struct {
	cfg  Config
	sinks []ResultSink
	log  zerolog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	pending     taskHeap
	seq         uint64
	active      map[string]context.CancelCauseFunc
	outstanding int // queued + running + waiting out a backoff
	drained     chan struct{}
	state       state
	workerCount int

	permits chan struct{}
	ctx     context.Context
	cancel  context.CancelCauseFunc
	workers sync.WaitGroup
	timers  sync.WaitGroup
	cron    *cron.Cron

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	cancelled atomic.Int64
	retried   atomic.Int64
}

// NewScheduler creates a scheduler. Workers are not started until Start is called,
// but tasks may be submitted beforehand.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = def.BackoffUnit
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		log:     logger.Component("scheduler"),
		active:  make(map[string]context.CancelCauseFunc),
		permits: make(chan struct{}, cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
		cron:    cron.New(cron.WithParser(CronParser)),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	s.log.Info().
		Int("max_concurrent", cfg.MaxConcurrent).
		Int("max_queue_size", cfg.MaxQueueSize).
		Msg("Priority scheduler initialized")
	return s
}

// Submit queues op for execution and returns the task ID.
//
// The submitter never sees the outcome directly: completion is observed through
// the ResultSink, metrics, or side effects of op itself. Retries are automatic.
func (s *Scheduler) Submit(op tasks.Operation, opts ...SubmitOption) (string, error) {
	if op == nil {
		return "", errors.New("nil operation")
	}

	o := submitOptions{
		priority:   tasks.PriorityNormal,
		maxRetries: s.cfg.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		return "", fmt.Errorf("invalid priority %d", int(o.priority))
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}
	if o.taskType == "" {
		o.taskType = "generic"
	}

	task := &tasks.Task{
		ID:         o.id,
		Type:       o.taskType,
		Priority:   o.priority,
		Timeout:    o.timeout,
		MaxRetries: o.maxRetries,
		CreatedAt:  time.Now(),
		Status:     tasks.StatusPending,
		Operation:  op,
	}

	s.mu.Lock()
	if s.state >= stateStopping {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.pending.Len() >= s.cfg.MaxQueueSize {
		size := s.pending.Len()
		s.mu.Unlock()
		tasksRejected.Inc()
		s.log.Error().Str("task_id", task.ID).Int("queue_size", size).Msg("Queue full, cannot submit task")
		return "", fmt.Errorf("%w: cannot submit task %s", ErrQueueFull, task.ID)
	}
	s.outstanding++
	s.pushLocked(task)
	size := s.pending.Len()
	s.mu.Unlock()

	s.submitted.Add(1)
	tasksSubmitted.WithLabelValues(task.Priority.String()).Inc()
	s.log.Debug().
		Str("task_id", task.ID).
		Str("type", task.Type).
		Str("priority", task.Priority.String()).
		Int("queue_size", size).
		Msg("Task submitted")
	return task.ID, nil
}

// SubmitCritical submits a CRITICAL task (30s timeout unless overridden).
func (s *Scheduler) SubmitCritical(op tasks.Operation, opts ...SubmitOption) (string, error) {
	return s.Submit(op, prepend(opts, WithPriority(tasks.PriorityCritical), WithTimeout(30*time.Second))...)
}

// SubmitHigh submits a HIGH task (60s timeout unless overridden).
func (s *Scheduler) SubmitHigh(op tasks.Operation, opts ...SubmitOption) (string, error) {
	return s.Submit(op, prepend(opts, WithPriority(tasks.PriorityHigh), WithTimeout(60*time.Second))...)
}

// SubmitNormal submits a NORMAL task (120s timeout unless overridden).
func (s *Scheduler) SubmitNormal(op tasks.Operation, opts ...SubmitOption) (string, error) {
	return s.Submit(op, prepend(opts, WithPriority(tasks.PriorityNormal), WithTimeout(120*time.Second))...)
}

// SubmitLow submits a LOW task (300s timeout unless overridden).
func (s *Scheduler) SubmitLow(op tasks.Operation, opts ...SubmitOption) (string, error) {
	return s.Submit(op, prepend(opts, WithPriority(tasks.PriorityLow), WithTimeout(300*time.Second))...)
}

// SubmitBackground submits a BACKGROUND task with no timeout.
func (s *Scheduler) SubmitBackground(op tasks.Operation, opts ...SubmitOption) (string, error) {
	return s.Submit(op, prepend(opts, WithPriority(tasks.PriorityBackground), WithTimeout(0))...)
}

// Schedule registers a cron entry that submits a fresh task built from op on every tick.
// Each run gets its own generated ID. Entries start firing once the scheduler is started.
func (s *Scheduler) Schedule(spec string, op tasks.Operation, opts ...SubmitOption) (cron.EntryID, error) {
	opts = append(opts[:len(opts):len(opts)], WithID(""))
	return s.cron.AddFunc(spec, func() {
		if _, err := s.Submit(op, opts...); err != nil {
			s.log.Error().Err(err).Str("spec", spec).Msg("Failed to submit scheduled task")
		}
	})
}

// Start spawns the worker goroutines. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(workers int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		s.log.Warn().Msg("Scheduler already running")
		return
	case stateStopping, stateStopped:
		s.log.Warn().Msg("Scheduler has been stopped and cannot be restarted")
		return
	}

	if workers <= 0 {
		workers = DefaultWorkers
	}
	s.state = stateRunning
	s.workerCount = workers
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	s.cron.Start()

	s.log.Info().Int("workers", workers).Msg("Scheduler started")
}

// Stop stops accepting tasks, waits up to drainTimeout for queued, running and
// backing-off tasks to finish, then cancels whatever is left. Cancelled tasks are
// never retried. It returns context.DeadlineExceeded if the drain timed out.
func (s *Scheduler) Stop(drainTimeout time.Duration) error {
	s.mu.Lock()
	if s.state >= stateStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopping
	var drained chan struct{}
	if s.outstanding > 0 {
		s.drained = make(chan struct{})
		drained = s.drained
	}
	s.mu.Unlock()

	s.log.Info().Msg("Stopping scheduler...")
	<-s.cron.Stop().Done()

	var err error
	if drained != nil {
		timer := time.NewTimer(drainTimeout)
		select {
		case <-drained:
			s.log.Info().Msg("All queued tasks completed")
		case <-timer.C:
			err = context.DeadlineExceeded
			s.mu.Lock()
			remaining := s.outstanding
			s.mu.Unlock()
			s.log.Warn().Int("remaining", remaining).Dur("timeout", drainTimeout).Msg("Timeout waiting for tasks")
		}
		timer.Stop()
	}

	s.mu.Lock()
	s.state = stateStopped
	for id := range s.active {
		s.log.Warn().Str("task_id", id).Msg("Cancelling active task")
	}
	s.cancel(ErrStopped)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.workers.Wait()
	s.timers.Wait()

	s.mu.Lock()
	for s.pending.Len() > 0 {
		t := heap.Pop(&s.pending).(*entry).task
		s.markCancelledLocked(t)
	}
	s.mu.Unlock()

	s.log.Info().Msg("Scheduler stopped")
	return err
}

// Cancel cancels a running task. It returns false if the task is not executing.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.log.Info().Str("task_id", taskID).Msg("Cancelling active task")
	cancel(ErrCancelled)
	return true
}

// worker pulls tasks until shutdown.
func (s *Scheduler) worker(id int) {
	defer s.workers.Done()
	s.log.Debug().Int("worker", id).Msg("Worker started")

	for {
		task, ok := s.dequeue()
		if !ok {
			s.log.Debug().Int("worker", id).Msg("Worker stopped")
			return
		}

		select {
		case s.permits <- struct{}{}:
		case <-s.ctx.Done():
			s.mu.Lock()
			s.markCancelledLocked(task)
			s.mu.Unlock()
			return
		}

		s.releasePermit(s.execute(task))
	}
}

// releasePermit frees the worker's permit once returned is closed.
func (s *Scheduler) releasePermit(returned <-chan struct{}) {
	select {
	case <-returned:
		<-s.permits
	default:
		go func() {
			<-returned
			<-s.permits
		}()
	}
}

// dequeue blocks until a task is available or the scheduler is cancelled.
func (s *Scheduler) dequeue() (*tasks.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pending.Len() == 0 && s.ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.ctx.Err() != nil {
		return nil, false
	}
	e := heap.Pop(&s.pending).(*entry)
	queueDepth.Set(float64(s.pending.Len()))
	return e.task, true
}

// execute runs one attempt of task and applies the retry policy. The returned
// channel is closed once the operation has actually returned.
func (s *Scheduler) execute(task *tasks.Task) <-chan struct{} {
	ctx, cancel := context.WithCancelCause(s.ctx)
	runCtx := ctx
	if task.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(ctx, task.Timeout, fmt.Errorf("%w after %s", ErrTimeout, task.Timeout))
		defer stop()
	}

	s.mu.Lock()
	s.active[task.ID] = cancel
	task.Status = tasks.StatusRunning
	s.mu.Unlock()
	activeTasks.Inc()

	start := time.Now()
	if task.RetryCount == 0 {
		queueLatency.WithLabelValues(task.Type).Observe(start.Sub(task.CreatedAt).Seconds())
	}
	s.log.Debug().
		Str("task_id", task.ID).
		Str("priority", task.Priority.String()).
		Int("retry_count", task.RetryCount).
		Msg("Executing task")

	result, returned, err := run(runCtx, task)
	taskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())
	cancel(nil)

	s.mu.Lock()
	delete(s.active, task.ID)
	s.mu.Unlock()
	activeTasks.Dec()

	switch {
	case err == nil:
		s.finishCompleted(task, result)
	case errors.Is(err, ErrCancelled) || errors.Is(err, ErrStopped):
		s.log.Info().Str("task_id", task.ID).Msg("Task cancelled")
		s.mu.Lock()
		s.markCancelledLocked(task)
		s.mu.Unlock()
	default:
		if errors.Is(err, ErrTimeout) {
			s.timedOut.Add(1)
			tasksProcessed.WithLabelValues("timeout", task.Type).Inc()
			s.log.Warn().Str("task_id", task.ID).Dur("timeout", task.Timeout).Msg("Task timeout")
		} else {
			s.log.Error().Err(err).Str("task_id", task.ID).Msg("Task error")
		}
		s.retryOrFail(task, err, returned)
	}
	return returned
}

// run executes the operation, returning early when its context ends even if the
// operation ignores cancellation. Panics are converted to errors. The returned
// channel is closed when the operation goroutine exits.
func run(ctx context.Context, task *tasks.Task) (any, <-chan struct{}, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task %s panicked: %v", task.ID, r)}
			}
		}()
		v, err := task.Operation(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			return nil, returned, context.Cause(ctx)
		}
		return o.value, returned, o.err
	case <-ctx.Done():
		return nil, returned, context.Cause(ctx)
	}
}

func (s *Scheduler) finishCompleted(task *tasks.Task, result any) {
	task.Status = tasks.StatusCompleted
	task.LastError = ""
	s.completed.Add(1)
	tasksProcessed.WithLabelValues("success", task.Type).Inc()
	s.log.Debug().Str("task_id", task.ID).Msg("Task completed")

	for _, sink := range s.sinks {
		if err := sink.Complete(context.Background(), *task, result); err != nil {
			s.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to record task result")
		}
	}

	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// retryOrFail re-enqueues task after BackoffUnit * 2^retry, or fails it permanently
// once the retry budget is spent. A retry is not queued before returned is closed.
func (s *Scheduler) retryOrFail(task *tasks.Task, err error, returned <-chan struct{}) {
	task.LastError = err.Error()

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = tasks.StatusRetrying
		delay := Backoff(s.cfg.BackoffUnit, task.RetryCount)
		s.retried.Add(1)
		tasksProcessed.WithLabelValues("retry", task.Type).Inc()
		s.log.Info().
			Str("task_id", task.ID).
			Dur("backoff", delay).
			Int("retry_count", task.RetryCount).
			Int("max_retries", task.MaxRetries).
			Msg("Retrying task")

		s.timers.Add(1)
		go s.requeueAfter(task, delay, returned)
		return
	}

	task.Status = tasks.StatusFailed
	s.failed.Add(1)
	tasksProcessed.WithLabelValues("failed", task.Type).Inc()
	s.log.Error().
		Str("task_id", task.ID).
		Int("max_retries", task.MaxRetries).
		Str("last_error", task.LastError).
		Msg("Task failed permanently")

	for _, sink := range s.sinks {
		if sinkErr := sink.Fail(context.Background(), *task, err); sinkErr != nil {
			s.log.Error().Err(sinkErr).Str("task_id", task.ID).Msg("Failed to record failed task")
		}
	}

	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// requeueAfter puts task back at the tail of its priority tier once delay has passed
// and the previous attempt has returned.
// Re-enqueue ignores MaxQueueSize: the work was accepted at submit time.
func (s *Scheduler) requeueAfter(task *tasks.Task, delay time.Duration, returned <-chan struct{}) {
	defer s.timers.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.ctx.Done():
		s.mu.Lock()
		s.markCancelledLocked(task)
		s.mu.Unlock()
		return
	}

	select {
	case <-returned:
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.markCancelledLocked(task)
		} else {
			s.pushLocked(task)
		}
		s.mu.Unlock()
	case <-s.ctx.Done():
		s.mu.Lock()
		s.markCancelledLocked(task)
		s.mu.Unlock()
	}
}

func (s *Scheduler) pushLocked(task *tasks.Task) {
	s.seq++
	if task.Status != tasks.StatusPending {
		task.Status = tasks.StatusPending
	}
	heap.Push(&s.pending, &entry{task: task, seq: s.seq})
	queueDepth.Set(float64(s.pending.Len()))
	s.cond.Signal()
}

func (s *Scheduler) markCancelledLocked(task *tasks.Task) {
	task.Status = tasks.StatusCancelled
	s.cancelled.Add(1)
	tasksProcessed.WithLabelValues("cancelled", task.Type).Inc()
	s.releaseLocked()
}

// releaseLocked marks one unit of outstanding work as finished.
func (s *Scheduler) releaseLocked() {
	s.outstanding--
	if s.outstanding <= 0 && s.drained != nil {
		s.outstanding = 0
		close(s.drained)
		s.drained = nil
	}
}

// Backoff returns the delay before the given retry: unit * 2^retry.
func Backoff(unit time.Duration, retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 30 {
		retry = 30
	}
	return time.Duration(1<<retry) * unit
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	QueueSize     int     `json:"queue_size"`
	ActiveTasks   int     `json:"active_tasks"`
	MaxConcurrent int     `json:"max_concurrent"`
	Workers       int     `json:"workers"`
	Submitted     int64   `json:"tasks_submitted"`
	Completed     int64   `json:"tasks_completed"`
	Failed        int64   `json:"tasks_failed"`
	TimedOut      int64   `json:"tasks_timeout"`
	Cancelled     int64   `json:"tasks_cancelled"`
	Retried       int64   `json:"tasks_retried"`
	SuccessRate   float64 `json:"success_rate"`
}

// Stats returns the current queue statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		QueueSize:     s.pending.Len(),
		ActiveTasks:   len(s.active),
		MaxConcurrent: s.cfg.MaxConcurrent,
		Workers:       s.workerCount,
	}
	s.mu.Unlock()

	st.Submitted = s.submitted.Load()
	st.Completed = s.completed.Load()
	st.Failed = s.failed.Load()
	st.TimedOut = s.timedOut.Load()
	st.Cancelled = s.cancelled.Load()
	st.Retried = s.retried.Load()
	if st.Submitted > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Submitted) * 100
	}
	return st
}

// LogStats writes the statistics at info level.
func (s *Scheduler) LogStats() {
	st := s.Stats()
	s.log.Info().
		Int("queue_size", st.QueueSize).
		Int("active_tasks", st.ActiveTasks).
		Int("max_concurrent", st.MaxConcurrent).
		Int("workers", st.Workers).
		Int64("submitted", st.Submitted).
		Int64("completed", st.Completed).
		Int64("failed", st.Failed).
		Int64("timeout", st.TimedOut).
		Int64("cancelled", st.Cancelled).
		Str("success_rate", fmt.Sprintf("%.1f%%", st.SuccessRate)).
		Msg("Task queue statistics")
}
