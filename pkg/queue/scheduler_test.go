package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/signalq/pkg/tasks"
)

// recordingSink captures terminal outcomes for assertions.
type recordingSink struct {
	mu        sync.Mutex
	completed []tasks.Task
	failed    []tasks.Task
	errs      []error
	done      chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan string, 64)}
}

func (r *recordingSink) Complete(_ context.Context, task tasks.Task, _ any) error {
	r.mu.Lock()
	r.completed = append(r.completed, task)
	r.mu.Unlock()
	r.done <- task.ID
	return nil
}

func (r *recordingSink) Fail(_ context.Context, task tasks.Task, err error) error {
	r.mu.Lock()
	r.failed = append(r.failed, task)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.done <- task.ID
	return nil
}

func (r *recordingSink) wait(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-deadline:
			t.Fatalf("timed out waiting for %d terminal tasks, got %d", n, i)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		MaxConcurrent:     1,
		MaxQueueSize:      100,
		DefaultMaxRetries: 0,
		BackoffUnit:       10 * time.Millisecond,
	}
}

func TestPriorityOrdering(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(testConfig(), WithResultSink(sink))
	defer s.Stop(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) tasks.Operation {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// Submitted before Start so the heap decides the order.
	submissions := []struct {
		name     string
		priority tasks.Priority
	}{
		{"background", tasks.PriorityBackground},
		{"low", tasks.PriorityLow},
		{"normal-1", tasks.PriorityNormal},
		{"high", tasks.PriorityHigh},
		{"normal-2", tasks.PriorityNormal},
		{"critical", tasks.PriorityCritical},
	}
	for _, sub := range submissions {
		if _, err := s.Submit(record(sub.name), WithPriority(sub.priority)); err != nil {
			t.Fatalf("Submit %s failed: %v", sub.name, err)
		}
	}

	s.Start(1)
	sink.wait(t, len(submissions), 2*time.Second)

	want := []string{"critical", "high", "normal-1", "normal-2", "low", "background"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("Expected %d executions, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestRetryWithBackoff(t *testing.T) {
	sink := newRecordingSink()
	cfg := testConfig()
	cfg.BackoffUnit = 20 * time.Millisecond
	s := NewScheduler(cfg, WithResultSink(sink))
	s.Start(1)
	defer s.Stop(time.Second)

	var mu sync.Mutex
	var attempts []time.Time
	op := func(ctx context.Context) (any, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return nil, errors.New("broker unavailable")
	}

	id, err := s.Submit(op, WithMaxRetries(2), WithType("flaky"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sink.wait(t, 1, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(attempts))
	}
	for k := 1; k < len(attempts); k++ {
		gap := attempts[k].Sub(attempts[k-1])
		if wantGap := Backoff(cfg.BackoffUnit, k); gap < wantGap {
			t.Errorf("Retry %d: expected gap >= %s, got %s", k, wantGap, gap)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failed) != 1 || sink.failed[0].ID != id {
		t.Fatalf("Expected task %s in failed sink, got %+v", id, sink.failed)
	}
	if sink.failed[0].RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", sink.failed[0].RetryCount)
	}
	if sink.failed[0].Status != tasks.StatusFailed {
		t.Errorf("Expected status failed, got %s", sink.failed[0].Status)
	}

	stats := s.Stats()
	if stats.Failed != 1 || stats.Retried != 2 || stats.Completed != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(testConfig(), WithResultSink(sink))
	s.Start(1)
	defer s.Stop(time.Second)

	var mu sync.Mutex
	calls := 0
	op := func(ctx context.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}

	if _, err := s.Submit(op, WithMaxRetries(3)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sink.wait(t, 1, 2*time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.completed) != 1 {
		t.Fatalf("Expected 1 completed task, got %d", len(sink.completed))
	}
	if sink.completed[0].LastError != "" {
		t.Errorf("Expected last error to be cleared, got %q", sink.completed[0].LastError)
	}
}

func TestQueueFull(t *testing.T) {
	sink := newRecordingSink()
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	s := NewScheduler(cfg, WithResultSink(sink))
	defer s.Stop(time.Second)

	noop := func(ctx context.Context) (any, error) { return nil, nil }

	for i := 0; i < 2; i++ {
		if _, err := s.Submit(noop); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if _, err := s.Submit(noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}

	s.Start(1)
	sink.wait(t, 2, 2*time.Second)

	if _, err := s.Submit(noop); err != nil {
		t.Fatalf("Expected submit to succeed after drain, got %v", err)
	}
	sink.wait(t, 1, 2*time.Second)
}

func TestTimeout(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(testConfig(), WithResultSink(sink))
	s.Start(1)
	defer s.Stop(time.Second)

	op := func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if _, err := s.Submit(op, WithTimeout(20*time.Millisecond)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sink.wait(t, 1, 2*time.Second)

	sink.mu.Lock()
	err := sink.errs[0]
	sink.mu.Unlock()
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}

	stats := s.Stats()
	if stats.TimedOut != 1 || stats.Failed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestOperationIgnoringTimeout(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(testConfig(), WithResultSink(sink))
	s.Start(1)
	defer s.Stop(100 * time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	op := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}
	if _, err := s.Submit(op, WithTimeout(20*time.Millisecond)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sink.wait(t, 1, 2*time.Second)

	if s.Stats().TimedOut != 1 {
		t.Errorf("Expected the worker to give up on the attempt at its timeout")
	}
}

func TestTimedOutAttemptKeepsPermit(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(testConfig(), WithResultSink(sink)) // MaxConcurrent 1
	s.Start(2)
	defer s.Stop(time.Second)

	release := make(chan struct{})
	stuck := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}
	var secondStarted atomic.Bool
	second := func(ctx context.Context) (any, error) {
		secondStarted.Store(true)
		return nil, nil
	}

	if _, err := s.Submit(stuck, WithTimeout(20*time.Millisecond)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sink.wait(t, 1, 2*time.Second)
	if _, err := s.Submit(second); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if secondStarted.Load() {
		t.Fatal("Second task ran while the timed-out operation still held the only permit")
	}

	close(release)
	sink.wait(t, 1, 2*time.Second)
	if !secondStarted.Load() {
		t.Error("Expected second task to run once the permit was released")
	}
}

func TestRetryWaitsForTimedOutAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	sink := newRecordingSink()
	s := NewScheduler(cfg, WithResultSink(sink))
	s.Start(2)
	defer s.Stop(time.Second)

	release := make(chan struct{})
	var attempts, running, overlap atomic.Int32
	op := func(ctx context.Context) (any, error) {
		if running.Add(1) > 1 {
			overlap.Store(1)
		}
		defer running.Add(-1)
		if attempts.Add(1) == 1 {
			<-release
			return nil, errors.New("too late")
		}
		return "ok", nil
	}

	if _, err := s.Submit(op, WithTimeout(20*time.Millisecond), WithMaxRetries(1)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// backoff is 20ms; the retry must still wait for the first attempt
	time.Sleep(150 * time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("Expected the retry to wait for the abandoned attempt, got %d attempts", got)
	}

	close(release)
	sink.wait(t, 1, 2*time.Second)
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
	if overlap.Load() != 0 {
		t.Error("Retry overlapped the abandoned attempt")
	}
	if s.Stats().Completed != 1 {
		t.Errorf("Expected the retry to complete, stats %+v", s.Stats())
	}
}

func TestCancel(t *testing.T) {
	s := NewScheduler(testConfig())
	s.Start(1)
	defer s.Stop(time.Second)

	started := make(chan struct{})
	op := func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	id, err := s.Submit(op, WithMaxRetries(3))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	<-started
	if s.Cancel("missing") {
		t.Error("Expected Cancel of unknown task to return false")
	}
	if !s.Cancel(id) {
		t.Fatal("Expected Cancel of running task to return true")
	}

	waitFor(t, time.Second, func() bool { return s.Stats().Cancelled == 1 })
	if st := s.Stats(); st.Retried != 0 || st.Failed != 0 {
		t.Errorf("Cancelled task must not be retried or failed: %+v", st)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	s := NewScheduler(cfg)

	op := func(ctx context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}
	for i := 0; i < 4; i++ {
		if _, err := s.Submit(op); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	s.Start(2)

	if err := s.Stop(2 * time.Second); err != nil {
		t.Fatalf("Expected clean drain, got %v", err)
	}
	if got := s.Stats().Completed; got != 4 {
		t.Errorf("Expected 4 completed tasks, got %d", got)
	}
	if _, err := s.Submit(op); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after Stop, got %v", err)
	}
}

func TestStopTimeoutCancelsRunning(t *testing.T) {
	s := NewScheduler(testConfig())
	s.Start(1)

	started := make(chan struct{})
	op := func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if _, err := s.Submit(op, WithMaxRetries(3)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	if err := s.Stop(30 * time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
	st := s.Stats()
	if st.Cancelled != 1 || st.Retried != 0 {
		t.Errorf("Unexpected stats after forced stop: %+v", st)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := NewScheduler(testConfig())
	s.Start(2)
	s.Start(4)
	defer s.Stop(time.Second)

	if got := s.Stats().Workers; got != 2 {
		t.Errorf("Expected 2 workers, got %d", got)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(testConfig(), WithResultSink(sink))
	s.Start(1)
	defer s.Stop(time.Second)

	op := func(ctx context.Context) (any, error) { panic("boom") }
	if _, err := s.Submit(op); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sink.wait(t, 1, time.Second)

	if got := s.Stats().Failed; got != 1 {
		t.Errorf("Expected 1 failed task, got %d", got)
	}
}

func TestSubmitHelpersSetPriorityAndTimeout(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(testConfig(), WithResultSink(sink))
	defer s.Stop(time.Second)

	noop := func(ctx context.Context) (any, error) { return nil, nil }
	if _, err := s.SubmitBackground(noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubmitCritical(noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubmitLow(noop, WithTimeout(time.Second)); err != nil {
		t.Fatal(err)
	}

	s.Start(1)
	sink.wait(t, 3, time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	first := sink.completed[0]
	if first.Priority != tasks.PriorityCritical || first.Timeout != 30*time.Second {
		t.Errorf("Expected critical task with 30s timeout first, got %s/%s", first.Priority, first.Timeout)
	}
	if sink.completed[1].Timeout != time.Second {
		t.Errorf("Expected overridden timeout of 1s, got %s", sink.completed[1].Timeout)
	}
	if sink.completed[2].Timeout != 0 {
		t.Errorf("Expected background task without timeout, got %s", sink.completed[2].Timeout)
	}
}

func TestInvalidSubmission(t *testing.T) {
	s := NewScheduler(testConfig())
	defer s.Stop(time.Second)

	if _, err := s.Submit(nil); err == nil {
		t.Error("Expected error for nil operation")
	}
	noop := func(ctx context.Context) (any, error) { return nil, nil }
	if _, err := s.Submit(noop, WithPriority(tasks.Priority(7))); err == nil {
		t.Error("Expected error for invalid priority")
	}
}

func TestSchedule(t *testing.T) {
	s := NewScheduler(testConfig())

	ran := make(chan struct{}, 4)
	op := func(ctx context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}
	if _, err := s.Schedule("@every 1s", op, WithType("cron")); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, err := s.Schedule("*/5 * * * *", op); err != nil {
		t.Errorf("Expected five-field spec to be accepted: %v", err)
	}
	if _, err := s.Schedule("*/10 * * * * *", op); err != nil {
		t.Errorf("Expected six-field spec to be accepted: %v", err)
	}
	if _, err := s.Schedule("not a spec", op); err == nil {
		t.Error("Expected error for invalid cron spec")
	}

	s.Start(1)
	defer s.Stop(time.Second)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected scheduled task to run")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}
