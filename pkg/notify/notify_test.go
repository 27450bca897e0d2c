package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/signalq/pkg/store"
	"github.com/guido-cesarano/signalq/pkg/tasks"
)

// webhookRecorder is a fake Discord endpoint.
type webhookRecorder struct {
	mu     sync.Mutex
	bodies []webhookBody
	status int
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var body webhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.bodies = append(w.bodies, body)
	status := w.status
	w.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	rw.WriteHeader(status)
}

func (w *webhookRecorder) received() []webhookBody {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]webhookBody(nil), w.bodies...)
}

func TestDiscordPostsEmbed(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDiscord(srv.URL, WithUsername("signalq"))
	at := time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)
	err := d.Notify(context.Background(), Event{
		Kind:   KindOrder,
		Title:  "Order placed: open_long MNQ",
		Fields: []Field{{Name: "Symbol", Value: "MNQ", Inline: true}},
		Time:   at,
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	got := rec.received()
	if len(got) != 1 || len(got[0].Embeds) != 1 {
		t.Fatalf("Expected one embed, got %+v", got)
	}
	e := got[0].Embeds[0]
	if got[0].Username != "signalq" {
		t.Errorf("Expected username signalq, got %q", got[0].Username)
	}
	if e.Title != "Order placed: open_long MNQ" || e.Color != ColorGreen {
		t.Errorf("Unexpected embed %+v", e)
	}
	if e.Timestamp != "2025-11-03T14:30:00Z" {
		t.Errorf("Unexpected timestamp %s", e.Timestamp)
	}
	if len(e.Fields) != 1 || e.Fields[0].Value != "MNQ" {
		t.Errorf("Unexpected fields %+v", e.Fields)
	}
}

func TestDiscordRejectsErrorStatus(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusTooManyRequests}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDiscord(srv.URL)
	if err := d.Notify(context.Background(), Event{Kind: KindSignal, Title: "x"}); err == nil {
		t.Error("Expected an error for status 429")
	}
}

func TestDiscordMinInterval(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	now := time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)
	d := NewDiscord(srv.URL, WithMinInterval(time.Second))
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if err := d.Notify(ctx, Event{Kind: KindOrder, Title: "first"}); err != nil {
		t.Fatalf("first Notify failed: %v", err)
	}
	if err := d.Notify(ctx, Event{Kind: KindClose, Title: "second"}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
	// errors are never dropped
	if err := d.Notify(ctx, Event{Kind: KindError, Title: "boom"}); err != nil {
		t.Errorf("Expected error event to bypass the limit, got %v", err)
	}

	now = now.Add(time.Second)
	if err := d.Notify(ctx, Event{Kind: KindOrder, Title: "third"}); err != nil {
		t.Errorf("Expected event after the interval to be sent, got %v", err)
	}
	if n := len(rec.received()); n != 3 {
		t.Errorf("Expected 3 posts, got %d", n)
	}
}

func TestDiscordSharedLimiter(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()
	client := store.NewClient(s.Addr())
	defer client.Close()

	d := NewDiscord(srv.URL, WithLimiter(client, "ratelimit:notify", 1, 2))
	sent := 0
	for i := 0; i < 4; i++ {
		if err := d.Notify(context.Background(), Event{Kind: KindSignal, Title: "tick"}); err == nil {
			sent++
		}
	}
	if sent != 2 {
		t.Errorf("Expected burst of 2, got %d", sent)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, int) (bool, error) {
	return false, errors.New("connection refused")
}

func TestDiscordLimiterFailsOpen(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := NewDiscord(srv.URL, WithLimiter(failingLimiter{}, "k", 1, 1))
	if err := d.Notify(context.Background(), Event{Kind: KindOrder, Title: "x"}); err != nil {
		t.Errorf("Expected limiter errors to allow the event, got %v", err)
	}
}

// recordingNotifier keeps events in memory.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestFailureSink(t *testing.T) {
	n := &recordingNotifier{}
	sink := NewFailureSink(n)
	task := tasks.Task{ID: "t1", Type: "signal.open_long", Priority: tasks.PriorityNormal, RetryCount: 2}

	if err := sink.Complete(context.Background(), task, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(n.events) != 0 {
		t.Fatalf("Expected no event for a completed task, got %d", len(n.events))
	}

	if err := sink.Fail(context.Background(), task, errors.New("broker down")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if len(n.events) != 1 {
		t.Fatalf("Expected one event, got %d", len(n.events))
	}
	e := n.events[0]
	if e.Kind != KindError || e.Description != "broker down" {
		t.Errorf("Unexpected event %+v", e)
	}
	if e.Fields[2].Value != "3" {
		t.Errorf("Expected 3 attempts, got %s", e.Fields[2].Value)
	}
}
