// Package notify posts trading notifications to a chat webhook.
//
// Notifications are best effort: a slow or failing webhook is logged by the
// caller and never changes the outcome of the action being reported.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/rs/zerolog"
)

// ErrRateLimited is returned when a notification was dropped by the rate limit.
var ErrRateLimited = errors.New("notification rate limited")

// Kind selects the embed colour and whether the rate limit applies.
type Kind string

const (
	KindSignal Kind = "signal"
	KindOrder  Kind = "order"
	KindClose  Kind = "close"
	KindError  Kind = "error"
)

// Embed colours.
const (
	ColorBlue   = 3447003
	ColorGreen  = 3066993
	ColorRed    = 15158332
	ColorYellow = 16776960
)

// Field is one name/value pair of the embed.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Event is one notification.
type Event struct {
	Kind        Kind
	Title       string
	Description string
	Color       int // zero picks the colour of Kind
	Fields      []Field
	Time        time.Time
}

func (e Event) color() int {
	if e.Color != 0 {
		return e.Color
	}
	switch e.Kind {
	case KindOrder:
		return ColorGreen
	case KindClose, KindError:
		return ColorRed
	}
	return ColorBlue
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Limiter is a token bucket shared across processes. store.Client implements it.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, burst int) (bool, error)
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

type webhookBody struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

// Option configures a Discord notifier.
type Option func(*Discord)

// WithLimiter rate limits through a shared token bucket of rate events/sec.
func WithLimiter(l Limiter, key string, rate, burst int) Option {
	return func(d *Discord) {
		d.limiter = l
		d.key = key
		d.rate = rate
		d.burst = burst
	}
}

// WithMinInterval sets the spacing enforced in-process when no Limiter is set.
func WithMinInterval(interval time.Duration) Option {
	return func(d *Discord) { d.minInterval = interval }
}

// WithHTTPClient replaces the default client (5s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Discord) { d.client = c }
}

// WithUsername overrides the webhook's display name.
func WithUsername(name string) Option {
	return func(d *Discord) { d.username = name }
}

// Discord posts events as embeds to a Discord webhook.
// Error events bypass the rate limit.
type Discord struct {
	url      string
	username string
	client   *http.Client
	log      zerolog.Logger

	limiter Limiter
	key     string
	rate    int
	burst   int

	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	now         func() time.Time
}

var _ Notifier = (*Discord)(nil)

// NewDiscord creates a notifier for the webhook at url.
func NewDiscord(url string, opts ...Option) *Discord {
	d := &Discord{
		url:         url,
		client:      &http.Client{Timeout: 5 * time.Second},
		log:         logger.Component("notify"),
		minInterval: 500 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rate <= 0 {
		d.rate = 1
	}
	if d.burst <= 0 {
		d.burst = d.rate
	}
	return d
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, e Event) error {
	if e.Kind != KindError && !d.allow(ctx) {
		d.log.Warn().Str("kind", string(e.Kind)).Str("title", e.Title).Msg("Notification rate limited, skipping")
		return ErrRateLimited
	}
	if e.Time.IsZero() {
		e.Time = d.now()
	}

	body, err := json.Marshal(webhookBody{
		Username: d.username,
		Embeds: []embed{{
			Title:       e.Title,
			Description: e.Description,
			Color:       e.color(),
			Fields:      e.Fields,
			Timestamp:   e.Time.UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post notification: unexpected status %d", resp.StatusCode)
	}
	d.log.Debug().Str("kind", string(e.Kind)).Str("title", e.Title).Msg("Notification sent")
	return nil
}

// allow applies the shared bucket, or the in-process spacing without one.
// Limiter errors allow the event.
func (d *Discord) allow(ctx context.Context) bool {
	if d.limiter != nil {
		ok, err := d.limiter.Allow(ctx, d.key, d.rate, d.burst)
		if err != nil {
			d.log.Warn().Err(err).Msg("Notification limiter unavailable, sending")
			return true
		}
		return ok
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.minInterval {
		return false
	}
	d.last = now
	return true
}
