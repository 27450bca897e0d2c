// Package debounce suppresses repeated open signals for the same symbol and side
// within a fixed window.
package debounce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/market"
	"github.com/rs/zerolog"
)

// DefaultWindow is the configured suppression window unless overridden.
const DefaultWindow = 300 * time.Second

// Guard decides whether an open may proceed. Allow checks and records in one step:
// when it returns true, now becomes the last accepted time for (symbol, side).
type Guard interface {
	Allow(symbol string, side market.Side, now time.Time) bool
}

func key(symbol string, side market.Side) string {
	return fmt.Sprintf("%s:%s", strings.ToUpper(symbol), side)
}

// Memory is an in-process Guard.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
}

// NewMemory creates an in-memory guard. A non-positive window never suppresses.
func NewMemory(window time.Duration) *Memory {
	if window < 0 {
		window = 0
	}
	return &Memory{
		window:  window,
		entries: make(map[string]time.Time),
	}
}

// Allow implements Guard.
func (m *Memory) Allow(symbol string, side market.Side, now time.Time) bool {
	if m.window == 0 {
		return true
	}
	k := key(symbol, side)

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.entries[k]; ok && now.Sub(last) < m.window {
		return false
	}
	m.entries[k] = now
	return true
}

// Prune drops entries whose window has elapsed and returns how many were removed.
func (m *Memory) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, last := range m.entries {
		if now.Sub(last) >= m.window {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Window returns the configured suppression window.
func (m *Memory) Window() time.Duration { return m.window }

// Claimer performs the atomic check-and-record against shared storage.
// store.Client implements it.
type Claimer interface {
	ClaimWindow(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
}

// Redis is a Guard shared by every process using the same Redis.
// Storage errors fail open: the open is allowed and a warning is logged.
type Redis struct {
	claimer Claimer
	window  time.Duration
	timeout time.Duration
	log     zerolog.Logger
}

// NewRedis creates a guard backed by c. A non-positive window never suppresses
// and never touches Redis.
func NewRedis(c Claimer, window time.Duration) *Redis {
	if window < 0 {
		window = 0
	}
	return &Redis{
		claimer: c,
		window:  window,
		timeout: 2 * time.Second,
		log:     logger.Component("debounce"),
	}
}

// Allow implements Guard.
func (r *Redis) Allow(symbol string, side market.Side, now time.Time) bool {
	if r.window == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ok, err := r.claimer.ClaimWindow(ctx, "debounce:"+key(symbol, side), now, r.window)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", symbol).Str("side", side.String()).Msg("Debounce check failed, allowing signal")
		return true
	}
	return ok
}
