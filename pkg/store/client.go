// Package store provides the Redis-backed persistence used around the scheduler.
// It supports:
//   - Task results with a 24-hour TTL
//   - A bounded history of completed tasks
//   - A Dead Letter Queue (DLQ) for permanently failed tasks
//   - A token bucket rate limiter implemented in Lua
//   - Atomic debounce window claims implemented in Lua
//
// The Client type is the main entry point. It satisfies queue.ResultSink.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/signalq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

const (
	completedKey  = "completed_queue"
	deadLetterKey = "dead_letter_queue"

	resultTTL      = 24 * time.Hour
	completedLimit = 100
	deadLetterCap  = 1000
)

// ErrNotFound is returned by GetResult when no result is stored for the task.
var ErrNotFound = errors.New("result not found")

// Client manages the connection to Redis.
// All operations are context-aware and support graceful cancellation.
//
// Key Layout:
//   - result:{id}: JSON Record for a finished task (24h TTL)
//   - completed_queue: last 100 completed tasks
//   - dead_letter_queue: tasks that have exceeded max retry attempts
//   - ratelimit:{name}: token bucket state
//   - debounce:{symbol}:{side}: last accepted open, expiring with the window
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new store client connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
func NewClient(addr string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Client{rdb: rdb}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Record is what gets stored for a finished task.
type Record struct {
	Task       tasks.Task `json:"task"`
	Status     string     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// DeadLetter is a permanently failed task together with its final error.
type DeadLetter struct {
	Task     tasks.Task `json:"task"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failed_at"`
}

// Complete stores the result of a successful task and appends it to the completed history,
// keeping the last 100 entries.
func (c *Client) Complete(ctx context.Context, task tasks.Task, result any) error {
	rec := Record{
		Task:       task,
		Status:     string(tasks.StatusCompleted),
		Result:     result,
		FinishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal result for task %s: %w", task.ID, err)
	}
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, resultKey(task.ID), data, resultTTL)
	pipe.RPush(ctx, completedKey, taskData)
	pipe.LTrim(ctx, completedKey, -completedLimit, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail moves a permanently failed task to the Dead Letter Queue and stores a failed Record.
//
// The operation is atomic via Redis pipelining. Tasks in the DLQ can be inspected
// through DeadLetters for debugging.
func (c *Client) Fail(ctx context.Context, task tasks.Task, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now().UTC()

	letter, err := json.Marshal(DeadLetter{Task: task, Error: msg, FailedAt: now})
	if err != nil {
		return fmt.Errorf("marshal dead letter for task %s: %w", task.ID, err)
	}
	rec, err := json.Marshal(Record{Task: task, Status: string(tasks.StatusFailed), Error: msg, FinishedAt: now})
	if err != nil {
		return fmt.Errorf("marshal result for task %s: %w", task.ID, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, deadLetterKey, letter)
	pipe.LTrim(ctx, deadLetterKey, -deadLetterCap, -1)
	pipe.Set(ctx, resultKey(task.ID), rec, resultTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// SetResult stores an arbitrary value under the task's result key with a 24-hour TTL.
func (c *Client) SetResult(ctx context.Context, taskID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, resultKey(taskID), data, resultTTL).Err()
}

// GetResult retrieves the stored result for a task as raw JSON.
// Returns ErrNotFound if nothing is stored.
func (c *Client) GetResult(ctx context.Context, taskID string) (string, error) {
	res, err := c.rdb.Get(ctx, resultKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return res, err
}

// DeadLetters returns up to limit of the most recent dead letters, newest last.
func (c *Client) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	raw, err := c.rdb.LRange(ctx, deadLetterKey, -limit, -1).Result()
	if err != nil {
		return nil, err
	}

	letters := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			// Skip malformed entries for inspection purposes
			continue
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Completed returns up to limit of the most recently completed tasks, newest last.
func (c *Client) Completed(ctx context.Context, limit int64) ([]tasks.Task, error) {
	raw, err := c.rdb.LRange(ctx, completedKey, -limit, -1).Result()
	if err != nil {
		return nil, err
	}

	var list []tasks.Task
	for _, r := range raw {
		var t tasks.Task
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			continue
		}
		list = append(list, t)
	}
	return list, nil
}

// Depths returns the current length of the history lists.
func (c *Client) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, key := range []string{completedKey, deadLetterKey} {
		if n, err := c.rdb.LLen(ctx, key).Result(); err == nil {
			depths[key] = n
		}
	}
	return depths
}

func resultKey(taskID string) string {
	return fmt.Sprintf("result:%s", taskID)
}
