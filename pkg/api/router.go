// Package api exposes the HTTP surface of the service.
//
// Endpoints:
//
//	POST /webhook       - alert payload with embeds; dispatches the first embed
//	GET  /stats         - scheduler statistics
//	GET  /result?id=    - stored result of a task
//	GET  /dead-letters  - recent permanently failed tasks
//	GET  /completed     - recently completed tasks
//	GET  /metrics       - Prometheus metrics
//	GET  /healthz       - liveness
//
// Every endpoint except /metrics and /healthz requires the X-API-Key header
// when an API key is configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/guido-cesarano/signalq/pkg/dispatch"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/queue"
	"github.com/guido-cesarano/signalq/pkg/signals"
	"github.com/guido-cesarano/signalq/pkg/store"
	"github.com/guido-cesarano/signalq/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes caps webhook payloads.
const maxBodyBytes = 1 << 20

// EventHandler accepts one inbound alert. *dispatch.Dispatcher implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, title, description string, fields []signals.Field) dispatch.Ack
}

// StatsSource reports scheduler statistics. *queue.Scheduler implements it.
type StatsSource interface {
	Stats() queue.Stats
}

// ResultStore reads recorded outcomes. *store.Client implements it.
type ResultStore interface {
	GetResult(ctx context.Context, taskID string) (string, error)
	DeadLetters(ctx context.Context, limit int64) ([]store.DeadLetter, error)
	Completed(ctx context.Context, limit int64) ([]tasks.Task, error)
	Depths(ctx context.Context) map[string]int64
}

// Embed is one alert embed.
type Embed struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Fields      []signals.Field `json:"fields"`
}

// WebhookPayload is the body accepted by POST /webhook.
type WebhookPayload struct {
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds"`
}

type statsResponse struct {
	queue.Stats
	Store map[string]int64 `json:"store,omitempty"`
}

// authMiddleware enforces API key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS adds CORS headers and answers preflight requests.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

type server struct {
	events  EventHandler
	stats   StatsSource
	results ResultStore
}

// NewRouter builds the HTTP handler. results may be nil when Redis is disabled.
func NewRouter(events EventHandler, stats StatsSource, results ResultStore, apiKey string) http.Handler {
	s := &server{events: events, stats: stats, results: results}
	r := mux.NewRouter()

	// CORS runs before auth so preflight requests don't need the key
	protect := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authMiddleware(h, apiKey))
	}

	r.HandleFunc("/webhook", protect(s.webhook)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/stats", protect(s.statsHandler)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/result", protect(s.result)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/dead-letters", protect(s.deadLetters)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/completed", protect(s.completed)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}

func (s *server) webhook(w http.ResponseWriter, r *http.Request) {
	var payload WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload.Embeds) == 0 {
		http.Error(w, "no embeds in payload", http.StatusBadRequest)
		return
	}

	embed := payload.Embeds[0]
	ack := s.events.HandleEvent(r.Context(), embed.Title, embed.Description, embed.Fields)

	status := http.StatusOK
	switch {
	case ack.Accepted:
	case ack.Kind == dispatch.KindQueueFull:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadRequest
	}
	logger.Log.Info().
		Str("title", embed.Title).
		Str("action", string(ack.Action)).
		Bool("accepted", ack.Accepted).
		Str("task_id", ack.TaskID).
		Msg("Webhook received")
	writeJSON(w, status, ack)
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: s.stats.Stats()}
	if s.results != nil {
		resp.Store = s.results.Depths(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) result(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	taskID := r.URL.Query().Get("id")
	if taskID == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}

	result, err := s.results.GetResult(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(result))
}

func (s *server) deadLetters(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	items, err := s.results.DeadLetters(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *server) completed(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	items, err := s.results.Completed(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *server) requireStore(w http.ResponseWriter) bool {
	if s.results == nil {
		http.Error(w, "result store disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// limitParam reads ?limit=, defaulting to 50.
func limitParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

// NewServer wraps the router with the timeouts used in production.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}
