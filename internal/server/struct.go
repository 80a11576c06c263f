package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wmzpwnz/advakod-sub005/internal/pipeline"
	"github.com/wmzpwnz/advakod-sub005/internal/scheduler"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained token refill rate per IP on rate-limited
	// endpoints (tokens/second). One /api/query draws several tokens, cheap
	// read endpoints draw one. Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the per-IP bucket size. Must be at least the query cost
	// for /api/query to be reachable. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics and backs the
	// /metrics endpoint. If nil, a private registry is created.
	Registry *prometheus.Registry
}

// answerer is the interface handleQuery calls to run a question through the
// retrieval and generation pipeline. *pipeline.Service satisfies it; tests
// inject a fake.
type answerer interface {
	Query(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// loadReporter exposes scheduler load and recent request history for
// GET /api/status. *scheduler.Scheduler satisfies it.
type loadReporter interface {
	Snapshot() scheduler.Snapshot
	History() []scheduler.Record
}

// Server is the HTTP server that exposes the query pipeline.
type Server struct {
	// answers runs questions through retrieval and generation.
	answers answerer
	// sched reports scheduler load for the status endpoint. May be nil.
	sched loadReporter
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds this instance's Prometheus metrics.
	metrics *serverMetrics
	// registry backs the /metrics endpoint.
	registry *prometheus.Registry
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Question is the user's legal question, in Russian.
	Question string `json:"question"`
	// Filters restricts retrieval: as_of, doc_type, doc_types, source.
	Filters map[string]string `json:"filters,omitempty"`
	// Priority is low, normal, high, or urgent. Empty means normal.
	Priority string `json:"priority,omitempty"`
	// MaxTokens caps the generated answer. 0 = backend default.
	MaxTokens int `json:"max_tokens,omitempty"`
	// SkipCache bypasses the answer cache for this request.
	SkipCache bool `json:"skip_cache,omitempty"`
}

// queryMeta is the payload of the SSE "meta" event, sent before any tokens.
type queryMeta struct {
	// RequestID is the scheduler request ID. Empty for cached answers.
	RequestID string `json:"request_id,omitempty"`
	// Cached reports whether the answer was served from the result cache.
	Cached bool `json:"cached"`
	// Source labels the retrieval mode: both, vector_only, or keyword_only.
	Source string `json:"source"`
	// RerankDegraded is set when re-ranking failed and fused order was used.
	RerankDegraded bool `json:"rerank_degraded,omitempty"`
}

// statusResponse is the JSON body for GET /api/status.
type statusResponse struct {
	// QueueLength is the number of requests waiting for a slot.
	QueueLength int `json:"queue_length"`
	// Running is the number of requests currently generating.
	Running int `json:"running"`
	// MaxConcurrency is the configured slot count.
	MaxConcurrency int `json:"max_concurrency"`
	// QueueCapacity is the configured queue bound.
	QueueCapacity int `json:"queue_capacity"`
	// History lists recently finished requests, most recent first.
	History []historyEntry `json:"history"`
}

// historyEntry is one finished request in the status history.
type historyEntry struct {
	ID          string    `json:"id"`
	Priority    string    `json:"priority"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Tokens      int       `json:"tokens"`
	Error       string    `json:"error,omitempty"`
}
