package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wmzpwnz/advakod-sub005/internal/logging"
	"github.com/wmzpwnz/advakod-sub005/internal/pipeline"
	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
	"github.com/wmzpwnz/advakod-sub005/internal/scheduler"
)

// handleQuery handles POST /api/query. It runs the question through the
// retrieval pipeline and streams the answer using Server-Sent Events: a
// "meta" event, a "citations" event, then data frames carrying answer
// tokens, terminated by "done" (or "error" on failure).
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	filter, err := retrieval.ParseFilter(req.Filters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prio, err := scheduler.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	s.metrics.queryActiveStreams.Inc()
	defer s.metrics.queryActiveStreams.Dec()

	res, err := s.answers.Query(r.Context(), pipeline.Request{
		Question:  req.Question,
		Filter:    filter,
		Priority:  prio,
		MaxTokens: req.MaxTokens,
		Requester: clientIP(r),
		SkipCache: req.SkipCache,
	})
	if err != nil {
		s.writeQueryError(w, log, err)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	meta := queryMeta{
		RequestID:      res.RequestID,
		Cached:         res.Cached,
		Source:         string(res.Source),
		RerankDegraded: res.RerankDegraded,
	}
	writeEvent(w, flusher, "meta", mustJSON(meta))
	writeEvent(w, flusher, "citations", mustJSON(res.Citations))

	sw := &sseWriter{w: w, flusher: flusher}
	for token := range res.Tokens() {
		if _, err := sw.Write([]byte(token)); err != nil {
			// Client went away. The pipeline drains via context cancellation.
			s.observeQuery("client_gone", start)
			return
		}
	}

	if err := res.Err(); err != nil {
		outcome := "error"
		if errors.Is(err, scheduler.ErrTimeout) {
			outcome = "timeout"
		}
		log.Error("query stream failed",
			slog.String("request_id", res.RequestID),
			slog.Any("error", err),
		)
		writeEvent(w, flusher, "error", err.Error())
		s.observeQuery(outcome, start)
		return
	}

	// Signal stream completion.
	writeEvent(w, flusher, "done", "[DONE]")
	s.observeQuery("ok", start)
}

// writeQueryError maps pipeline submission errors to HTTP status codes.
// Runs before any SSE bytes have been written, so a plain error response
// is still possible.
func (s *Server) writeQueryError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNoResults):
		http.Error(w, "no relevant documents found", http.StatusNotFound)
		s.metrics.queryRequestsTotal.WithLabelValues("no_results").Inc()
	case errors.Is(err, scheduler.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		http.Error(w, "inference queue is full, retry later", http.StatusTooManyRequests)
		s.metrics.queryRequestsTotal.WithLabelValues("queue_full").Inc()
	case errors.Is(err, scheduler.ErrStopped):
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		s.metrics.queryRequestsTotal.WithLabelValues("stopped").Inc()
	default:
		log.Error("query failed", slog.Any("error", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		s.metrics.queryRequestsTotal.WithLabelValues("error").Inc()
	}
}

// observeQuery records the outcome and duration of a streamed query.
func (s *Server) observeQuery(outcome string, start time.Time) {
	s.metrics.queryRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.queryDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// writeEvent emits one named SSE event with a single-line payload.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// mustJSON marshals v for an SSE payload. The payload types marshal without
// error; a failure would indicate a programming bug, so it degrades to "{}".
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
