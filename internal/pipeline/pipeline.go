// Package pipeline implements the query path of the service: result cache
// check, hybrid retrieval, re-ranking, prompt assembly under a token budget,
// and generation through the inference scheduler. It is the only package
// that sees the whole flow; everything it composes is injected behind small
// interfaces so each stage can be exercised in isolation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wmzpwnz/advakod-sub005/internal/budget"
	"github.com/wmzpwnz/advakod-sub005/internal/rerank"
	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
	"github.com/wmzpwnz/advakod-sub005/internal/scheduler"
)

// ErrNoResults is returned when retrieval produced no candidate chunks.
// Generating an answer with no grounding sources is worse than refusing:
// the caller should tell the user no relevant provisions were found.
var ErrNoResults = errors.New("pipeline: no relevant documents found")

// Searcher is the hybrid retrieval engine.
type Searcher interface {
	Search(ctx context.Context, query string, filter retrieval.Filter) ([]retrieval.FusedResult, retrieval.FusionSource, error)
}

// ChunkGetter hydrates chunk IDs into full chunks.
type ChunkGetter interface {
	Get(ctx context.Context, ids []string) ([]retrieval.Chunk, error)
}

// Ranker re-orders hydrated candidates by query relevance.
type Ranker interface {
	Rerank(ctx context.Context, query string, candidates []retrieval.Chunk, fused []retrieval.FusedResult, topK int) ([]retrieval.RerankedResult, error)
}

// Submitter is the inference scheduler's admission surface.
type Submitter interface {
	Submit(ctx context.Context, params scheduler.Params) (*scheduler.Handle, error)
}

// AnswerCache is the short-TTL result cache. Both methods are best-effort.
type AnswerCache interface {
	Get(ctx context.Context, query string, filter retrieval.Filter) ([]byte, bool)
	Set(ctx context.Context, query string, filter retrieval.Filter, payload []byte)
}

// Options holds the pipeline tuning parameters.
type Options struct {
	// RerankTopK is the number of chunks kept after re-ranking.
	RerankTopK int
	// ContextTokens is the token budget for retrieved context in the prompt.
	ContextTokens int
}

// Service executes queries end to end.
type Service struct {
	search Searcher
	chunks ChunkGetter
	ranker Ranker
	sched  Submitter
	cache  AnswerCache
	opts   Options
	log    *slog.Logger
}

// New constructs a Service. cache may be nil to disable result caching.
func New(search Searcher, chunks ChunkGetter, ranker Ranker, sched Submitter, cache AnswerCache, opts Options, log *slog.Logger) (*Service, error) {
	if search == nil || chunks == nil || ranker == nil || sched == nil {
		return nil, fmt.Errorf("pipeline: search, chunks, ranker, and sched are all required")
	}
	if opts.RerankTopK <= 0 {
		opts.RerankTopK = 5
	}
	if opts.ContextTokens <= 0 {
		opts.ContextTokens = budget.DefaultContextTokens
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{search: search, chunks: chunks, ranker: ranker, sched: sched, cache: cache, opts: opts, log: log}, nil
}

// Request is one user question.
type Request struct {
	// Question is the user's legal question, in Russian.
	Question string
	// Filter restricts retrieval (validity date, doc types, sources).
	Filter retrieval.Filter
	// Priority orders the request against concurrent load.
	Priority scheduler.Priority
	// MaxTokens caps the generated answer. 0 = backend default.
	MaxTokens int
	// Requester identifies the caller for the audit trail.
	Requester string
	// SkipCache bypasses the result cache for this request.
	SkipCache bool
}

// Citation identifies one source chunk the answer is grounded in, in the
// order the chunks appear in the prompt.
type Citation struct {
	ChunkID string `json:"chunk_id"`
	Source  string `json:"source"`
	Article string `json:"article,omitempty"`
	Edition string `json:"edition,omitempty"`
}

// Result is a running or cached answer. Read Tokens to completion, then
// check Err.
type Result struct {
	// RequestID is the scheduler request ID; empty for cached results.
	RequestID string
	// Cached reports whether the answer came from the result cache.
	Cached bool
	// Source labels the retrieval mode that produced the candidates.
	// FusionBoth unless a search leg failed.
	Source retrieval.FusionSource
	// RerankDegraded is set when the scorer failed and fused order was used.
	RerankDegraded bool
	// Citations lists the chunks the prompt was built from, prompt order.
	Citations []Citation

	tokens <-chan string
	err    func() error
}

// Tokens returns the answer token stream. The channel closes when the
// answer is complete or the request terminated. Callers must either drain
// the channel or cancel the submission context.
func (r *Result) Tokens() <-chan string { return r.tokens }

// Err returns the terminal error after Tokens closes: nil, a scheduler
// sentinel (scheduler.ErrTimeout, scheduler.ErrCancelled), or an engine
// failure.
func (r *Result) Err() error { return r.err() }

// cachedAnswer is the JSON payload stored in the result cache.
type cachedAnswer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	CreatedAt time.Time  `json:"created_at"`
}

// Query runs the full pipeline for one question. Retrieval failures and
// queue rejection surface as errors before any Result is returned; once a
// Result exists, failures are delivered through Result.Err.
func (s *Service) Query(ctx context.Context, req Request) (*Result, error) {
	if req.Question == "" {
		return nil, fmt.Errorf("pipeline: question is required")
	}

	if s.cache != nil && !req.SkipCache {
		if payload, ok := s.cache.Get(ctx, req.Question, req.Filter); ok {
			var cached cachedAnswer
			if err := json.Unmarshal(payload, &cached); err == nil {
				s.log.Debug("pipeline: cache hit", slog.String("question", req.Question))
				return cachedResult(cached), nil
			}
			s.log.Warn("pipeline: discarding undecodable cache entry")
		}
	}

	fused, source, err := s.search.Search(ctx, req.Question, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("pipeline: retrieval: %w", err)
	}
	if len(fused) == 0 {
		return nil, ErrNoResults
	}

	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
	}
	candidates, err := s.chunks.Get(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("pipeline: hydrate candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoResults
	}

	ranked, rerankDegraded := s.rank(ctx, req.Question, candidates, fused)
	ranked = budget.TrimContext(ranked, s.opts.ContextTokens)

	citations := make([]Citation, len(ranked))
	for i, r := range ranked {
		citations[i] = Citation{
			ChunkID: r.Chunk.ID,
			Source:  r.Chunk.Metadata.Source,
			Article: r.Chunk.Metadata.Article,
			Edition: r.Chunk.Metadata.Edition,
		}
	}

	prompt := buildPrompt(req.Question, ranked, req.Filter.AsOf)
	handle, err := s.sched.Submit(ctx, scheduler.Params{
		Prompt:    prompt,
		Priority:  req.Priority,
		MaxTokens: req.MaxTokens,
		Requester: req.Requester,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: submit: %w", err)
	}

	out := make(chan string, 32)
	go s.relay(ctx, handle, out, req, citations)

	return &Result{
		RequestID:      handle.ID(),
		Source:         source,
		RerankDegraded: rerankDegraded,
		Citations:      citations,
		tokens:         out,
		err:            handle.Err,
	}, nil
}

// rank applies the re-ranker, falling back to fused order when it fails.
func (s *Service) rank(ctx context.Context, question string, candidates []retrieval.Chunk, fused []retrieval.FusedResult) ([]retrieval.RerankedResult, bool) {
	ranked, err := s.ranker.Rerank(ctx, question, candidates, fused, s.opts.RerankTopK)
	if err != nil {
		s.log.Warn("pipeline: re-ranker unavailable, using fused order",
			slog.Any("error", err),
		)
		return rerank.PassThrough(candidates, fused, s.opts.RerankTopK), true
	}
	return ranked, false
}

// relay forwards tokens from the scheduler to the caller while accumulating
// the full answer, and stores it in the result cache on clean completion.
// When the submission context ends before the caller has drained the stream,
// relay discards the remaining tokens instead of blocking on the full
// channel, so an abandoned Result never pins this goroutine.
func (s *Service) relay(ctx context.Context, handle *scheduler.Handle, out chan<- string, req Request, citations []Citation) {
	defer close(out)

	var answer []byte
	for tok := range handle.Tokens() {
		answer = append(answer, tok...)
		select {
		case out <- tok:
		case <-ctx.Done():
			for range handle.Tokens() {
			}
			return
		}
	}
	if handle.Err() != nil || s.cache == nil {
		return
	}

	payload, err := json.Marshal(cachedAnswer{
		Answer:    string(answer),
		Citations: citations,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("pipeline: encode cache entry", slog.Any("error", err))
		return
	}
	// The request context is typically done once streaming finished; the
	// cache write gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.cache.Set(ctx, req.Question, req.Filter, payload)
}

// cachedResult wraps a cache hit in the streaming Result shape: the whole
// answer arrives as one token.
func cachedResult(cached cachedAnswer) *Result {
	tokens := make(chan string, 1)
	tokens <- cached.Answer
	close(tokens)
	return &Result{
		Cached:    true,
		Source:    retrieval.FusionBoth,
		Citations: cached.Citations,
		tokens:    tokens,
		err:       func() error { return nil },
	}
}
