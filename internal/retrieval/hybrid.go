package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wmzpwnz/advakod-sub005/internal/logging"
)

// FusionSource labels which search legs contributed to a fused result set.
// Anything other than FusionBoth is a degraded mode that the engine reports
// explicitly; partial fusion is never produced silently.
type FusionSource string

const (
	// FusionBoth means both the vector and keyword legs completed.
	FusionBoth FusionSource = "both"
	// FusionVectorOnly means the keyword leg failed and results come from
	// the vector leg alone.
	FusionVectorOnly FusionSource = "vector_only"
	// FusionKeywordOnly means the vector leg failed and results come from
	// the keyword leg alone.
	FusionKeywordOnly FusionSource = "keyword_only"
)

// HybridConfig holds the tuning parameters of the hybrid engine.
type HybridConfig struct {
	// VectorTopK is the candidate count requested from the vector index.
	VectorTopK int
	// KeywordTopK is the candidate count requested from the keyword index.
	KeywordTopK int
	// RRFConstant is the smoothing constant k in 1/(k+rank).
	RRFConstant int
}

// Hybrid is the fusion engine: it embeds the query, runs the vector and
// keyword searches in parallel, and merges the two ranked lists with RRF.
// Safe for concurrent use.
type Hybrid struct {
	embedder Embedder
	vector   VectorIndex
	keyword  KeywordIndex
	cfg      HybridConfig
}

// NewHybrid constructs a Hybrid engine from the given backends.
func NewHybrid(embedder Embedder, vector VectorIndex, keyword KeywordIndex, cfg HybridConfig) (*Hybrid, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder must not be nil")
	}
	if vector == nil {
		return nil, fmt.Errorf("retrieval: vector index must not be nil")
	}
	if keyword == nil {
		return nil, fmt.Errorf("retrieval: keyword index must not be nil")
	}
	if cfg.VectorTopK <= 0 {
		cfg.VectorTopK = 20
	}
	if cfg.KeywordTopK <= 0 {
		cfg.KeywordTopK = 20
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	return &Hybrid{embedder: embedder, vector: vector, keyword: keyword, cfg: cfg}, nil
}

// legResult carries one search leg's outcome across the goroutine boundary.
type legResult struct {
	results []SearchResult
	err     error
}

// Search runs both search legs concurrently and fuses their results.
// Both legs observe ctx, so a caller deadline cancels in-flight index calls.
//
// If exactly one leg fails the surviving list is returned with the
// corresponding degraded FusionSource and a warning log; if both fail the
// vector leg's error is returned wrapped (both are logged). An empty corpus
// yields an empty fused list and FusionBoth; emptiness is not an error.
func (h *Hybrid) Search(ctx context.Context, query string, filter Filter) ([]FusedResult, FusionSource, error) {
	vecCh := make(chan legResult, 1)
	kwCh := make(chan legResult, 1)

	go func() {
		results, err := h.vectorLeg(ctx, query, filter)
		vecCh <- legResult{results: results, err: err}
	}()
	go func() {
		results, err := h.keyword.Search(ctx, query, h.cfg.KeywordTopK, filter)
		kwCh <- legResult{results: results, err: err}
	}()

	vec, kw := <-vecCh, <-kwCh

	log := logging.FromContext(ctx)
	switch {
	case vec.err != nil && kw.err != nil:
		log.Error("hybrid search: both legs failed",
			slog.Any("vector_error", vec.err),
			slog.Any("keyword_error", kw.err),
		)
		return nil, FusionBoth, fmt.Errorf("retrieval: hybrid search failed (keyword: %v): %w", kw.err, vec.err)

	case vec.err != nil:
		log.Warn("hybrid search: vector leg failed, degrading to keyword-only",
			slog.Any("error", vec.err),
		)
		return Fuse(nil, kw.results, h.cfg.RRFConstant), FusionKeywordOnly, nil

	case kw.err != nil:
		log.Warn("hybrid search: keyword leg failed, degrading to vector-only",
			slog.Any("error", kw.err),
		)
		return Fuse(vec.results, nil, h.cfg.RRFConstant), FusionVectorOnly, nil
	}

	return Fuse(vec.results, kw.results, h.cfg.RRFConstant), FusionBoth, nil
}

// vectorLeg embeds the query and searches the vector index.
func (h *Hybrid) vectorLeg(ctx context.Context, query string, filter Filter) ([]SearchResult, error) {
	embeddings, err := h.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("%w: empty embedding result", ErrEmbeddingUnavailable)
	}
	return h.vector.Search(ctx, embeddings[0], h.cfg.VectorTopK, filter)
}
