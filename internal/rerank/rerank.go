// Package rerank re-orders fused retrieval candidates by query relevance
// before they enter the prompt. Scoring is pluggable behind the Scorer
// interface so a cross-encoder service can replace the built-in lexical
// scorer without touching the pipeline.
package rerank

import (
	"context"
	"fmt"
	"sort"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

// Scorer produces a relevance score for each candidate text against the
// query. The returned slice is parallel to texts. Scores only need a
// consistent ordering; they are not required to be probabilities.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Reranker applies a Scorer to fused candidates and keeps the top-k.
type Reranker struct {
	scorer Scorer
}

// New constructs a Reranker over the given scorer.
func New(scorer Scorer) (*Reranker, error) {
	if scorer == nil {
		return nil, fmt.Errorf("rerank: scorer is required")
	}
	return &Reranker{scorer: scorer}, nil
}

// Rerank scores the candidate chunks against the query and returns the topK
// most relevant, best first. Candidates must be hydrated (Text populated).
// Equal relevance breaks ties by fused score, then by ascending chunk ID, so
// the output order is deterministic for a fixed input.
//
// A scorer failure is returned to the caller; the pipeline decides whether
// to degrade to the fused order.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []retrieval.Chunk, fused []retrieval.FusedResult, topK int) ([]retrieval.RerankedResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	fusedScore := make(map[string]float64, len(fused))
	for _, f := range fused {
		fusedScore[f.ChunkID] = f.Score
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("rerank: score: %w", err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("rerank: scorer returned %d scores for %d candidates", len(scores), len(candidates))
	}

	results := make([]retrieval.RerankedResult, len(candidates))
	for i, c := range candidates {
		results[i] = retrieval.RerankedResult{
			Chunk:      c,
			FusedScore: fusedScore[c.ID],
			Relevance:  scores[i],
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		if results[i].FusedScore != results[j].FusedScore {
			return results[i].FusedScore > results[j].FusedScore
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	return results[:topK], nil
}

// PassThrough returns the candidates in fused order without re-scoring,
// for degraded operation when the scorer is unavailable. Relevance carries
// the fused score so downstream ordering logic stays uniform.
func PassThrough(candidates []retrieval.Chunk, fused []retrieval.FusedResult, topK int) []retrieval.RerankedResult {
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	fusedScore := make(map[string]float64, len(fused))
	for _, f := range fused {
		fusedScore[f.ChunkID] = f.Score
	}
	results := make([]retrieval.RerankedResult, 0, topK)
	for _, c := range candidates[:topK] {
		results = append(results, retrieval.RerankedResult{
			Chunk:      c,
			FusedScore: fusedScore[c.ID],
			Relevance:  fusedScore[c.ID],
		})
	}
	return results
}
