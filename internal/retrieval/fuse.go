package retrieval

import "sort"

// DefaultRRFConstant is the standard smoothing constant for reciprocal rank
// fusion. Larger values flatten the contribution curve so deep ranks still
// matter; 60 is the value from the original RRF paper and works well without
// tuning.
const DefaultRRFConstant = 60

// Fuse merges two ranked result lists using Reciprocal Rank Fusion.
// For every chunk appearing in either list the fused score is
//
//	Σ 1/(k + rank_in_list)
//
// over the lists that contain it; a list that does not contain the chunk
// contributes nothing, so single-list chunks still surface but are
// discounted. RRF needs no score normalization, which matters here because
// cosine similarity and BM25 live on incomparable scales.
//
// The output is sorted descending by fused score with ties broken ascending
// by chunk ID, so the merge is deterministic for any fixed pair of inputs.
// Two empty inputs produce an empty (non-nil error-free) result.
func Fuse(vectorResults, keywordResults []SearchResult, k int) []FusedResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[string]float64, len(vectorResults)+len(keywordResults))
	for _, lst := range [2][]SearchResult{vectorResults, keywordResults} {
		for _, r := range lst {
			scores[r.ChunkID] += 1.0 / float64(k+r.Rank)
		}
	}

	fused := make([]FusedResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, FusedResult{ChunkID: id, Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})

	return fused
}
