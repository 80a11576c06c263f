package rerank

import (
	"context"
	"errors"
	"testing"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

func chunk(id, text string) retrieval.Chunk {
	return retrieval.Chunk{ID: id, Text: text}
}

func fused(pairs ...any) []retrieval.FusedResult {
	out := make([]retrieval.FusedResult, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, retrieval.FusedResult{
			ChunkID: pairs[i].(string),
			Score:   pairs[i+1].(float64),
		})
	}
	return out
}

func Test_Rerank_OrdersByRelevance(t *testing.T) {
	t.Parallel()
	r, err := New(NewLexicalScorer())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	candidates := []retrieval.Chunk{
		chunk("a", "договор аренды заключается в письменной форме"),
		chunk("b", "общий срок исковой давности составляет три года"),
		chunk("c", "срок давности по отдельным требованиям"),
	}
	f := fused("a", 0.03, "b", 0.02, "c", 0.01)

	got, err := r.Rerank(context.Background(), "срок исковой давности", candidates, f, 2)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 results, got %d", len(got))
	}
	// "b" matches all three query terms, "c" two, "a" none.
	if got[0].Chunk.ID != "b" || got[1].Chunk.ID != "c" {
		t.Errorf("order: want [b c], got [%s %s]", got[0].Chunk.ID, got[1].Chunk.ID)
	}
	if got[0].Relevance <= got[1].Relevance {
		t.Errorf("relevance not descending: %v then %v", got[0].Relevance, got[1].Relevance)
	}
	if got[0].FusedScore != 0.02 {
		t.Errorf("fused score carried: want 0.02, got %v", got[0].FusedScore)
	}
}

func Test_Rerank_TiesBreakByFusedThenID(t *testing.T) {
	t.Parallel()
	r, err := New(NewLexicalScorer())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Both candidates contain every query term, so relevance ties.
	candidates := []retrieval.Chunk{
		chunk("z", "исковая давность"),
		chunk("a", "исковая давность"),
	}

	got, err := r.Rerank(context.Background(), "исковая давность", candidates,
		fused("z", 0.01, "a", 0.02), 0)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if got[0].Chunk.ID != "a" {
		t.Errorf("fused tiebreak: want a first, got %s", got[0].Chunk.ID)
	}

	got, err = r.Rerank(context.Background(), "исковая давность", candidates,
		fused("z", 0.01, "a", 0.01), 0)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if got[0].Chunk.ID != "a" {
		t.Errorf("ID tiebreak: want a first, got %s", got[0].Chunk.ID)
	}
}

func Test_Rerank_EmptyCandidates(t *testing.T) {
	t.Parallel()
	r, err := New(NewLexicalScorer())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := r.Rerank(context.Background(), "запрос", nil, nil, 5)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if got != nil {
		t.Errorf("want nil, got %v", got)
	}
}

// failingScorer always errors, standing in for an unreachable cross-encoder.
type failingScorer struct{}

func (failingScorer) Score(context.Context, string, []string) ([]float64, error) {
	return nil, errors.New("scorer unavailable")
}

func Test_Rerank_ScorerFailureSurfaces(t *testing.T) {
	t.Parallel()
	r, err := New(failingScorer{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = r.Rerank(context.Background(), "запрос", []retrieval.Chunk{chunk("a", "текст")}, nil, 5)
	if err == nil {
		t.Fatal("want error from failing scorer, got nil")
	}
}

func Test_PassThrough_KeepsFusedOrder(t *testing.T) {
	t.Parallel()
	candidates := []retrieval.Chunk{chunk("a", "один"), chunk("b", "два"), chunk("c", "три")}
	f := fused("a", 0.03, "b", 0.02, "c", 0.01)

	got := PassThrough(candidates, f, 2)
	if len(got) != 2 {
		t.Fatalf("want 2 results, got %d", len(got))
	}
	if got[0].Chunk.ID != "a" || got[1].Chunk.ID != "b" {
		t.Errorf("order: want [a b], got [%s %s]", got[0].Chunk.ID, got[1].Chunk.ID)
	}
	if got[0].Relevance != 0.03 {
		t.Errorf("relevance carries fused score: want 0.03, got %v", got[0].Relevance)
	}
}

func Test_LexicalScorer_Deterministic(t *testing.T) {
	t.Parallel()
	s := NewLexicalScorer()
	texts := []string{"срок исковой давности три года", "договор аренды"}

	first, err := s.Score(context.Background(), "Срок исковой давности?", texts)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for range 5 {
		again, err := s.Score(context.Background(), "Срок исковой давности?", texts)
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("non-deterministic scores: %v vs %v", first, again)
			}
		}
	}
	if first[0] != 1.0 {
		t.Errorf("full overlap: want 1.0, got %v", first[0])
	}
	if first[1] != 0.0 {
		t.Errorf("no overlap: want 0.0, got %v", first[1])
	}
}
