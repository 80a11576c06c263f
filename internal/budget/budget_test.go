package budget

import (
	"strings"
	"testing"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

func Test_Estimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"а", 1},       // < 3 runes → 1
		{"срок", 1},    // 4 runes → 1
		{"давность", 2}, // 8 runes → 2
		{strings.Repeat("х", 300), 100}, // Cyrillic runes, not bytes
	}
	for _, tc := range cases {
		if got := Estimate(tc.input); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func ranked(texts ...string) []retrieval.RerankedResult {
	out := make([]retrieval.RerankedResult, len(texts))
	for i, text := range texts {
		out[i] = retrieval.RerankedResult{Chunk: retrieval.Chunk{ID: text, Text: text}}
	}
	return out
}

func Test_TrimContext_NoTrimNeeded(t *testing.T) {
	t.Parallel()
	in := ranked("срок исковой давности", "три года")
	got := TrimContext(in, DefaultContextTokens)
	if len(got) != 2 {
		t.Errorf("want 2 chunks, got %d", len(got))
	}
}

func Test_TrimContext_DropsLowestRankedFirst(t *testing.T) {
	t.Parallel()
	// Each chunk is 30 runes = 10 estimated tokens.
	a := strings.Repeat("а", 30)
	b := strings.Repeat("б", 30)
	c := strings.Repeat("в", 30)

	got := TrimContext(ranked(a, b, c), 20)
	if len(got) != 2 {
		t.Fatalf("want 2 chunks within 20 tokens, got %d", len(got))
	}
	// Best-first prefix survives; the tail is dropped.
	if got[0].Chunk.ID != a || got[1].Chunk.ID != b {
		t.Errorf("want [a b] kept, got [%s %s]", got[0].Chunk.ID, got[1].Chunk.ID)
	}
}

func Test_TrimContext_AlwaysKeepsTopChunk(t *testing.T) {
	t.Parallel()
	huge := strings.Repeat("ю", 3000)
	got := TrimContext(ranked(huge), 10)
	if len(got) != 1 {
		t.Errorf("want the top chunk kept despite budget, got %d chunks", len(got))
	}
}

func Test_TrimContext_Empty(t *testing.T) {
	t.Parallel()
	if got := TrimContext(nil, 100); len(got) != 0 {
		t.Errorf("want empty, got %d", len(got))
	}
}
