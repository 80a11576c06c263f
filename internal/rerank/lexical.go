package rerank

import (
	"context"
	"strings"
	"unicode"
)

// LexicalScorer is the built-in deterministic Scorer. It scores each
// candidate by the fraction of unique query terms it contains. Crude next to
// a cross-encoder, but it is dependency-free, fast, and fully reproducible,
// which makes retrieval quality regressions bisectable.
type LexicalScorer struct{}

// NewLexicalScorer constructs a LexicalScorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

// Score implements Scorer. Scores are in [0, 1].
func (s *LexicalScorer) Score(_ context.Context, query string, texts []string) ([]float64, error) {
	queryTerms := terms(query)

	scores := make([]float64, len(texts))
	if len(queryTerms) == 0 {
		return scores, nil
	}

	for i, text := range texts {
		docSet := make(map[string]struct{})
		for _, t := range terms(text) {
			docSet[t] = struct{}{}
		}

		matched := 0
		seen := make(map[string]struct{}, len(queryTerms))
		for _, qt := range queryTerms {
			if _, dup := seen[qt]; dup {
				continue
			}
			seen[qt] = struct{}{}
			if _, ok := docSet[qt]; ok {
				matched++
			}
		}
		scores[i] = float64(matched) / float64(len(seen))
	}
	return scores, nil
}

// terms lowercases text and extracts letter/digit runs. Single-rune terms
// are dropped: in Russian legal text they are almost always prepositions
// and conjunctions that carry no relevance signal.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}
