// Package budget provides token budget estimation and context trimming for
// prompt assembly. Because the service supports multiple LLM backends with
// different tokenizers, it uses a conservative character-based heuristic
// rather than a real tokenizer. Cyrillic text tokenizes denser than English,
// so the ratio is calibrated for Russian legal prose and deliberately
// over-estimates token counts to leave headroom.
package budget

import (
	"unicode/utf8"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation,
	// counted in runes so multi-byte Cyrillic does not inflate the result.
	// 3 chars/token is conservative for Russian; 4 would fit English prose.
	charsPerToken = 3

	// DefaultContextTokens is the default budget for retrieved context in
	// the prompt. Conservative enough to fit in an 8k window together with
	// the question, the instructions, and the generated answer.
	DefaultContextTokens = 3000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := utf8.RuneCountInString(s) / charsPerToken
	if n == 0 && s != "" {
		return 1
	}
	return n
}

// TrimContext drops re-ranked chunks lowest-relevance-first until the
// estimated token count of the remaining chunk texts fits within maxTokens.
// The input must be ordered best-first (the re-ranker's output order); the
// returned slice is a prefix of it, so citation order is preserved.
//
// At least one chunk is always kept when any were supplied, even if it alone
// exceeds the budget: an answer grounded in one oversized article beats an
// answer grounded in nothing.
func TrimContext(ranked []retrieval.RerankedResult, maxTokens int) []retrieval.RerankedResult {
	if len(ranked) == 0 {
		return ranked
	}
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}

	total := 0
	for _, r := range ranked {
		total += Estimate(r.Chunk.Text)
	}
	kept := ranked
	for len(kept) > 1 && total > maxTokens {
		total -= Estimate(kept[len(kept)-1].Chunk.Text)
		kept = kept[:len(kept)-1]
	}
	return kept
}
