package ingest

import "strings"

const (
	// DefaultMaxChunkRunes bounds chunk size. Measured in runes so Cyrillic
	// text gets the same bound as Latin.
	DefaultMaxChunkRunes = 2000

	// DefaultOverlapRunes is carried from the tail of one chunk into the
	// head of the next, so provisions split mid-thought stay findable from
	// either side of the cut.
	DefaultOverlapRunes = 200
)

// SplitText splits text into chunks of at most maxRunes runes with overlap
// runes of context repeated between consecutive chunks. Splits prefer
// paragraph boundaries, then sentence boundaries, and only fall back to a
// hard cut for pathological unbroken text. The output is deterministic for
// a given input, which the chunk ID derivation depends on.
func SplitText(text string, maxRunes, overlap int) []string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxChunkRunes
	}
	if overlap < 0 || overlap >= maxRunes {
		overlap = DefaultOverlapRunes
		if overlap >= maxRunes {
			overlap = maxRunes / 4
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + maxRunes
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = splitPoint(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}

// splitPoint finds the best cut position in runes[start:limit], searching
// backwards from limit: paragraph break, then sentence end, then word
// boundary, then the hard limit.
func splitPoint(runes []rune, start, limit int) int {
	// Only consider cuts in the back half of the window, so chunks stay
	// reasonably full.
	floor := start + (limit-start)/2

	for i := limit - 1; i > floor; i-- {
		if runes[i] == '\n' && i > 0 && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := limit - 1; i > floor; i-- {
		if (runes[i] == '.' || runes[i] == ';') && i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n') {
			return i + 1
		}
	}
	for i := limit - 1; i > floor; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			return i + 1
		}
	}
	return limit
}
