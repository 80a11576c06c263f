package docstore

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

// Search runs a BM25-ranked full-text query against the chunk index and
// returns the top-k results, best first. Ties on score break by ascending
// chunk ID so ranking is stable across runs. Implements
// retrieval.KeywordIndex.
func (s *Store) Search(ctx context.Context, query string, topK int, filter retrieval.Filter) ([]retrieval.SearchResult, error) {
	match := buildMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	// bm25() returns lower-is-better values; negate so higher scores are
	// better, matching the vector side.
	q := `
SELECT c.id, -bm25(chunks_fts) AS score
FROM   chunks_fts
JOIN   chunks c ON c.rowid = chunks_fts.rowid
WHERE  chunks_fts MATCH ?`
	args := []any{match}

	q, args = appendFilter(q, args, filter)
	q += `
ORDER BY score DESC, c.id ASC
LIMIT  ?`
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: keyword search: %w: %w", retrieval.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var results []retrieval.SearchResult
	for rows.Next() {
		var r retrieval.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.Score); err != nil {
			return nil, fmt.Errorf("docstore: keyword search scan: %w", err)
		}
		r.Rank = len(results) + 1
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: keyword search rows: %w: %w", retrieval.ErrIndexUnavailable, err)
	}
	return results, nil
}

// appendFilter adds metadata predicates for the given filter to the query.
// Date validity uses the stored epoch-day columns: a chunk is in force on
// day D when valid_from_day <= D and valid_to_day is NULL or >= D.
func appendFilter(q string, args []any, f retrieval.Filter) (string, []any) {
	if f.AsOf != nil {
		day := retrieval.DayNumber(*f.AsOf)
		q += `
  AND (c.valid_from_day IS NULL OR c.valid_from_day <= ?)
  AND (c.valid_to_day   IS NULL OR c.valid_to_day   >= ?)`
		args = append(args, day, day)
	}
	if len(f.DocTypes) > 0 {
		q += `
  AND c.doc_type IN (?` + strings.Repeat(",?", len(f.DocTypes)-1) + `)`
		for _, dt := range f.DocTypes {
			args = append(args, string(dt))
		}
	}
	if len(f.Sources) > 0 {
		q += `
  AND c.source IN (?` + strings.Repeat(",?", len(f.Sources)-1) + `)`
		for _, src := range f.Sources {
			args = append(args, src)
		}
	}
	return q, args
}

// buildMatchExpr converts free text into an FTS5 MATCH expression. Each
// term is double-quoted so FTS5 operator words (OR, NOT, NEAR) and
// punctuation in user queries cannot change the query semantics, and terms
// are joined with OR: keyword recall feeds rank fusion, where documents
// matching more terms naturally score higher via BM25.
func buildMatchExpr(query string) string {
	terms := splitTerms(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// splitTerms lowercases the query and extracts letter/digit runs, mirroring
// the unicode61 tokenizer used by the index.
func splitTerms(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
