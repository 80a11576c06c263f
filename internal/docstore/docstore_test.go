package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

// openTestStore opens an in-memory Store for use in tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func date(t *testing.T, s string) *time.Time {
	t.Helper()
	d, err := retrieval.NormalizeDate(s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return &d
}

// testChunk builds a chunk with a deterministic ID.
func testChunk(source, edition string, index int, text string, meta retrieval.ChunkMetadata) retrieval.Chunk {
	meta.Source = source
	meta.Edition = edition
	if meta.DocType == "" {
		meta.DocType = retrieval.DocTypeCode
	}
	return retrieval.Chunk{
		ID:       retrieval.ChunkID(source, edition, index, text),
		Text:     text,
		Metadata: meta,
	}
}

func Test_Store_UpsertAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c1 := testChunk("ГК РФ", "2023-06-01", 0, "Общий срок исковой давности составляет три года", retrieval.ChunkMetadata{
		Article:   "ст. 196",
		ValidFrom: date(t, "2013-09-01"),
	})
	c2 := testChunk("ГК РФ", "2023-06-01", 1, "Срок исковой давности не может превышать десять лет", retrieval.ChunkMetadata{
		Article:   "ст. 196",
		ValidFrom: date(t, "2013-09-01"),
	})

	if err := s.Upsert(ctx, []retrieval.Chunk{c1, c2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Get(ctx, []string{c2.ID, c1.ID, "00000000-0000-0000-0000-000000000000"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 chunks, got %d", len(got))
	}
	// Order must follow the requested IDs, missing IDs skipped.
	if got[0].ID != c2.ID || got[1].ID != c1.ID {
		t.Errorf("get order: want [%s %s], got [%s %s]", c2.ID, c1.ID, got[0].ID, got[1].ID)
	}
	if got[0].Text != c2.Text {
		t.Errorf("text round-trip: want %q, got %q", c2.Text, got[0].Text)
	}
	if got[0].Metadata.ValidFrom == nil || !got[0].Metadata.ValidFrom.Equal(*c2.Metadata.ValidFrom) {
		t.Errorf("valid_from round-trip: want %v, got %v", c2.Metadata.ValidFrom, got[0].Metadata.ValidFrom)
	}
	if got[0].Metadata.ValidTo != nil {
		t.Errorf("valid_to: want nil, got %v", got[0].Metadata.ValidTo)
	}
}

func Test_Store_UpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c := testChunk("ТК РФ", "2024-01-01", 0, "Нормальная продолжительность рабочего времени", retrieval.ChunkMetadata{})
	for range 3 {
		if err := s.Upsert(ctx, []retrieval.Chunk{c}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 chunk after repeated upsert, got %d", n)
	}
}

func Test_Store_Search_RanksByRelevance(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []retrieval.Chunk{
		testChunk("ГК РФ", "2023-06-01", 0, "Общий срок исковой давности составляет три года со дня определяемого в соответствии со статьей 200", retrieval.ChunkMetadata{}),
		testChunk("ГК РФ", "2023-06-01", 1, "Договор считается заключенным с момента получения акцепта", retrieval.ChunkMetadata{}),
		testChunk("ГК РФ", "2023-06-01", 2, "Исковая давность применяется судом только по заявлению стороны в споре", retrieval.ChunkMetadata{}),
	}
	if err := s.Upsert(ctx, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := s.Search(ctx, "срок исковой давности", 10, retrieval.Filter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 matches, got %d", len(results))
	}
	if results[0].ChunkID != chunks[0].ID {
		t.Errorf("top result: want %s, got %s", chunks[0].ID, results[0].ChunkID)
	}
	for i, r := range results {
		if r.Rank != i+1 {
			t.Errorf("rank[%d]: want %d, got %d", i, i+1, r.Rank)
		}
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
}

func Test_Store_Search_DateValidityFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	old := testChunk("ГК РФ", "2010-01-01", 0, "Срок исковой давности прежней редакции", retrieval.ChunkMetadata{
		ValidFrom: date(t, "1995-01-01"),
		ValidTo:   date(t, "2013-08-31"),
	})
	current := testChunk("ГК РФ", "2023-06-01", 0, "Срок исковой давности действующей редакции", retrieval.ChunkMetadata{
		ValidFrom: date(t, "2013-09-01"),
	})
	if err := s.Upsert(ctx, []retrieval.Chunk{old, current}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := s.Search(ctx, "срок исковой давности", 10, retrieval.Filter{AsOf: date(t, "2024-05-01")})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != current.ID {
		t.Fatalf("as_of 2024: want only current edition, got %v", results)
	}

	// Boundary day: a chunk whose validity ends exactly on D is still in force.
	results, err = s.Search(ctx, "срок исковой давности", 10, retrieval.Filter{AsOf: date(t, "2013-08-31")})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != old.ID {
		t.Fatalf("as_of boundary: want only old edition, got %v", results)
	}
}

func Test_Store_Search_DocTypeAndSourceFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	code := testChunk("ГК РФ", "2023-06-01", 0, "Исковая давность в кодексе", retrieval.ChunkMetadata{DocType: retrieval.DocTypeCode})
	ruling := testChunk("Постановление Пленума ВС № 43", "2015-09-29", 0, "Исковая давность в разъяснениях", retrieval.ChunkMetadata{DocType: retrieval.DocTypeRuling})
	if err := s.Upsert(ctx, []retrieval.Chunk{code, ruling}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := s.Search(ctx, "исковая давность", 10, retrieval.Filter{
		DocTypes: []retrieval.DocType{retrieval.DocTypeRuling},
	})
	if err != nil {
		t.Fatalf("search by doc_type: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != ruling.ID {
		t.Fatalf("doc_type filter: want only ruling, got %v", results)
	}

	results, err = s.Search(ctx, "исковая давность", 10, retrieval.Filter{
		Sources: []string{"ГК РФ"},
	})
	if err != nil {
		t.Fatalf("search by source: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != code.ID {
		t.Fatalf("source filter: want only code chunk, got %v", results)
	}
}

func Test_Store_Search_QueryPunctuationIsSafe(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c := testChunk("ГК РФ", "2023-06-01", 0, "Статья 196 срок исковой давности", retrieval.ChunkMetadata{})
	if err := s.Upsert(ctx, []retrieval.Chunk{c}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// FTS5 operators and punctuation in user input must not break the query.
	for _, q := range []string{`ст. 196 ГК РФ "срок"`, `срок NOT давность`, `(давность)`, `---`} {
		if _, err := s.Search(ctx, q, 10, retrieval.Filter{}); err != nil {
			t.Errorf("search %q: %v", q, err)
		}
	}
}

func Test_Store_Search_EmptyQuery(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	results, err := s.Search(context.Background(), "  ...  ", 10, retrieval.Filter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("want no results for empty query, got %d", len(results))
	}
}

func Test_Store_DeleteBySource(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a := testChunk("ГК РФ", "2010-01-01", 0, "старая редакция", retrieval.ChunkMetadata{})
	b := testChunk("ГК РФ", "2010-01-01", 1, "ещё старая редакция", retrieval.ChunkMetadata{})
	keep := testChunk("ГК РФ", "2023-06-01", 0, "действующая редакция", retrieval.ChunkMetadata{})
	if err := s.Upsert(ctx, []retrieval.Chunk{a, b, keep}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	removed, err := s.DeleteBySource(ctx, "ГК РФ", "2010-01-01")
	if err != nil {
		t.Fatalf("delete by source: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("want 2 removed IDs, got %d", len(removed))
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 chunk left, got %d", n)
	}

	// The FTS index must follow the deletion.
	results, err := s.Search(ctx, "старая редакция", 10, retrieval.Filter{})
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	for _, r := range results {
		if r.ChunkID == a.ID || r.ChunkID == b.ID {
			t.Errorf("deleted chunk %s still in FTS index", r.ChunkID)
		}
	}
}
