package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

// memStore collects upserted chunks in memory.
type memStore struct {
	chunks map[string]retrieval.Chunk
}

func newMemStore() *memStore {
	return &memStore{chunks: make(map[string]retrieval.Chunk)}
}

func (m *memStore) Upsert(_ context.Context, chunks []retrieval.Chunk) error {
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *memStore) DeleteBySource(_ context.Context, source, edition string) ([]string, error) {
	var ids []string
	for id, c := range m.chunks {
		if c.Metadata.Source == source && c.Metadata.Edition == edition {
			ids = append(ids, id)
			delete(m.chunks, id)
		}
	}
	return ids, nil
}

// memVector records vector index writes and deletes.
type memVector struct {
	chunks  map[string]retrieval.Chunk
	deleted []string
}

func newMemVector() *memVector {
	return &memVector{chunks: make(map[string]retrieval.Chunk)}
}

func (m *memVector) Upsert(_ context.Context, chunks []retrieval.Chunk) error {
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *memVector) Search(context.Context, []float32, int, retrieval.Filter) ([]retrieval.SearchResult, error) {
	return nil, nil
}

func (m *memVector) Delete(_ context.Context, ids []string) error {
	m.deleted = append(m.deleted, ids...)
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}

func (m *memVector) Close() error { return nil }

// unitEmbedder returns a fixed-dimension vector per text.
type unitEmbedder struct{ calls int }

func (e *unitEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// countingInvalidator counts InvalidateAll calls.
type countingInvalidator struct{ calls int }

func (c *countingInvalidator) InvalidateAll(context.Context) error {
	c.calls++
	return nil
}

func newTestIngestor(t *testing.T) (*Ingestor, *memStore, *memVector, *countingInvalidator) {
	t.Helper()
	store := newMemStore()
	vector := newMemVector()
	inval := &countingInvalidator{}
	ing, err := New(store, vector, &unitEmbedder{}, inval, Options{}, nil)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return ing, store, vector, inval
}

func civilCodeDoc() Document {
	return Document{
		Source:    "ГК РФ часть 1",
		Article:   "ст. 196",
		Edition:   "2023-06-01",
		DocType:   "code",
		ValidFrom: "2013-09-01",
		Text:      "Общий срок исковой давности составляет три года со дня, определяемого в соответствии со статьёй 200 настоящего Кодекса.",
	}
}

func Test_SplitText_ShortTextSingleChunk(t *testing.T) {
	t.Parallel()
	chunks := SplitText("Краткий текст статьи.", 2000, 200)
	if len(chunks) != 1 || chunks[0] != "Краткий текст статьи." {
		t.Errorf("got %v", chunks)
	}
}

func Test_SplitText_BoundAndOverlap(t *testing.T) {
	t.Parallel()
	sentence := "Это предложение о сроке исковой давности. "
	text := strings.Repeat(sentence, 40)

	chunks := SplitText(text, 300, 50)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 300 {
			t.Errorf("chunk %d exceeds bound: %d runes", i, n)
		}
	}
	// Consecutive chunks share overlapping text.
	tail := []rune(chunks[0])
	tailStr := string(tail[len(tail)-20:])
	if !strings.Contains(chunks[1], strings.TrimSpace(tailStr)) {
		t.Errorf("chunks do not overlap: %q not in next chunk", tailStr)
	}
}

func Test_SplitText_Deterministic(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("Статья о договоре аренды и его условиях. ", 30)
	first := SplitText(text, 250, 40)
	for range 3 {
		again := SplitText(text, 250, 40)
		if len(again) != len(first) {
			t.Fatalf("chunk count varies: %d vs %d", len(first), len(again))
		}
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("chunk %d differs between runs", i)
			}
		}
	}
}

func Test_IngestAll_WritesBothIndexes(t *testing.T) {
	t.Parallel()
	ing, store, vector, inval := newTestIngestor(t)

	stats, err := ing.IngestAll(context.Background(), []Document{civilCodeDoc()})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stats.Documents != 1 || stats.Chunks != 1 {
		t.Errorf("stats: %+v", stats)
	}
	if len(store.chunks) != 1 || len(vector.chunks) != 1 {
		t.Fatalf("store=%d vector=%d chunks", len(store.chunks), len(vector.chunks))
	}
	for _, c := range vector.chunks {
		if len(c.Embedding) == 0 {
			t.Error("vector index chunk missing embedding")
		}
		if c.Metadata.DocType != retrieval.DocTypeCode || c.Metadata.ValidFrom == nil {
			t.Errorf("metadata not carried: %+v", c.Metadata)
		}
	}
	if inval.calls != 1 {
		t.Errorf("cache invalidations: want 1, got %d", inval.calls)
	}
}

func Test_IngestAll_IdempotentIDs(t *testing.T) {
	t.Parallel()
	ing, store, _, _ := newTestIngestor(t)
	ctx := context.Background()

	if _, err := ing.IngestAll(ctx, []Document{civilCodeDoc()}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	var firstID string
	for id := range store.chunks {
		firstID = id
	}

	// Same content: same ID, still one chunk.
	if _, err := ing.IngestAll(ctx, []Document{civilCodeDoc()}); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if len(store.chunks) != 1 {
		t.Fatalf("want 1 chunk after re-ingest, got %d", len(store.chunks))
	}
	if _, ok := store.chunks[firstID]; !ok {
		t.Error("chunk ID changed for unchanged content")
	}

	// Changed text: new ID.
	changed := civilCodeDoc()
	changed.Text += " Дополнение."
	if _, err := ing.IngestAll(ctx, []Document{changed}); err != nil {
		t.Fatalf("ingest changed: %v", err)
	}
	if _, ok := store.chunks[firstID]; !ok {
		t.Error("old chunk should still exist until superseded explicitly")
	}
	if len(store.chunks) != 2 {
		t.Errorf("want 2 chunks after content change, got %d", len(store.chunks))
	}
}

func Test_Delete_RemovesFromBothIndexes(t *testing.T) {
	t.Parallel()
	ing, store, vector, inval := newTestIngestor(t)
	ctx := context.Background()

	if _, err := ing.IngestAll(ctx, []Document{civilCodeDoc()}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	n, err := ing.Delete(ctx, "ГК РФ часть 1", "2023-06-01")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted: want 1, got %d", n)
	}
	if len(store.chunks) != 0 || len(vector.chunks) != 0 {
		t.Errorf("chunks remain: store=%d vector=%d", len(store.chunks), len(vector.chunks))
	}
	if len(vector.deleted) != 1 {
		t.Errorf("vector deletes: want 1, got %d", len(vector.deleted))
	}
	if inval.calls != 2 { // ingest + delete
		t.Errorf("cache invalidations: want 2, got %d", inval.calls)
	}
}

func Test_IngestAll_RejectsInvalidDocuments(t *testing.T) {
	t.Parallel()
	ing, _, _, _ := newTestIngestor(t)
	ctx := context.Background()

	cases := map[string]Document{
		"missing source": {Edition: "1", DocType: "code", Text: "текст"},
		"bad doc type":   {Source: "ГК РФ", Edition: "1", DocType: "statute", Text: "текст"},
		"bad date":       {Source: "ГК РФ", Edition: "1", DocType: "code", ValidFrom: "01.09.2013", Text: "текст"},
		"inverted dates": {Source: "ГК РФ", Edition: "1", DocType: "code", ValidFrom: "2020-01-01", ValidTo: "2019-01-01", Text: "текст"},
	}
	for name, doc := range cases {
		if _, err := ing.IngestAll(ctx, []Document{doc}); err == nil {
			t.Errorf("%s: want error", name)
		}
	}
}

func Test_ReadCorpus_ArrayAndLines(t *testing.T) {
	t.Parallel()
	array := `[
  {"source": "ГК РФ часть 1", "edition": "2023-06-01", "doc_type": "code", "text": "Статья 196."},
  {"source": "ТК РФ", "edition": "2024-01-01", "doc_type": "code", "text": "Статья 91."}
]`
	docs, err := ReadCorpus(strings.NewReader(array))
	if err != nil {
		t.Fatalf("array corpus: %v", err)
	}
	if len(docs) != 2 || docs[1].Source != "ТК РФ" {
		t.Errorf("array corpus: %+v", docs)
	}

	lines := `{"source": "ГК РФ часть 1", "edition": "2023-06-01", "doc_type": "code", "text": "Статья 196."}

{"source": "ТК РФ", "edition": "2024-01-01", "doc_type": "code", "text": "Статья 91."}
`
	docs, err = ReadCorpus(strings.NewReader(lines))
	if err != nil {
		t.Fatalf("jsonl corpus: %v", err)
	}
	if len(docs) != 2 || docs[0].Source != "ГК РФ часть 1" {
		t.Errorf("jsonl corpus: %+v", docs)
	}

	if _, err := ReadCorpus(strings.NewReader("{broken json")); err == nil {
		t.Error("want error for malformed corpus")
	}
}
