// Package ingest loads legal documents into the retrieval indexes: it
// chunks document text, derives deterministic chunk IDs, embeds the chunks,
// and writes them to the document store and the vector index. Re-ingesting
// an unchanged document is a no-op end to end; changed text produces new
// chunk IDs. The result cache is invalidated once per batch so cached
// answers never outlive the corpus they were grounded in.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

// Document is one corpus entry: a legal document (or article of one) with
// its validity metadata.
type Document struct {
	// Source identifies the document (e.g. "ГК РФ часть 1").
	Source string `json:"source"`
	// Article is the article reference, if the entry covers one article.
	Article string `json:"article,omitempty"`
	// Edition identifies the document edition (e.g. "2023-06-01").
	Edition string `json:"edition"`
	// DocType is one of: code, federal_law, ruling, letter, other.
	DocType string `json:"doc_type"`
	// ValidFrom is the first day the provision is in force ("2006-01-02").
	// Empty means unbounded in the past.
	ValidFrom string `json:"valid_from,omitempty"`
	// ValidTo is the last day the provision is in force. Empty means still
	// in force.
	ValidTo string `json:"valid_to,omitempty"`
	// Text is the document text.
	Text string `json:"text"`
}

// Store is the document-store surface the ingestor writes to.
type Store interface {
	Upsert(ctx context.Context, chunks []retrieval.Chunk) error
	DeleteBySource(ctx context.Context, source, edition string) ([]string, error)
}

// Invalidator empties the result cache after corpus changes.
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Options holds chunking parameters.
type Options struct {
	// MaxChunkRunes bounds chunk size; 0 = DefaultMaxChunkRunes.
	MaxChunkRunes int
	// OverlapRunes is the inter-chunk overlap; 0 = DefaultOverlapRunes.
	OverlapRunes int
}

// Ingestor writes documents into the store and vector index.
type Ingestor struct {
	store    Store
	vector   retrieval.VectorIndex
	embedder retrieval.Embedder
	cache    Invalidator
	opts     Options
	log      *slog.Logger
}

// New constructs an Ingestor. cache may be nil when no result cache is
// deployed.
func New(store Store, vector retrieval.VectorIndex, embedder retrieval.Embedder, cache Invalidator, opts Options, log *slog.Logger) (*Ingestor, error) {
	if store == nil || vector == nil || embedder == nil {
		return nil, fmt.Errorf("ingest: store, vector, and embedder are all required")
	}
	if opts.MaxChunkRunes <= 0 {
		opts.MaxChunkRunes = DefaultMaxChunkRunes
	}
	if opts.OverlapRunes <= 0 {
		opts.OverlapRunes = DefaultOverlapRunes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{store: store, vector: vector, embedder: embedder, cache: cache, opts: opts, log: log}, nil
}

// Stats summarizes one ingestion batch.
type Stats struct {
	Documents int
	Chunks    int
}

// IngestAll ingests every document and invalidates the result cache once at
// the end. It stops at the first failing document; everything ingested
// before the failure stays ingested (each document is written atomically
// enough for re-runs: re-ingesting it is idempotent).
func (ing *Ingestor) IngestAll(ctx context.Context, docs []Document) (Stats, error) {
	var stats Stats
	for i, doc := range docs {
		n, err := ing.ingestDocument(ctx, doc)
		if err != nil {
			return stats, fmt.Errorf("ingest: document %d (%s, %s): %w", i, doc.Source, doc.Edition, err)
		}
		stats.Documents++
		stats.Chunks += n
	}

	if err := ing.invalidate(ctx); err != nil {
		return stats, err
	}
	ing.log.Info("ingest: batch complete",
		slog.Int("documents", stats.Documents),
		slog.Int("chunks", stats.Chunks),
	)
	return stats, nil
}

// Delete removes every chunk of the given document edition from both
// indexes and invalidates the result cache. Used for superseded or
// withdrawn documents.
func (ing *Ingestor) Delete(ctx context.Context, source, edition string) (int, error) {
	ids, err := ing.store.DeleteBySource(ctx, source, edition)
	if err != nil {
		return 0, fmt.Errorf("ingest: delete %s (%s): %w", source, edition, err)
	}
	if len(ids) > 0 {
		if err := ing.vector.Delete(ctx, ids); err != nil {
			return 0, fmt.Errorf("ingest: delete %s (%s) from vector index: %w", source, edition, err)
		}
	}
	if err := ing.invalidate(ctx); err != nil {
		return len(ids), err
	}
	ing.log.Info("ingest: document deleted",
		slog.String("source", source),
		slog.String("edition", edition),
		slog.Int("chunks", len(ids)),
	)
	return len(ids), nil
}

// ingestDocument chunks, embeds, and writes one document.
func (ing *Ingestor) ingestDocument(ctx context.Context, doc Document) (int, error) {
	chunks, err := ing.buildChunks(doc)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		ing.log.Warn("ingest: document has no text, skipping",
			slog.String("source", doc.Source),
			slog.String("edition", doc.Edition),
		)
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := ing.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embed: got %d vectors for %d chunks", len(embeddings), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}

	if err := ing.store.Upsert(ctx, chunks); err != nil {
		return 0, err
	}
	if err := ing.vector.Upsert(ctx, chunks); err != nil {
		return 0, err
	}

	ing.log.Debug("ingest: document ingested",
		slog.String("source", doc.Source),
		slog.String("edition", doc.Edition),
		slog.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

// buildChunks validates the document and derives its chunks with
// deterministic IDs.
func (ing *Ingestor) buildChunks(doc Document) ([]retrieval.Chunk, error) {
	if doc.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	docType := retrieval.DocType(doc.DocType)
	if doc.DocType == "" {
		docType = retrieval.DocTypeOther
	} else if !retrieval.ValidDocType(docType) {
		return nil, fmt.Errorf("unknown doc_type %q", doc.DocType)
	}

	meta := retrieval.ChunkMetadata{
		Source:  doc.Source,
		Article: doc.Article,
		Edition: doc.Edition,
		DocType: docType,
	}
	if doc.ValidFrom != "" {
		t, err := retrieval.NormalizeDate(doc.ValidFrom)
		if err != nil {
			return nil, fmt.Errorf("valid_from: %w", err)
		}
		meta.ValidFrom = &t
	}
	if doc.ValidTo != "" {
		t, err := retrieval.NormalizeDate(doc.ValidTo)
		if err != nil {
			return nil, fmt.Errorf("valid_to: %w", err)
		}
		meta.ValidTo = &t
	}
	if meta.ValidFrom != nil && meta.ValidTo != nil && meta.ValidTo.Before(*meta.ValidFrom) {
		return nil, fmt.Errorf("valid_to %s precedes valid_from %s", doc.ValidTo, doc.ValidFrom)
	}

	pieces := SplitText(doc.Text, ing.opts.MaxChunkRunes, ing.opts.OverlapRunes)
	chunks := make([]retrieval.Chunk, len(pieces))
	for i, text := range pieces {
		chunks[i] = retrieval.Chunk{
			ID:       retrieval.ChunkID(doc.Source, doc.Edition, i, text),
			Text:     text,
			Metadata: meta,
		}
	}
	return chunks, nil
}

func (ing *Ingestor) invalidate(ctx context.Context) error {
	if ing.cache == nil {
		return nil
	}
	if err := ing.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("ingest: invalidate result cache: %w", err)
	}
	return nil
}

// ReadCorpus parses a corpus from r. Both formats used in practice are
// accepted: a single JSON array of documents, or JSON Lines with one
// document per line.
func ReadCorpus(r io.Reader) ([]Document, error) {
	br := bufio.NewReader(r)

	// Peek past leading whitespace to detect the format.
	for {
		b, err := br.Peek(1)
		if err != nil {
			return nil, fmt.Errorf("ingest: empty corpus: %w", err)
		}
		if b[0] == ' ' || b[0] == '\t' || b[0] == '\n' || b[0] == '\r' {
			_, _ = br.ReadByte()
			continue
		}
		if b[0] == '[' {
			var docs []Document
			if err := json.NewDecoder(br).Decode(&docs); err != nil {
				return nil, fmt.Errorf("ingest: parse corpus array: %w", err)
			}
			return docs, nil
		}
		break
	}

	var docs []Document
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("ingest: parse corpus line %d: %w", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ingest: read corpus: %w", err)
	}
	return docs, nil
}
