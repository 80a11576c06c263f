// Package retrieval defines the core types and interfaces of the hybrid
// search pipeline: chunk storage, vector and keyword indexes, embedding, and
// reciprocal-rank fusion of the two ranked lists. Concrete backends (Qdrant,
// SQLite FTS) satisfy these interfaces so the query pipeline never depends on
// a specific store.
package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocType classifies a legal source document.
type DocType string

const (
	// DocTypeCode is a codified statute (ГК, НК, ТК, УК and similar).
	DocTypeCode DocType = "code"
	// DocTypeFederalLaw is a standalone federal law.
	DocTypeFederalLaw DocType = "federal_law"
	// DocTypeRuling is a court ruling or plenum resolution.
	DocTypeRuling DocType = "ruling"
	// DocTypeLetter is an agency clarification letter.
	DocTypeLetter DocType = "letter"
	// DocTypeOther covers everything else.
	DocTypeOther DocType = "other"
)

// validDocTypes is the closed set accepted by filters and ingestion.
var validDocTypes = map[DocType]bool{
	DocTypeCode:       true,
	DocTypeFederalLaw: true,
	DocTypeRuling:     true,
	DocTypeLetter:     true,
	DocTypeOther:      true,
}

// ValidDocType reports whether t is a known document type.
func ValidDocType(t DocType) bool { return validDocTypes[t] }

// ChunkMetadata holds the structured attributes of a chunk used for
// filtering and citation.
type ChunkMetadata struct {
	// Source identifies the parent document (e.g. "ГК РФ часть 1").
	Source string

	// Article is the article/section reference within the source
	// (e.g. "ст. 196"). Empty when the chunk spans no single article.
	Article string

	// Edition identifies the document edition the chunk was ingested from.
	Edition string

	// DocType classifies the source document.
	DocType DocType

	// ValidFrom is the first calendar date (UTC midnight) on which this
	// text is in force. Nil when unknown.
	ValidFrom *time.Time

	// ValidTo is the last calendar date (UTC midnight) on which this text
	// is in force. Nil when the text is currently in force.
	ValidTo *time.Time
}

// Chunk is the retrievable unit of legal text. Chunks are immutable once
// ingested: re-ingestion deletes and recreates, never mutates in place.
type Chunk struct {
	// ID is the deterministic identifier derived by [ChunkID].
	ID string

	// Text is the chunk content. Bounded at ingestion time (see ingest).
	Text string

	// Embedding is the dense vector for Text, parallel to the embedder's
	// fixed output dimensionality. Empty on chunks loaded for display only.
	Embedding []float32

	// Metadata holds the structured attributes.
	Metadata ChunkMetadata
}

// ChunkID derives the stable chunk identifier from the document fingerprint
// (source + edition), the chunk's position, and a hash of its content.
// Re-ingesting identical content at the same position yields the same ID;
// changed content yields a different ID, so an edited document can never
// silently overwrite the old text.
//
// The ID is rendered in canonical UUID form because Qdrant only accepts
// unsigned integers or UUIDs as point IDs.
func ChunkID(source, edition string, index int, text string) string {
	content := sha256.Sum256([]byte(text))
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%d\x00%x", source, edition, index, content))
	id, err := uuid.FromBytes(h[:16])
	if err != nil {
		// Unreachable: FromBytes only fails on length != 16.
		panic(err)
	}
	return id.String()
}

// SearchResult is one ranked hit from a single index. Score is
// method-specific (cosine similarity for vector, BM25 for keyword) and is
// not comparable across indexes without fusion.
type SearchResult struct {
	// ChunkID identifies the hit.
	ChunkID string
	// Score is the index-native relevance score.
	Score float64
	// Rank is the 1-based position within the source list.
	Rank int
}

// FusedResult is one entry of the RRF-merged list.
type FusedResult struct {
	// ChunkID identifies the chunk.
	ChunkID string
	// Score is the summed reciprocal-rank contribution across input lists.
	Score float64
}

// RerankedResult is a fused result annotated with a cross-scorer relevance
// score used for final ordering.
type RerankedResult struct {
	// Chunk is the hydrated chunk (text + metadata) used for the prompt
	// and the citation list.
	Chunk Chunk
	// FusedScore is the RRF score the chunk arrived with.
	FusedScore float64
	// Relevance is the re-ranker's pairwise (query, text) score.
	Relevance float64
}

// Filter restricts a search to chunks matching structured criteria.
// The zero value matches everything.
type Filter struct {
	// AsOf restricts results to chunks in force on the given calendar date:
	// valid_from <= AsOf and (valid_to is null or valid_to >= AsOf).
	// Dates are compared as normalized UTC calendar dates, never as strings.
	AsOf *time.Time

	// DocTypes restricts results to the given document types. Empty = all.
	DocTypes []DocType

	// Sources restricts results to the given source documents. Empty = all.
	Sources []string
}

// IsZero reports whether the filter imposes no restriction.
func (f Filter) IsZero() bool {
	return f.AsOf == nil && len(f.DocTypes) == 0 && len(f.Sources) == 0
}

// Matches reports whether the chunk metadata satisfies the filter. This is
// the reference semantics that index backends must reproduce.
func (f Filter) Matches(m ChunkMetadata) bool {
	if f.AsOf != nil {
		d := *f.AsOf
		if m.ValidFrom != nil && m.ValidFrom.After(d) {
			return false
		}
		if m.ValidTo != nil && m.ValidTo.Before(d) {
			return false
		}
	}
	if len(f.DocTypes) > 0 {
		ok := false
		for _, t := range f.DocTypes {
			if m.DocType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if m.Source == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// NormalizeDate parses an ISO-8601 calendar date ("2006-01-02") into a
// timezone-naive UTC midnight time. All validity comparisons in the system
// go through this normalization.
func NormalizeDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("retrieval: invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t.UTC(), nil
}

// DayNumber converts a normalized date to a day count since the Unix epoch.
// Index backends store validity bounds as integer days so range filters are
// numeric, never lexical.
func DayNumber(t time.Time) int64 {
	return t.Unix() / 86400
}

// VectorIndex performs nearest-neighbour search over chunk embeddings with
// metadata filters. Implementations must be safe for concurrent use.
type VectorIndex interface {
	// Upsert stores or replaces the given chunks (with embeddings populated).
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns the topK chunks most similar to the query embedding,
	// ranked descending by similarity, ties broken ascending by chunk ID.
	Search(ctx context.Context, queryEmbedding []float32, topK int, filter Filter) ([]SearchResult, error)

	// Delete removes chunks by ID.
	Delete(ctx context.Context, ids []string) error

	// Close releases any resources held by the index.
	Close() error
}

// KeywordIndex performs BM25 lexical search over chunk text with the same
// filter semantics as VectorIndex. Implementations must be safe for
// concurrent use and must tokenize queries with the same normalization
// applied at indexing time.
type KeywordIndex interface {
	// Search returns the topK chunks by lexical relevance, ranked
	// descending, ties broken ascending by chunk ID.
	Search(ctx context.Context, query string, topK int, filter Filter) ([]SearchResult, error)
}

// Embedder converts text into dense vector embeddings of a fixed
// dimensionality. Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
