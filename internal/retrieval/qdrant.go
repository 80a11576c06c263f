package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names used in the Qdrant collection. Validity bounds are
// stored as integer days since the Unix epoch so date filters are numeric
// range conditions, never lexical string comparisons.
const (
	payloadText         = "text"
	payloadSource       = "source"
	payloadArticle      = "article"
	payloadEdition      = "edition"
	payloadDocType      = "doc_type"
	payloadValidFromDay = "valid_from_day"
	payloadValidToDay   = "valid_to_day"
)

// QdrantConfig holds connection parameters for a Qdrant vector index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this
	// collection. Must match the embedder's output dimensionality.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements VectorIndex backed by a Qdrant instance.
// Similarity is cosine, fixed at collection creation time.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex creates a QdrantIndex, ensuring the target collection exists
// (creating it with cosine distance if necessary).
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return idx, nil
}

// Client exposes the underlying gRPC client for readiness probing.
func (s *QdrantIndex) Client() *qdrant.Client { return s.client }

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// Upsert stores or replaces a batch of chunks. Each chunk must have its
// embedding populated; the index never calls the embedder itself.
func (s *QdrantIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("qdrant: chunk %s has no embedding", c.ID)
		}

		payload := map[string]any{
			payloadText:    c.Text,
			payloadSource:  c.Metadata.Source,
			payloadArticle: c.Metadata.Article,
			payloadEdition: c.Metadata.Edition,
			payloadDocType: string(c.Metadata.DocType),
		}
		if c.Metadata.ValidFrom != nil {
			payload[payloadValidFromDay] = DayNumber(*c.Metadata.ValidFrom)
		}
		if c.Metadata.ValidTo != nil {
			payload[payloadValidToDay] = DayNumber(*c.Metadata.ValidTo)
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", ErrIndexUnavailable, err)
	}

	return nil
}

// Search performs a cosine similarity search with the given metadata filter
// and returns the top-k results ranked descending, ties broken ascending by
// chunk ID for determinism.
func (s *QdrantIndex) Search(ctx context.Context, queryEmbedding []float32, topK int, filter Filter) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("qdrant: topK must be positive, got %d", topK)
	}

	limit := uint64(topK)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          &limit,
		Filter:         buildQdrantFilter(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrIndexUnavailable, err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, SearchResult{
			ChunkID: p.Id.GetUuid(),
			Score:   float64(p.Score),
		})
	}

	// Qdrant orders by score but makes no promise about equal-score order;
	// re-sort with the chunk-ID tiebreak and assign 1-based ranks.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	for i := range results {
		results[i].Rank = i + 1
	}

	return results, nil
}

// buildQdrantFilter translates a Filter into Qdrant conditions.
// Returns nil for the zero filter so unfiltered queries skip filter
// evaluation entirely.
func buildQdrantFilter(f Filter) *qdrant.Filter {
	if f.IsZero() {
		return nil
	}

	var must []*qdrant.Condition

	if len(f.DocTypes) > 0 {
		keywords := make([]string, len(f.DocTypes))
		for i, t := range f.DocTypes {
			keywords[i] = string(t)
		}
		must = append(must, qdrant.NewMatchKeywords(payloadDocType, keywords...))
	}

	if len(f.Sources) > 0 {
		must = append(must, qdrant.NewMatchKeywords(payloadSource, f.Sources...))
	}

	if f.AsOf != nil {
		day := float64(DayNumber(*f.AsOf))

		// valid_from_day <= D; chunks without the field are treated as
		// always-valid, which matches the reference Filter.Matches semantics.
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{
				Filter: &qdrant.Filter{
					Should: []*qdrant.Condition{
						qdrant.NewIsNull(payloadValidFromDay),
						qdrant.NewRange(payloadValidFromDay, &qdrant.Range{Lte: &day}),
					},
				},
			},
		})

		// valid_to_day is null (still in force) or >= D.
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{
				Filter: &qdrant.Filter{
					Should: []*qdrant.Condition{
						qdrant.NewIsNull(payloadValidToDay),
						qdrant.NewRange(payloadValidToDay, &qdrant.Range{Gte: &day}),
					},
				},
			},
		})
	}

	return &qdrant.Filter{Must: must}
}

// Delete removes chunks from the collection by their IDs.
func (s *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrIndexUnavailable, err)
	}

	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}
