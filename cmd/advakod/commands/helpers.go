package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wmzpwnz/advakod-sub005/internal/cache"
	"github.com/wmzpwnz/advakod-sub005/internal/config"
	"github.com/wmzpwnz/advakod-sub005/internal/docstore"
	"github.com/wmzpwnz/advakod-sub005/internal/embedder"
	"github.com/wmzpwnz/advakod-sub005/internal/provider"
	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
	"github.com/wmzpwnz/advakod-sub005/internal/scheduler"
)

// retrievalStack bundles the storage and search components shared by the
// serve, ask, and ingest commands.
type retrievalStack struct {
	// Store is the SQLite chunk store and keyword index.
	Store *docstore.Store
	// Embed is the embedding API client.
	Embed *embedder.Client
	// Qdrant is the vector index.
	Qdrant *retrieval.QdrantIndex
	// Hybrid fuses vector and keyword search results.
	Hybrid *retrieval.Hybrid
}

// Close releases the stack's connections. Safe to call once.
func (s *retrievalStack) Close() {
	if s.Qdrant != nil {
		_ = s.Qdrant.Close()
	}
	if s.Store != nil {
		_ = s.Store.Close()
	}
}

// buildRetrievalStack opens the document store, the embedding client, and
// the Qdrant index, and wires them into a hybrid searcher.
func buildRetrievalStack(ctx context.Context, cfg *config.Config, log *slog.Logger) (*retrievalStack, error) {
	store, err := docstore.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	emb := embedder.New(cfg.Embedding)

	qdrantIdx, err := retrieval.NewQdrantIndex(ctx, &retrieval.QdrantConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
		VectorSize: uint64(cfg.Embedding.Dimensions),
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.TLS,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", cfg.Qdrant.Host, cfg.Qdrant.Port, err)
	}

	hybrid, err := retrieval.NewHybrid(emb, qdrantIdx, store, retrieval.HybridConfig{
		VectorTopK:  cfg.Retrieval.VectorTopK,
		KeywordTopK: cfg.Retrieval.KeywordTopK,
		RRFConstant: cfg.Retrieval.RRFConstant,
	})
	if err != nil {
		_ = qdrantIdx.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build hybrid search: %w", err)
	}

	log.Info("retrieval stack ready",
		slog.String("db_path", cfg.Store.DBPath),
		slog.String("qdrant", fmt.Sprintf("%s:%d", cfg.Qdrant.Host, cfg.Qdrant.Port)),
		slog.String("collection", cfg.Qdrant.Collection),
	)

	return &retrievalStack{Store: store, Embed: emb, Qdrant: qdrantIdx, Hybrid: hybrid}, nil
}

// buildAnswerCache connects the Redis result cache. Returns nil when no
// Redis address is configured: caching is optional and the pipeline treats
// a nil cache as always-miss.
func buildAnswerCache(cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*cache.ResultCache, error) {
	if cfg.Redis.Addr == "" {
		log.Info("result cache disabled", slog.String("reason", "no redis address configured"))
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	rc, err := cache.New(client, cfg.Redis.TTL(), log, cache.NewMetrics(reg))
	if err != nil {
		return nil, fmt.Errorf("build result cache: %w", err)
	}

	log.Info("result cache ready",
		slog.String("addr", cfg.Redis.Addr),
		slog.Duration("ttl", cfg.Redis.TTL()),
	)
	return rc, nil
}

// buildScheduler initialises the LLM backend and wraps it in the inference
// request scheduler.
func buildScheduler(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*scheduler.Scheduler, *provider.ChatEngine, error) {
	chatModel, err := provider.NewChatModel(ctx, cfg.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("initialise model provider: %w", err)
	}
	log.Info("model provider initialised",
		slog.String("provider", cfg.Model.Provider),
		slog.String("model", cfg.Model.Name),
	)

	engine, err := provider.NewChatEngine(chatModel)
	if err != nil {
		return nil, nil, fmt.Errorf("build chat engine: %w", err)
	}

	sched, err := scheduler.New(engine, scheduler.Options{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		QueueCapacity:  cfg.Scheduler.QueueCapacity,
		RequestTimeout: cfg.Scheduler.RequestTimeout(),
		HistorySize:    cfg.Scheduler.HistorySize,
	}, log, scheduler.NewMetrics(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("build scheduler: %w", err)
	}

	return sched, engine, nil
}
