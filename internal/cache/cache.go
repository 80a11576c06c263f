// Package cache provides the short-TTL query result cache backed by Redis.
//
// Keys are derived from the normalized query text plus a canonical encoding
// of the retrieval filter, and are namespaced under a generation counter:
// InvalidateAll bumps the counter, making every existing entry unreachable
// without scanning the keyspace. Redis faults never fail a query: reads
// degrade to a miss and writes are dropped, both logged at Warn.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

const (
	// keyPrefix namespaces all cache keys in a possibly shared Redis.
	keyPrefix = "advakod:answers"
	// generationKey holds the invalidation counter.
	generationKey = keyPrefix + ":generation"
)

// ResultCache caches final answers keyed by (query, filter).
// Safe for concurrent use.
type ResultCache struct {
	client  redis.UniversalClient
	ttl     time.Duration
	log     *slog.Logger
	metrics *Metrics
}

// New constructs a ResultCache over the given Redis client. The metrics may
// be nil when the caller does not collect them.
func New(client redis.UniversalClient, ttl time.Duration, log *slog.Logger, metrics *Metrics) (*ResultCache, error) {
	if client == nil {
		return nil, fmt.Errorf("cache: redis client is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResultCache{client: client, ttl: ttl, log: log, metrics: metrics}, nil
}

// Get returns the cached payload for the given query and filter, or ok=false
// on a miss. Redis errors are reported as misses.
func (c *ResultCache) Get(ctx context.Context, query string, filter retrieval.Filter) ([]byte, bool) {
	key, err := c.entryKey(ctx, query, filter)
	if err != nil {
		c.log.Warn("cache: degrading to miss", slog.String("error", err.Error()))
		c.metrics.incError()
		return nil, false
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		c.metrics.incMiss()
		return nil, false
	case err != nil:
		c.log.Warn("cache: read failed, degrading to miss", slog.String("error", err.Error()))
		c.metrics.incError()
		return nil, false
	}

	c.metrics.incHit()
	return payload, true
}

// Set stores the payload under the given query and filter with the
// configured TTL. Failures are logged and swallowed: caching is best-effort.
func (c *ResultCache) Set(ctx context.Context, query string, filter retrieval.Filter, payload []byte) {
	key, err := c.entryKey(ctx, query, filter)
	if err != nil {
		c.log.Warn("cache: skipping store", slog.String("error", err.Error()))
		c.metrics.incError()
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.Warn("cache: store failed", slog.String("error", err.Error()))
		c.metrics.incError()
	}
}

// InvalidateAll makes every cached entry unreachable by bumping the
// generation counter. Orphaned entries expire via their TTL.
func (c *ResultCache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("cache: invalidate all: %w", err)
	}
	c.log.Info("cache: invalidated all entries")
	return nil
}

// Ping verifies Redis is reachable, for readiness probes.
func (c *ResultCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// entryKey builds the namespaced key for (query, filter) under the current
// generation.
func (c *ResultCache) entryKey(ctx context.Context, query string, filter retrieval.Filter) (string, error) {
	gen, err := c.client.Get(ctx, generationKey).Result()
	switch {
	case err == redis.Nil:
		gen = "0"
	case err != nil:
		return "", fmt.Errorf("cache: read generation: %w", err)
	}

	h := sha256.Sum256([]byte(normalizeQuery(query) + "\x00" + canonicalFilter(filter)))
	return fmt.Sprintf("%s:g%s:%s", keyPrefix, gen, hex.EncodeToString(h[:])), nil
}

// normalizeQuery lowercases the query and collapses internal whitespace so
// trivially different phrasings of the same question share an entry.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// canonicalFilter renders the filter with sorted fields so logically equal
// filters always hash identically.
func canonicalFilter(f retrieval.Filter) string {
	var b strings.Builder
	if f.AsOf != nil {
		fmt.Fprintf(&b, "as_of=%d;", retrieval.DayNumber(*f.AsOf))
	}
	if len(f.DocTypes) > 0 {
		types := make([]string, len(f.DocTypes))
		for i, dt := range f.DocTypes {
			types[i] = string(dt)
		}
		sort.Strings(types)
		fmt.Fprintf(&b, "doc_type=%s;", strings.Join(types, ","))
	}
	if len(f.Sources) > 0 {
		sources := append([]string(nil), f.Sources...)
		sort.Strings(sources)
		fmt.Fprintf(&b, "source=%s;", strings.Join(sources, ","))
	}
	return b.String()
}
