// Package docstore provides the SQLite-backed chunk store for the advakod
// retrieval service. It persists legal text chunks with their metadata and
// maintains an FTS5 full-text index over the same rows, so the keyword side
// of hybrid search is served from the authoritative copy of the corpus.
//
// Chunks are immutable: ingestion upserts whole rows keyed by deterministic
// chunk ID and supersession deletes by source. There is no partial mutation.
package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/wmzpwnz/advakod-sub005/internal/retrieval"
)

// tokenizerVersion identifies the normalization policy applied to indexed
// text and to queries. Bump only together with a full reindex: mixing
// tokenizer versions silently breaks recall.
const tokenizerVersion = 1

// Store is a chunk store + keyword index backed by a local SQLite database.
// Safe for concurrent use; writes are serialized on a single connection.
type Store struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// Open opens (or creates) a Store at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("docstore: could not create %s: %w", filepath.Dir(path), err)
		}
	}

	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist and verifies the
// recorded tokenizer version.
func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chunks (
    id             TEXT    PRIMARY KEY,
    source         TEXT    NOT NULL,
    article        TEXT    NOT NULL DEFAULT '',
    edition        TEXT    NOT NULL DEFAULT '',
    doc_type       TEXT    NOT NULL,
    valid_from_day INTEGER,          -- days since epoch, NULL = unbounded
    valid_to_day   INTEGER,          -- days since epoch, NULL = in force
    text           TEXT    NOT NULL,
    created_at     INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks (source, edition);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text,
    content='chunks',
    content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
    INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("docstore: migrate: %w", err)
	}

	var recorded string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'tokenizer_version'`).Scan(&recorded)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('tokenizer_version', ?)`,
			fmt.Sprintf("%d", tokenizerVersion)); err != nil {
			return fmt.Errorf("docstore: record tokenizer version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("docstore: read tokenizer version: %w", err)
	case recorded != fmt.Sprintf("%d", tokenizerVersion):
		return fmt.Errorf("docstore: tokenizer version mismatch: index built with v%s, binary expects v%d, reindex required",
			recorded, tokenizerVersion)
	}

	return nil
}

// Upsert inserts or replaces the given chunks. Replacing a row with
// identical content is a no-op from the reader's perspective (same ID, same
// text), which is what makes re-ingestion idempotent.
func (s *Store) Upsert(ctx context.Context, chunks []retrieval.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `
INSERT OR REPLACE INTO chunks
    (id, source, article, edition, doc_type, valid_from_day, valid_to_day, text, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().Unix()
	for _, c := range chunks {
		var fromDay, toDay any
		if c.Metadata.ValidFrom != nil {
			fromDay = retrieval.DayNumber(*c.Metadata.ValidFrom)
		}
		if c.Metadata.ValidTo != nil {
			toDay = retrieval.DayNumber(*c.Metadata.ValidTo)
		}
		if _, err := tx.ExecContext(ctx, q,
			c.ID, c.Metadata.Source, c.Metadata.Article, c.Metadata.Edition,
			string(c.Metadata.DocType), fromDay, toDay, c.Text, now,
		); err != nil {
			return fmt.Errorf("docstore: upsert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: commit upsert: %w", err)
	}
	return nil
}

// Delete removes chunks by ID. Missing IDs are not an error.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := `DELETE FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("docstore: delete: %w", err)
	}
	return nil
}

// DeleteBySource removes every chunk belonging to the given source document.
// Used when a document is superseded or withdrawn before re-ingestion.
// Returns the IDs removed so the caller can mirror the deletion into the
// vector index.
func (s *Store) DeleteBySource(ctx context.Context, source, edition string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE source = ? AND edition = ?`, source, edition)
	if err != nil {
		return nil, fmt.Errorf("docstore: delete by source: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("docstore: delete by source scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: delete by source rows: %w", err)
	}

	if err := s.Delete(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Get returns the chunks for the given IDs, in the order requested.
// IDs not present in the store are skipped, not errors: the vector index
// may briefly know chunks the store has already deleted.
func (s *Store) Get(ctx context.Context, ids []string) ([]retrieval.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `
SELECT id, source, article, edition, doc_type, valid_from_day, valid_to_day, text
FROM   chunks
WHERE  id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: get: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]retrieval.Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: get rows: %w", err)
	}

	out := make([]retrieval.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Count returns the number of chunks in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("docstore: count: %w", err)
	}
	return n, nil
}

// Ping verifies the database is reachable, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("docstore: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("docstore: close: %w", err)
	}
	return nil
}

// scanChunk reads one chunk row from rows.
func scanChunk(rows *sql.Rows) (retrieval.Chunk, error) {
	var (
		c       retrieval.Chunk
		docType string
		fromDay sql.NullInt64
		toDay   sql.NullInt64
	)
	if err := rows.Scan(&c.ID, &c.Metadata.Source, &c.Metadata.Article,
		&c.Metadata.Edition, &docType, &fromDay, &toDay, &c.Text); err != nil {
		return retrieval.Chunk{}, fmt.Errorf("docstore: scan: %w", err)
	}
	c.Metadata.DocType = retrieval.DocType(docType)
	if fromDay.Valid {
		t := dayToDate(fromDay.Int64)
		c.Metadata.ValidFrom = &t
	}
	if toDay.Valid {
		t := dayToDate(toDay.Int64)
		c.Metadata.ValidTo = &t
	}
	return c, nil
}

// dayToDate converts an epoch day number back to a UTC midnight time.
func dayToDate(day int64) time.Time {
	return time.Unix(day*86400, 0).UTC()
}
