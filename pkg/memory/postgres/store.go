// Package postgres provides a PostgreSQL-backed [memory.Store] using the
// pgvector extension for similarity search. [New] installs the extension and
// creates the table if needed.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/nevil-robotics/nevil/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the pgvector-backed memory store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and migrates the schema. dimensions must match the embedding
// model (1536 for text-embedding-3-small); changing it later requires a
// manual schema change.
func New(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate installs the pgvector extension and creates the memories table.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memories (
    id         TEXT         PRIMARY KEY,
    content    TEXT         NOT NULL,
    category   TEXT         NOT NULL DEFAULT '',
    embedding  VECTOR(%d)   NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);`, dimensions)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}
	return nil
}

// Remember implements [memory.Store]. Entries with the same ID are replaced.
func (s *Store) Remember(ctx context.Context, entry memory.Entry) error {
	const q = `
		INSERT INTO memories (id, content, category, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    content    = EXCLUDED.content,
		    category   = EXCLUDED.category,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		entry.ID,
		entry.Content,
		entry.Category,
		pgvector.NewVector(entry.Embedding),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("memory store: remember: %w", err)
	}
	return nil
}

// Recall implements [memory.Store]: nearest entries by cosine distance.
func (s *Store) Recall(ctx context.Context, embedding []float32, limit int) ([]memory.Result, error) {
	if limit <= 0 {
		limit = 5
	}
	const q = `
		SELECT id, content, category, created_at, embedding <=> $1 AS distance
		FROM   memories
		ORDER BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: recall: %w", err)
	}
	defer rows.Close()

	var results []memory.Result
	for rows.Next() {
		var r memory.Result
		if err := rows.Scan(&r.ID, &r.Content, &r.Category, &r.CreatedAt, &r.Distance); err != nil {
			return nil, fmt.Errorf("memory store: scan recall row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory store: recall rows: %w", err)
	}
	return results, nil
}

// Ping checks database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
