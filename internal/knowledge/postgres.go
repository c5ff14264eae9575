package knowledge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"golang.org/x/sync/errgroup"

	"github.com/askjohngeorge/leadline/pkg/provider/embeddings"
)

// embedBatchSize is how many entries go into one EmbedBatch call during
// seeding.
const embedBatchSize = 32

// seedConcurrency caps parallel embedding requests during a seed run.
const seedConcurrency = 4

// ddlEntries returns the knowledge DDL with the embedding dimension baked
// into the vector column type. Changing the dimension after the first
// migration requires a manual schema change.
func ddlEntries(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_entries (
    id         TEXT       PRIMARY KEY,
    topic      TEXT       NOT NULL DEFAULT '',
    content    TEXT       NOT NULL,
    embedding  vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_embedding
    ON knowledge_entries USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// PostgresStore is the pgvector-backed [Store].
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn, registers pgvector
// types on every connection, and ensures the knowledge table exists.
// dimensions must match embedder.Dimensions().
func NewPostgresStore(ctx context.Context, dsn string, dimensions int, embedder embeddings.Provider) (*PostgresStore, error) {
	if dimensions <= 0 {
		dimensions = embedder.Dimensions()
	}
	if d := embedder.Dimensions(); d != 0 && d != dimensions {
		return nil, fmt.Errorf("knowledge: configured %d dimensions but model %q produces %d", dimensions, embedder.ModelID(), d)
	}

	// Migrate on a one-off connection first: the vector extension must
	// exist before RegisterTypes can succeed on pooled connections.
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: connect: %w", err)
	}
	_, migErr := conn.Exec(ctx, ddlEntries(dimensions))
	_ = conn.Close(ctx)
	if migErr != nil {
		return nil, fmt.Errorf("knowledge: migrate: %w", migErr)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge: ping: %w", err)
	}

	return &PostgresStore{pool: pool, embedder: embedder}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Seed implements [Store]. Entries are embedded in batches, several batches
// in flight at once; any single failure aborts the run.
func (s *PostgresStore) Seed(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seedConcurrency)

	for start := 0; start < len(entries); start += embedBatchSize {
		batch := entries[start:min(start+embedBatchSize, len(entries))]
		g.Go(func() error {
			return s.seedBatch(gctx, batch)
		})
	}
	return g.Wait()
}

// seedBatch embeds one batch and upserts its rows.
func (s *PostgresStore) seedBatch(ctx context.Context, entries []Entry) error {
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Content
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("knowledge: embed batch: %w", err)
	}
	if len(vectors) != len(entries) {
		return fmt.Errorf("knowledge: embed batch returned %d vectors for %d entries", len(vectors), len(entries))
	}

	const q = `
		INSERT INTO knowledge_entries (id, topic, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    topic     = EXCLUDED.topic,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	pgBatch := &pgx.Batch{}
	for i, e := range entries {
		pgBatch.Queue(q, e.ID, e.Topic, e.Content, pgvector.NewVector(vectors[i]))
	}
	if err := s.pool.SendBatch(ctx, pgBatch).Close(); err != nil {
		return fmt.Errorf("knowledge: upsert batch: %w", err)
	}
	return nil
}

// Search implements [Store].
func (s *PostgresStore) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	const q = `
		SELECT id, topic, content, embedding <=> $1 AS distance
		FROM   knowledge_entries
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var r Result
		err := row.Scan(&r.ID, &r.Topic, &r.Content, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: scan results: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrEmpty
	}
	return results, nil
}

// Count implements [Store].
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge: count: %w", err)
	}
	return n, nil
}
