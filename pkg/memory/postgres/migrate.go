package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultDimensions sizes the embedding column when no embedder is attached,
// matching OpenAI text-embedding-3-small so a later-attached embedder fits
// without a manual schema change.
const defaultDimensions = 1536

// ddlMemoryItems returns the DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlMemoryItems(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_items (
    id          TEXT         PRIMARY KEY,
    namespace   TEXT         NOT NULL,
    ts          TEXT         NOT NULL DEFAULT '',
    type        TEXT         NOT NULL,
    other_user  TEXT         NOT NULL DEFAULT '',
    topic       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    confidence  TEXT         NOT NULL DEFAULT 'med',
    ttl_days    INTEGER,
    source      TEXT         NOT NULL DEFAULT '',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_items_namespace
    ON memory_items (namespace);

CREATE INDEX IF NOT EXISTS idx_memory_items_fts
    ON memory_items USING GIN (to_tsvector('simple', content));

CREATE INDEX IF NOT EXISTS idx_memory_items_embedding
    ON memory_items USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// migrate creates or ensures the memory schema exists. Idempotent and safe
// to run on every start. Changing the embedding dimension after the first
// migration requires a manual schema update.
func migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		embeddingDimensions = defaultDimensions
	}
	if _, err := pool.Exec(ctx, ddlMemoryItems(embeddingDimensions)); err != nil {
		return fmt.Errorf("memory postgres: migrate: %w", err)
	}
	return nil
}
