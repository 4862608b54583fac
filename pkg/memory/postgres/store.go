// Package postgres implements [memory.Store] on PostgreSQL. When an
// embeddings provider is attached, search ranks by pgvector cosine
// distance; without one it falls back to full-text ranking, so the store
// works on a bare database.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/itsDarianNgo/Chatter/pkg/memory"
	"github.com/itsDarianNgo/Chatter/pkg/provider/embeddings"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed persona memory. All operations are safe
// for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider // nil disables vector search
}

// Option configures a [Store].
type Option func(*Store)

// WithEmbedder attaches the embeddings provider used for semantic ranking.
func WithEmbedder(p embeddings.Provider) Option {
	return func(s *Store) {
		s.embedder = p
	}
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and ensures the schema exists.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: ping: %w", err)
	}

	s := &Store{pool: pool}
	for _, opt := range opts {
		opt(s)
	}

	dims := 0
	if s.embedder != nil {
		dims = s.embedder.Dimensions()
	}
	if err := migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: migrate: %w", err)
	}
	return s, nil
}

// Search implements [memory.Store].
func (s *Store) Search(ctx context.Context, namespace, query string, topK int) ([]schema.MemoryItem, error) {
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err == nil {
			return s.searchVector(ctx, namespace, vec, topK)
		}
		// fall through to text search; one failed embed must not blank the
		// whole lookup
	}
	return s.searchText(ctx, namespace, query, topK)
}

func (s *Store) searchVector(ctx context.Context, namespace string, vec []float32, topK int) ([]schema.MemoryItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, type, other_user, topic, content, confidence, ttl_days, source
		FROM memory_items
		WHERE namespace = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`,
		namespace, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: vector search: %w", err)
	}
	defer rows.Close()
	return scanItems(rows, namespace)
}

func (s *Store) searchText(ctx context.Context, namespace, query string, topK int) ([]schema.MemoryItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, type, other_user, topic, content, confidence, ttl_days, source
		FROM memory_items
		WHERE namespace = $1
		  AND to_tsvector('simple', content || ' ' || coalesce(topic, '')) @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', $2)) DESC, ts DESC
		LIMIT $3`,
		namespace, query, topK)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: text search: %w", err)
	}
	defer rows.Close()
	return scanItems(rows, namespace)
}

func scanItems(rows pgx.Rows, namespace string) ([]schema.MemoryItem, error) {
	items := []schema.MemoryItem{}
	for rows.Next() {
		var it schema.MemoryItem
		var ttl *int32
		if err := rows.Scan(&it.ID, &it.TS, &it.Type, &it.OtherUser, &it.Topic,
			&it.Content, &it.Confidence, &ttl, &it.Source); err != nil {
			return nil, fmt.Errorf("memory postgres: scan: %w", err)
		}
		if ttl != nil {
			it.TTLDays = int(*ttl)
		}
		it.SchemaName = schema.MemoryItemName
		it.SchemaVersion = schema.CurrentVersion
		it.Namespace = namespace
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory postgres: rows: %w", err)
	}
	return items, nil
}

// Add implements [memory.Store]. Items are upserted on id; when an embedder
// is attached the content embedding is stored alongside.
func (s *Store) Add(ctx context.Context, namespace string, item schema.MemoryItem) error {
	var vec *pgvector.Vector
	if s.embedder != nil {
		raw, err := s.embedder.Embed(ctx, item.Content)
		if err == nil {
			v := pgvector.NewVector(raw)
			vec = &v
		}
		// a failed embed still stores the item; text search covers it
	}

	var ttl *int32
	if item.TTLDays > 0 {
		t := int32(item.TTLDays)
		ttl = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_items
			(id, namespace, ts, type, other_user, topic, content, confidence, ttl_days, source, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			ts = EXCLUDED.ts,
			content = EXCLUDED.content,
			confidence = EXCLUDED.confidence,
			embedding = EXCLUDED.embedding`,
		item.ID, namespace, item.TS, item.Type, item.OtherUser, item.Topic,
		item.Content, item.Confidence, ttl, item.Source, vec)
	if err != nil {
		return fmt.Errorf("memory postgres: insert: %w", err)
	}
	return nil
}

// Count implements [memory.Store].
func (s *Store) Count(ctx context.Context, namespace string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memory_items WHERE namespace = $1`, namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("memory postgres: count: %w", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
