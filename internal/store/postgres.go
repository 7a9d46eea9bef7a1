// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
)

const createKnowledgeTable = `
CREATE TABLE IF NOT EXISTS knowledge_entries (
    key        TEXT PRIMARY KEY,
    entry      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

const upsertKnowledgeEntry = `
INSERT INTO knowledge_entries (key, entry, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET entry = EXCLUDED.entry, updated_at = EXCLUDED.updated_at`

const selectKnowledgeEntry = `SELECT entry FROM knowledge_entries WHERE key = $1`

// querier is the subset of pgxpool.Pool the store needs. Declared as an
// interface so tests can substitute a pgxmock pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps knowledge entries in a single JSONB-valued table.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when constructed over a mock.
	log  *zap.Logger
}

var _ KnowledgeStore = (*PostgresStore)(nil)

// NewPostgres connects, verifies the connection and ensures the schema.
func NewPostgres(ctx context.Context, url string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool, log: logger.Named("store.postgres")}
	if _, err := s.db.Exec(ctx, createKnowledgeTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure knowledge schema: %w", err)
	}
	return s, nil
}

// NewPostgresWithDB wraps an existing querier. Used by tests with pgxmock.
func NewPostgresWithDB(db querier, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: logger.Named("store.postgres")}
}

// Load retrieves and decodes the entry for the key.
func (s *PostgresStore) Load(ctx context.Context, key schemas.KnowledgeKey) (*schemas.KnowledgeEntry, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, selectKnowledgeEntry, key.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load knowledge entry %s: %w", key, err)
	}

	var entry schemas.KnowledgeEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge entry %s: %w", key, err)
	}
	return &entry, nil
}

// Save upserts the entry document under its key.
func (s *PostgresStore) Save(ctx context.Context, entry *schemas.KnowledgeEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode knowledge entry %s: %w", entry.Key, err)
	}

	if _, err := s.db.Exec(ctx, upsertKnowledgeEntry, entry.Key.String(), raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save knowledge entry %s: %w", entry.Key, err)
	}
	s.log.Debug("Knowledge entry flushed.", zap.String("key", entry.Key.String()))
	return nil
}

// Close releases the pool. No-op when constructed over a mock.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
