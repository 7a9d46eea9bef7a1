// internal/store/store.go
// The knowledge store is the system's single piece of durable state: a keyed
// document store mapping host+category to a KnowledgeEntry. Two backends
// exist, selected by configuration: Postgres for real deployments and an
// in-memory store for tests and ephemeral runs.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("knowledge entry not found")

// KnowledgeStore persists KnowledgeEntry documents by key. Implementations
// must tolerate concurrent callers; serialization per key is the learner's
// responsibility, not the store's.
type KnowledgeStore interface {
	// Load retrieves the entry for the key, or ErrNotFound.
	Load(ctx context.Context, key schemas.KnowledgeKey) (*schemas.KnowledgeEntry, error)
	// Save writes the full entry document, replacing any previous version.
	Save(ctx context.Context, entry *schemas.KnowledgeEntry) error
	// Close releases backend resources.
	Close()
}

// NewFromConfig builds the configured store backend.
func NewFromConfig(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (KnowledgeStore, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgres(ctx, cfg.URL, logger)
	case "in-memory", "":
		return NewMemory(logger), nil
	default:
		return nil, fmt.Errorf("unknown database type %q (want postgres or in-memory)", cfg.Type)
	}
}
