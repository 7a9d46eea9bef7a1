// internal/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
)

// MemoryStore is the in-memory KnowledgeStore backend. Entries survive only
// for the process lifetime; it exists for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte // JSON-encoded so callers never share mutable state.
	log     *zap.Logger
}

var _ KnowledgeStore = (*MemoryStore)(nil)

// NewMemory builds an empty in-memory store.
func NewMemory(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]byte),
		log:     logger.Named("store.memory"),
	}
}

// Load returns a private copy of the stored entry.
func (s *MemoryStore) Load(_ context.Context, key schemas.KnowledgeKey) (*schemas.KnowledgeEntry, error) {
	s.mu.RLock()
	raw, ok := s.entries[key.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var entry schemas.KnowledgeEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge entry %s: %w", key, err)
	}
	return &entry, nil
}

// Save stores an encoded copy of the entry.
func (s *MemoryStore) Save(_ context.Context, entry *schemas.KnowledgeEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode knowledge entry %s: %w", entry.Key, err)
	}

	s.mu.Lock()
	s.entries[entry.Key.String()] = raw
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() {}

// Len reports the number of stored entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
