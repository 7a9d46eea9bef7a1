package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

func sampleEntry() *schemas.KnowledgeEntry {
	return &schemas.KnowledgeEntry{
		Key: schemas.KnowledgeKey{Host: "app.example.com", Category: schemas.CategoryCreation},
		Sequences: []schemas.SuccessfulSequence{
			{
				Steps:         []schemas.SequenceStep{{Type: schemas.ActionClick, Target: "#new"}},
				Reinforcement: 2,
				LastSeen:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		Stats:     schemas.KnowledgeStats{Attempts: 3, Successes: 2, TotalSuccessSteps: 9},
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemory(zap.NewNop())
	ctx := context.Background()
	entry := sampleEntry()

	require.NoError(t, s.Save(ctx, entry))
	assert.Equal(t, 1, s.Len())

	loaded, err := s.Load(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, entry, loaded)
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemory(zap.NewNop())
	_, err := s.Load(context.Background(), schemas.KnowledgeKey{Host: "nowhere.example.com", Category: schemas.CategoryOther})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	s := NewMemory(zap.NewNop())
	ctx := context.Background()
	entry := sampleEntry()
	require.NoError(t, s.Save(ctx, entry))

	first, err := s.Load(ctx, entry.Key)
	require.NoError(t, err)
	first.Stats.Attempts = 99
	first.Sequences[0].Reinforcement = 99

	second, err := s.Load(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Stats.Attempts, "mutating a loaded entry must not leak into the store")
	assert.Equal(t, 2, second.Sequences[0].Reinforcement)
}

func TestNewFromConfig(t *testing.T) {
	t.Run("defaults to in-memory", func(t *testing.T) {
		s, err := NewFromConfig(context.Background(), config.DatabaseConfig{}, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("rejects unknown backends", func(t *testing.T) {
		_, err := NewFromConfig(context.Background(), config.DatabaseConfig{Type: "sqlite"}, zap.NewNop())
		assert.Error(t, err)
	})
}
