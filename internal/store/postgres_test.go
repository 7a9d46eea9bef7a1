package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPostgresLoad(t *testing.T) {
	t.Run("decodes a stored entry", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		entry := sampleEntry()
		raw, err := json.Marshal(entry)
		require.NoError(t, err)

		mockPool.ExpectQuery(regexp.QuoteMeta(selectKnowledgeEntry)).
			WithArgs(entry.Key.String()).
			WillReturnRows(pgxmock.NewRows([]string{"entry"}).AddRow(raw))

		s := NewPostgresWithDB(mockPool, zap.NewNop())
		loaded, err := s.Load(context.Background(), entry.Key)
		require.NoError(t, err)
		assert.Equal(t, entry, loaded)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("maps missing rows to ErrNotFound", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		entry := sampleEntry()
		mockPool.ExpectQuery(regexp.QuoteMeta(selectKnowledgeEntry)).
			WithArgs(entry.Key.String()).
			WillReturnError(pgx.ErrNoRows)

		s := NewPostgresWithDB(mockPool, zap.NewNop())
		_, err = s.Load(context.Background(), entry.Key)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates query failures", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		entry := sampleEntry()
		queryErr := errors.New("connection reset")
		mockPool.ExpectQuery(regexp.QuoteMeta(selectKnowledgeEntry)).
			WithArgs(entry.Key.String()).
			WillReturnError(queryErr)

		s := NewPostgresWithDB(mockPool, zap.NewNop())
		_, err = s.Load(context.Background(), entry.Key)
		require.Error(t, err)
		assert.ErrorIs(t, err, queryErr)
	})
}

func TestPostgresSave(t *testing.T) {
	t.Run("upserts the encoded document", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		entry := sampleEntry()
		raw, err := json.Marshal(entry)
		require.NoError(t, err)

		mockPool.ExpectExec(regexp.QuoteMeta(upsertKnowledgeEntry)).
			WithArgs(entry.Key.String(), raw, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		s := NewPostgresWithDB(mockPool, zap.NewNop())
		require.NoError(t, s.Save(context.Background(), entry))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates write failures", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		entry := sampleEntry()
		writeErr := errors.New("disk full")
		mockPool.ExpectExec(regexp.QuoteMeta(upsertKnowledgeEntry)).
			WithArgs(entry.Key.String(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(writeErr)

		s := NewPostgresWithDB(mockPool, zap.NewNop())
		err = s.Save(context.Background(), entry)
		assert.ErrorIs(t, err, writeErr)
	})
}
