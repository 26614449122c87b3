package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/task-sync/pkg/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestPostgresReadCurrent(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		db, mock := newMockDB(t)
		p := NewPostgresPersistence(db)

		now := time.Now().UTC()
		rows := sqlmock.NewRows([]string{"id", "entity_type", "payload", "concurrency_token", "updated_at"}).
			AddRow("t-1", "task", []byte(`{"title":"A"}`), int64(3), now)
		mock.ExpectQuery("SELECT id, entity_type, payload").
			WithArgs("t-1").
			WillReturnRows(rows)

		entity, err := p.ReadCurrent(context.Background(), "t-1")
		require.NoError(t, err)
		assert.Equal(t, "t-1", entity.ID)
		assert.Equal(t, int64(3), entity.ConcurrencyToken)
		assert.Equal(t, "A", entity.Payload["title"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not Found", func(t *testing.T) {
		db, mock := newMockDB(t)
		p := NewPostgresPersistence(db)

		mock.ExpectQuery("SELECT id, entity_type, payload").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "entity_type", "payload", "concurrency_token", "updated_at"}))

		_, err := p.ReadCurrent(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})
}

func TestPostgresWriteIfToken(t *testing.T) {
	t.Run("Token Matches", func(t *testing.T) {
		db, mock := newMockDB(t)
		p := NewPostgresPersistence(db)

		mock.ExpectExec("UPDATE entities").
			WithArgs(sqlmock.AnyArg(), "t-1", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		written, err := p.WriteIfToken(context.Background(), "t-1", 3, models.Payload{"title": "B"})
		require.NoError(t, err)
		assert.True(t, written)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Token Stale", func(t *testing.T) {
		db, mock := newMockDB(t)
		p := NewPostgresPersistence(db)

		mock.ExpectExec("UPDATE entities").
			WithArgs(sqlmock.AnyArg(), "t-1", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		written, err := p.WriteIfToken(context.Background(), "t-1", 2, models.Payload{"title": "C"})
		require.NoError(t, err)
		assert.False(t, written)
	})
}

func TestPostgresInsert(t *testing.T) {
	db, mock := newMockDB(t)
	p := NewPostgresPersistence(db)

	entity := &models.Entity{
		ID:               "t-1",
		Type:             "task",
		Payload:          models.Payload{"title": "A"},
		ConcurrencyToken: 1,
		UpdatedAt:        time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO entities").
		WithArgs("t-1", "task", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Insert(context.Background(), entity))
	assert.NoError(t, mock.ExpectationsWereMet())
}
