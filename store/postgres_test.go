package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewPostgresStore(db)
	s.now = func() time.Time { return now }
	return s, mock, now
}

func TestPostgresStoreGet(t *testing.T) {
	ctx := context.Background()
	s, mock, now := newMockStore(t)

	mock.ExpectQuery(`SELECT value FROM kv_entries WHERE key = \$1`).
		WithArgs("session:abc", now).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"id":"abc"}`)))

	got, err := s.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc"}`, string(got))

	mock.ExpectQuery(`SELECT value FROM kv_entries WHERE key = \$1`).
		WithArgs("session:gone", now).
		WillReturnError(sql.ErrNoRows)

	_, err = s.Get(ctx, "session:gone")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSetUpserts(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newMockStore(t)

	mock.ExpectExec(`INSERT INTO kv_entries \(key, value, expires_at\)`).
		WithArgs("flash:abc", []byte("hello"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Set(ctx, "flash:abc", []byte("hello"), time.Minute))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTake(t *testing.T) {
	ctx := context.Background()
	s, mock, now := newMockStore(t)

	mock.ExpectQuery(`DELETE FROM kv_entries WHERE key = \$1 RETURNING value, expires_at`).
		WithArgs("state:b:github").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("s1"), now.Add(time.Minute)))

	got, err := s.Take(ctx, "state:b:github")
	require.NoError(t, err)
	assert.Equal(t, "s1", string(got))

	mock.ExpectQuery(`DELETE FROM kv_entries WHERE key = \$1 RETURNING value, expires_at`).
		WithArgs("state:b:github").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("old"), now.Add(-time.Minute)))

	_, err = s.Take(ctx, "state:b:github")
	assert.ErrorIs(t, err, ErrNotFound, "expired rows are deleted but not returned")

	mock.ExpectQuery(`DELETE FROM kv_entries WHERE key = \$1 RETURNING value, expires_at`).
		WithArgs("state:b:github").
		WillReturnError(sql.ErrNoRows)

	_, err = s.Take(ctx, "state:b:github")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCleanup(t *testing.T) {
	ctx := context.Background()
	s, mock, now := newMockStore(t)

	mock.ExpectExec(`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreWrapsErrors(t *testing.T) {
	ctx := context.Background()
	s, mock, _ := newMockStore(t)

	mock.ExpectExec(`DELETE FROM kv_entries WHERE key = \$1`).
		WithArgs("session:x").
		WillReturnError(errors.New("connection reset"))

	err := s.Delete(ctx, "session:x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete session:x")
	assert.NotErrorIs(t, err, ErrNotFound)
}
