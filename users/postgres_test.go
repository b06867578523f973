package users

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columnNames = []string{
	"id", "username", "email", "name", "provider", "subject", "institution", "roles",
	"password_hash", "active", "login_count", "last_login", "created_at", "updated_at",
}

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	repo := NewPostgresRepository(db)
	repo.now = func() time.Time { return now }
	return repo, mock, now
}

func TestPostgresRepositoryGetByUsername(t *testing.T) {
	ctx := context.Background()
	repo, mock, now := newMockRepo(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM users WHERE username = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(
			"6f1c1e8c-3d0f-4c55-9d2f-7f0c2b1f4a11", "alice", "alice@example.org", "Alice", "basic", "", "",
			`["admin","viewer"]`, "$2a$10$hash", true, 3, now, now, now,
		))

	u, err := repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "6f1c1e8c-3d0f-4c55-9d2f-7f0c2b1f4a11", u.ID.String())
	assert.Equal(t, []string{"admin", "viewer"}, u.Roles)
	assert.Equal(t, 3, u.LoginCount)
	assert.Equal(t, now, u.LastLogin)

	mock.ExpectQuery(`(?s)SELECT .+ FROM users WHERE username = \$1`).
		WithArgs("bob").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositoryUpsert(t *testing.T) {
	ctx := context.Background()
	repo, mock, now := newMockRepo(t)

	mock.ExpectQuery(`(?s)INSERT INTO users .+ ON CONFLICT \(email\) DO UPDATE SET .+ RETURNING`).
		WithArgs(sqlmock.AnyArg(), "octocat", "octo@example.org", "Octo", "github", "42", "", `["viewer"]`, now).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(
			"0b8e3c55-2b0a-4d8f-a1c7-5b9f5e0c6d22", "octocat", "octo@example.org", "Octo", "github", "42", "",
			`["viewer"]`, "", true, 1, now, now, now,
		))

	u, err := repo.Upsert(ctx, Login{
		Username: "octocat", Email: "Octo@Example.org", Name: "Octo", Provider: "github", Subject: "42",
		Roles: []string{"viewer"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, u.LoginCount)
	assert.False(t, u.HasPassword())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositoryCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	repo, mock, _ := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	u, err := NewBasicUser("alice", "alice@example.org", "", "password1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Create(ctx, u), ErrExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositorySetRolesNotFound(t *testing.T) {
	ctx := context.Background()
	repo, mock, now := newMockRepo(t)

	mock.ExpectExec(`UPDATE users SET roles = \$2, updated_at = \$3 WHERE username = \$1`).
		WithArgs("ghost", `["admin"]`, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.SetRoles(ctx, "ghost", []string{"admin"}), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
