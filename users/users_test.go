package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordEnforcesMinimumLength(t *testing.T) {
	_, err := HashPassword("short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	hash, err := HashPassword("long-enough")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "long-enough"))
	assert.False(t, CheckPassword(hash, "long-enougH"))
	assert.False(t, CheckPassword("", "long-enough"))
}

func TestNewBasicUserDefaults(t *testing.T) {
	u, err := NewBasicUser(" alice ", "Alice@Example.org", "", "password1", nil)
	require.NoError(t, err)

	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "alice@example.org", u.Email)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, []string{"viewer"}, u.Roles)
	assert.Equal(t, ProviderBasic, u.Provider)
	assert.True(t, u.Active)
	assert.True(t, u.HasPassword())

	_, err = NewBasicUser("", "a@b.c", "", "password1", nil)
	assert.Error(t, err)
}

func TestMemoryRepositoryCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	u, err := NewBasicUser("alice", "alice@example.org", "Alice", "password1", []string{"admin"})
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, u))
	assert.False(t, u.CreatedAt.IsZero())

	dup, err := NewBasicUser("alice", "other@example.org", "", "password1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrExists)

	got, err := repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, got.Roles)

	got, err = repo.GetByEmail(ctx, "ALICE@example.org")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = repo.GetByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryUpsertCountsLogins(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	login := Login{Username: "octocat", Email: "octo@example.org", Name: "Octo", Provider: "github", Subject: "42", Roles: []string{"viewer"}}
	first, err := repo.Upsert(ctx, login)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LoginCount)
	assert.True(t, first.Active)

	require.NoError(t, repo.SetPassword(ctx, "octocat", "hash"))

	login.Name = "Octo Cat"
	login.Roles = []string{"writer"}
	second, err := repo.Upsert(ctx, login)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.LoginCount)
	assert.Equal(t, "Octo Cat", second.Name)
	assert.Equal(t, []string{"writer"}, second.Roles)
	assert.Equal(t, "hash", second.PasswordHash)

	_, err = repo.Upsert(ctx, Login{Username: "x"})
	assert.ErrorIs(t, err, ErrEmailRequired)
}

func TestMemoryRepositoryUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	u, err := NewBasicUser("carol", "carol@example.org", "", "password1", nil)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, u))

	require.NoError(t, repo.SetRoles(ctx, "carol", []string{"curator"}))
	require.NoError(t, repo.SetActive(ctx, "carol", false))
	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordLogin(ctx, "carol", at))

	got, err := repo.GetByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"curator"}, got.Roles)
	assert.False(t, got.Active)
	assert.Equal(t, 1, got.LoginCount)
	assert.Equal(t, at, got.LastLogin)

	assert.ErrorIs(t, repo.SetRoles(ctx, "nobody", nil), ErrNotFound)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
