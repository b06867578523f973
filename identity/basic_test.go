package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"datahub/roles"
	"datahub/users"
)

func newTestBasic(t *testing.T) (*BasicAuthenticator, *users.MemoryRepository) {
	t.Helper()
	repo := users.NewMemoryRepository()
	u, err := users.NewBasicUser("alice", "alice@kit.edu", "Alice", "correct-horse", []string{"writer", "reader"})
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), u))

	hash, err := bcrypt.GenerateFromPassword([]byte("dev-password"), bcrypt.MinCost)
	require.NoError(t, err)
	static := []StaticUser{{Username: "dev", Email: "dev@localhost", PasswordHash: string(hash), Roles: []string{"admin"}}}
	return NewBasicAuthenticator(repo, static, nil), repo
}

func TestBasicAuthenticate(t *testing.T) {
	a, repo := newTestBasic(t)

	res, err := a.Authenticate(context.Background(), "alice", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, KindBasic, res.Provider)
	assert.Equal(t, "alice", res.Claims.Username)
	assert.Equal(t, roles.RoleSet{roles.Writer, roles.Reader}, res.Roles)
	assert.Empty(t, res.Tokens.AccessToken)

	u, err := repo.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, u.LoginCount)
	assert.False(t, u.LastLogin.IsZero())
}

func TestBasicAuthenticateFailures(t *testing.T) {
	a, repo := newTestBasic(t)
	ctx := context.Background()

	_, err := a.Authenticate(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "nobody", "whatever1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, repo.SetActive(ctx, "alice", false))
	_, err = a.Authenticate(ctx, "alice", "correct-horse")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestBasicAuthenticateFederatedAccountHasNoPassword(t *testing.T) {
	a, repo := newTestBasic(t)
	_, err := repo.Upsert(context.Background(), users.Login{Username: "octo", Email: "octo@github.com", Provider: KindGitHub})
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), "octo", "anything-at-all")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestBasicAuthenticateStaticUser(t *testing.T) {
	a, _ := newTestBasic(t)

	res, err := a.Authenticate(context.Background(), "DEV", "dev-password")
	require.NoError(t, err)
	assert.Equal(t, "dev", res.Claims.Username)
	assert.Equal(t, "dev", res.Claims.Name)
	assert.Equal(t, roles.RoleSet{roles.Admin}, res.Roles)

	_, err = a.Authenticate(context.Background(), "dev", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestBasicChangePassword(t *testing.T) {
	a, _ := newTestBasic(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.ChangePassword(ctx, "alice", "wrong", "new-password"), ErrInvalidCredentials)
	assert.ErrorIs(t, a.ChangePassword(ctx, "alice", "correct-horse", "short"), users.ErrPasswordTooShort)
	require.NoError(t, a.ChangePassword(ctx, "alice", "correct-horse", "new-password"))

	_, err := a.Authenticate(ctx, "alice", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "alice", "new-password")
	assert.NoError(t, err)
}
