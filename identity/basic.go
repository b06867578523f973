package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"datahub/roles"
	"datahub/users"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInactive           = errors.New("account is disabled")
)

// dummyHash keeps the cost of a lookup miss close to a real comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("datahub-timing-equaliser"), bcrypt.DefaultCost)

// StaticUser is a development account defined in configuration.
type StaticUser struct {
	Username     string
	Email        string
	Name         string
	PasswordHash string
	Roles        []string
}

// BasicAuthenticator checks username/password credentials against the
// account store and, in development, a fixed list of static users.
type BasicAuthenticator struct {
	repo     users.Repository
	static   map[string]StaticUser
	resolver roles.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewBasicAuthenticator creates an authenticator. static may be nil.
func NewBasicAuthenticator(repo users.Repository, static []StaticUser, logger *slog.Logger) *BasicAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]StaticUser, len(static))
	for _, u := range static {
		m[strings.ToLower(u.Username)] = u
	}
	return &BasicAuthenticator{repo: repo, static: m, resolver: roles.StaticResolver{}, logger: logger, now: time.Now}
}

// Authenticate returns the claims and roles of a valid account. Unknown
// users and wrong passwords both yield ErrInvalidCredentials.
func (a *BasicAuthenticator) Authenticate(ctx context.Context, username, password string) (*Result, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	u, err := a.repo.GetByUsername(ctx, username)
	switch {
	case errors.Is(err, users.ErrNotFound):
		return a.authenticateStatic(username, password)
	case err != nil:
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !users.CheckPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrInactive
	}
	if err := a.repo.RecordLogin(ctx, u.Username, a.now()); err != nil {
		a.logger.Warn("record login failed", "username", u.Username, "error", err)
	}

	claims := Claims{
		Subject:     u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		Name:        u.Name,
		Institution: u.Institution,
	}
	return a.result(claims, u.Roles), nil
}

func (a *BasicAuthenticator) authenticateStatic(username, password string) (*Result, error) {
	su, ok := a.static[strings.ToLower(username)]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if !users.CheckPassword(su.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	name := su.Name
	if name == "" {
		name = su.Username
	}
	claims := Claims{
		Subject:     "static:" + su.Username,
		Username:    su.Username,
		Email:       su.Email,
		Name:        name,
		Institution: roles.EmailDomain(su.Email),
	}
	return a.result(claims, su.Roles), nil
}

func (a *BasicAuthenticator) result(c Claims, assigned []string) *Result {
	s := c.RoleSubject()
	s.AssignedRoles = assigned
	return &Result{
		Provider: KindBasic,
		Kind:     KindBasic,
		Claims:   c,
		Roles:    a.resolver.Resolve(s),
	}
}

// ChangePassword replaces the password of a stored account after checking
// the current one. Static users cannot change their password.
func (a *BasicAuthenticator) ChangePassword(ctx context.Context, username, current, next string) error {
	u, err := a.repo.GetByUsername(ctx, username)
	if errors.Is(err, users.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if !users.CheckPassword(u.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := users.HashPassword(next)
	if err != nil {
		return err
	}
	return a.repo.SetPassword(ctx, u.Username, hash)
}
