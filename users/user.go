// Package users stores local and federated accounts.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is enforced on every password set through this package.
const MinPasswordLength = 8

var (
	ErrNotFound         = errors.New("user not found")
	ErrExists           = errors.New("user already exists")
	ErrEmailRequired    = errors.New("email is required")
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// ProviderBasic marks accounts created by an administrator.
const ProviderBasic = "basic"

// User is a stored account.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	Subject      string    `json:"subject,omitempty"`
	Institution  string    `json:"institution,omitempty"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	LoginCount   int       `json:"login_count"`
	LastLogin    time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasPassword reports whether the account can use basic authentication.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Login carries what a federated login knows about an account.
type Login struct {
	Username    string
	Email       string
	Name        string
	Provider    string
	Subject     string
	Institution string
	Roles       []string
}

// Repository persists accounts.
type Repository interface {
	Create(ctx context.Context, u *User) error
	// Upsert records a federated login keyed by email: new accounts are
	// created, existing ones get refreshed profile data and roles and an
	// incremented login count. Password and active flag are preserved.
	Upsert(ctx context.Context, l Login) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	SetPassword(ctx context.Context, username, hash string) error
	SetRoles(ctx context.Context, username string, roles []string) error
	SetActive(ctx context.Context, username string, active bool) error
	RecordLogin(ctx context.Context, username string, at time.Time) error
}

// NewBasicUser prepares an administrator-created account.
func NewBasicUser(username, email, name, password string, roles []string) (*User, error) {
	username = strings.TrimSpace(username)
	email = NormalizeEmail(email)
	if username == "" || email == "" {
		return nil, errors.New("username and email are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		roles = []string{"viewer"}
	}
	if name == "" {
		name = username
	}
	return &User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		Name:         name,
		Provider:     ProviderBasic,
		Roles:        roles,
		PasswordHash: hash,
		Active:       true,
	}, nil
}

// HashPassword bcrypt-hashes a password after checking its length.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// CheckPassword compares a password with a stored bcrypt hash.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
