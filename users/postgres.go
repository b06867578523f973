package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE unique_violation
const uniqueViolation = "23505"

const userColumns = `id, username, email, name, provider, subject, institution, roles,
	password_hash, active, login_count, last_login, created_at, updated_at`

// PostgresRepository stores accounts in the users table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		roles     string
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.Provider, &u.Subject, &u.Institution,
		&roles, &u.PasswordHash, &u.Active, &u.LoginCount, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if roles != "" {
		if err := json.Unmarshal([]byte(roles), &u.Roles); err != nil {
			return nil, fmt.Errorf("decode roles for %s: %w", u.Username, err)
		}
	}
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	return &u, nil
}

func encodeRoles(roles []string) string {
	if roles == nil {
		roles = []string{}
	}
	b, _ := json.Marshal(roles)
	return string(b)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *PostgresRepository) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = NormalizeEmail(u.Email)
	now := r.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, name, provider, subject, institution, roles,
			password_hash, active, login_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)`,
		u.ID, u.Username, u.Email, u.Name, u.Provider, u.Subject, u.Institution, encodeRoles(u.Roles),
		u.PasswordHash, u.Active, now,
	)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, l Login) (*User, error) {
	email := NormalizeEmail(l.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	now := r.now().UTC()
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, username, email, name, provider, subject, institution, roles,
			active, login_count, last_login, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, 1, $9, $9, $9)
		 ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name,
			provider = EXCLUDED.provider,
			subject = EXCLUDED.subject,
			institution = EXCLUDED.institution,
			roles = EXCLUDED.roles,
			login_count = users.login_count + 1,
			last_login = EXCLUDED.last_login,
			updated_at = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		uuid.New(), l.Username, email, l.Name, l.Provider, l.Subject, l.Institution, encodeRoles(l.Roles), now,
	)
	u, err := scanUser(row)
	if isUniqueViolation(err) {
		return nil, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetPassword(ctx context.Context, username, hash string) error {
	return r.exec(ctx, `UPDATE users SET password_hash = $2, updated_at = $3 WHERE username = $1`,
		username, hash, r.now().UTC())
}

func (r *PostgresRepository) SetRoles(ctx context.Context, username string, roles []string) error {
	return r.exec(ctx, `UPDATE users SET roles = $2, updated_at = $3 WHERE username = $1`,
		username, encodeRoles(roles), r.now().UTC())
}

func (r *PostgresRepository) SetActive(ctx context.Context, username string, active bool) error {
	return r.exec(ctx, `UPDATE users SET active = $2, updated_at = $3 WHERE username = $1`,
		username, active, r.now().UTC())
}

func (r *PostgresRepository) RecordLogin(ctx context.Context, username string, at time.Time) error {
	return r.exec(ctx,
		`UPDATE users SET login_count = login_count + 1, last_login = $2, updated_at = $2 WHERE username = $1`,
		username, at.UTC())
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
