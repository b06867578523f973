package users

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps accounts in process memory. Used in development
// and when no database is configured.
type MemoryRepository struct {
	mu      sync.RWMutex
	byEmail map[string]*User
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byEmail: make(map[string]*User),
		now:     time.Now,
	}
}

func (r *MemoryRepository) Create(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email := NormalizeEmail(u.Email)
	if _, ok := r.byEmail[email]; ok {
		return ErrExists
	}
	if r.findUsername(u.Username) != nil {
		return ErrExists
	}
	cp := *u
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Email = email
	now := r.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	r.byEmail[email] = &cp
	*u = cp
	return nil
}

func (r *MemoryRepository) Upsert(_ context.Context, l Login) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email := NormalizeEmail(l.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	now := r.now()
	u, ok := r.byEmail[email]
	if !ok {
		if other := r.findUsername(l.Username); other != nil {
			return nil, ErrExists
		}
		u = &User{
			ID:        uuid.New(),
			Username:  l.Username,
			Email:     email,
			Active:    true,
			CreatedAt: now,
		}
		r.byEmail[email] = u
	}
	u.Name = l.Name
	u.Provider = l.Provider
	u.Subject = l.Subject
	u.Institution = l.Institution
	u.Roles = append([]string(nil), l.Roles...)
	u.LoginCount++
	u.LastLogin = now
	u.UpdatedAt = now
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetByUsername(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u := r.findUsername(username)
	if u == nil {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.byEmail))
	for _, u := range r.byEmail {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (r *MemoryRepository) SetPassword(_ context.Context, username, hash string) error {
	return r.update(username, func(u *User) { u.PasswordHash = hash })
}

func (r *MemoryRepository) SetRoles(_ context.Context, username string, roles []string) error {
	return r.update(username, func(u *User) { u.Roles = append([]string(nil), roles...) })
}

func (r *MemoryRepository) SetActive(_ context.Context, username string, active bool) error {
	return r.update(username, func(u *User) { u.Active = active })
}

func (r *MemoryRepository) RecordLogin(_ context.Context, username string, at time.Time) error {
	return r.update(username, func(u *User) {
		u.LoginCount++
		u.LastLogin = at
	})
}

func (r *MemoryRepository) update(username string, fn func(*User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.findUsername(username)
	if u == nil {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = r.now()
	return nil
}

// findUsername must be called with r.mu held.
func (r *MemoryRepository) findUsername(username string) *User {
	if username == "" {
		return nil
	}
	for _, u := range r.byEmail {
		if u.Username == username {
			return u
		}
	}
	return nil
}
