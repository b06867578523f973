// Package store provides the server-held key/value capability behind
// sessions, login state and flash messages.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the session-store capability. Implementations must be safe for
// concurrent use. A ttl of zero means the entry does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take returns the value and removes it in one step. Of several
	// concurrent callers at most one observes the value.
	Take(ctx context.Context, key string) ([]byte, error)
	// Keys lists live keys sharing prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Cleanup removes expired entries and reports how many were dropped.
	Cleanup(ctx context.Context) (int, error)
}

// NewToken returns n random bytes encoded as unpadded base64url.
func NewToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
