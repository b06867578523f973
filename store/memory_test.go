package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "session:a", []byte("one"), time.Minute))
	got, err := s.Get(ctx, "session:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, s.Set(ctx, "session:a", []byte("two"), time.Minute))
	got, err = s.Get(ctx, "session:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	require.NoError(t, s.Delete(ctx, "session:a"))
	_, err = s.Get(ctx, "session:a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "missing"))
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, s.Set(ctx, "forever", []byte("y"), 0))

	now = now.Add(2 * time.Second)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Take(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "short2", []byte("x"), time.Second))
	now = now.Add(2 * time.Second)
	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
}

func TestMemoryStoreTakeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "state:b:github", []byte("abc"), time.Minute))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, "state:b:github"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	_, err := s.Get(ctx, "state:b:github")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "state:b1:github", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "nonce:b1:helmholtz", []byte("2"), time.Minute))
	require.NoError(t, s.Set(ctx, "state:b1:helmholtz", []byte("3"), time.Minute))
	require.NoError(t, s.Set(ctx, "state:b2:github", []byte("4"), time.Minute))

	keys, err := s.Keys(ctx, "state:b1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"state:b1:github", "state:b1:helmholtz"}, keys)
}

func TestNewTokenLength(t *testing.T) {
	a, err := NewToken(32)
	require.NoError(t, err)
	b, err := NewToken(32)
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}
