package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJanitorSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Now()

	s := NewMemoryStore()
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	require.NoError(t, s.Set(ctx, "state:x:github", []byte("1"), time.Second))

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	j := NewJanitor(s, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	j.Start(ctx)
	defer j.Stop()

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.entries) == 0
	}, time.Second, 10*time.Millisecond)
}
