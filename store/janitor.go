package store

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically removes expired entries from a Store.
type Janitor struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor creates a janitor. A non-positive interval defaults to one minute.
func NewJanitor(s Store, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    s,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine until Stop is called or ctx ends.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("store cleanup started", "interval", j.interval.String())
	go j.run(ctx)
}

// Stop ends the loop and waits for it to exit.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
	j.logger.Info("store cleanup stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-j.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.store.Cleanup(ctx)
	if err != nil {
		j.logger.Error("store cleanup failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Debug("store cleanup removed entries", "count", n)
	}
}
