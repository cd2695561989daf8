package notify

import (
	"context"
	"log/slog"
	"time"

	"ceremony/internal/ceremony"
)

// CurrentFunc reads the pointer joined with its graduate.
type CurrentFunc func(ctx context.Context) (ceremony.Announcement, error)

// Watcher polls the pointer so changes made by other processes reach the
// hub even without a relay.
type Watcher struct {
	current  CurrentFunc
	hub      *Hub
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher polling every interval.
func NewWatcher(current CurrentFunc, hub *Hub, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{current: current, hub: hub, interval: interval, logger: logger}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("announcement poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll reads the pointer once and reports whether the hub forwarded it.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	a, err := w.current(ctx)
	if err != nil {
		return false, err
	}
	return w.hub.Publish(a), nil
}
