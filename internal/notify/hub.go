// Package notify fans announcement pointer changes out to stream
// subscribers. Changes arrive from the sequencer directly, from other
// instances over Redis, and from a watcher polling the pointer; the hub
// forwards only those newer than the last one it saw.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ceremony/internal/ceremony"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 8

// Hub is an in-process broadcaster. A subscriber whose buffer is full misses
// the event instead of stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	last   ceremony.Announcement
	seen   bool
	closed bool
	buffer int
	logger *slog.Logger

	// OnSubscribers, when set, receives +1 and -1 as subscribers come and go.
	OnSubscribers func(delta int)
}

var _ ceremony.Notifier = (*Hub)(nil)

// NewHub creates a hub.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer, logger: logger}
}

// Subscription receives announcements on C until closed.
type Subscription struct {
	C       <-chan ceremony.Announcement
	ch      chan ceremony.Announcement
	hub     *Hub
	once    sync.Once
	dropped int
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan ceremony.Announcement, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.once.Do(func() { close(ch) })
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	if h.OnSubscribers != nil {
		h.OnSubscribers(1)
	}
	return s
}

// Close ends every subscription. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		delete(h.subs, s)
		close(s.ch)
		h.mu.Unlock()
		if h.OnSubscribers != nil {
			h.OnSubscribers(-1)
		}
	})
}

// Notify implements ceremony.Notifier.
func (h *Hub) Notify(_ context.Context, a ceremony.Announcement) error {
	h.Publish(a)
	return nil
}

// Publish forwards a to every subscriber unless an announcement with the
// same or a later updated_at was already forwarded. It reports whether a
// was forwarded.
func (h *Hub) Publish(a ceremony.Announcement) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen && !a.UpdatedAt.After(h.last.UpdatedAt) {
		return false
	}
	h.last, h.seen = a, true
	for s := range h.subs {
		select {
		case s.ch <- a:
		default:
			s.dropped++
			h.logger.Warn("announcement stream subscriber lagging, event dropped", "dropped", s.dropped)
		}
	}
	return true
}

// Last returns the newest forwarded announcement.
func (h *Hub) Last() (ceremony.Announcement, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.seen
}

// Subscribers reports the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LastUpdate is the updated_at of the newest forwarded announcement.
func (h *Hub) LastUpdate() time.Time {
	a, _ := h.Last()
	return a.UpdatedAt
}
