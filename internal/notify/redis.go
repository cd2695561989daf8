package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"ceremony/internal/ceremony"
)

// DefaultChannel is the pub/sub channel carrying announcements.
const DefaultChannel = "ceremony:announcements"

// Relay shares announcements between API instances over Redis pub/sub.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

var _ ceremony.Notifier = (*Relay)(nil)

// NewRelay creates a relay feeding hub.
func NewRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, channel: channel, hub: hub, logger: logger}
}

// Notify delivers a to the local hub and publishes it to the other instances.
func (r *Relay) Notify(ctx context.Context, a ceremony.Announcement) error {
	r.hub.Publish(a)
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}
	return nil
}

// Run forwards announcements published by any instance into the hub until
// ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var a ceremony.Announcement
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				r.logger.Warn("discarding malformed announcement", "error", err)
				continue
			}
			r.hub.Publish(a)
		}
	}
}
