// Package notify announces newly published artifact versions to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event describes a version that just went live.
type Event struct {
	Version   string    `json:"version"`
	Items     int       `json:"items"`
	Rebuilt   int       `json:"rebuilt"`
	Copied    int       `json:"copied"`
	Rollback  bool      `json:"rollback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher delivers events. Publishing is best effort; callers log errors.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis server at url.
func NewRedisPublisher(url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opts), channel: channel}, nil
}

// Publish sends ev on the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.channel, err)
	}
	slog.Debug("published artifact event", "channel", p.channel, "version", ev.Version, "receivers", receivers)
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// New returns a Redis publisher when url is set, or nil when publishing is
// disabled.
func New(url, channel string) (Publisher, error) {
	if url == "" {
		return nil, nil
	}
	return NewRedisPublisher(url, channel)
}
