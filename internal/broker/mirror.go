package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMirror republishes envelopes on a Redis pub/sub channel for consumers
// outside this process. Like the in-process broker it is fire-and-forget.
type RedisMirror struct {
	client  redis.Cmdable
	channel string
}

// NewRedisMirror creates a mirror publishing to channel.
func NewRedisMirror(client redis.Cmdable, channel string) *RedisMirror {
	return &RedisMirror{client: client, channel: channel}
}

// Mirror publishes msg and returns the number of Redis subscribers that received it.
func (m *RedisMirror) Mirror(ctx context.Context, msg []byte) (int64, error) {
	n, err := m.client.Publish(ctx, m.channel, msg).Result()
	if err != nil {
		return 0, fmt.Errorf("mirror publish %s: %w", m.channel, err)
	}
	return n, nil
}
