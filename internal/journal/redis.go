package journal

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces journal lists in Redis.
const DefaultKeyPrefix = "kaswatch:journal:"

// Redis is a Journal backed by one Redis list per topic.
// RPUSH and LTRIM run inside MULTI/EXEC, so concurrent pushers from any
// process cannot leave a list over its cap.
type Redis struct {
	client redis.Cmdable
	caps   map[string]int
	prefix string
}

// NewRedis creates a Redis journal with the given per-topic caps.
func NewRedis(client redis.Cmdable, caps map[string]int) (*Redis, error) {
	copied := make(map[string]int, len(caps))
	for topic, n := range caps {
		if n <= 0 {
			return nil, fmt.Errorf("journal: cap for %q must be positive, got %d", topic, n)
		}
		copied[topic] = n
	}
	return &Redis{client: client, caps: copied, prefix: DefaultKeyPrefix}, nil
}

func (r *Redis) key(topic string) string {
	return r.prefix + topic
}

// Push appends entry and trims the list to the topic cap atomically.
func (r *Redis) Push(ctx context.Context, topic string, entry []byte) error {
	n, ok := r.caps[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	key := r.key(topic)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, entry)
		pipe.LTrim(ctx, key, int64(-n), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal push %s: %w", topic, err)
	}
	return nil
}

// ReadAll returns the whole list, oldest first.
func (r *Redis) ReadAll(ctx context.Context, topic string) ([][]byte, error) {
	if _, ok := r.caps[topic]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	values, err := r.client.LRange(ctx, r.key(topic), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("journal read %s: %w", topic, err)
	}

	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}
