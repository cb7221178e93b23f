// Package journal keeps a bounded, ordered history of recent entries per topic.
//
// A push appends to the tail and trims from the head in one atomic step, so a
// reader never observes more than the topic's cap and always sees the most
// recent entries in the order they were pushed. Topics are independent.
package journal

import (
	"context"
	"errors"
)

// ErrUnknownTopic is returned for topics that have no configured cap.
var ErrUnknownTopic = errors.New("journal: unknown topic")

// Journal is a per-topic capped list.
type Journal interface {
	// Push appends entry to topic, evicting the oldest entry when the cap is exceeded.
	Push(ctx context.Context, topic string, entry []byte) error

	// ReadAll returns the retained entries of topic, oldest first.
	ReadAll(ctx context.Context, topic string) ([][]byte, error)
}
