package journal

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Journal. Each topic has its own lock.
type Memory struct {
	topics map[string]*topicLog // fixed at construction, read without locking
}

type topicLog struct {
	mu      sync.Mutex
	cap     int
	entries [][]byte
}

// NewMemory creates a journal with the given per-topic caps.
func NewMemory(caps map[string]int) (*Memory, error) {
	topics := make(map[string]*topicLog, len(caps))
	for topic, n := range caps {
		if n <= 0 {
			return nil, fmt.Errorf("journal: cap for %q must be positive, got %d", topic, n)
		}
		topics[topic] = &topicLog{cap: n, entries: make([][]byte, 0, n)}
	}
	return &Memory{topics: topics}, nil
}

// Push appends entry and trims the head under the topic lock.
func (m *Memory) Push(_ context.Context, topic string, entry []byte) error {
	log, ok := m.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	stored := make([]byte, len(entry))
	copy(stored, entry)

	log.mu.Lock()
	defer log.mu.Unlock()

	if len(log.entries) == log.cap {
		copy(log.entries, log.entries[1:])
		log.entries[len(log.entries)-1] = stored
		return nil
	}
	log.entries = append(log.entries, stored)
	return nil
}

// ReadAll returns a copy of the topic's entries, oldest first.
func (m *Memory) ReadAll(_ context.Context, topic string) ([][]byte, error) {
	log, ok := m.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	out := make([][]byte, len(log.entries))
	copy(out, log.entries)
	return out, nil
}
