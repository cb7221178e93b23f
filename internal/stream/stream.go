// Package stream is the single write path for topic data: every publish is
// recorded in the journal and broadcast through the broker under one per-topic
// lock, and Attach takes its journal snapshot and broker subscription under the
// same lock. A subscriber therefore sees each message exactly once, either in
// its replay or in its live tail.
package stream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"kas-watch/internal/broker"
	"kas-watch/internal/domain"
	"kas-watch/internal/journal"
	"kas-watch/internal/observability"
)

// Mirror forwards published envelopes outside the process.
type Mirror interface {
	Mirror(ctx context.Context, msg []byte) (int64, error)
}

// Stream couples the journal and the broker.
type Stream struct {
	journal journal.Journal
	broker  *broker.Broker
	mirror  Mirror

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger  *zap.Logger
	metrics *observability.Metrics
}

// Options configures a Stream.
type Options struct {
	Journal journal.Journal
	Broker  *broker.Broker
	Mirror  Mirror // optional
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// New creates a stream over the given journal and broker.
func New(opts Options) *Stream {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Discard()
	}

	return &Stream{
		journal: opts.Journal,
		broker:  opts.Broker,
		mirror:  opts.Mirror,
		locks:   make(map[string]*sync.Mutex),
		logger:  logger.Named("stream"),
		metrics: metrics,
	}
}

func (s *Stream) topicLock(topic string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[topic]
	if !ok {
		l = &sync.Mutex{}
		s.locks[topic] = l
	}
	return l
}

// Publish wraps payload in the topic's envelope, appends it to the journal and
// broadcasts it. The broadcast happens even if the journal write fails so live
// subscribers keep receiving data; the journal error is returned.
func (s *Stream) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := encode(topic, payload)
	if err != nil {
		return err
	}

	l := s.topicLock(topic)
	l.Lock()
	pushErr := s.journal.Push(ctx, topic, msg)
	s.broker.Publish(topic, msg)
	l.Unlock()

	s.metrics.MessagesPublished.WithLabelValues(topic).Inc()

	if s.mirror != nil {
		if _, err := s.mirror.Mirror(ctx, msg); err != nil {
			s.logger.Warn("mirror publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	if pushErr != nil {
		return fmt.Errorf("stream publish %s: %w", topic, pushErr)
	}
	return nil
}

// Restore appends payload to the topic's journal without broadcasting or
// mirroring it. It refills a volatile journal with data already delivered
// before a restart, so only future Attach replays see it.
func (s *Stream) Restore(ctx context.Context, topic string, payload any) error {
	msg, err := encode(topic, payload)
	if err != nil {
		return err
	}

	l := s.topicLock(topic)
	l.Lock()
	defer l.Unlock()

	if err := s.journal.Push(ctx, topic, msg); err != nil {
		return fmt.Errorf("stream restore %s: %w", topic, err)
	}
	return nil
}

// Attach returns the current journal contents of topic, oldest first, and a
// live subscription that starts right after the last replayed entry.
// The caller owns the subscription and must Unsubscribe it.
func (s *Stream) Attach(ctx context.Context, topic string) ([][]byte, *broker.Subscription, error) {
	l := s.topicLock(topic)
	l.Lock()
	defer l.Unlock()

	sub := s.broker.Subscribe(topic)
	entries, err := s.journal.ReadAll(ctx, topic)
	if err != nil {
		sub.Unsubscribe()
		return nil, nil, fmt.Errorf("stream attach %s: %w", topic, err)
	}

	s.metrics.JournalLength.WithLabelValues(topic).Set(float64(len(entries)))
	return entries, sub, nil
}

func encode(topic string, payload any) ([]byte, error) {
	method, ok := domain.MethodForTopic(topic)
	if !ok {
		return nil, fmt.Errorf("stream: no envelope method for topic %q", topic)
	}

	env, err := domain.NewEnvelope(method, payload)
	if err != nil {
		return nil, err
	}
	msg, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return msg, nil
}
