// Package session serves one subscriber: it replays the journal, tails the
// broker and tears both subscriptions down when the client goes away.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kas-watch/internal/broker"
	"kas-watch/internal/domain"
	"kas-watch/internal/observability"
)

// Conn is a duplex client connection. Send must be safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next client frame. It returns an error once the
	// peer is gone or the connection is closed.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Attacher hands out a journal snapshot plus a live subscription starting
// right after it.
type Attacher interface {
	Attach(ctx context.Context, topic string) ([][]byte, *broker.Subscription, error)
}

// DefaultTopics are replayed and tailed in this order.
var DefaultTopics = []string{domain.TopicTransactions, domain.TopicRates}

var errClientGone = errors.New("client disconnected")

// Session is one connected subscriber.
type Session struct {
	id       uuid.UUID
	conn     Conn
	attacher Attacher
	topics   []string
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Options configures a Session.
type Options struct {
	Stream  Attacher
	Topics  []string // Default: DefaultTopics
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// New creates a session for conn.
func New(conn Conn, opts Options) *Session {
	topics := opts.Topics
	if len(topics) == 0 {
		topics = DefaultTopics
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Discard()
	}

	id := uuid.New()
	return &Session{
		id:       id,
		conn:     conn,
		attacher: opts.Stream,
		topics:   topics,
		logger:   logger.Named("session").With(zap.String("session_id", id.String())),
		metrics:  metrics,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id.String()
}

type attachment struct {
	topic  string
	replay [][]byte
	sub    *broker.Subscription
}

// Run serves the session until the client disconnects, a send fails or ctx
// is done. Every subscription is removed and the connection closed before it
// returns. A client disconnect or cancellation returns nil.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	s.metrics.SessionsTotal.Inc()
	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()

	attached := make([]attachment, 0, len(s.topics))
	for _, topic := range s.topics {
		replay, sub, err := s.attacher.Attach(ctx, topic)
		if err != nil {
			s.teardown(attached)
			return fmt.Errorf("session %s: %w", s.id, err)
		}
		attached = append(attached, attachment{topic: topic, replay: replay, sub: sub})
	}
	s.logger.Debug("session connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receive(gctx) })
	g.Go(func() error {
		if err := s.replay(gctx, attached); err != nil {
			return err
		}
		for _, a := range attached {
			g.Go(func() error { return s.tail(gctx, a.sub) })
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.teardown(attached)
		return nil
	})

	err := g.Wait()
	s.logger.Debug("session ended", zap.Duration("duration", time.Since(start)), zap.Error(err))
	if errors.Is(err, errClientGone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) replay(ctx context.Context, attached []attachment) error {
	total := 0
	for _, a := range attached {
		for _, msg := range a.replay {
			if err := s.conn.Send(ctx, msg); err != nil {
				return fmt.Errorf("replay %s: %w", a.topic, err)
			}
		}
		total += len(a.replay)
	}
	s.metrics.SessionReplayLength.Observe(float64(total))
	return nil
}

func (s *Session) tail(ctx context.Context, sub *broker.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := s.conn.Send(ctx, msg); err != nil {
				return fmt.Errorf("tail %s: %w", sub.Topic(), err)
			}
		}
	}
}

// receive drains client frames. Their content is ignored.
func (s *Session) receive(ctx context.Context) error {
	for {
		if _, err := s.conn.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
	}
}

func (s *Session) teardown(attached []attachment) {
	for _, a := range attached {
		a.sub.Unsubscribe()
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("close connection", zap.Error(err))
	}
}
