// Package broker fans published messages out to live subscribers per topic.
//
// Delivery is best effort and non-durable: only subscribers present at publish
// time receive a message, and a subscriber whose queue is full misses it
// without slowing down the publisher or other subscribers.
package broker

import (
	"sync"

	"go.uber.org/zap"

	"kas-watch/internal/observability"
)

// DefaultQueueSize is the per-subscription delivery buffer.
const DefaultQueueSize = 256

// Broker is an in-process topic-based publish/subscribe hub.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription
	nextID uint64

	queueSize int
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// Options configures a Broker.
type Options struct {
	QueueSize int // Default: DefaultQueueSize
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// New creates a broker.
func New(opts Options) *Broker {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Discard()
	}

	return &Broker{
		topics:    make(map[string]map[uint64]*Subscription),
		queueSize: queueSize,
		logger:    logger.Named("broker"),
		metrics:   metrics,
	}
}

// Subscription is a live handle on one topic. It is owned by a single consumer.
type Subscription struct {
	id     uint64
	topic  string
	ch     chan []byte
	broker *Broker
	once   sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// C yields messages as they are published. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel.
// It is safe to call more than once and does not affect other subscribers.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

// Subscribe registers a new subscription on topic.
func (b *Broker) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		topic:  topic,
		ch:     make(chan []byte, b.queueSize),
		broker: b,
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub

	b.metrics.BrokerSubscribers.WithLabelValues(topic).Set(float64(len(subs)))
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	// Closing under the write lock excludes a concurrent Publish send.
	close(sub.ch)

	b.metrics.BrokerSubscribers.WithLabelValues(sub.topic).Set(float64(len(subs)))
}

// Publish delivers msg to every current subscriber of topic without blocking.
// It returns the number of subscribers that accepted the message.
func (b *Broker) Publish(topic string, msg []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			b.metrics.BrokerDropped.WithLabelValues(topic).Inc()
			b.logger.Warn("subscriber queue full, message dropped",
				zap.String("topic", topic),
				zap.Uint64("subscription", sub.id))
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
