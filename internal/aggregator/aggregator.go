// Package aggregator polls every configured price source concurrently and
// publishes one PriceSnapshot per cycle.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kas-watch/internal/domain"
	"kas-watch/internal/exchange"
	"kas-watch/internal/observability"
)

// Defaults match the polling cadence of the public ticker endpoints.
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Publisher receives each completed snapshot.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Aggregator runs aggregation cycles over a fixed, ordered set of sources.
type Aggregator struct {
	sources   []exchange.Source
	publisher Publisher
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Options configures an Aggregator.
type Options struct {
	Sources   []exchange.Source
	Publisher Publisher
	Interval  time.Duration // Default: 5s - pause between cycles
	Timeout   time.Duration // Default: 10s - budget for each source fetch
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// New creates an aggregator.
func New(opts Options) *Aggregator {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Discard()
	}

	return &Aggregator{
		sources:   opts.Sources,
		publisher: opts.Publisher,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.Named("aggregator"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run publishes a snapshot to the rates topic every interval until ctx is done.
// Publishing is fire-and-forget: a failed publish is logged and the loop continues.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("aggregator started",
		zap.Int("sources", len(a.sources)),
		zap.Duration("interval", a.interval),
		zap.Duration("timeout", a.timeout))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator stopping")
			return ctx.Err()
		case <-timer.C:
		}

		snap := a.RunCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if a.publisher != nil {
			if err := a.publisher.Publish(ctx, domain.TopicRates, snap); err != nil {
				a.logger.Error("publish snapshot failed", zap.Error(err))
			}
		}

		timer.Reset(a.interval)
	}
}

// RunCycle fetches every source concurrently, each under its own timeout, and
// returns once all of them have answered or timed out. The snapshot always has
// one quote per source in configuration order; failed sources have no price.
func (a *Aggregator) RunCycle(ctx context.Context) domain.PriceSnapshot {
	start := time.Now()
	quotes := make([]domain.Quote, len(a.sources))

	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			quotes[i] = a.fetch(ctx, src)
		}()
	}
	wg.Wait()

	snap := domain.PriceSnapshot{
		Quotes:    quotes,
		Timestamp: a.now().UnixMilli(),
	}

	absent := len(quotes) - snap.Available()
	a.metrics.CyclesTotal.Inc()
	a.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	a.metrics.QuotesAbsent.Set(float64(absent))

	a.logger.Debug("cycle complete",
		zap.Int("available", snap.Available()),
		zap.Int("absent", absent),
		zap.Duration("took", time.Since(start)))

	return snap
}

type fetchResult struct {
	price float64
	err   error
}

// fetch never returns later than the timeout, even if the source ignores ctx.
func (a *Aggregator) fetch(ctx context.Context, src exchange.Source) domain.Quote {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	id := src.ID()
	start := time.Now()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("source panicked: %v", r)}
			}
		}()
		price, err := src.Fetch(ctx)
		done <- fetchResult{price: price, err: err}
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("fetch %s: %w", id, ctx.Err())
	}

	a.metrics.SourceFetchLatency.WithLabelValues(id).Observe(time.Since(start).Seconds())

	quote := domain.Quote{SourceID: id, FetchedAt: a.now().UnixMilli()}
	if res.err != nil {
		a.metrics.SourceFetchErrors.WithLabelValues(id).Inc()
		a.logger.Warn("price fetch failed", zap.String("source", id), zap.Error(res.err))
		return quote
	}

	price := res.price
	quote.Price = &price
	return quote
}
