// Package reconciler keeps the transaction store caught up with the chat feed.
//
// On start it backfills everything newer than the stored watermark, then
// switches to the live stream. Live messages that arrive before the switch
// are dropped; the repeated backfill pass picks them up.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kas-watch/internal/domain"
	"kas-watch/internal/feed"
	"kas-watch/internal/observability"
	"kas-watch/internal/storage"
)

// DefaultPasses is the number of backfill passes run before going live.
const DefaultPasses = 2

// State is the reconciler lifecycle stage.
type State int32

const (
	ColdStart State = iota
	Backfilling
	Live
)

func (s State) String() string {
	switch s {
	case ColdStart:
		return "cold_start"
	case Backfilling:
		return "backfilling"
	case Live:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Skip reasons reported in metrics.
const (
	reasonParse   = "parse"
	reasonForeign = "foreign"
	reasonNotLive = "not_live"
)

// Publisher forwards persisted transactions to subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Restorer refills a topic's journal with already delivered data without
// broadcasting it again.
type Restorer interface {
	Restore(ctx context.Context, topic string, payload any) error
}

// Reconciler moves transactions from the feed into the store and on to the
// transactions topic.
type Reconciler struct {
	feed      feed.Client
	store     storage.TransactionStore
	publisher Publisher
	restorer  Restorer
	source    domain.FeedSource
	epoch     time.Time
	passes    int
	warm      int
	logger    *zap.Logger
	metrics   *observability.Metrics

	state     atomic.Int32
	watermark atomic.Int64
}

// Options configures a Reconciler.
type Options struct {
	Feed      feed.Client
	Store     storage.TransactionStore
	Publisher Publisher
	Source    domain.FeedSource
	Epoch     time.Time // watermark used when the store is empty
	Passes    int       // Default: 2
	// Restorer and WarmJournal, when both set, restore up to WarmJournal stored
	// transactions into the journal during ColdStart so a fresh in-memory
	// journal is not empty. Live subscribers never see restored entries.
	Restorer    Restorer
	WarmJournal int
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// New creates a reconciler in the ColdStart state.
func New(opts Options) *Reconciler {
	passes := opts.Passes
	if passes <= 0 {
		passes = DefaultPasses
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Discard()
	}

	r := &Reconciler{
		feed:      opts.Feed,
		store:     opts.Store,
		publisher: opts.Publisher,
		restorer:  opts.Restorer,
		source:    opts.Source,
		epoch:     opts.Epoch,
		passes:    passes,
		warm:      opts.WarmJournal,
		logger:    logger.Named("reconciler"),
		metrics:   metrics,
	}
	r.watermark.Store(opts.Epoch.UnixMilli())
	r.setState(ColdStart)
	return r
}

// State returns the current lifecycle stage.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Watermark returns the created_at of the newest known transaction in Unix ms.
func (r *Reconciler) Watermark() int64 {
	return r.watermark.Load()
}

func (r *Reconciler) setState(s State) {
	r.state.Store(int32(s))
	r.metrics.ReconcilerState.Set(float64(s))
	r.logger.Info("state changed", zap.Stringer("state", s))
}

func (r *Reconciler) advance(createdAt int64) {
	for {
		cur := r.watermark.Load()
		if createdAt <= cur {
			return
		}
		if r.watermark.CompareAndSwap(cur, createdAt) {
			r.metrics.WatermarkTimestamp.Set(float64(createdAt))
			return
		}
	}
}

// Run seeds the source row, loads the watermark, backfills and then serves
// live messages until ctx is done. It returns an error if the store or feed
// is unreachable at startup or every backfill pass fails.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.store.EnsureSource(ctx, r.source); err != nil {
		return fmt.Errorf("seed feed source: %w", err)
	}
	if err := r.loadWatermark(ctx); err != nil {
		return err
	}
	if r.warm > 0 && r.restorer != nil {
		if err := r.warmJournal(ctx); err != nil {
			r.logger.Warn("journal warm-up failed", zap.Error(err))
		}
	}

	r.setState(Backfilling)

	cancel, err := r.feed.OnLiveMessage(ctx, r.source.ChannelID, r.source.SenderID, func(msg feed.RawMessage) {
		r.HandleLive(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("register live feed handler: %w", err)
	}
	defer cancel()

	succeeded := 0
	var lastErr error
	for pass := 1; pass <= r.passes; pass++ {
		n, err := r.Backfill(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			r.logger.Error("backfill pass failed",
				zap.Int("pass", pass),
				zap.Int("forwarded", n),
				zap.Error(err),
			)
			continue
		}
		succeeded++
		r.logger.Info("backfill pass complete",
			zap.Int("pass", pass),
			zap.Int("forwarded", n),
			zap.Int64("watermark", r.Watermark()),
		)
	}
	if succeeded == 0 {
		return fmt.Errorf("backfill: all %d passes failed: %w", r.passes, lastErr)
	}

	r.setState(Live)

	<-ctx.Done()
	return ctx.Err()
}

func (r *Reconciler) loadWatermark(ctx context.Context) error {
	latest, err := r.store.FindLatest(ctx, r.source.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.watermark.Store(r.epoch.UnixMilli())
	case err != nil:
		return fmt.Errorf("load watermark: %w", err)
	default:
		r.watermark.Store(latest.CreatedAt)
	}
	r.metrics.WatermarkTimestamp.Set(float64(r.Watermark()))
	r.logger.Info("watermark loaded", zap.Int64("watermark", r.Watermark()))
	return nil
}

func (r *Reconciler) warmJournal(ctx context.Context) error {
	recent, err := r.store.ListRecent(ctx, r.source.ID, r.warm)
	if err != nil {
		return fmt.Errorf("list recent transactions: %w", err)
	}
	for _, tx := range recent {
		if err := r.restorer.Restore(ctx, domain.TopicTransactions, *tx); err != nil {
			return fmt.Errorf("restore message %d: %w", tx.MessageID, err)
		}
	}
	r.logger.Info("journal warmed", zap.Int("transactions", len(recent)))
	return nil
}

// Backfill runs one pass: it scans history newest first down to the
// watermark, then persists and forwards the new transactions oldest first.
// On a store failure the pass stops; transactions persisted before it stay
// forwarded and the watermark reflects them. Returns the number forwarded.
func (r *Reconciler) Backfill(ctx context.Context) (int, error) {
	wm := r.Watermark()

	var pending []*domain.Transaction
	for msg, err := range r.feed.History(ctx, r.source.ChannelID, r.source.SenderID) {
		if err != nil {
			r.metrics.BackfillPasses.WithLabelValues("failed").Inc()
			return 0, fmt.Errorf("read feed history: %w", err)
		}
		if msg.Date <= wm {
			break
		}
		if !msg.From(r.source.ChannelID, r.source.SenderID) {
			r.metrics.TransactionsSkipped.WithLabelValues(reasonForeign).Inc()
			continue
		}
		tx, err := msg.Transaction(r.source.ID)
		if err != nil {
			r.skipUnparsable(msg, err)
			continue
		}
		pending = append(pending, tx)
	}
	slices.Reverse(pending)

	forwarded := 0
	for _, tx := range pending {
		ok, err := r.persist(ctx, tx)
		if err != nil {
			r.metrics.BackfillPasses.WithLabelValues("failed").Inc()
			return forwarded, fmt.Errorf("persist message %d: %w", tx.MessageID, err)
		}
		if !ok {
			continue
		}
		r.forward(ctx, tx)
		forwarded++
	}

	r.metrics.BackfillPasses.WithLabelValues("ok").Inc()
	return forwarded, nil
}

// HandleLive processes one live message. Messages are only accepted in the
// Live state. A store failure drops the message.
func (r *Reconciler) HandleLive(ctx context.Context, msg feed.RawMessage) {
	if r.State() != Live {
		r.metrics.TransactionsSkipped.WithLabelValues(reasonNotLive).Inc()
		r.logger.Debug("live message before live state", zap.Int64("message_id", msg.ID))
		return
	}
	if !msg.From(r.source.ChannelID, r.source.SenderID) {
		r.metrics.TransactionsSkipped.WithLabelValues(reasonForeign).Inc()
		return
	}

	tx, err := msg.Transaction(r.source.ID)
	if err != nil {
		r.skipUnparsable(msg, err)
		return
	}

	ok, err := r.persist(ctx, tx)
	if err != nil {
		r.metrics.TransactionsDropped.Inc()
		r.logger.Error("live transaction dropped",
			zap.Int64("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	if ok {
		r.forward(ctx, tx)
	}
}

// persist appends tx. It reports false for a message that is already stored.
func (r *Reconciler) persist(ctx context.Context, tx *domain.Transaction) (bool, error) {
	err := r.store.Append(ctx, tx)
	if errors.Is(err, storage.ErrDuplicateKey) {
		r.metrics.TransactionsDuplicate.Inc()
		r.logger.Debug("transaction already stored", zap.Int64("message_id", tx.MessageID))
		r.advance(tx.CreatedAt)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.metrics.TransactionsPersisted.Inc()
	r.advance(tx.CreatedAt)
	return true, nil
}

func (r *Reconciler) forward(ctx context.Context, tx *domain.Transaction) {
	if err := r.publisher.Publish(ctx, domain.TopicTransactions, *tx); err != nil {
		r.logger.Warn("publish transaction",
			zap.Int64("message_id", tx.MessageID),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) skipUnparsable(msg feed.RawMessage, err error) {
	r.metrics.TransactionsSkipped.WithLabelValues(reasonParse).Inc()
	r.logger.Info("feed message skipped",
		zap.Int64("message_id", msg.ID),
		zap.Error(err),
	)
}
