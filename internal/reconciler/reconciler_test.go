package reconciler

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"kas-watch/internal/domain"
	"kas-watch/internal/feed"
	"kas-watch/internal/observability"
	"kas-watch/internal/storage"
	"kas-watch/internal/storage/memory"
)

var testSource = domain.FeedSource{ID: 1, Name: "KSPR Bot", ChannelID: 2193761946, SenderID: 7338170991}

const t0 int64 = 1717000000000

func txText(ticker string) string {
	return "🚀 New Transaction\n\n🔹 Ticker: " + ticker + "\n📊 KRC20 Amount: 1,000\n💰 KAS Amount: 25\n💵 Price per unit: 0.025"
}

func msg(id, date int64) feed.RawMessage {
	return feed.RawMessage{ID: id, ChannelID: testSource.ChannelID, SenderID: testSource.SenderID, Text: txText("PEPE"), Date: date}
}

// fakeFeed serves a fixed newest-first history and captures the live handler.
type fakeFeed struct {
	mu         sync.Mutex
	history    []feed.RawMessage
	historyErr error
	scans      int
	handler    feed.Handler
	liveErr    error
	cancelled  bool
	onScan     func(scan int)
}

func (f *fakeFeed) History(_ context.Context, _, _ int64) iter.Seq2[feed.RawMessage, error] {
	f.mu.Lock()
	f.scans++
	scan := f.scans
	msgs := append([]feed.RawMessage(nil), f.history...)
	herr := f.historyErr
	hook := f.onScan
	f.mu.Unlock()

	if hook != nil {
		hook(scan)
	}
	return func(yield func(feed.RawMessage, error) bool) {
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
		if herr != nil {
			yield(feed.RawMessage{}, herr)
		}
	}
}

func (f *fakeFeed) OnLiveMessage(_ context.Context, _, _ int64, h feed.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	f.handler = h
	return func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) live() feed.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeFeed) setHistory(msgs ...feed.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = msgs
}

type published struct {
	topic string
	tx    domain.Transaction
}

type recordingPublisher struct {
	mu       sync.Mutex
	msgs     []published
	restored []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, tx: payload.(domain.Transaction)})
	return nil
}

func (p *recordingPublisher) Restore(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored = append(p.restored, published{topic: topic, tx: payload.(domain.Transaction)})
	return nil
}

func (p *recordingPublisher) ids() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return messageIDs(p.msgs)
}

func (p *recordingPublisher) restoredIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return messageIDs(p.restored)
}

func messageIDs(msgs []published) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.tx.MessageID)
	}
	return out
}

// failingStore fails Append once failAfter successful appends have happened.
type failingStore struct {
	*memory.TransactionStore
	mu        sync.Mutex
	appends   int
	failAfter int
}

func (s *failingStore) Append(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appends >= s.failAfter {
		return errors.New("connection refused")
	}
	s.appends++
	return s.TransactionStore.Append(ctx, tx)
}

type fixture struct {
	feed    *fakeFeed
	store   *memory.TransactionStore
	pub     *recordingPublisher
	metrics *observability.Metrics
	logs    *observer.ObservedLogs
	rec     *Reconciler
}

func newFixture(t *testing.T, store storage.TransactionStore) *fixture {
	t.Helper()
	mem := memory.NewTransactionStore()
	require.NoError(t, mem.EnsureSource(context.Background(), testSource))
	if store == nil {
		store = mem
	}
	if fs, ok := store.(*failingStore); ok {
		mem = fs.TransactionStore
	}

	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		feed:    &fakeFeed{},
		store:   mem,
		pub:     &recordingPublisher{},
		metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
		logs:    logs,
	}
	f.rec = New(Options{
		Feed:      f.feed,
		Store:     store,
		Publisher: f.pub,
		Source:    testSource,
		Logger:    zap.New(core),
		Metrics:   f.metrics,
	})
	return f
}

func (f *fixture) seed(t *testing.T, id, createdAt int64) {
	t.Helper()
	tx, err := msg(id, createdAt).Transaction(testSource.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Append(context.Background(), tx))
}

func TestBackfill_StopsAtWatermark(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 100, t0)
	require.NoError(t, f.rec.loadWatermark(context.Background()))
	require.Equal(t, t0, f.rec.Watermark())

	f.feed.setHistory(
		msg(105, t0+5000),
		msg(104, t0+4000),
		msg(103, t0+3000),
		msg(100, t0),
		msg(99, t0-1000),
	)

	n, err := f.rec.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{103, 104, 105}, f.pub.ids())
	assert.Equal(t, 4, f.store.Count())
	assert.Equal(t, t0+5000, f.rec.Watermark())
	for _, p := range f.pub.msgs {
		assert.Equal(t, domain.TopicTransactions, p.topic)
	}
}

func TestBackfill_SecondPassIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.setHistory(msg(3, t0+3000), msg(2, t0+2000), msg(1, t0+1000))

	n, err := f.rec.Backfill(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = f.rec.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []int64{1, 2, 3}, f.pub.ids())
	assert.Equal(t, 3, f.store.Count())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.TransactionsDuplicate))
}

func TestBackfill_SecondPassPicksUpNewMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.setHistory(msg(1, t0+1000))
	_, err := f.rec.Backfill(context.Background())
	require.NoError(t, err)

	f.feed.setHistory(msg(2, t0+2000), msg(1, t0+1000))
	n, err := f.rec.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1, 2}, f.pub.ids())
}

func TestBackfill_MissingFieldIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	bad := msg(7, t0+1000)
	bad.Text = "🔹 Ticker: PEPE\n📊 KRC20 Amount: 476574\n💵 Price per unit: 0.00024131"
	f.feed.setHistory(bad)

	n, err := f.rec.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, f.store.Count())
	assert.Empty(t, f.pub.ids())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransactionsSkipped.WithLabelValues(reasonParse)))

	entries := f.logs.FilterMessage("feed message skipped").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ContextMap()["message_id"])
}

func TestBackfill_SameTimestampDuplicateIsNotForwarded(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 10, t0)
	// watermark stays at epoch so message 10 is rescanned
	f.feed.setHistory(msg(11, t0), msg(10, t0))

	n, err := f.rec.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{11}, f.pub.ids())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransactionsDuplicate))
}

func TestBackfill_StoreFailureKeepsPartialCommit(t *testing.T) {
	fs := &failingStore{TransactionStore: memory.NewTransactionStore(), failAfter: 2}
	require.NoError(t, fs.TransactionStore.EnsureSource(context.Background(), testSource))
	f := newFixture(t, fs)
	f.feed.setHistory(msg(4, t0+4000), msg(3, t0+3000), msg(2, t0+2000), msg(1, t0+1000))

	n, err := f.rec.Backfill(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, f.pub.ids())
	assert.Equal(t, t0+2000, f.rec.Watermark())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BackfillPasses.WithLabelValues("failed")))
}

func TestBackfill_HistoryError(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.historyErr = errors.New("relay unreachable")
	f.feed.setHistory(msg(1, t0+1000))

	_, err := f.rec.Backfill(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, f.store.Count())
	assert.Empty(t, f.pub.ids())
}

func TestBackfill_ForeignMessagesIgnored(t *testing.T) {
	f := newFixture(t, nil)
	foreign := msg(2, t0+2000)
	foreign.SenderID = 1
	f.feed.setHistory(foreign, msg(1, t0+1000))

	n, err := f.rec.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, f.pub.ids())
}

func runUntilLive(t *testing.T, f *fixture) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()
	require.Eventually(t, func() bool { return f.rec.State() == Live }, 2*time.Second, 5*time.Millisecond)
	return cancel, done
}

func TestRun_BackfillsTwiceThenGoesLive(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.setHistory(msg(2, t0+2000), msg(1, t0+1000))

	var states []State
	f.feed.onScan = func(int) { states = append(states, f.rec.State()) }

	cancel, done := runUntilLive(t, f)

	assert.Equal(t, 2, f.feed.scans)
	assert.Equal(t, []State{Backfilling, Backfilling}, states)
	assert.Equal(t, []int64{1, 2}, f.pub.ids())
	assert.Equal(t, float64(Live), testutil.ToFloat64(f.metrics.ReconcilerState))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, f.feed.cancelled)
}

func TestRun_LiveMessagesDuringBackfillAreDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.onScan = func(scan int) {
		if scan == 1 {
			f.feed.live()(msg(50, t0+50000))
		}
	}

	cancel, done := runUntilLive(t, f)
	defer func() { cancel(); <-done }()

	assert.Equal(t, 0, f.store.Count())
	assert.Empty(t, f.pub.ids())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransactionsSkipped.WithLabelValues(reasonNotLive)))
}

func TestRun_LiveMessagesAccepted(t *testing.T) {
	f := newFixture(t, nil)
	cancel, done := runUntilLive(t, f)
	defer func() { cancel(); <-done }()

	handler := f.feed.live()
	handler(msg(1, t0+1000))

	foreign := msg(2, t0+2000)
	foreign.ChannelID = 42
	handler(foreign)

	bad := msg(3, t0+3000)
	bad.Text = "Ticker: PEPE"
	handler(bad)

	handler(msg(1, t0+1000))

	assert.Equal(t, []int64{1}, f.pub.ids())
	assert.Equal(t, 1, f.store.Count())
	assert.Equal(t, t0+1000, f.rec.Watermark())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransactionsDuplicate))
}

func TestRun_LiveStoreFailureDropsMessage(t *testing.T) {
	fs := &failingStore{TransactionStore: memory.NewTransactionStore(), failAfter: 0}
	require.NoError(t, fs.TransactionStore.EnsureSource(context.Background(), testSource))
	f := newFixture(t, fs)

	cancel, done := runUntilLive(t, f)
	defer func() { cancel(); <-done }()

	f.feed.live()(msg(1, t0+1000))

	assert.Empty(t, f.pub.ids())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TransactionsDropped))
	assert.Len(t, f.logs.FilterMessage("live transaction dropped").All(), 1)
}

func TestRun_FailsWhenLiveFeedUnreachable(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.liveErr = errors.New("dial refused")

	err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, Live, f.rec.State())
}

func TestRun_FailsWhenEveryPassFails(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.historyErr = errors.New("relay 502")

	err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 passes failed")
	assert.Equal(t, Backfilling, f.rec.State())
}

func TestRun_UsesEpochWhenStoreEmpty(t *testing.T) {
	f := newFixture(t, nil)
	epoch := time.UnixMilli(t0 + 1500)
	f.rec = New(Options{Feed: f.feed, Store: f.store, Publisher: f.pub, Source: testSource, Epoch: epoch})
	f.feed.setHistory(msg(2, t0+2000), msg(1, t0+1000))

	cancel, done := runUntilLive(t, f)
	defer func() { cancel(); <-done }()

	assert.Equal(t, []int64{2}, f.pub.ids())
}

func TestRun_WarmsJournalFromStore(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 1, t0+1000)
	f.seed(t, 2, t0+2000)
	f.seed(t, 3, t0+3000)
	f.rec = New(Options{
		Feed:        f.feed,
		Store:       f.store,
		Publisher:   f.pub,
		Restorer:    f.pub,
		Source:      testSource,
		WarmJournal: 2,
	})

	cancel, done := runUntilLive(t, f)
	defer func() { cancel(); <-done }()

	assert.Equal(t, []int64{2, 3}, f.pub.restoredIDs())
	assert.Empty(t, f.pub.ids(), "stored transactions must not be broadcast again")
}

func TestRun_NoWarmUpWithoutRestorer(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 1, t0+1000)
	f.rec = New(Options{Feed: f.feed, Store: f.store, Publisher: f.pub, Source: testSource, WarmJournal: 5})

	cancel, done := runUntilLive(t, f)
	defer func() { cancel(); <-done }()

	assert.Empty(t, f.pub.restoredIDs())
	assert.Empty(t, f.pub.ids())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "cold_start", ColdStart.String())
	assert.Equal(t, "backfilling", Backfilling.String())
	assert.Equal(t, "live", Live.String())
	assert.Equal(t, "state(9)", State(9).String())
}
