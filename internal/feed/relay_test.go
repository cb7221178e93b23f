package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChannel int64 = 2193761946
	testSender  int64 = 7338170991
)

// historyServer serves ids total..1 newest first, paginated by offset_id.
func historyServer(t *testing.T, total int64, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		q := r.URL.Query()
		assert.Equal(t, strconv.FormatInt(testChannel, 10), q.Get("channel_id"))
		assert.Equal(t, strconv.FormatInt(testSender, 10), q.Get("sender_id"))

		limit, _ := strconv.Atoi(q.Get("limit"))
		start := total
		if off := q.Get("offset_id"); off != "" {
			o, _ := strconv.ParseInt(off, 10, 64)
			start = o - 1
		}

		page := historyPage{Messages: []RawMessage{}}
		for id := start; id >= 1 && len(page.Messages) < limit; id-- {
			page.Messages = append(page.Messages, RawMessage{
				ID: id, ChannelID: testChannel, SenderID: testSender,
				Text: "Ticker: PEPE\nKRC20 Amount: 1\nKAS Amount: 1", Date: id * 1000,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
}

func TestRelayClient_HistoryPaginates(t *testing.T) {
	var requests atomic.Int32
	srv := historyServer(t, 7, &requests)
	defer srv.Close()

	c := NewRelayClient(srv.URL, "", WithPageSize(3))

	var ids []int64
	for msg, err := range c.History(context.Background(), testChannel, testSender) {
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	assert.Equal(t, []int64{7, 6, 5, 4, 3, 2, 1}, ids)
	assert.Equal(t, int32(3), requests.Load())
}

func TestRelayClient_HistoryStopsWhenConsumerBreaks(t *testing.T) {
	var requests atomic.Int32
	srv := historyServer(t, 100, &requests)
	defer srv.Close()

	c := NewRelayClient(srv.URL, "", WithPageSize(10))

	seen := 0
	for _, err := range c.History(context.Background(), testChannel, testSender) {
		require.NoError(t, err)
		seen++
		if seen == 4 {
			break
		}
	}
	assert.Equal(t, 4, seen)
	assert.Equal(t, int32(1), requests.Load())
}

func TestRelayClient_HistoryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":1,"channel_id":1,"sender_id":2,"text":"x","date":5}]}`))
	}))
	defer srv.Close()

	c := NewRelayClient(srv.URL, "", WithRetry(2, time.Millisecond, time.Millisecond))

	var got []RawMessage
	for msg, err := range c.History(context.Background(), 1, 2) {
		require.NoError(t, err)
		got = append(got, msg)
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].Date)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRelayClient_HistoryYieldsClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such channel", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRelayClient(srv.URL, "", WithRetry(3, time.Millisecond, time.Millisecond))

	var errs []error
	for _, err := range c.History(context.Background(), 1, 2) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRelayStatus)
}

// liveServer pushes frames to each connection. The first connection is
// dropped after its frames unless keepFirst is set.
type liveServer struct {
	upgrader  websocket.Upgrader
	frames    func(conn int) []any
	conns     atomic.Int32
	keepFirst bool
}

func (s *liveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := int(s.conns.Add(1))
	for _, f := range s.frames(n) {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
	if n == 1 && !s.keepFirst {
		return
	}
	// keep reading so close frames and pings are processed
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type collector struct {
	mu   sync.Mutex
	msgs []RawMessage
}

func (c *collector) handle(m RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestRelayClient_LiveFiltersAndReconnects(t *testing.T) {
	ls := &liveServer{frames: func(conn int) []any {
		if conn == 1 {
			return []any{
				RawMessage{ID: 1, ChannelID: testChannel, SenderID: testSender, Text: "a"},
				RawMessage{ID: 99, ChannelID: testChannel, SenderID: 1, Text: "other sender"},
			}
		}
		return []any{RawMessage{ID: 2, ChannelID: testChannel, SenderID: testSender, Text: "b"}}
	}}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	c := NewRelayClient("", wsURL(srv.URL), WithReconnectDelay(10*time.Millisecond, 20*time.Millisecond))

	var col collector
	cancel, err := c.OnLiveMessage(context.Background(), testChannel, testSender, col.handle)
	require.NoError(t, err)
	defer cancel()

	require.Eventually(t, func() bool { return len(col.ids()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, col.ids())
	assert.GreaterOrEqual(t, ls.conns.Load(), int32(2))
}

func TestRelayClient_LiveCancelStopsDelivery(t *testing.T) {
	ls := &liveServer{
		keepFirst: true,
		frames:    func(int) []any { return []any{RawMessage{ID: 1, ChannelID: testChannel, SenderID: testSender}} },
	}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	c := NewRelayClient("", wsURL(srv.URL))

	var col collector
	cancel, err := c.OnLiveMessage(context.Background(), testChannel, testSender, col.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.ids()) == 1 }, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		cancel()
		cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not return")
	}
	assert.Equal(t, int32(1), ls.conns.Load())
}

func TestRelayClient_LiveDialFailure(t *testing.T) {
	c := NewRelayClient("", "ws://127.0.0.1:1/live")
	_, err := c.OnLiveMessage(context.Background(), testChannel, testSender, func(RawMessage) {})
	require.Error(t, err)
}
