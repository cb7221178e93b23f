package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Default relay client settings.
const (
	DefaultPageSize          = 100
	DefaultTimeout           = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultMaxDelay          = 10 * time.Second
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultReadTimeout       = 90 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// ErrRelayStatus is returned for non-retryable relay HTTP statuses.
var ErrRelayStatus = errors.New("relay status")

// RelayClient reads a chat feed through an HTTP/WebSocket relay.
//
// History pages are fetched with
//
//	GET <historyURL>?channel_id=..&sender_id=..&limit=..&offset_id=..
//
// returning {"messages":[...]} newest first, with offset_id excluding that
// message and everything newer. The live stream is a WebSocket at liveURL
// with the same channel_id/sender_id query, one RawMessage JSON per frame.
type RelayClient struct {
	historyURL string
	liveURL    string
	client     *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger

	pageSize          int
	maxRetries        int
	retryDelay        time.Duration
	maxDelay          time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	pingInterval      time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
}

var _ Client = (*RelayClient)(nil)

// Option configures RelayClient.
type Option func(*RelayClient)

// WithHTTPClient sets the client used for history requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *RelayClient) { c.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *RelayClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(c *RelayClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRetry sets history retry attempts and backoff bounds.
func WithRetry(maxRetries int, delay, maxDelay time.Duration) Option {
	return func(c *RelayClient) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
		c.maxDelay = maxDelay
	}
}

// WithReconnectDelay sets the live stream backoff bounds.
func WithReconnectDelay(delay, maxDelay time.Duration) Option {
	return func(c *RelayClient) {
		c.reconnectDelay = delay
		c.maxReconnectDelay = maxDelay
	}
}

// WithPingInterval sets the live stream keepalive interval. The read
// deadline is three intervals.
func WithPingInterval(d time.Duration) Option {
	return func(c *RelayClient) {
		c.pingInterval = d
		c.readTimeout = 3 * d
	}
}

// NewRelayClient creates a relay client.
func NewRelayClient(historyURL, liveURL string, opts ...Option) *RelayClient {
	c := &RelayClient{
		historyURL:        historyURL,
		liveURL:           liveURL,
		client:            &http.Client{Timeout: DefaultTimeout},
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:            zap.NewNop(),
		pageSize:          DefaultPageSize,
		maxRetries:        DefaultMaxRetries,
		retryDelay:        DefaultRetryDelay,
		maxDelay:          DefaultMaxDelay,
		reconnectDelay:    DefaultReconnectDelay,
		maxReconnectDelay: DefaultMaxReconnectDelay,
		pingInterval:      DefaultPingInterval,
		readTimeout:       DefaultReadTimeout,
		writeTimeout:      DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("feed")
	return c
}

type historyPage struct {
	Messages []RawMessage `json:"messages"`
}

// History pages backwards through the feed until an empty or short page.
func (c *RelayClient) History(ctx context.Context, channelID, senderID int64) iter.Seq2[RawMessage, error] {
	return func(yield func(RawMessage, error) bool) {
		var offset int64
		for {
			page, err := c.fetchPage(ctx, channelID, senderID, offset)
			if err != nil {
				yield(RawMessage{}, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
			}
			if len(page) < c.pageSize {
				return
			}
			last := page[len(page)-1].ID
			if offset != 0 && last >= offset {
				yield(RawMessage{}, fmt.Errorf("relay history did not advance past message %d", offset))
				return
			}
			offset = last
		}
	}
}

// fetchPage performs one history request with retries and exponential backoff.
func (c *RelayClient) fetchPage(ctx context.Context, channelID, senderID, offset int64) ([]RawMessage, error) {
	u, err := url.Parse(c.historyURL)
	if err != nil {
		return nil, fmt.Errorf("parse history url: %w", err)
	}
	q := u.Query()
	q.Set("channel_id", strconv.FormatInt(channelID, 10))
	q.Set("sender_id", strconv.FormatInt(senderID, 10))
	q.Set("limit", strconv.Itoa(c.pageSize))
	if offset > 0 {
		q.Set("offset_id", strconv.FormatInt(offset, 10))
	}
	u.RawQuery = q.Encode()

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("%w %d", ErrRelayStatus, resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w %d: %s", ErrRelayStatus, resp.StatusCode, string(body))
		}

		var page historyPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode history page: %w", err)
		}
		return page.Messages, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// OnLiveMessage dials the live stream and dispatches frames to handler until
// cancel is called or ctx is done. A failed initial dial is returned; later
// disconnects are retried with backoff.
func (c *RelayClient) OnLiveMessage(ctx context.Context, channelID, senderID int64, handler Handler) (func(), error) {
	endpoint, err := c.liveEndpoint(channelID, senderID)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &liveStream{
		client:    c,
		endpoint:  endpoint,
		channelID: channelID,
		senderID:  senderID,
		handler:   handler,
	}
	l.setConn(ctx, conn)

	l.wg.Add(3)
	go l.readLoop(ctx)
	go l.pingLoop(ctx)
	go func() {
		defer l.wg.Done()
		<-ctx.Done()
		l.closeConn()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			l.wg.Wait()
		})
	}, nil
}

func (c *RelayClient) liveEndpoint(channelID, senderID int64) (string, error) {
	u, err := url.Parse(c.liveURL)
	if err != nil {
		return "", fmt.Errorf("parse live url: %w", err)
	}
	q := u.Query()
	q.Set("channel_id", strconv.FormatInt(channelID, 10))
	q.Set("sender_id", strconv.FormatInt(senderID, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *RelayClient) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

type liveStream struct {
	client    *RelayClient
	endpoint  string
	channelID int64
	senderID  int64
	handler   Handler

	connMu sync.Mutex
	conn   *websocket.Conn
	wg     sync.WaitGroup
}

func (l *liveStream) setConn(ctx context.Context, conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(l.client.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.client.readTimeout))
	})

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return false
	}
	l.conn = conn
	return true
}

func (l *liveStream) current() *websocket.Conn {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	return l.conn
}

func (l *liveStream) closeConn() {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return
	}
	l.conn.SetWriteDeadline(time.Now().Add(l.client.writeTimeout))
	l.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.conn.Close()
	l.conn = nil
}

func (l *liveStream) readLoop(ctx context.Context) {
	defer l.wg.Done()
	logger := l.client.logger

	for {
		conn := l.current()
		if conn == nil {
			return
		}
		err := l.readAll(conn)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("live stream disconnected", zap.Error(err))

		l.connMu.Lock()
		if l.conn == conn {
			l.conn.Close()
			l.conn = nil
		}
		l.connMu.Unlock()

		if !l.reconnect(ctx) {
			return
		}
		logger.Info("live stream reconnected")
	}
}

func (l *liveStream) readAll(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.client.logger.Warn("undecodable live frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if !msg.From(l.channelID, l.senderID) {
			continue
		}
		l.handler(msg)
	}
}

// reconnect dials with exponential backoff until it succeeds or ctx is done.
func (l *liveStream) reconnect(ctx context.Context) bool {
	delay := l.client.reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		conn, err := l.client.dial(dialCtx, l.endpoint)
		cancel()
		if err == nil {
			return l.setConn(ctx, conn)
		}
		if ctx.Err() != nil {
			return false
		}
		l.client.logger.Warn("live stream reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))

		delay *= 2
		if delay > l.client.maxReconnectDelay {
			delay = l.client.maxReconnectDelay
		}
	}
}

func (l *liveStream) pingLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.client.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.connMu.Lock()
			if l.conn != nil {
				l.conn.SetWriteDeadline(time.Now().Add(l.client.writeTimeout))
				// A failed ping surfaces as a read error in readLoop.
				_ = l.conn.WriteMessage(websocket.PingMessage, nil)
			}
			l.connMu.Unlock()
		}
	}
}
