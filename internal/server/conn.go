package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Default connection timings.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// WSConn adapts a gorilla websocket connection to session.Conn.
// Writes are serialized; pings are sent every 9/10 of the pong wait.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
	pingWG  sync.WaitGroup
}

// NewWSConn wraps conn and starts its keepalive.
func NewWSConn(conn *websocket.Conn, writeTimeout, pongWait time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}

	c := &WSConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		pongWait:     pongWait,
		done:         make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.pingWG.Add(1)
	go c.pingLoop()
	return c
}

// Send writes msg as one text frame.
func (c *WSConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Receive reads the next data frame. Control frames are handled internally.
func (c *WSConn) Receive(_ context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
		c.pingWG.Wait()
	})
	return err
}

func (c *WSConn) pingLoop() {
	defer c.pingWG.Done()

	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				// the read side sees the dead socket and ends the session
				return
			}
		}
	}
}
