// Package server exposes subscriber sessions over WebSocket and the
// health, status and metrics endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kas-watch/internal/domain"
	"kas-watch/internal/observability"
	"kas-watch/internal/session"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// Server serves websocket subscribers and the operational endpoints.
type Server struct {
	addr         string
	path         string
	metricsAddr  string
	writeTimeout time.Duration
	pongWait     time.Duration

	stream          session.Attacher
	gatherer        prometheus.Gatherer
	reconcilerState func() string
	subscribers     func(topic string) int

	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *observability.Metrics
	started  time.Time
	sessions sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	Addr         string // websocket listener
	Path         string // Default: "/ws"
	MetricsAddr  string // health, status and metrics listener; empty disables it
	WriteTimeout time.Duration
	PongWait     time.Duration

	Stream   session.Attacher
	Gatherer prometheus.Gatherer // Default: prometheus.DefaultGatherer

	// Optional status sources for /status.
	ReconcilerState func() string
	Subscribers     func(topic string) int

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// New creates a server.
func New(opts Options) *Server {
	path := opts.Path
	if path == "" {
		path = "/ws"
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Discard()
	}

	return &Server{
		addr:            opts.Addr,
		path:            path,
		metricsAddr:     opts.MetricsAddr,
		writeTimeout:    opts.WriteTimeout,
		pongWait:        opts.PongWait,
		stream:          opts.Stream,
		gatherer:        gatherer,
		reconcilerState: opts.ReconcilerState,
		subscribers:     opts.Subscribers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the dashboard is served from a different origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.Named("server"),
		metrics: metrics,
		started: time.Now(),
	}
}

// Handler returns the websocket mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWS)
	mux.HandleFunc("/health", handleHealth)
	return mux
}

// OpsHandler returns the health, status and metrics mux.
func (s *Server) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", observability.Handler(s.gatherer))
	return mux
}

// Run listens until ctx is done, then shuts the listeners down and waits for
// open sessions to finish.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// sessions inherit gctx, so a failed listener also ends them
	base := func(net.Listener) context.Context { return gctx }

	servers := []*http.Server{{
		Addr:        s.addr,
		Handler:     s.Handler(),
		BaseContext: base,
	}}
	if s.metricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:        s.metricsAddr,
			Handler:     s.OpsHandler(),
			BaseContext: base,
		})
	}

	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	err := g.Wait()
	s.sessions.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// counted before the hijack, while Shutdown still tracks the connection
	s.sessions.Add(1)
	defer s.sessions.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	conn := NewWSConn(ws, s.writeTimeout, s.pongWait)
	sess := session.New(conn, session.Options{
		Stream:  s.stream,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	s.logger.Debug("subscriber connected",
		zap.String("session_id", sess.ID()),
		zap.String("remote", r.RemoteAddr),
	)

	if err := sess.Run(r.Context()); err != nil {
		s.logger.Info("session failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// StatusResponse is the JSON body of /status.
type StatusResponse struct {
	Status          string         `json:"status"`
	Uptime          string         `json:"uptime"`
	ReconcilerState string         `json:"reconciler_state,omitempty"`
	Subscribers     map[string]int `json:"subscribers,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status: "running",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.reconcilerState != nil {
		resp.ReconcilerState = s.reconcilerState()
	}
	if s.subscribers != nil {
		resp.Subscribers = map[string]int{
			domain.TopicRates:        s.subscribers(domain.TopicRates),
			domain.TopicTransactions: s.subscribers(domain.TopicTransactions),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
