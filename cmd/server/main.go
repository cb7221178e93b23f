// Package main runs the unified kas-watch process: it waits for the
// readiness signal, then runs the price aggregator, the transaction
// reconciler and the websocket server until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kas-watch/internal/aggregator"
	"kas-watch/internal/broker"
	"kas-watch/internal/config"
	"kas-watch/internal/domain"
	"kas-watch/internal/exchange"
	"kas-watch/internal/feed"
	"kas-watch/internal/journal"
	"kas-watch/internal/logging"
	"kas-watch/internal/observability"
	"kas-watch/internal/readiness"
	"kas-watch/internal/reconciler"
	"kas-watch/internal/server"
	"kas-watch/internal/storage"
	"kas-watch/internal/storage/memory"
	pgstore "kas-watch/internal/storage/postgres"
	"kas-watch/internal/stream"
)

func main() {
	configPath := flag.String("config", os.Getenv("KASWATCH_CONFIG"), "Optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", zap.Stringer("signal", sig))
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("second signal received, forcing exit", zap.Stringer("signal", sig))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, logger)
	close(done)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Feed.HistoryURL == "" || cfg.Feed.LiveURL == "" {
		return errors.New("feed.history_url and feed.live_url are required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics("", reg)

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	// The migrate step raises the gate once the schema and source row exist.
	if cfg.Readiness.Enabled {
		gate := readiness.NewRedisGate(rdb, readiness.Options{
			Key:      cfg.Readiness.Key,
			Interval: cfg.Readiness.Interval,
			Logger:   logger,
		})
		if err := gate.Wait(ctx); err != nil {
			return err
		}
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	j, err := openJournal(cfg, rdb)
	if err != nil {
		return err
	}

	b := broker.New(broker.Options{
		QueueSize: cfg.Server.SendBuffer,
		Logger:    logger,
		Metrics:   metrics,
	})

	var mirror stream.Mirror
	if cfg.Redis.Mirror != "" {
		mirror = broker.NewRedisMirror(rdb, cfg.Redis.Mirror)
	}

	st := stream.New(stream.Options{
		Journal: j,
		Broker:  b,
		Mirror:  mirror,
		Logger:  logger,
		Metrics: metrics,
	})

	sources, err := exchange.NewSources(cfg.Aggregator.Sources, &http.Client{Timeout: cfg.Aggregator.Timeout})
	if err != nil {
		return err
	}
	agg := aggregator.New(aggregator.Options{
		Sources:   sources,
		Publisher: st,
		Interval:  cfg.Aggregator.Interval,
		Timeout:   cfg.Aggregator.Timeout,
		Logger:    logger,
		Metrics:   metrics,
	})

	epoch, err := cfg.Feed.Epoch()
	if err != nil {
		return err
	}
	feedClient := feed.NewRelayClient(cfg.Feed.HistoryURL, cfg.Feed.LiveURL,
		feed.WithLogger(logger),
		feed.WithPageSize(cfg.Feed.PageSize),
	)

	// A Redis journal survives restarts; an in-memory one is refilled from the store.
	warm := 0
	if cfg.Journal.Backend == "memory" {
		warm = cfg.Journal.Caps[domain.TopicTransactions]
	}
	rec := reconciler.New(reconciler.Options{
		Feed:        feedClient,
		Store:       store,
		Publisher:   st,
		Restorer:    st,
		Source:      cfg.Feed.Source(),
		Epoch:       epoch,
		Passes:      cfg.Feed.BackfillPasses,
		WarmJournal: warm,
		Logger:      logger,
		Metrics:     metrics,
	})

	srv := server.New(server.Options{
		Addr:            cfg.Server.Addr,
		Path:            cfg.Server.Path,
		MetricsAddr:     cfg.Metrics.Addr,
		WriteTimeout:    cfg.Server.WriteTimeout,
		PongWait:        cfg.Server.PongWait,
		Stream:          st,
		Gatherer:        reg,
		ReconcilerState: func() string { return rec.State().String() },
		Subscribers:     b.Subscribers,
		Logger:          logger,
		Metrics:         metrics,
	})

	logger.Info("starting",
		zap.Strings("sources", cfg.Aggregator.Sources),
		zap.String("journal", cfg.Journal.Backend),
		zap.Bool("memory_store", cfg.Storage.UseMemory),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agg.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Journal.Backend == "redis" || cfg.Redis.Mirror != "" ||
		!cfg.Storage.UseMemory || cfg.Readiness.Enabled
}

func openStore(ctx context.Context, cfg *config.Config) (storage.TransactionStore, func(), error) {
	if cfg.Storage.UseMemory {
		return memory.NewTransactionStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pgstore.NewTransactionStore(pool), pool.Close, nil
}

func openJournal(cfg *config.Config, rdb *redis.Client) (journal.Journal, error) {
	if cfg.Journal.Backend == "memory" {
		return journal.NewMemory(cfg.Journal.Caps)
	}
	return journal.NewRedis(rdb, cfg.Journal.Caps)
}
