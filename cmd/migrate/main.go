// Package main prepares storage for kas-watch and raises the readiness signal
// the server waits on. With storage.use_memory set there is no schema, so only
// the signal is raised.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kas-watch/internal/config"
	"kas-watch/internal/logging"
	"kas-watch/internal/readiness"
	"kas-watch/internal/storage/migrations"
	pgstore "kas-watch/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", os.Getenv("KASWATCH_CONFIG"), "Optional YAML config file")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall deadline")
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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
	logger.Info("migrate complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	gate := readiness.NewRedisGate(rdb, readiness.Options{Key: cfg.Readiness.Key, Logger: logger})

	if cfg.Storage.UseMemory {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("memory store configured, skipping schema")
		return gate.Signal(ctx)
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}

	var pool *pgstore.Pool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := pgstore.NewPool(gctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	g.Go(func() error {
		if err := rdb.Ping(gctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if pool != nil {
			pool.Close()
		}
		return err
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return err
	}
	logger.Info("schema applied")

	src := cfg.Feed.Source()
	if err := pgstore.NewTransactionStore(pool).EnsureSource(ctx, src); err != nil {
		return err
	}
	logger.Info("feed source seeded", zap.Int("source_id", src.ID), zap.String("name", src.Name))

	return gate.Signal(ctx)
}
