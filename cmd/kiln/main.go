package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/broker"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/render"
	"github.com/seantiz/kiln/internal/stats"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/target"
	"github.com/seantiz/kiln/internal/upload"
)

const statsPingTimeout = 5 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"queue", cfg.QueueName,
		"render_host", cfg.RenderHost,
		"pool_size", cfg.PoolSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("kiln: %v", err)
	}
	logger.Info("kiln: stopped")
}

// run wires the worker and blocks until ctx is done or a component fails.
// Shutdown order: stop consuming, finish in-flight jobs, drain the tab pool,
// then close the browser, broker and database.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	browser, err := render.LaunchBrowser(ctx, render.Options{Host: cfg.RenderHost}, logger)
	if err != nil {
		return err
	}
	defer browser.Close()

	tabs := pool.New[*render.Tab](logger)
	if err := tabs.Initialize(ctx, browser.NewTab, cfg.PoolSize); err != nil {
		return fmt.Errorf("open browser tabs: %w", err)
	}
	renderer := render.NewService(tabs, cfg.RenderHost, logger)

	sink := newStatsSink(ctx, cfg, logger)
	if closer, ok := sink.(io.Closer); ok {
		defer closer.Close()
	}

	opts := engine.Options{
		RenderTimeout: cfg.RenderTimeout,
		InjectCSS:     cfg.InjectCSS,
		Sink:          sink,
	}
	if cfg.IntakeRate > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.IntakeRate), cfg.IntakeBurst)
	}

	registry := target.DefaultRegistry()
	uploader := upload.NewClient(cfg.UploaderHost, cfg.UploadRetries, logger)
	eng := engine.NewEngine(db, registry, renderer, uploader, logger, opts)

	consumer, err := broker.Dial(cfg.BrokerURL, cfg.QueueName, cfg.Prefetch, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	srv := api.NewServer(cfg.ListenAddr, db, registry, eng, renderer, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return consumer.Consume(gctx, eng.Handle) })
	runErr := g.Wait()

	eng.Wait()
	if err := renderer.Shutdown(cfg.ShutdownGrace); err != nil {
		logger.Error("render pool shutdown", "error", err)
	}
	return runErr
}

// newStatsSink returns the Redis sink when configured and reachable, and a
// no-op sink otherwise.
func newStatsSink(ctx context.Context, cfg config.Config, logger *slog.Logger) stats.Sink {
	if cfg.StatsRedisAddr == "" {
		return stats.NopSink{}
	}

	sink := stats.NewRedisSink(
		redis.NewClient(&redis.Options{Addr: cfg.StatsRedisAddr}),
		stats.WithPrefix(cfg.StatsPrefix),
	)

	pingCtx, cancel := context.WithTimeout(ctx, statsPingTimeout)
	defer cancel()
	if err := sink.Ping(pingCtx); err != nil {
		logger.Warn("stats redis unreachable, stats disabled", "addr", cfg.StatsRedisAddr, "error", err)
		sink.Close()
		return stats.NopSink{}
	}

	logger.Info("stats redis connected", "addr", cfg.StatsRedisAddr, "prefix", cfg.StatsPrefix)
	return sink
}
