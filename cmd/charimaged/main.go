// Command charimaged serves character image generation over HTTP
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/richinsley/charimage/client"
	"github.com/richinsley/charimage/config"
	"github.com/richinsley/charimage/generation"
	"github.com/richinsley/charimage/httpapi"
	"github.com/richinsley/charimage/indexalloc"
	"github.com/richinsley/charimage/logger"
	"github.com/richinsley/charimage/safety"
	"github.com/richinsley/charimage/storage"
	"github.com/richinsley/charimage/store"
	"github.com/richinsley/charimage/training"
	"go.uber.org/zap"
)

type characterStore interface {
	generation.CharacterStore
	generation.UserStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error initializing logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("charimaged stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting charimaged",
		zap.String("env", cfg.AppEnv),
		zap.String("index_allocator", cfg.IndexAllocator),
		zap.String("storage", cfg.StorageBackend))

	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("pinging postgres: %w", err)
		}
		if cfg.Postgres.Migrate {
			if err := store.Migrate(pool, log); err != nil {
				return err
			}
		}
	}

	var characters characterStore
	if cfg.StoreFile != "" {
		f, err := store.LoadFile(cfg.StoreFile)
		if err != nil {
			return err
		}
		characters = f
	} else {
		characters = store.NewPostgres(pool, log)
	}

	var durable generation.Storage
	var imagesDir string
	switch cfg.StorageBackend {
	case "bunny":
		durable = storage.NewBunny(storage.BunnyConfig{
			Endpoint:   cfg.Bunny.Endpoint,
			Zone:       cfg.Bunny.Zone,
			AccessKey:  cfg.Bunny.AccessKey,
			CDNBaseURL: cfg.Bunny.CDNBaseURL,
			Timeout:    cfg.Bunny.Timeout,
		}, log)
	default:
		local, err := storage.NewLocal(cfg.LocalStore.Root, cfg.LocalStore.PublicBaseURL, log)
		if err != nil {
			return err
		}
		durable = local
		imagesDir = cfg.LocalStore.Root
	}

	opts := cfg.CoordinatorOptions()

	var allocator generation.IndexAllocator
	switch cfg.IndexAllocator {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
		allocator = indexalloc.NewRedis(rdb, log)
	case "postgres":
		allocator = indexalloc.NewPostgres(pool, log)
	default:
		log.Info("Using the in-memory index allocator, seeded from stored images")
		allocator = indexalloc.NewMemory().WithSeeder(generation.StorageSeeder(durable, opts.SubNamespace))
	}

	metrics := generation.NewMetrics(prometheus.DefaultRegisterer)

	defaultBackend := client.NewComfyClientWithTimeout(cfg.Backend.DefaultURL, cfg.Backend.Timeout, log)
	var realisticBackend generation.Backend
	if cfg.Backend.RealisticURL != "" {
		realisticBackend = client.NewComfyClientWithTimeout(cfg.Backend.RealisticURL, cfg.Backend.Timeout, log)
	}

	poller := generation.NewPoller(cfg.PollPolicy(), log, metrics)
	if cfg.Backend.Websocket {
		watcher := defaultBackend.NewStatusWatcher()
		go watcher.Run(ctx)
		poller.Nudge = watcher.Subscribe
	}

	var trainer generation.EmbeddingTrainer = training.Noop{Logger: log}
	if cfg.RabbitMQ.URL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		defer conn.Close()
		publisher, err := training.NewPublisher(conn, cfg.RabbitMQ.TrainingQueue, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		trainer = publisher
	}

	persister := generation.NewPersister(durable, cfg.RetryPolicy(), cfg.Persist.Workers, cfg.Persist.QueueSize, log, metrics)

	coordinator, err := generation.NewCoordinator(generation.Deps{
		Characters: characters,
		Users:      characters,
		Safety:     safety.NewKeywordChecker(log, cfg.SafetyExtraTerms...),
		Allocator:  allocator,
		Backends:   generation.NewBackendRouter(defaultBackend, realisticBackend, log, metrics),
		Poller:     poller,
		Locator:    generation.NewLocator(cfg.LocatePolicy(), log, metrics),
		Persister:  persister,
		Storage:    durable,
		Trainer:    trainer,
		Logger:     log,
		Metrics:    metrics,
	}, opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(&httpapi.API{
			Generator: coordinator,
			Backend:   defaultBackend,
			ImagesDir: imagesDir,
			Logger:    log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Persist.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	// let queued uploads finish before the stores close
	if err := persister.Close(shutdownCtx); err != nil {
		log.Warn("Pending uploads were abandoned", zap.Error(err))
	}
	return nil
}
