// Package main wires together the catalog crawl service.
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

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pricepulse/catalog-crawler/internal/api"
	gcsarchive "github.com/pricepulse/catalog-crawler/internal/archive/gcs"
	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/clock/system"
	"github.com/pricepulse/catalog-crawler/internal/config"
	"github.com/pricepulse/catalog-crawler/internal/fetch"
	"github.com/pricepulse/catalog-crawler/internal/hash/sha256"
	"github.com/pricepulse/catalog-crawler/internal/logging"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
	pendingredis "github.com/pricepulse/catalog-crawler/internal/pending/redis"
	"github.com/pricepulse/catalog-crawler/internal/proxy"
	pubsubpublisher "github.com/pricepulse/catalog-crawler/internal/publisher/pubsub"
	"github.com/pricepulse/catalog-crawler/internal/queue"
	"github.com/pricepulse/catalog-crawler/internal/registry"
	"github.com/pricepulse/catalog-crawler/internal/run"
	"github.com/pricepulse/catalog-crawler/internal/scheduler"
	"github.com/pricepulse/catalog-crawler/internal/storage/postgres"
	"github.com/pricepulse/catalog-crawler/internal/worker"
)

// trackerTTL bounds how long orphaned pending counters survive in Redis.
const trackerTTL = 7 * 24 * time.Hour

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runService(ctx, stop, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func runService(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := postgres.ApplySchema(ctx, pool); err != nil {
		return err
	}

	runStore := postgres.NewRunStore(pool)
	catalogStore := postgres.NewCatalogStore(pool)
	fetchStore := postgres.NewFetchStore(pool)
	proxyStore := postgres.NewProxyStore(pool)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}()
	tracker := pendingredis.New(rdb, trackerTTL)

	asynqClient := asynq.NewClient(redisOpt)
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq client close failed", zap.Error(err))
		}
	}()
	inspector := asynq.NewInspector(redisOpt)

	hasher := sha256.New()
	clock := system.New()

	var publisher catalog.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub: %w", err)
		}
		defer func() {
			if err := psClient.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}()
		pub := pubsubpublisher.New(psClient.Topic(cfg.PubSub.TopicName))
		defer pub.Stop()
		publisher = pub
	}

	var fetchOpts []fetch.Option
	if cfg.Fetch.HostRatePerSec > 0 {
		fetchOpts = append(fetchOpts, fetch.WithHostLimit(
			fetch.NewHostLimiter(cfg.Fetch.HostRatePerSec, cfg.Fetch.HostRateBurst),
		))
	}
	if cfg.Fetch.UseProxies {
		proxyPool := proxy.NewPool(proxyStore, clock, logger.Named("proxy"), cfg.Proxy.CandidatePool)
		fetchOpts = append(fetchOpts, fetch.WithProxies(proxyPool))

		sweeper := proxy.NewSweeper(
			proxyStore,
			logger.Named("proxy_sweep"),
			int64(cfg.Proxy.MinRequests),
			time.Duration(cfg.Proxy.SweepIntervalMins)*time.Minute,
		)
		go sweeper.Run(ctx)
	}
	if cfg.Archive.Enabled {
		gcsClient, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs: %w", err)
		}
		defer func() {
			if err := gcsClient.Close(); err != nil {
				logger.Warn("gcs close failed", zap.Error(err))
			}
		}()
		blobStore := gcsarchive.New(gcsClient, cfg.Archive.GCSBucket)
		fetchOpts = append(fetchOpts, fetch.WithArchive(blobStore, cfg.Archive.Prefix))
	}

	fetcher := fetch.NewService(
		fetchStore,
		hasher,
		clock,
		logger.Named("fetch"),
		cfg.FetchTimeout(),
		fetchOpts...,
	)

	producer := queue.NewProducer(asynqClient, tracker, logger.Named("producer"))
	runSvc := run.NewService(run.Deps{
		Runs:           runStore,
		Contexts:       runStore,
		Categories:     catalogStore,
		Discoveries:    catalogStore,
		Fetches:        fetchStore,
		Tracker:        tracker,
		Producer:       producer,
		Publisher:      publisher,
		Clock:          clock,
		Logger:         logger.Named("run"),
		ScraperVersion: cfg.Scraper.Version,
		EventTopic:     cfg.PubSub.TopicName,
	})

	reg := registry.New(logger.Named("registry"))
	registerCrawlers(reg)
	reg.WarnIfEmpty()

	handlers := worker.New(worker.Deps{
		Registry:    reg,
		Runs:        runSvc,
		Contexts:    runStore,
		Categories:  catalogStore,
		Discoveries: catalogStore,
		Products:    catalogStore,
		Snapshots:   catalogStore,
		Tracker:     tracker,
		Producer:    producer,
		Fetcher:     fetcher,
		Hasher:      hasher,
		Publisher:   publisher,
		Clock:       clock,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.Queues.CategoryRatePerSec), cfg.Queues.CategoryRateBurst),
		Logger:      logger.Named("worker"),
	})

	defs := queue.Definitions()
	for i := range defs {
		switch defs[i].Name {
		case queue.QueueCategoryCrawl:
			defs[i].Concurrency = cfg.Queues.CategoryConcurrency
		case queue.QueueProductFetch:
			defs[i].Concurrency = cfg.Queues.ProductConcurrency
		}
	}

	var extras []worker.ExtraHandler
	if cfg.Scheduler.Enabled {
		sweep := scheduler.NewSweep(runStore, runSvc, logger.Named("scheduler"), cfg.SchedulerStagger())
		extras = append(extras, worker.ExtraHandler{
			Queue:    queue.QueueCatalogRun,
			TaskType: queue.TypeScheduleSweep,
			Handler:  sweep.Handle,
		})
	}

	servers, err := worker.NewServers(redisOpt, handlers, defs, logger.Named("worker"), extras...)
	if err != nil {
		return err
	}
	if err := servers.Start(); err != nil {
		return err
	}
	defer servers.Shutdown()

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(redisOpt, cfg.Scheduler.CronSpec, logger.Named("scheduler"))
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Shutdown()
	}

	ready := func(r *http.Request) error {
		return pool.Ping(r.Context())
	}
	apiServer := api.NewServer(runSvc, inspector, ready, logger.Named("api"), cfg)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// registerCrawlers is where merchant crawler implementations are added, one
// per merchant. The pipeline ships none of its own; deployments link their
// crawlers here.
func registerCrawlers(_ *registry.Registry) {}
