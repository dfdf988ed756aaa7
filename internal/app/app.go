package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"content-publisher/internal/config"
	"content-publisher/internal/events"
	"content-publisher/internal/media"
	"content-publisher/internal/platform"
	"content-publisher/internal/queue"
	"content-publisher/internal/ratelimit"
	"content-publisher/internal/recovery"
	"content-publisher/internal/service"
	"content-publisher/internal/store"
	"content-publisher/internal/validator"
	"content-publisher/internal/worker"
)

// App holds the publishing engine and everything it is wired to. cmd/api and cmd/worker share it.
type App struct {
	Config   config.Config
	Log      logrus.FieldLogger
	Store    store.JobStore
	Redis    *redis.Client
	Queue    *queue.RedisQueue
	Registry *platform.Registry
	Engine   *worker.Processor
	Events   *events.Dispatcher
	Recovery *recovery.Service
	Service  *service.Service

	closers []func()
}

// OpenStore connects the configured job store. Postgres runs embedded migrations first.
func OpenStore(ctx context.Context, cfg config.Config) (store.JobStore, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "postgres", "":
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Build connects to the store, Redis and the optional event broker and assembles the engine.
func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	st, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, closeStore)

	a.Redis = queue.NewRedisClient(cfg)
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	a.Queue = queue.NewRedisQueue(a.Redis, cfg)
	if err := a.Queue.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	limits := validator.DefaultLimits()
	if cfg.PlatformLimitsFile != "" {
		if limits, err = validator.LoadLimitsFile(cfg.PlatformLimitsFile, limits); err != nil {
			a.Close()
			return nil, err
		}
	}

	stager, err := media.NewStager(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init media stager: %w", err)
	}
	platformLimiter := ratelimit.NewTokenBucket(a.Redis, cfg.PlatformRateCapacity, cfg.PlatformRateRefill, time.Hour)
	a.Registry = platform.NewRegistry(log.WithField("component", "registry"), platformLimiter, platform.Adapters(cfg, stager)...)

	sinks := []events.Sink{
		events.NewLogSink(log.WithField("component", "events")),
		events.NewAuditSink(st),
		events.NewBroadcastSink(a.Redis, cfg.EventsChannelPrefix),
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = ks.Close() })
		sinks = append(sinks, ks)
	}
	a.Events = events.NewDispatcher(log.WithField("component", "events"), cfg.EventBuffer, sinks...)

	a.Engine = worker.NewProcessor(cfg, st, a.Registry, validator.New(limits),
		worker.WithDueIndex(a.Queue),
		worker.WithEmitter(a.Events),
		worker.WithLogger(log.WithField("component", "engine")),
	)
	a.Recovery = recovery.NewService(st, a.Engine, nil, log.WithField("component", "recovery"))
	a.Service = service.New(a.Engine, st, a.Queue, log.WithField("component", "service"))
	return a, nil
}

// Run recovers persisted work, then drives the event dispatcher and the engine loop until ctx
// is cancelled. extra runs alongside them (the HTTP server in cmd/api).
func (a *App) Run(ctx context.Context, extra ...func(context.Context) error) error {
	eventsCtx, stopEvents := context.WithCancel(context.Background())
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		a.Events.Run(eventsCtx)
	}()
	defer func() {
		stopEvents()
		<-eventsDone
	}()

	report := a.Recovery.Run(ctx)
	a.Log.WithField("resumed", report.Resumed()).Info("startup recovery done")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(gctx) })
	for _, fn := range extra {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
