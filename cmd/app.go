package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/cache"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/extractor"
	"github.com/sells-group/pricewatch/internal/fetcher"
	"github.com/sells-group/pricewatch/internal/ingest"
	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/query"
	"github.com/sells-group/pricewatch/internal/ratelimit"
	"github.com/sells-group/pricewatch/internal/registry"
	"github.com/sells-group/pricewatch/internal/reliability"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/scheduler"
	"github.com/sells-group/pricewatch/internal/store"
)

// appEnv holds the store, registry and engines shared by the commands.
type appEnv struct {
	Store    store.Store
	Registry *registry.Registry
	Metrics  *metrics.Metrics    // nil when disabled
	Cache    *cache.RedisCache   // nil when not configured
	Notifier monitoring.Notifier // nil when not configured
	Engine   *aggregate.Engine
	Scorer   *reliability.Scorer
	Query    *query.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp opens the store, loads the registry and wires the aggregation
// and reliability loop. Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	env.Registry = registry.New(st)
	if err := env.Registry.Load(ctx); err != nil {
		env.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		env.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	if cfg.Cache.Addr != "" {
		c, err := cache.New(ctx, cfg.Cache)
		if err != nil {
			zap.L().Warn("price cache unavailable, serving from store", zap.Error(err))
		} else {
			env.Cache = c
		}
	}

	env.Notifier, err = monitoring.NewNotifier(cfg.Monitoring)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init notifier")
	}

	env.Scorer = reliability.New(cfg.Reliability, env.Registry, st, env.Metrics)

	opts := []aggregate.Option{
		aggregate.WithObserver(env.Scorer),
		aggregate.WithMetrics(env.Metrics),
	}
	var priceCache query.PriceCache
	if env.Cache != nil {
		opts = append(opts, aggregate.WithCache(env.Cache))
		priceCache = env.Cache
	}
	env.Engine = aggregate.New(cfg.Aggregation, st, env.Registry, opts...)
	env.Query = query.New(cfg.Aggregation, st, env.Registry, priceCache)

	return env, nil
}

// loadCatalog reads the catalog file and merges its sources into the
// registry.
func (e *appEnv) loadCatalog(ctx context.Context, path string) (*config.Catalog, error) {
	cat, err := config.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	if _, _, err := e.Registry.Seed(ctx, cat.Sources); err != nil {
		return nil, err
	}
	return cat, nil
}

// newExtractors binds the JSON feed extractor to every source type.
func newExtractors() *extractor.Registry {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		HostRate:  rate.Limit(cfg.Fetch.HostRatePerSec),
		HostBurst: cfg.Fetch.HostBurst,
	})
	feed := extractor.NewJSONFeed(f, extractor.JSONFeedConfig{})

	exts := extractor.NewRegistry()
	for _, t := range []model.SourceType{
		model.SourceTypeAuction,
		model.SourceTypeMarketplace,
		model.SourceTypeReference,
		model.SourceTypeGradingService,
		model.SourceTypeDealer,
	} {
		exts.RegisterType(t, feed)
	}
	return exts
}

// pipeline is the scrape side: scheduler, hand-off queue and ingest worker.
type pipeline struct {
	Queue     *ingest.Queue
	Worker    *ingest.Worker
	Scheduler *scheduler.Scheduler
}

func (e *appEnv) newPipeline(cat *config.Catalog) *pipeline {
	q := ingest.NewQueue(cfg.Ingest.QueueSize)
	w := ingest.NewWorker(cfg.Ingest, q, e.Store, e.Engine, e.Metrics)

	retry := resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
	s := scheduler.New(cfg.Scheduler, retry, scheduler.Deps{
		Registry:   e.Registry,
		Store:      e.Store,
		Extractors: newExtractors(),
		Limiter:    ratelimit.New(),
		Sink:       q,
		Watchlist:  cat.Watchlist,
		Observer:   e.Scorer,
		Notifier:   e.Notifier,
		Metrics:    e.Metrics,
	})
	return &pipeline{Queue: q, Worker: w, Scheduler: s}
}
