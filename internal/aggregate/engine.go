package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
)

// Store is the persistence the engine reads observations from and writes
// aggregates to.
type Store interface {
	QueryObservations(ctx context.Context, key model.CoinKey, from, to time.Time, limit int) ([]model.Observation, error)
	ListStaleKeys(ctx context.Context, before time.Time) ([]model.CoinKey, error)
	GetAggregatedPrice(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error)
	PutAggregatedPrice(ctx context.Context, p model.AggregatedPrice) error
}

// SourceLister supplies the current source snapshots.
type SourceLister interface {
	List() []model.Source
}

// Observer is notified after every run that wrote a new aggregate.
type Observer interface {
	ObserveConsensus(ctx context.Context, res Result)
}

// PriceCache receives every aggregate the engine writes.
type PriceCache interface {
	SetPrice(ctx context.Context, p model.AggregatedPrice) error
	Invalidate(ctx context.Context, key model.CoinKey) error
}

// Engine runs aggregations. Runs for different keys proceed in parallel;
// runs for the same key are serialized.
type Engine struct {
	cfg      config.AggregationConfig
	store    Store
	sources  SourceLister
	metrics  *metrics.Metrics
	observer Observer
	cache    PriceCache
	locks    keyLocks
	nowFunc  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers the consensus observer (the reliability scorer).
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithCache writes each new aggregate through to c. When the write fails
// the entry is invalidated instead.
func WithCache(c PriceCache) Option { return func(e *Engine) { e.cache = c } }

// New creates an aggregation engine.
func New(cfg config.AggregationConfig, st Store, sources SourceLister, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   st,
		sources: sources,
		locks:   keyLocks{m: make(map[model.CoinKey]*keyLock)},
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run recomputes the aggregate for key. Insufficient data is reported in
// the result status, not as an error.
func (e *Engine) Run(ctx context.Context, key model.CoinKey) (Result, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	start := time.Now()
	now := e.nowFunc()
	log := zap.L().With(zap.String("component", "aggregate.Engine"), zap.String("coin_key", string(key)))

	obs, err := e.store.QueryObservations(ctx, key, now.Add(-e.cfg.Lookback()), now, e.cfg.MaxObservations)
	if err != nil {
		return Result{Key: key}, eris.Wrapf(err, "aggregate: load window for %s", key)
	}
	prev, err := e.store.GetAggregatedPrice(ctx, key)
	if err != nil {
		return Result{Key: key}, eris.Wrapf(err, "aggregate: load previous for %s", key)
	}

	sources := make(map[string]model.Source)
	for _, s := range e.sources.List() {
		sources[s.ID] = s
	}

	res := Compute(key, obs, sources, prev, e.cfg, now)
	if res.Status != StatusUpdated {
		log.Info("aggregate: keeping previous estimate",
			zap.String("status", string(res.Status)),
			zap.Int("observations", len(obs)),
			zap.Int("ignored_currency", res.Ignored),
		)
		return res, nil
	}

	if err := e.store.PutAggregatedPrice(ctx, *res.Price); err != nil {
		return res, eris.Wrapf(err, "aggregate: write %s", key)
	}
	if e.cache != nil {
		if err := e.cache.SetPrice(ctx, *res.Price); err != nil {
			log.Warn("aggregate: cache write failed, invalidating", zap.Error(err))
			if err := e.cache.Invalidate(ctx, key); err != nil {
				log.Warn("aggregate: cache invalidation failed", zap.Error(err))
			}
		}
	}

	e.metrics.RecordAggregation(string(key), res.Price.ConfidenceLevel, len(res.Outliers), time.Since(start))
	log.Debug("aggregate: updated",
		zap.String("avg_price", res.Price.AvgPrice.String()),
		zap.Int("source_count", res.Price.SourceCount),
		zap.Int("outliers", res.Price.OutlierCount),
		zap.Float64("confidence", res.Price.ConfidenceLevel),
		zap.String("trend", string(res.Price.PriceTrend)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if e.observer != nil {
		e.observer.ObserveConsensus(ctx, res)
	}
	return res, nil
}

// SweepResult summarizes a sweep.
type SweepResult struct {
	Keys    int
	Updated int
	Skipped int
	Failed  int
}

// Sweep re-runs every key whose aggregate is missing or older than the
// stale-after age. A failing key does not stop the others.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	now := e.nowFunc()
	keys, err := e.store.ListStaleKeys(ctx, now.Add(-e.cfg.StaleAfter()))
	if err != nil {
		return SweepResult{}, eris.Wrap(err, "aggregate: list stale keys")
	}
	res, err := e.RunKeys(ctx, keys)
	if err == nil {
		zap.L().Info("aggregate: sweep complete",
			zap.Int("keys", res.Keys),
			zap.Int("updated", res.Updated),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res, err
}

// RunKeys aggregates keys concurrently up to the sweep concurrency.
// Per-key failures are logged and counted; only cancellation is returned.
func (e *Engine) RunKeys(ctx context.Context, keys []model.CoinKey) (SweepResult, error) {
	concurrency := e.cfg.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex
	out := SweepResult{Keys: len(keys)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, key := range keys {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := e.Run(gctx, key)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				out.Failed++
				zap.L().Error("aggregate: run failed",
					zap.String("coin_key", string(key)),
					zap.Error(err),
				)
			case res.Status == StatusUpdated:
				out.Updated++
			default:
				out.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, eris.Wrap(err, "aggregate: run keys")
	}
	return out, nil
}

// RunEvery sweeps on the given interval until ctx is done.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return eris.New("aggregate: sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("aggregate: sweep failed", zap.Error(err))
			}
		}
	}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per coin key and frees it when unused.
type keyLocks struct {
	mu sync.Mutex
	m  map[model.CoinKey]*keyLock
}

func (k *keyLocks) lock(key model.CoinKey) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
