// Package scheduler dispatches scrape jobs to due sources under their rate
// limits, with per-source mutual exclusion, retries and a failure breaker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/extractor"
	"github.com/sells-group/pricewatch/internal/ingest"
	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/ratelimit"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// errDeferred marks a request skipped because the source's rate window
// closed mid-job. It is never retried.
var errDeferred = eris.New("rate window exhausted")

// Registry is the source registry as seen by the scheduler.
type Registry interface {
	List() []model.Source
	Update(ctx context.Context, id string, mutate func(*model.Source)) (model.Source, error)
	Watch(fn func(model.Source))
}

// JobStore persists the scrape job lifecycle.
type JobStore interface {
	CreateJob(ctx context.Context, sourceID string, at time.Time) (*model.ScrapeJob, error)
	StartJob(ctx context.Context, jobID string, at time.Time) error
	CompleteJob(ctx context.Context, jobID string, outcome model.JobOutcome) error
	FailJob(ctx context.Context, jobID string, outcome model.JobOutcome) error
	GetJob(ctx context.Context, jobID string) (*model.ScrapeJob, error)
}

// Extractors resolves the extractor for a source.
type Extractors interface {
	For(src model.Source) (extractor.Extractor, error)
}

// Sink receives the observations of a finished job.
type Sink interface {
	Submit(ctx context.Context, b ingest.Batch) error
}

// JobObserver is told about every terminal job.
type JobObserver interface {
	ObserveJob(ctx context.Context, job model.ScrapeJob)
}

// Deps bundles the collaborators of a Scheduler. Observer, Notifier and
// Metrics are optional.
type Deps struct {
	Registry   Registry
	Store      JobStore
	Extractors Extractors
	Limiter    *ratelimit.Limiter
	Sink       Sink
	Watchlist  []model.CoinQuery
	Observer   JobObserver
	Notifier   monitoring.Notifier
	Metrics    *metrics.Metrics
}

// TickResult summarizes one dispatch round.
type TickResult struct {
	Due         int
	Dispatched  int
	RateLimited int
	CircuitOpen int
	Busy        int
	Completed   int
	Failed      int
}

// Scheduler runs scrape jobs.
type Scheduler struct {
	cfg   config.SchedulerConfig
	retry resilience.RetryConfig
	Deps

	breakers *resilience.ServiceBreakers
	locks    sync.Map // source ID -> *sync.Mutex
	nowFunc  func() time.Time
}

// New creates a Scheduler, restores breaker state from the persisted
// failure counts and subscribes to registry changes.
func New(cfg config.SchedulerConfig, retry resilience.RetryConfig, deps Deps) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		retry:   retry,
		Deps:    deps,
		nowFunc: time.Now,
	}

	bcfg := resilience.FromCircuitConfig(cfg.CircuitThreshold, cfg.CircuitProbeMins)
	bcfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Info("scheduler: breaker state change",
			zap.String("source", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	s.breakers = resilience.NewServiceBreakers(bcfg)

	sources := deps.Registry.List()
	s.Limiter.Sync(sources)
	for _, src := range sources {
		s.breakers.Get(src.ID).Restore(src.ConsecutiveFailures)
	}
	deps.Registry.Watch(s.onSourceChange)
	return s
}

// onSourceChange keeps the limiter in step with the registry and closes the
// breaker when an operator re-enables a source.
func (s *Scheduler) onSourceChange(src model.Source) {
	s.Limiter.SetLimit(src.ID, src.RateLimitPerHour)
	if !src.ScrapingEnabled || src.ConsecutiveFailures != 0 {
		return
	}
	cb := s.breakers.Get(src.ID)
	if _, state := cb.Counters(); state != resilience.CircuitClosed {
		cb.Reset()
	}
}

// Breakers exposes the per-source breakers for status reporting.
func (s *Scheduler) Breakers() *resilience.ServiceBreakers { return s.breakers }

// Run ticks on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("starting scheduler", zap.Duration("interval", interval), zap.Int("workers", s.workers()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler: tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) workers() int {
	if s.cfg.Workers <= 0 {
		return 1
	}
	return s.cfg.Workers
}

// Tick dispatches one job to every due, enabled, rate-allowed source, in
// priority order, up to the worker limit at a time.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	log := zap.L().With(zap.String("component", "scheduler"))
	now := s.nowFunc()
	var res TickResult

	var candidates []model.Source
	for _, src := range s.Registry.List() {
		if !src.IsDue(now) {
			continue
		}
		res.Due++
		if !s.Limiter.Allow(src.ID, now) {
			res.RateLimited++
			s.Metrics.RecordRateLimited(src.ID)
			log.Debug("skipping rate-limited source",
				zap.String("source", src.ID),
				zap.Time("next_slot", s.Limiter.NextAvailable(src.ID, now)),
			)
			continue
		}
		if err := s.breakers.Get(src.ID).Allow(); err != nil {
			res.CircuitOpen++
			log.Debug("skipping source with open breaker", zap.String("source", src.ID))
			continue
		}
		candidates = append(candidates, src)
	}
	if len(candidates) == 0 {
		return res, nil
	}

	var dispatched, busy, completed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())

	for _, src := range candidates {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			job, ran, err := s.RunSource(gctx, src)
			switch {
			case !ran:
				busy.Add(1)
			case err != nil:
				return err
			case job.Status == model.JobStatusCompleted:
				dispatched.Add(1)
				completed.Add(1)
			default:
				dispatched.Add(1)
				failed.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	res.Dispatched = int(dispatched.Load())
	res.Busy = int(busy.Load())
	res.Completed = int(completed.Load())
	res.Failed = int(failed.Load())

	log.Info("scheduler tick complete",
		zap.Int("due", res.Due),
		zap.Int("dispatched", res.Dispatched),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("rate_limited", res.RateLimited),
		zap.Int("circuit_open", res.CircuitOpen),
		zap.Int("busy", res.Busy),
		zap.Strings("open_circuits", s.openCircuits()),
	)
	if err != nil {
		return res, eris.Wrap(err, "scheduler: tick")
	}
	return res, nil
}

// RunSource runs one job for src unless a job for the same source is
// already in flight, in which case ran is false. A failed scrape is
// reported through the job status; err is only set when the job record
// itself could not be written.
func (s *Scheduler) RunSource(ctx context.Context, src model.Source) (job model.ScrapeJob, ran bool, err error) {
	mu, _ := s.locks.LoadOrStore(src.ID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	if !lock.TryLock() {
		zap.L().Debug("skipping source with job in flight", zap.String("source", src.ID))
		return model.ScrapeJob{}, false, nil
	}
	defer lock.Unlock()

	job, err = s.runJob(ctx, src)
	return job, true, err
}

type scrapeStats struct {
	attempts int
	deferred int
	queries  int
	failed   int
}

func (s *Scheduler) runJob(ctx context.Context, src model.Source) (model.ScrapeJob, error) {
	sLog := zap.L().With(zap.String("component", "scheduler"), zap.String("source", src.ID))

	created, err := s.Store.CreateJob(ctx, src.ID, s.nowFunc())
	if err != nil {
		return model.ScrapeJob{}, eris.Wrapf(err, "scheduler: create job for %s", src.ID)
	}
	sLog = sLog.With(zap.String("job_id", created.ID))
	if err := s.Store.StartJob(ctx, created.ID, s.nowFunc()); err != nil {
		return *created, eris.Wrapf(err, "scheduler: start job %s", created.ID)
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout())
	obs, stats, scrapeErr := s.scrape(jobCtx, src)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()
	if timedOut && scrapeErr == nil {
		scrapeErr = resilience.NewTransientError(eris.Errorf("job exceeded %s", s.jobTimeout()), 0)
	}
	if timedOut {
		sLog.Warn("job timed out", zap.Duration("timeout", s.jobTimeout()))
	}

	if scrapeErr == nil && len(obs) > 0 {
		err := s.Sink.Submit(ctx, ingest.Batch{JobID: created.ID, SourceID: src.ID, Observations: obs})
		if err != nil {
			scrapeErr = resilience.NewTransientError(eris.Wrap(err, "hand off observations"), 0)
		}
	}

	outcome := model.JobOutcome{
		At:               s.nowFunc(),
		Attempts:         stats.attempts,
		ObservationCount: len(obs),
		Deferred:         stats.deferred,
		Err:              scrapeErr,
	}
	// Shutdown is not the source's fault.
	shutdown := ctx.Err() != nil
	if scrapeErr != nil {
		outcome.FailureKind = resilience.Classify(scrapeErr)
		if shutdown {
			outcome.FailureKind = model.FailureTransient
		}
		if err := s.Store.FailJob(context.WithoutCancel(ctx), created.ID, outcome); err != nil {
			return *created, eris.Wrapf(err, "scheduler: fail job %s", created.ID)
		}
		sLog.Warn("job failed",
			zap.String("failure_kind", string(outcome.FailureKind)),
			zap.Int("attempts", stats.attempts),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(scrapeErr),
		)
	} else {
		if err := s.Store.CompleteJob(context.WithoutCancel(ctx), created.ID, outcome); err != nil {
			return *created, eris.Wrapf(err, "scheduler: complete job %s", created.ID)
		}
		sLog.Info("job completed",
			zap.Int("observations", len(obs)),
			zap.Int("attempts", stats.attempts),
			zap.Int("deferred", stats.deferred),
			zap.Int("failed_queries", stats.failed),
			zap.Int("rate_remaining", s.Limiter.Remaining(src.ID, s.nowFunc())),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	finished, err := s.Store.GetJob(context.WithoutCancel(ctx), created.ID)
	if err != nil {
		return *created, eris.Wrapf(err, "scheduler: reload job %s", created.ID)
	}
	s.Metrics.RecordJob(src.ID, string(finished.Status))

	if !shutdown {
		s.recordOutcome(ctx, src, scrapeErr)
	}
	if s.Observer != nil {
		s.Observer.ObserveJob(context.WithoutCancel(ctx), *finished)
	}
	return *finished, nil
}

// openCircuits lists sources whose breaker is not closed.
func (s *Scheduler) openCircuits() []string {
	var ids []string
	for id, st := range s.breakers.States() {
		if st != resilience.CircuitClosed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (s *Scheduler) jobTimeout() time.Duration {
	if t := s.cfg.JobTimeout(); t > 0 {
		return t
	}
	return 2 * time.Minute
}

// scrape fetches every watchlist query the source serves. A permanent
// error aborts the job. Transient errors that survive retries fail the job
// only when no query succeeded. A closed rate window defers the rest.
func (s *Scheduler) scrape(ctx context.Context, src model.Source) ([]model.Observation, scrapeStats, error) {
	var stats scrapeStats
	ext, err := s.Extractors.For(src)
	if err != nil {
		return nil, stats, resilience.NewPermanentError(err, 0)
	}

	queries := Queries(src, s.Watchlist)
	retry := s.retry
	retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, errDeferred) && resilience.IsTransient(err)
	}
	retry.OnRetry = resilience.LogRetries(src.ID, "fetch")

	var out []model.Observation
	var lastErr error
	succeeded := 0
	for i, q := range queries {
		if ctx.Err() != nil {
			return out, stats, ctx.Err()
		}
		stats.queries++
		obs, err := resilience.Retry(ctx, retry, func(ctx context.Context) ([]model.Observation, error) {
			if !s.Limiter.Reserve(src.ID, s.nowFunc()) {
				return nil, errDeferred
			}
			stats.attempts++
			return ext.Fetch(ctx, src, q)
		})
		switch {
		case errors.Is(err, errDeferred):
			stats.deferred += len(queries) - i
			s.Metrics.RecordRateLimited(src.ID)
			zap.L().Debug("rate window closed mid-job",
				zap.String("source", src.ID), zap.Int("deferred", stats.deferred))
			return out, stats, nil
		case err != nil && ctx.Err() != nil:
			return out, stats, err
		case err != nil && resilience.IsPermanent(err):
			return out, stats, eris.Wrapf(err, "fetch %s", q.Description)
		case err != nil:
			stats.failed++
			lastErr = err
			zap.L().Warn("query failed after retries",
				zap.String("source", src.ID),
				zap.String("query", q.Description),
				zap.Error(err),
			)
		default:
			succeeded++
			out = append(out, obs...)
		}
	}

	if succeeded == 0 && lastErr != nil {
		return out, stats, eris.Wrapf(lastErr, "all %d queries failed", stats.failed)
	}
	return out, stats, nil
}

// recordOutcome advances the breaker and persists the failure counters. At
// the threshold the source is disabled and an alert is sent, unless half-open
// probing is configured, in which case the open breaker alone gates it.
func (s *Scheduler) recordOutcome(ctx context.Context, src model.Source, jobErr error) {
	cb := s.breakers.Get(src.ID)
	_, before := cb.Counters()
	after := cb.Record(jobErr)
	tripped := before != resilience.CircuitOpen && after == resilience.CircuitOpen
	disable := tripped && s.cfg.CircuitProbeMins <= 0
	now := s.nowFunc().UTC()

	updated, err := s.Registry.Update(context.WithoutCancel(ctx), src.ID, func(cur *model.Source) {
		if jobErr == nil {
			cur.ConsecutiveFailures = 0
			cur.LastSuccessAt = &now
			return
		}
		cur.ConsecutiveFailures++
		if disable {
			cur.ScrapingEnabled = false
		}
	})
	if err != nil {
		zap.L().Error("scheduler: record job outcome", zap.String("source", src.ID), zap.Error(err))
		return
	}

	if !tripped {
		return
	}
	s.Metrics.RecordCircuitTrip(src.ID)
	zap.L().Error("source breaker tripped",
		zap.String("source", src.ID),
		zap.Int("consecutive_failures", updated.ConsecutiveFailures),
		zap.Bool("disabled", disable),
		zap.Error(jobErr),
	)
	if s.Notifier == nil {
		return
	}
	alert := monitoring.Alert{
		Type:     monitoring.AlertSourceDisabled,
		Severity: "high",
		Message: fmt.Sprintf("Source %s stopped after %d consecutive failed jobs: %v",
			src.ID, updated.ConsecutiveFailures, jobErr),
		Details: map[string]any{
			"source":               src.ID,
			"consecutive_failures": updated.ConsecutiveFailures,
			"disabled":             disable,
		},
		Timestamp: now,
	}
	if err := s.Notifier.Notify(context.WithoutCancel(ctx), alert); err != nil {
		zap.L().Error("scheduler: send disable alert", zap.String("source", src.ID), zap.Error(err))
	}
}

// Queries returns the watchlist entries a source should be asked for.
// Error coins go only to sources that specialize in them.
func Queries(src model.Source, watchlist []model.CoinQuery) []model.CoinQuery {
	out := make([]model.CoinQuery, 0, len(watchlist))
	for _, q := range watchlist {
		if q.ErrorCoin && !src.SpecializesInErrors {
			continue
		}
		out = append(out, q)
	}
	return out
}
