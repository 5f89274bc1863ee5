package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
)

// Appender is the append-only observation store.
type Appender interface {
	AppendObservations(ctx context.Context, obs []model.Observation) (int, error)
}

// Aggregator re-runs aggregation for a set of keys.
type Aggregator interface {
	RunKeys(ctx context.Context, keys []model.CoinKey) (aggregate.SweepResult, error)
}

// Summary describes one processed batch.
type Summary struct {
	Accepted int
	Rejected map[string]int
	Keys     []model.CoinKey
	Sweep    aggregate.SweepResult
}

// Worker drains a Queue: gate, append, aggregate.
type Worker struct {
	queue       *Queue
	store       Appender
	aggregator  Aggregator
	gate        Gate
	metrics     *metrics.Metrics
	concurrency int
	nowFunc     func() time.Time
}

// NewWorker creates a Worker. aggregator may be nil to only store.
func NewWorker(cfg config.IngestConfig, q *Queue, st Appender, agg Aggregator, m *metrics.Metrics) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		store:       st,
		aggregator:  agg,
		gate:        NewGate(cfg),
		metrics:     m,
		concurrency: concurrency,
		nowFunc:     time.Now,
	}
}

// Run processes batches until the queue is closed and drained or ctx is
// done. A failing batch is logged and does not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case b, ok := <-w.queue.Batches():
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				if _, err := w.Process(gctx, b); err != nil {
					zap.L().Error("ingest: batch failed",
						zap.String("job_id", b.JobID),
						zap.String("source", b.SourceID),
						zap.Error(err),
					)
				}
				return nil
			})
		}
	}
}

// Process gates and stores one batch, then aggregates every key it touched.
func (w *Worker) Process(ctx context.Context, b Batch) (Summary, error) {
	log := zap.L().With(
		zap.String("component", "ingest.Worker"),
		zap.String("job_id", b.JobID),
		zap.String("source", b.SourceID),
	)
	now := w.nowFunc()
	sum := Summary{Rejected: make(map[string]int)}

	accepted := make([]model.Observation, 0, len(b.Observations))
	touched := make(map[model.CoinKey]struct{})
	for _, o := range b.Observations {
		if o.SourceID == "" {
			o.SourceID = b.SourceID
		}
		if o.JobID == "" {
			o.JobID = b.JobID
		}
		if reason := w.gate.Check(o, now); reason != "" {
			sum.Rejected[reason]++
			w.metrics.RecordRejected(reason)
			log.Warn("ingest: observation rejected",
				zap.String("reason", reason),
				zap.String("coin_key", string(o.CoinKey)),
				zap.String("price", o.Price.String()),
				zap.Time("observed_at", o.ObservedAt),
			)
			continue
		}
		o.ObservedAt = o.ObservedAt.UTC()
		accepted = append(accepted, o)
		touched[o.CoinKey] = struct{}{}
	}
	if len(accepted) == 0 {
		return sum, nil
	}

	n, err := w.store.AppendObservations(ctx, accepted)
	if err != nil {
		return sum, eris.Wrapf(err, "ingest: append %d observations", len(accepted))
	}
	sum.Accepted = n
	w.metrics.RecordIngested(n)

	for key := range touched {
		sum.Keys = append(sum.Keys, key)
	}
	sort.Slice(sum.Keys, func(i, j int) bool { return sum.Keys[i] < sum.Keys[j] })

	if w.aggregator != nil {
		sum.Sweep, err = w.aggregator.RunKeys(ctx, sum.Keys)
		if err != nil {
			return sum, eris.Wrap(err, "ingest: aggregate")
		}
	}
	log.Debug("ingest: batch stored",
		zap.Int("accepted", sum.Accepted),
		zap.Int("keys", len(sum.Keys)),
		zap.Int("updated", sum.Sweep.Updated),
	)
	return sum, nil
}
