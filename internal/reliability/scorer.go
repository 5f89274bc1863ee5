// Package reliability adjusts source trust from consensus agreement and
// scrape job history.
package reliability

import (
	"context"
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/aggregate"
	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/registry"
)

// Updater commits source mutations with compare-and-swap semantics.
type Updater interface {
	Update(ctx context.Context, id string, mutate func(*model.Source)) (model.Source, error)
}

// JobHistory lists recent jobs for a source, newest first.
type JobHistory interface {
	ListJobsBySource(ctx context.Context, sourceID string, limit int) ([]model.ScrapeJob, error)
}

// Scorer is the reliability feedback loop. Every write goes through the
// Updater so concurrent runs touching one source never lose an update.
type Scorer struct {
	cfg     config.ReliabilityConfig
	sources Updater
	jobs    JobHistory
	metrics *metrics.Metrics
}

// New creates a Scorer. m may be nil.
func New(cfg config.ReliabilityConfig, sources Updater, jobs JobHistory, m *metrics.Metrics) *Scorer {
	return &Scorer{cfg: cfg, sources: sources, jobs: jobs, metrics: m}
}

// ObserveConsensus nudges every source that contributed to an updated
// aggregate toward its agreement with the consensus. A source with any
// observation rejected as an outlier is nudged toward zero.
func (s *Scorer) ObserveConsensus(ctx context.Context, res aggregate.Result) {
	if res.Status != aggregate.StatusUpdated || res.Price == nil || !res.Price.AvgPrice.IsPositive() {
		return
	}
	avg := res.Price.AvgPrice

	sum := make(map[string]float64)
	count := make(map[string]int)
	for _, o := range res.Survivors {
		relErr := o.Price.Amount.Sub(avg).Abs().Div(avg).InexactFloat64()
		sum[o.SourceID] += s.agreement(relErr)
		count[o.SourceID]++
	}
	outlier := make(map[string]bool)
	for _, o := range res.Outliers {
		outlier[o.SourceID] = true
	}

	ids := make([]string, 0, len(count)+len(outlier))
	for id := range count {
		ids = append(ids, id)
	}
	for id := range outlier {
		if count[id] == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		target := 0.0
		if !outlier[id] {
			target = sum[id] / float64(count[id])
		}
		s.apply(ctx, id, "consensus", func(score float64) float64 {
			return s.cfg.Alpha * (target - score)
		}, zap.String("coin_key", string(res.Key)), zap.Float64("target", target))
	}
}

// agreement maps a relative error to [0,1]: 1 at the consensus, 0 at or
// beyond the tolerance.
func (s *Scorer) agreement(relErr float64) float64 {
	tol := s.cfg.Tolerance
	if tol <= 0 {
		tol = 0.1
	}
	return math.Max(0, 1-relErr/tol)
}

// ObserveJob folds a finished job into its source's score. A permanent
// failure applies the fixed penalty; a recent failure rate above the
// threshold decays the score in proportion to the rate.
func (s *Scorer) ObserveJob(ctx context.Context, job model.ScrapeJob) {
	if !job.Status.Terminal() {
		return
	}

	var penalty float64
	if job.Status == model.JobStatusFailed && job.FailureKind == model.FailurePermanent {
		penalty = s.cfg.PermanentPenalty
	}

	rate, err := s.failureRate(ctx, job.SourceID)
	if err != nil {
		zap.L().Warn("reliability: job history unavailable",
			zap.String("source", job.SourceID), zap.Error(err))
	}
	if rate > s.cfg.FailureRateThreshold {
		penalty += s.cfg.Alpha * rate
	}
	if penalty == 0 {
		return
	}

	s.apply(ctx, job.SourceID, "job", func(float64) float64 { return -penalty },
		zap.String("job_id", job.ID), zap.Float64("failure_rate", rate))
}

// failureRate is the share of failed jobs among the last HistoryJobs
// terminal jobs of a source.
func (s *Scorer) failureRate(ctx context.Context, sourceID string) (float64, error) {
	if s.jobs == nil || s.cfg.HistoryJobs <= 0 {
		return 0, nil
	}
	jobs, err := s.jobs.ListJobsBySource(ctx, sourceID, s.cfg.HistoryJobs)
	if err != nil {
		return 0, err
	}
	var terminal, failed int
	for _, j := range jobs {
		if !j.Status.Terminal() {
			continue
		}
		terminal++
		if j.Status == model.JobStatusFailed {
			failed++
		}
	}
	if terminal == 0 {
		return 0, nil
	}
	return float64(failed) / float64(terminal), nil
}

// apply commits score + clamp(delta(score)) through the Updater. delta is
// evaluated against the snapshot being swapped, so a retried CAS uses the
// fresh score.
func (s *Scorer) apply(ctx context.Context, sourceID, reason string, delta func(score float64) float64, fields ...zap.Field) {
	var before float64
	src, err := s.sources.Update(ctx, sourceID, func(src *model.Source) {
		before = src.ReliabilityScore
		src.ReliabilityScore = s.step(src.ReliabilityScore, delta(src.ReliabilityScore))
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnknownSource) {
			zap.L().Debug("reliability: skipping unregistered source", zap.String("source", sourceID))
			return
		}
		zap.L().Warn("reliability: update failed",
			append(fields, zap.String("source", sourceID), zap.String("reason", reason), zap.Error(err))...)
		return
	}

	s.metrics.SetReliability(sourceID, src.ReliabilityScore)
	zap.L().Debug("reliability: score updated",
		append(fields,
			zap.String("source", sourceID),
			zap.String("reason", reason),
			zap.Float64("before", before),
			zap.Float64("after", src.ReliabilityScore),
		)...)
}

// step clamps delta to the configured maximum and the result to [0,1].
func (s *Scorer) step(score, delta float64) float64 {
	if s.cfg.MaxStep > 0 {
		delta = math.Max(-s.cfg.MaxStep, math.Min(s.cfg.MaxStep, delta))
	}
	return model.ClampScore(score + delta)
}
