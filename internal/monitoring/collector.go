package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Scrape jobs created within the lookback window.
	JobsTotal         int     `json:"jobs_total"`
	JobsCompleted     int     `json:"jobs_completed"`
	JobsFailed        int     `json:"jobs_failed"`
	JobsPending       int     `json:"jobs_pending"`
	JobsRunning       int     `json:"jobs_running"`
	PermanentFailures int     `json:"permanent_failures"`
	FailureRate       float64 `json:"failure_rate"`
	Observations      int     `json:"observations"`

	DisabledSources []string `json:"disabled_sources"`

	// Coin keys with observations but no aggregate newer than StaleAfterHours.
	StaleKeys       int `json:"stale_keys"`
	StaleAfterHours int `json:"stale_after_hours"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobStore abstracts the store methods needed by the collector.
type JobStore interface {
	ListJobsSince(ctx context.Context, since time.Time) ([]model.ScrapeJob, error)
	ListStaleKeys(ctx context.Context, before time.Time) ([]model.CoinKey, error)
}

// SourceLister supplies current source snapshots.
type SourceLister interface {
	List() []model.Source
}

// Collector gathers a MetricsSnapshot from the store and the registry.
type Collector struct {
	store      JobStore
	sources    SourceLister
	staleAfter time.Duration
	nowFunc    func() time.Time
}

// NewCollector creates a new metrics collector. sources may be nil.
func NewCollector(st JobStore, sources SourceLister, staleAfter time.Duration) *Collector {
	return &Collector{store: st, sources: sources, staleAfter: staleAfter, nowFunc: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:   lookbackHours,
		StaleAfterHours: int(c.staleAfter / time.Hour),
		CollectedAt:     now,
	}

	jobs, err := c.store.ListJobsSince(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}
	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
			snap.Observations += j.ObservationCount
		case model.JobStatusFailed:
			snap.JobsFailed++
			if j.FailureKind == model.FailurePermanent {
				snap.PermanentFailures++
			}
		case model.JobStatusPending:
			snap.JobsPending++
		case model.JobStatusRunning:
			snap.JobsRunning++
		}
	}
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.FailureRate = float64(snap.JobsFailed) / float64(finished)
	}

	if c.sources != nil {
		for _, s := range c.sources.List() {
			if !s.ScrapingEnabled {
				snap.DisabledSources = append(snap.DisabledSources, s.ID)
			}
		}
		sort.Strings(snap.DisabledSources)
	}

	if c.staleAfter > 0 {
		keys, err := c.store.ListStaleKeys(ctx, now.Add(-c.staleAfter))
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list stale keys")
		}
		snap.StaleKeys = len(keys)
	}

	return snap, nil
}
