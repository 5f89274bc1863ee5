package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = eris.New("not found")
	// ErrInvalidTransition is returned when a job is not in a state that
	// allows the requested transition. Terminal jobs are immutable.
	ErrInvalidTransition = eris.New("invalid job transition")
)

// Store defines the persistence boundary for the price pipeline. Every
// record is addressed by key; no implementation assumes a database engine.
type Store interface {
	// Sources
	UpsertSource(ctx context.Context, src model.Source) error
	ListSources(ctx context.Context) ([]model.Source, error)

	// Jobs
	CreateJob(ctx context.Context, sourceID string, at time.Time) (*model.ScrapeJob, error)
	StartJob(ctx context.Context, jobID string, at time.Time) error
	CompleteJob(ctx context.Context, jobID string, outcome model.JobOutcome) error
	FailJob(ctx context.Context, jobID string, outcome model.JobOutcome) error
	GetJob(ctx context.Context, jobID string) (*model.ScrapeJob, error)
	ListRecentJobs(ctx context.Context, limit int) ([]model.ScrapeJob, error)
	ListJobsBySource(ctx context.Context, sourceID string, limit int) ([]model.ScrapeJob, error)
	ListJobsSince(ctx context.Context, since time.Time) ([]model.ScrapeJob, error)

	// Observations (append-only)
	AppendObservations(ctx context.Context, obs []model.Observation) (int, error)
	// QueryObservations returns observations for key with observed_at in
	// [from, to], newest first, capped at limit when limit > 0.
	QueryObservations(ctx context.Context, key model.CoinKey, from, to time.Time, limit int) ([]model.Observation, error)
	// ListStaleKeys returns keys that have observations but no aggregate, or
	// an aggregate last updated before the cutoff.
	ListStaleKeys(ctx context.Context, before time.Time) ([]model.CoinKey, error)

	// Aggregates
	// GetAggregatedPrice returns nil, nil when no aggregate exists for key.
	GetAggregatedPrice(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error)
	PutAggregatedPrice(ctx context.Context, p model.AggregatedPrice) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTS renders a fixed-width UTC timestamp so text comparison matches
// chronological order.
func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse timestamp %q", s)
	}
	return t, nil
}

func nullTS(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTS(*t)
	return &s
}

func parseNullTS(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTS(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// errorText keeps the failed-job invariant: a failed job always carries
// a non-empty error.
func errorText(err error) string {
	if err == nil {
		return "job failed"
	}
	return err.Error()
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
