package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// MemoryStore implements Store in process memory. It backs tests and the
// "memory" driver for dry runs.
type MemoryStore struct {
	mu         sync.RWMutex
	sources    map[string]model.Source
	jobs       map[string]*model.ScrapeJob
	jobOrder   []string
	obs        map[model.CoinKey][]model.Observation
	aggregates map[model.CoinKey]model.AggregatedPrice
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sources:    make(map[string]model.Source),
		jobs:       make(map[string]*model.ScrapeJob),
		obs:        make(map[model.CoinKey][]model.Observation),
		aggregates: make(map[model.CoinKey]model.AggregatedPrice),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertSource(_ context.Context, src model.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.LastSuccessAt != nil {
		t := *src.LastSuccessAt
		src.LastSuccessAt = &t
	}
	s.sources[src.ID] = src
	return nil
}

func (s *MemoryStore) ListSources(context.Context) ([]model.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, sourceID string, at time.Time) (*model.ScrapeJob, error) {
	job := &model.ScrapeJob{
		ID:        uuid.New().String(),
		SourceID:  sourceID,
		Status:    model.JobStatusPending,
		CreatedAt: at.UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) StartJob(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: job %s", jobID)
	}
	if job.Status != model.JobStatusPending {
		return eris.Wrapf(ErrInvalidTransition, "memory: start job %s in status %s", jobID, job.Status)
	}
	t := at.UTC()
	job.Status = model.JobStatusRunning
	job.StartedAt = &t
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string, outcome model.JobOutcome) error {
	return s.finish(jobID, model.JobStatusCompleted, outcome)
}

func (s *MemoryStore) FailJob(_ context.Context, jobID string, outcome model.JobOutcome) error {
	return s.finish(jobID, model.JobStatusFailed, outcome)
}

func (s *MemoryStore) finish(jobID string, status model.JobStatus, outcome model.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: job %s", jobID)
	}
	if job.Status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "memory: finish job %s", jobID)
	}
	t := outcome.At.UTC()
	job.Status = status
	job.Attempts = outcome.Attempts
	job.ObservationCount = outcome.ObservationCount
	job.Deferred = outcome.Deferred
	if status == model.JobStatusCompleted {
		job.CompletedAt = &t
	} else {
		job.Error = errorText(outcome.Err)
		job.FailureKind = outcome.FailureKind
	}
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: job %s", jobID)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListRecentJobs(_ context.Context, limit int) ([]model.ScrapeJob, error) {
	return s.listJobs(defaultLimit(limit), func(*model.ScrapeJob) bool { return true }), nil
}

func (s *MemoryStore) ListJobsBySource(_ context.Context, sourceID string, limit int) ([]model.ScrapeJob, error) {
	return s.listJobs(defaultLimit(limit), func(j *model.ScrapeJob) bool { return j.SourceID == sourceID }), nil
}

func (s *MemoryStore) ListJobsSince(_ context.Context, since time.Time) ([]model.ScrapeJob, error) {
	return s.listJobs(0, func(j *model.ScrapeJob) bool { return !j.CreatedAt.Before(since) }), nil
}

// listJobs walks jobs newest first. A zero limit means no cap.
func (s *MemoryStore) listJobs(limit int, keep func(*model.ScrapeJob) bool) []model.ScrapeJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ScrapeJob
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		job := s.jobs[s.jobOrder[i]]
		if !keep(job) {
			continue
		}
		out = append(out, *job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) AppendObservations(_ context.Context, obs []model.Observation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range obs {
		o.ObservedAt = o.ObservedAt.UTC()
		s.obs[o.CoinKey] = append(s.obs[o.CoinKey], o)
	}
	return len(obs), nil
}

func (s *MemoryStore) QueryObservations(_ context.Context, key model.CoinKey, from, to time.Time, limit int) ([]model.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Observation
	// Walk newest-appended first so the stable sort breaks timestamp ties like seq DESC.
	all := s.obs[key]
	for i := len(all) - 1; i >= 0; i-- {
		o := all[i]
		if o.ObservedAt.Before(from) || o.ObservedAt.After(to) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStaleKeys(_ context.Context, before time.Time) ([]model.CoinKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CoinKey
	for key := range s.obs {
		agg, ok := s.aggregates[key]
		if !ok || agg.LastUpdated.Before(before) {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) GetAggregatedPrice(_ context.Context, key model.CoinKey) (*model.AggregatedPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[key]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (s *MemoryStore) PutAggregatedPrice(_ context.Context, p model.AggregatedPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.LastUpdated = p.LastUpdated.UTC()
	s.aggregates[p.CoinKey] = p
	return nil
}
