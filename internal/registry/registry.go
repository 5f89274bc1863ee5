package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

var (
	// ErrUnknownSource is returned for a source id the registry does not hold.
	ErrUnknownSource = eris.New("unknown source")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version moved since the caller's snapshot.
	ErrVersionConflict = eris.New("source version conflict")
)

const maxUpdateRetries = 64

// Persister is the slice of the store the registry writes through to.
type Persister interface {
	UpsertSource(ctx context.Context, src model.Source) error
	ListSources(ctx context.Context) ([]model.Source, error)
}

// bulkPersister is implemented by stores that can write many sources in
// one round trip.
type bulkPersister interface {
	UpsertSources(ctx context.Context, sources []model.Source) error
}

// Registry holds the source catalog in memory. All mutations are
// versioned compare-and-swap updates written through to the store before
// they become visible.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]model.Source
	store    Persister
	watchers []func(model.Source)
	nowFunc  func() time.Time
}

// New creates an empty registry backed by st.
func New(st Persister) *Registry {
	return &Registry{
		sources: make(map[string]model.Source),
		store:   st,
		nowFunc: time.Now,
	}
}

// Watch registers fn to be called with every committed source change.
// Watchers run synchronously after the registry lock is released.
func (r *Registry) Watch(fn func(model.Source)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Load replaces the in-memory catalog with the store's contents.
func (r *Registry) Load(ctx context.Context) error {
	sources, err := r.store.ListSources(ctx)
	if err != nil {
		return eris.Wrap(err, "registry: load")
	}

	r.mu.Lock()
	r.sources = make(map[string]model.Source, len(sources))
	for _, src := range sources {
		r.sources[src.ID] = src
	}
	r.mu.Unlock()

	for _, src := range sources {
		r.notify(src)
	}
	zap.L().Debug("registry: loaded sources", zap.Int("count", len(sources)))
	return nil
}

// Seed merges catalog entries into the registry. Configured attributes are
// taken from the catalog. For sources that already exist, learned state
// (reliability, failure count, last success) and operator-owned state
// (scraping enabled, priority) are kept; the catalog only sets those on
// first insert.
func (r *Registry) Seed(ctx context.Context, catalog []model.Source) (added, updated int, err error) {
	now := r.nowFunc().UTC()

	r.mu.Lock()
	merged := make([]model.Source, 0, len(catalog))
	for _, entry := range catalog {
		if err := entry.Validate(); err != nil {
			r.mu.Unlock()
			return 0, 0, eris.Wrap(err, "registry: seed")
		}
		cur, ok := r.sources[entry.ID]
		if ok {
			entry.ScrapingEnabled = cur.ScrapingEnabled
			entry.PriorityScore = cur.PriorityScore
			entry.ReliabilityScore = cur.ReliabilityScore
			entry.ConsecutiveFailures = cur.ConsecutiveFailures
			entry.LastSuccessAt = cur.LastSuccessAt
			entry.Version = cur.Version + 1
			updated++
		} else {
			entry.Version = 1
			added++
		}
		entry.UpdatedAt = now
		merged = append(merged, entry)
	}

	if err := r.persistMany(ctx, merged); err != nil {
		r.mu.Unlock()
		return 0, 0, err
	}
	for _, src := range merged {
		r.sources[src.ID] = src
	}
	r.mu.Unlock()

	for _, src := range merged {
		r.notify(src)
	}
	zap.L().Info("registry: seeded catalog", zap.Int("added", added), zap.Int("updated", updated))
	return added, updated, nil
}

func (r *Registry) persistMany(ctx context.Context, sources []model.Source) error {
	if bp, ok := r.store.(bulkPersister); ok {
		return eris.Wrap(bp.UpsertSources(ctx, sources), "registry: persist catalog")
	}
	for _, src := range sources {
		if err := r.store.UpsertSource(ctx, src); err != nil {
			return eris.Wrapf(err, "registry: persist %s", src.ID)
		}
	}
	return nil
}

// Get returns a snapshot of the source.
func (r *Registry) Get(id string) (model.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return model.Source{}, eris.Wrapf(ErrUnknownSource, "registry: %s", id)
	}
	return src, nil
}

// List returns all sources ordered by priority (highest first), then id.
func (r *Registry) List() []model.Source {
	r.mu.RLock()
	out := make([]model.Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	r.mu.RUnlock()

	SortByPriority(out)
	return out
}

// Due returns the enabled sources whose update interval has elapsed at
// now, in priority order. Rate limiting is not considered here.
func (r *Registry) Due(now time.Time) []model.Source {
	var due []model.Source
	for _, src := range r.List() {
		if src.IsDue(now) {
			due = append(due, src)
		}
	}
	return due
}

// SortByPriority orders sources by priority descending, breaking ties by id.
func SortByPriority(sources []model.Source) {
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].PriorityScore != sources[j].PriorityScore {
			return sources[i].PriorityScore > sources[j].PriorityScore
		}
		return sources[i].ID < sources[j].ID
	})
}

// CompareAndSwap commits next if the stored version still equals
// next.Version. The committed source carries the incremented version.
func (r *Registry) CompareAndSwap(ctx context.Context, next model.Source) (model.Source, error) {
	r.mu.Lock()
	cur, ok := r.sources[next.ID]
	if !ok {
		r.mu.Unlock()
		return model.Source{}, eris.Wrapf(ErrUnknownSource, "registry: %s", next.ID)
	}
	if cur.Version != next.Version {
		r.mu.Unlock()
		return model.Source{}, eris.Wrapf(ErrVersionConflict, "registry: %s at version %d, caller had %d",
			next.ID, cur.Version, next.Version)
	}

	next.ReliabilityScore = model.ClampScore(next.ReliabilityScore)
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return model.Source{}, eris.Wrap(err, "registry: compare and swap")
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = r.nowFunc().UTC()

	if err := r.store.UpsertSource(ctx, next); err != nil {
		r.mu.Unlock()
		return model.Source{}, eris.Wrapf(err, "registry: persist %s", next.ID)
	}
	r.sources[next.ID] = next
	r.mu.Unlock()

	r.notify(next)
	return next, nil
}

// Update applies mutate to a fresh snapshot and commits it with
// CompareAndSwap, retrying on version conflicts.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*model.Source)) (model.Source, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		snap, err := r.Get(id)
		if err != nil {
			return model.Source{}, err
		}
		mutate(&snap)
		committed, err := r.CompareAndSwap(ctx, snap)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return committed, err
	}
	return model.Source{}, eris.Wrapf(ErrVersionConflict, "registry: %s: gave up after %d attempts", id, maxUpdateRetries)
}

// SetEnabled toggles scraping for a source. Re-enabling clears the
// consecutive failure count.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (model.Source, error) {
	src, err := r.Update(ctx, id, func(s *model.Source) {
		s.ScrapingEnabled = enabled
		if enabled {
			s.ConsecutiveFailures = 0
		}
	})
	if err == nil {
		zap.L().Info("registry: source scraping toggled",
			zap.String("source", id), zap.Bool("enabled", enabled))
	}
	return src, err
}

// SetPriority changes the tie-break priority of a source.
func (r *Registry) SetPriority(ctx context.Context, id string, score int) (model.Source, error) {
	return r.Update(ctx, id, func(s *model.Source) { s.PriorityScore = score })
}

func (r *Registry) notify(src model.Source) {
	r.mu.RLock()
	watchers := r.watchers
	r.mu.RUnlock()
	for _, fn := range watchers {
		fn(src)
	}
}
