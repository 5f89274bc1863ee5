// Package ratelimit gates scrapes with a per-source sliding window sized to
// the source's hourly budget.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

// DefaultWindow is the rolling span that rate_limit_per_hour applies to.
const DefaultWindow = time.Hour

// Limiter tracks admissions per source. Calls for different sources proceed
// in parallel; calls for the same source are serialized on that source's lock.
type Limiter struct {
	span time.Duration

	mu      sync.RWMutex
	windows map[string]*window
}

// window is a log of admission times, oldest first.
type window struct {
	mu     sync.Mutex
	limit  int
	events []time.Time
}

// New returns a limiter with the default one-hour window.
func New() *Limiter {
	return NewWithWindow(DefaultWindow)
}

// NewWithWindow returns a limiter with a custom rolling span.
func NewWithWindow(span time.Duration) *Limiter {
	return &Limiter{
		span:    span,
		windows: make(map[string]*window),
	}
}

// SetLimit sets (or changes) the number of admissions allowed per window
// for a source. Existing admissions are kept.
func (l *Limiter) SetLimit(sourceID string, perWindow int) {
	w := l.getOrCreate(sourceID)
	w.mu.Lock()
	w.limit = perWindow
	w.mu.Unlock()
}

// Sync applies the rate limits of the given sources.
func (l *Limiter) Sync(sources []model.Source) {
	for _, s := range sources {
		l.SetLimit(s.ID, s.RateLimitPerHour)
	}
}

// Allow reports whether a scrape of sourceID may start at now. It does not
// consume a slot. Unknown sources are never allowed.
func (l *Limiter) Allow(sourceID string, now time.Time) bool {
	w := l.get(sourceID)
	if w == nil {
		zap.L().Debug("ratelimit: no limit configured", zap.String("source", sourceID))
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.span)
	return len(w.events) < w.limit
}

// Record consumes a slot for sourceID at now, regardless of Allow.
func (l *Limiter) Record(sourceID string, now time.Time) {
	w := l.getOrCreate(sourceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.span)
	w.insert(now)
}

// Reserve atomically checks and consumes a slot. It returns false when the
// window is exhausted.
func (l *Limiter) Reserve(sourceID string, now time.Time) bool {
	w := l.get(sourceID)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.span)
	if len(w.events) >= w.limit {
		return false
	}
	w.insert(now)
	return true
}

// Remaining returns the number of slots left for sourceID at now.
func (l *Limiter) Remaining(sourceID string, now time.Time) int {
	w := l.get(sourceID)
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.span)
	return max(w.limit-len(w.events), 0)
}

// NextAvailable returns the earliest time a slot frees up, or now when one
// is already free.
func (l *Limiter) NextAvailable(sourceID string, now time.Time) time.Time {
	w := l.get(sourceID)
	if w == nil {
		return now
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.span)
	if len(w.events) < w.limit || w.limit <= 0 {
		return now
	}
	// The slot held by the event that is limit-th from the end frees first.
	return w.events[len(w.events)-w.limit].Add(l.span)
}

func (l *Limiter) get(sourceID string) *window {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.windows[sourceID]
}

func (l *Limiter) getOrCreate(sourceID string) *window {
	if w := l.get(sourceID); w != nil {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[sourceID]; ok {
		return w
	}
	w := &window{}
	l.windows[sourceID] = w
	return w
}

// prune drops admissions older than span. An event at t occupies [t, t+span).
func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].After(cutoff)
	})
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// insert keeps events ordered even when callers pass slightly skewed clocks.
func (w *window) insert(t time.Time) {
	i := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].After(t)
	})
	w.events = append(w.events, time.Time{})
	copy(w.events[i+1:], w.events[i:])
	w.events[i] = t
}
