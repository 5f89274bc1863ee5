// Package extractor defines the per-source adapter contract that turns a
// source response into raw price observations.
package extractor

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// ErrNoExtractor is returned when no extractor is registered for a source.
var ErrNoExtractor = eris.New("no extractor for source")

// Extractor fetches observations for one coin query from one source.
// Errors must be classified: wrap with resilience.NewPermanentError for
// auth or schema failures, resilience.NewTransientError for retryable ones.
type Extractor interface {
	Fetch(ctx context.Context, src model.Source, q model.CoinQuery) ([]model.Observation, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, src model.Source, q model.CoinQuery) ([]model.Observation, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, src model.Source, q model.CoinQuery) ([]model.Observation, error) {
	return f(ctx, src, q)
}

// Registry resolves the extractor for a source: a source-specific binding
// wins over the binding for its type.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Extractor
	byType map[model.SourceType]Extractor
}

// NewRegistry creates an empty extractor registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]Extractor),
		byType: make(map[model.SourceType]Extractor),
	}
}

// RegisterType binds e to every source of type t.
func (r *Registry) RegisterType(t model.SourceType, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = e
}

// RegisterSource binds e to a single source id.
func (r *Registry) RegisterSource(sourceID string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[sourceID] = e
}

// For returns the extractor for src.
func (r *Registry) For(src model.Source) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byID[src.ID]; ok {
		return e, nil
	}
	if e, ok := r.byType[src.Type]; ok {
		return e, nil
	}
	return nil, eris.Wrapf(ErrNoExtractor, "extractor: source %s (type %s)", src.ID, src.Type)
}
