// Package query serves the read-only surface consumed by the UI: the best
// known price with staleness and an age-adjusted confidence, the source
// list and recent jobs.
package query

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

const (
	// DefaultJobLimit is used when a caller passes no limit.
	DefaultJobLimit = 50
	// MaxJobLimit caps the number of jobs returned in one call.
	MaxJobLimit = 500
)

var (
	// ErrInvalidKey is returned for a coin key that is not canonical.
	ErrInvalidKey = eris.New("invalid coin key")
	// ErrNoPrice is returned when no aggregate has been computed for a key.
	ErrNoPrice = eris.New("no aggregated price")
)

// Store is the read side of the persistence layer.
type Store interface {
	GetAggregatedPrice(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error)
	ListRecentJobs(ctx context.Context, limit int) ([]model.ScrapeJob, error)
}

// SourceLister lists the registry's sources.
type SourceLister interface {
	List() []model.Source
}

// PriceCache is an optional cache-aside layer for aggregates.
type PriceCache interface {
	GetPrice(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error)
	SetPrice(ctx context.Context, p model.AggregatedPrice) error
}

// Service answers read queries. It has no side effects beyond filling the
// cache.
type Service struct {
	cfg     config.AggregationConfig
	store   Store
	sources SourceLister
	cache   PriceCache
	nowFunc func() time.Time
}

// New creates a query service. cache may be nil.
func New(cfg config.AggregationConfig, st Store, sources SourceLister, cache PriceCache) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		sources: sources,
		cache:   cache,
		nowFunc: time.Now,
	}
}

// GetAggregatedPrice returns the best known value for key. A stale or low
// confidence aggregate is still returned, flagged in the view.
func (s *Service) GetAggregatedPrice(ctx context.Context, key model.CoinKey) (*model.PriceView, error) {
	if _, err := model.ParseCoinKey(string(key)); err != nil {
		return nil, eris.Wrapf(ErrInvalidKey, "query: %q", key)
	}

	p, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, eris.Wrapf(ErrNoPrice, "query: %s", key)
	}
	view := s.View(*p, s.nowFunc())
	return &view, nil
}

func (s *Service) lookup(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error) {
	log := zap.L().With(zap.String("component", "query.Service"), zap.String("coin_key", string(key)))
	if s.cache != nil {
		p, err := s.cache.GetPrice(ctx, key)
		if err != nil {
			log.Warn("cache read failed, falling back to store", zap.Error(err))
		} else if p != nil {
			return p, nil
		}
	}

	p, err := s.store.GetAggregatedPrice(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "query: get price %s", key)
	}
	if p != nil && s.cache != nil {
		if err := s.cache.SetPrice(ctx, *p); err != nil {
			log.Warn("cache fill failed", zap.Error(err))
		}
	}
	return p, nil
}

// View derives the read model for p at now.
func (s *Service) View(p model.AggregatedPrice, now time.Time) model.PriceView {
	age := max(now.Sub(p.LastUpdated), 0)
	return model.PriceView{
		AggregatedPrice:     p,
		Age:                 age,
		Stale:               s.cfg.StaleAfterHours > 0 && age > s.cfg.StaleAfter(),
		EffectiveConfidence: EffectiveConfidence(p.ConfidenceLevel, age, s.cfg.ConfidenceHalfLifeHours, s.cfg.ConfidenceFloor),
	}
}

// EffectiveConfidence halves confidence every halfLifeHours of age. The
// result never drops below floor, nor rises above the stored confidence.
func EffectiveConfidence(confidence float64, age time.Duration, halfLifeHours, floor float64) float64 {
	if halfLifeHours <= 0 {
		return confidence
	}
	decayed := confidence * math.Exp2(-age.Hours()/halfLifeHours)
	eff := max(decayed, min(confidence, floor))
	return math.Round(eff*1e4) / 1e4
}

// ListSources returns every registered source, highest priority first.
func (s *Service) ListSources() []model.Source {
	return s.sources.List()
}

// ListRecentJobs returns the newest jobs, limit bounded to
// [1, MaxJobLimit] with DefaultJobLimit for non-positive values.
func (s *Service) ListRecentJobs(ctx context.Context, limit int) ([]model.ScrapeJob, error) {
	switch {
	case limit <= 0:
		limit = DefaultJobLimit
	case limit > MaxJobLimit:
		limit = MaxJobLimit
	}
	jobs, err := s.store.ListRecentJobs(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "query: list recent jobs")
	}
	return jobs, nil
}
