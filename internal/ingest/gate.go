package ingest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
)

// Gate is the data-quality check applied before observations reach the
// store. A rejected observation is dropped; it never fails the job that
// produced it.
type Gate struct {
	maxPrice   decimal.Decimal
	futureSkew time.Duration
}

// NewGate builds a Gate from the ingest config. A non-positive max price
// disables the magnitude check.
func NewGate(cfg config.IngestConfig) Gate {
	g := Gate{futureSkew: time.Duration(cfg.FutureSkewSecs) * time.Second}
	if cfg.MaxPrice > 0 {
		g.maxPrice = decimal.NewFromFloat(cfg.MaxPrice)
	}
	return g
}

// Check returns "" when o passes, else the rejection reason.
func (g Gate) Check(o model.Observation, now time.Time) string {
	if _, err := model.ParseCoinKey(string(o.CoinKey)); err != nil {
		return metrics.ReasonCoinKey
	}
	if !o.Price.Amount.IsPositive() {
		return metrics.ReasonInvalidPrice
	}
	if err := o.Price.Validate(); err != nil {
		return metrics.ReasonCurrency
	}
	if g.maxPrice.IsPositive() && o.Price.Amount.GreaterThan(g.maxPrice) {
		return metrics.ReasonMagnitude
	}
	if o.ObservedAt.IsZero() || o.ObservedAt.After(now.Add(g.futureSkew)) {
		return metrics.ReasonFuture
	}
	return ""
}
