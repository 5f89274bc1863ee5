package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTrend classifies the movement of an aggregated price between runs.
type PriceTrend string

const (
	TrendIncreasing PriceTrend = "increasing"
	TrendDecreasing PriceTrend = "decreasing"
	TrendStable     PriceTrend = "stable"
)

// AggregatedPrice is the consensus estimate for one coin key. It is
// replaced in full on every successful aggregation run.
type AggregatedPrice struct {
	CoinKey         CoinKey         `json:"coin_key"`
	Currency        string          `json:"currency"`
	MinPrice        decimal.Decimal `json:"min_price"`
	MaxPrice        decimal.Decimal `json:"max_price"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	SourceCount     int             `json:"source_count"`
	OutlierCount    int             `json:"outlier_count"`
	ConfidenceLevel float64         `json:"confidence_level"`
	PriceTrend      PriceTrend      `json:"price_trend"`
	Window          time.Duration   `json:"window"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// SameEstimate reports whether two records carry the same estimate,
// ignoring LastUpdated.
func (p AggregatedPrice) SameEstimate(o AggregatedPrice) bool {
	return p.CoinKey == o.CoinKey &&
		p.Currency == o.Currency &&
		p.MinPrice.Equal(o.MinPrice) &&
		p.MaxPrice.Equal(o.MaxPrice) &&
		p.AvgPrice.Equal(o.AvgPrice) &&
		p.SourceCount == o.SourceCount &&
		p.OutlierCount == o.OutlierCount &&
		p.ConfidenceLevel == o.ConfidenceLevel &&
		p.PriceTrend == o.PriceTrend &&
		p.Window == o.Window
}

// PriceView is the read model served to the UI: the best known value plus
// staleness and an age-adjusted confidence.
type PriceView struct {
	AggregatedPrice
	Stale               bool          `json:"stale"`
	Age                 time.Duration `json:"age"`
	EffectiveConfidence float64       `json:"effective_confidence"`
}
