// Package aggregate turns the observation window for a coin key into a
// consensus price with confidence and trend.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

// Status is the outcome of one aggregation run.
type Status string

const (
	// StatusUpdated means a new aggregate was computed and written.
	StatusUpdated Status = "updated"
	// StatusInsufficientSources means too few distinct sources reported;
	// the previous aggregate is left untouched.
	StatusInsufficientSources Status = "insufficient_sources"
	// StatusNoSurvivors means outlier rejection left nothing to aggregate.
	StatusNoSurvivors Status = "no_survivors"
)

// Result describes one aggregation run. Price is set only when Status is
// StatusUpdated.
type Result struct {
	Key       model.CoinKey
	Status    Status
	Price     *model.AggregatedPrice
	Previous  *model.AggregatedPrice
	Survivors []model.Observation
	Outliers  []model.Observation
	// Ignored counts window observations in another currency.
	Ignored int
}

// Compute runs the aggregation algorithm over obs. It is a pure function of
// its inputs: sources supplies reliability and update frequency by id, prev
// is the aggregate currently stored (nil if none) and now stamps the result.
func Compute(key model.CoinKey, obs []model.Observation, sources map[string]model.Source,
	prev *model.AggregatedPrice, cfg config.AggregationConfig, now time.Time) Result {
	res := Result{Key: key, Previous: prev}

	window := make([]model.Observation, 0, len(obs))
	for _, o := range obs {
		if o.Price.Currency != cfg.Currency {
			res.Ignored++
			continue
		}
		window = append(window, o)
	}
	window = capNewest(window, cfg.MaxObservations)

	if distinctSources(window) < cfg.MinSources {
		res.Status = StatusInsufficientSources
		return res
	}

	res.Survivors, res.Outliers = rejectOutliers(window, cfg.OutlierSigma)
	if len(res.Survivors) == 0 {
		res.Status = StatusNoSurvivors
		return res
	}
	survivingSources := distinctSources(res.Survivors)
	if survivingSources < cfg.MinSources {
		res.Status = StatusInsufficientSources
		return res
	}

	avg := weightedMean(res.Survivors, sources, cfg.DecayHalfLifeFactor)
	lo, hi := extremes(res.Survivors)

	price := &model.AggregatedPrice{
		CoinKey:         key,
		Currency:        cfg.Currency,
		MinPrice:        lo,
		MaxPrice:        hi,
		AvgPrice:        avg,
		SourceCount:     len(res.Survivors),
		OutlierCount:    len(res.Outliers),
		ConfidenceLevel: confidence(res.Survivors, sources, cfg.TargetSources),
		PriceTrend:      trend(avg, prev, cfg.Currency, cfg.TrendDeadBand),
		Window:          cfg.Lookback(),
		LastUpdated:     now.UTC(),
	}
	res.Price = price
	res.Status = StatusUpdated
	return res
}

// capNewest keeps the limit most recent observations. A non-positive limit
// keeps everything.
func capNewest(obs []model.Observation, limit int) []model.Observation {
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].ObservedAt.After(obs[j].ObservedAt) })
	if limit > 0 && len(obs) > limit {
		return obs[:limit]
	}
	return obs
}

func distinctSources(obs []model.Observation) int {
	seen := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		seen[o.SourceID] = struct{}{}
	}
	return len(seen)
}

// rejectOutliers drops observations more than k standard deviations from
// the median, with the deviation measured about the median. One pass only.
// A zero deviation keeps everything.
func rejectOutliers(obs []model.Observation, k float64) (survivors, outliers []model.Observation) {
	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.Price.Amount.InexactFloat64()
	}
	center := median(values)

	var sq float64
	for _, v := range values {
		sq += (v - center) * (v - center)
	}
	sigma := math.Sqrt(sq / float64(len(values)))
	if sigma == 0 || k <= 0 {
		return obs, nil
	}

	limit := k * sigma
	for i, o := range obs {
		if math.Abs(values[i]-center) > limit {
			outliers = append(outliers, o)
			continue
		}
		survivors = append(survivors, o)
	}
	return survivors, outliers
}

func median(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// weightedMean weights each observation by its source's reliability times
// an exponential decay of its age. Age is measured from the newest
// observation so the estimate depends only on the set. If every weight is
// zero the unweighted mean is used.
func weightedMean(obs []model.Observation, sources map[string]model.Source, halfLifeFactor float64) decimal.Decimal {
	ref := obs[0].ObservedAt
	for _, o := range obs[1:] {
		if o.ObservedAt.After(ref) {
			ref = o.ObservedAt
		}
	}

	num := decimal.Zero
	den := decimal.Zero
	plain := decimal.Zero
	for _, o := range obs {
		plain = plain.Add(o.Price.Amount)
		src, ok := sources[o.SourceID]
		if !ok {
			continue
		}
		w := src.ReliabilityScore * decay(ref.Sub(o.ObservedAt), src.UpdateInterval(), halfLifeFactor)
		if w <= 0 {
			continue
		}
		wd := decimal.NewFromFloat(w)
		num = num.Add(o.Price.Amount.Mul(wd))
		den = den.Add(wd)
	}
	if den.IsZero() {
		return plain.Div(decimal.NewFromInt(int64(len(obs)))).Round(4)
	}
	return num.Div(den).Round(4)
}

// decay halves the weight every interval*factor of age.
func decay(age, interval time.Duration, factor float64) float64 {
	if age <= 0 {
		return 1
	}
	if factor <= 0 {
		factor = 1
	}
	halfLife := float64(interval) * factor
	if halfLife <= 0 {
		halfLife = float64(time.Hour)
	}
	return math.Exp2(-float64(age) / halfLife)
}

func extremes(obs []model.Observation) (lo, hi decimal.Decimal) {
	lo, hi = obs[0].Price.Amount, obs[0].Price.Amount
	for _, o := range obs[1:] {
		lo = decimal.Min(lo, o.Price.Amount)
		hi = decimal.Max(hi, o.Price.Amount)
	}
	return lo, hi
}

// confidence is min(1, sources/target) times the mean reliability of the
// distinct contributing sources. Both factors are monotone.
func confidence(obs []model.Observation, sources map[string]model.Source, target int) float64 {
	seen := make(map[string]struct{}, len(obs))
	ids := make([]string, 0, len(obs))
	for _, o := range obs {
		if _, ok := seen[o.SourceID]; !ok {
			seen[o.SourceID] = struct{}{}
			ids = append(ids, o.SourceID)
		}
	}
	sort.Strings(ids)
	if target <= 0 {
		target = 1
	}
	coverage := math.Min(1, float64(len(ids))/float64(target))

	var sum float64
	for _, id := range ids {
		sum += sources[id].ReliabilityScore
	}
	return model.ClampScore(coverage * sum / float64(len(ids)))
}

// trend compares avg to the previous aggregate with a relative dead-band.
// An unchanged average keeps the previous trend so re-runs are idempotent.
func trend(avg decimal.Decimal, prev *model.AggregatedPrice, currency string, deadBand float64) model.PriceTrend {
	if prev == nil || prev.Currency != currency || !prev.AvgPrice.IsPositive() {
		return model.TrendStable
	}
	if avg.Equal(prev.AvgPrice) && prev.PriceTrend != "" {
		return prev.PriceTrend
	}
	change := avg.Sub(prev.AvgPrice).Div(prev.AvgPrice).InexactFloat64()
	switch {
	case change > deadBand:
		return model.TrendIncreasing
	case change < -deadBand:
		return model.TrendDecreasing
	default:
		return model.TrendStable
	}
}
