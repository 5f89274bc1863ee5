package extractor

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/fetcher"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// JSONFeedConfig maps a source's JSON price feed onto observations. Paths
// use gjson syntax and are relative to each item.
type JSONFeedConfig struct {
	ItemsPath      string
	PricePath      string
	CurrencyPath   string
	ObservedAtPath string
	Header         http.Header
}

func (c JSONFeedConfig) withDefaults() JSONFeedConfig {
	if c.ItemsPath == "" {
		c.ItemsPath = "observations"
	}
	if c.PricePath == "" {
		c.PricePath = "price"
	}
	if c.CurrencyPath == "" {
		c.CurrencyPath = "currency"
	}
	if c.ObservedAtPath == "" {
		c.ObservedAtPath = "observed_at"
	}
	return c
}

// JSONFeed queries a source's base endpoint with the coin key and reads
// prices out of the returned JSON document.
type JSONFeed struct {
	fetch   fetcher.Fetcher
	cfg     JSONFeedConfig
	nowFunc func() time.Time
}

// NewJSONFeed creates a JSON feed extractor using f for transport.
func NewJSONFeed(f fetcher.Fetcher, cfg JSONFeedConfig) *JSONFeed {
	return &JSONFeed{fetch: f, cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// Fetch implements Extractor. Items whose price cannot be read are skipped;
// a document without the items array is a permanent schema failure.
func (j *JSONFeed) Fetch(ctx context.Context, src model.Source, q model.CoinQuery) ([]model.Observation, error) {
	key, err := q.Key()
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "jsonfeed: coin query"), 0)
	}

	endpoint, err := feedURL(src.BaseEndpoint, key, q)
	if err != nil {
		return nil, resilience.NewPermanentError(err, 0)
	}

	body, err := j.fetch.Get(ctx, endpoint, j.cfg.Header)
	if err != nil {
		return nil, eris.Wrapf(err, "jsonfeed: fetch %s", src.ID)
	}
	if !gjson.ValidBytes(body) {
		return nil, resilience.NewPermanentError(eris.Errorf("jsonfeed: %s returned invalid JSON", src.ID), 0)
	}

	items := gjson.GetBytes(body, j.cfg.ItemsPath)
	if !items.IsArray() {
		return nil, resilience.NewPermanentError(
			eris.Errorf("jsonfeed: %s response has no %q array", src.ID, j.cfg.ItemsPath), 0)
	}

	now := j.nowFunc().UTC()
	var out []model.Observation
	for i, item := range items.Array() {
		obs, err := j.parseItem(item, src.ID, key, now)
		if err != nil {
			zap.L().Warn("jsonfeed: skipping item",
				zap.String("source", src.ID),
				zap.String("coin_key", string(key)),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func (j *JSONFeed) parseItem(item gjson.Result, sourceID string, key model.CoinKey, now time.Time) (model.Observation, error) {
	raw := item.Get(j.cfg.PricePath)
	if !raw.Exists() {
		return model.Observation{}, eris.Errorf("missing %q", j.cfg.PricePath)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(raw.String()))
	if err != nil {
		return model.Observation{}, eris.Wrapf(err, "price %q", raw.String())
	}

	observedAt := now
	if ts := item.Get(j.cfg.ObservedAtPath); ts.Exists() {
		observedAt, err = time.Parse(time.RFC3339, ts.String())
		if err != nil {
			return model.Observation{}, eris.Wrapf(err, "observed_at %q", ts.String())
		}
	}

	return model.Observation{
		SourceID: sourceID,
		CoinKey:  key,
		Price: model.Money{
			Amount:   amount,
			Currency: strings.ToUpper(strings.TrimSpace(item.Get(j.cfg.CurrencyPath).String())),
		},
		ObservedAt: observedAt.UTC(),
	}, nil
}

func feedURL(base string, key model.CoinKey, q model.CoinQuery) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", eris.Errorf("jsonfeed: invalid base endpoint %q", base)
	}
	params := u.Query()
	params.Set("coin_key", string(key))
	if q.Description != "" {
		params.Set("q", q.Description)
	}
	if q.ErrorCoin {
		params.Set("error_coin", "true")
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}
