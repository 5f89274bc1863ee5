package extractor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/fetcher"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

var morganQuery = model.CoinQuery{
	Spec: model.CoinSpec{
		Country: "US", Denomination: "1 Dollar", Year: "1881", MintMark: "S", Variety: "Morgan", Grade: "MS-63",
	},
	Description: "1881-S Morgan dollar",
}

func testFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{HostRate: 1000, HostBurst: 100})
}

func TestRegistry_For(t *testing.T) {
	byType := Func(func(context.Context, model.Source, model.CoinQuery) ([]model.Observation, error) { return nil, nil })
	bySource := Func(func(context.Context, model.Source, model.CoinQuery) ([]model.Observation, error) {
		return []model.Observation{{SourceID: "special"}}, nil
	})

	r := NewRegistry()
	r.RegisterType(model.SourceTypeAuction, byType)
	r.RegisterSource("special", bySource)

	e, err := r.For(model.Source{ID: "special", Type: model.SourceTypeAuction})
	require.NoError(t, err)
	obs, err := e.Fetch(context.Background(), model.Source{}, model.CoinQuery{})
	require.NoError(t, err)
	assert.Len(t, obs, 1)

	_, err = r.For(model.Source{ID: "other", Type: model.SourceTypeAuction})
	require.NoError(t, err)

	_, err = r.For(model.Source{ID: "x", Type: model.SourceTypeDealer})
	assert.True(t, errors.Is(err, ErrNoExtractor))
}

func TestJSONFeed_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "us|1-dollar|1881|s|morgan|ms63", r.URL.Query().Get("coin_key"))
		assert.Equal(t, "1881-S Morgan dollar", r.URL.Query().Get("q"))
		assert.Equal(t, "feed", r.URL.Query().Get("format"))
		w.Write([]byte(`{"observations":[
			{"price":"101.25","currency":"usd","observed_at":"2026-03-01T10:00:00Z"},
			{"price":99,"currency":"USD"},
			{"price":"n/a","currency":"USD"},
			{"currency":"USD"}
		]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	feed := NewJSONFeed(testFetcher(), JSONFeedConfig{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed.nowFunc = func() time.Time { return now }

	src := model.Source{ID: "heritage", BaseEndpoint: srv.URL + "/api/prices?format=feed"}
	obs, err := feed.Fetch(context.Background(), src, morganQuery)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, "heritage", obs[0].SourceID)
	assert.Equal(t, model.CoinKey("us|1-dollar|1881|s|morgan|ms63"), obs[0].CoinKey)
	assert.True(t, obs[0].Price.Amount.Equal(decimal.RequireFromString("101.25")))
	assert.Equal(t, "USD", obs[0].Price.Currency)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), obs[0].ObservedAt)

	assert.True(t, obs[1].Price.Amount.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, now, obs[1].ObservedAt)
}

func TestJSONFeed_CustomPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("error_coin"))
		w.Write([]byte(`{"data":{"lots":[{"hammer":{"amount":"1500.00","ccy":"EUR"}}]}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	feed := NewJSONFeed(testFetcher(), JSONFeedConfig{
		ItemsPath:    "data.lots",
		PricePath:    "hammer.amount",
		CurrencyPath: "hammer.ccy",
	})
	q := morganQuery
	q.ErrorCoin = true
	obs, err := feed.Fetch(context.Background(), model.Source{ID: "auctions", BaseEndpoint: srv.URL}, q)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "EUR", obs[0].Price.Currency)
}

func TestJSONFeed_MissingCurrencyIsNotDefaulted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"observations":[{"price":"10"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	obs, err := NewJSONFeed(testFetcher(), JSONFeedConfig{}).
		Fetch(context.Background(), model.Source{ID: "s", BaseEndpoint: srv.URL}, morganQuery)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Empty(t, obs[0].Price.Currency)
}

func TestJSONFeed_SchemaDriftIsPermanent(t *testing.T) {
	for name, payload := range map[string]string{
		"no items": `{"results":[]}`,
		"invalid":  `<html>maintenance</html>`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(payload)) //nolint:errcheck
			}))
			defer srv.Close()

			_, err := NewJSONFeed(testFetcher(), JSONFeedConfig{}).
				Fetch(context.Background(), model.Source{ID: "s", BaseEndpoint: srv.URL}, morganQuery)
			require.Error(t, err)
			assert.True(t, resilience.IsPermanent(err))
		})
	}
}

func TestJSONFeed_UpstreamErrorsKeepClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewJSONFeed(testFetcher(), JSONFeedConfig{}).
		Fetch(context.Background(), model.Source{ID: "s", BaseEndpoint: srv.URL}, morganQuery)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestJSONFeed_BadQueryOrEndpoint(t *testing.T) {
	feed := NewJSONFeed(testFetcher(), JSONFeedConfig{})

	_, err := feed.Fetch(context.Background(), model.Source{ID: "s", BaseEndpoint: "http://example.test"}, model.CoinQuery{})
	assert.True(t, resilience.IsPermanent(err))

	_, err = feed.Fetch(context.Background(), model.Source{ID: "s", BaseEndpoint: "relative/path"}, morganQuery)
	assert.True(t, resilience.IsPermanent(err))
}
