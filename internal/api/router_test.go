package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/metrics"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/query"
	"github.com/sells-group/pricewatch/internal/registry"
	"github.com/sells-group/pricewatch/internal/store"
)

const morgan = model.CoinKey("us|1-dollar|1881|s|morgan|ms63")

type fixture struct {
	srv *httptest.Server
	reg *registry.Registry
	st  *store.MemoryStore
	m   *metrics.Metrics
}

func source(id string, priority int) model.Source {
	return model.Source{
		ID: id, Name: id, Type: model.SourceTypeDealer, RateLimitPerHour: 30,
		PriorityScore: priority, ReliabilityScore: 0.5, ScrapingEnabled: true, UpdateFrequencyHours: 6,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	reg := registry.New(st)
	_, _, err := reg.Seed(ctx, []model.Source{source("heritage", 10), source("pcgs", 20)})
	require.NoError(t, err)

	require.NoError(t, st.PutAggregatedPrice(ctx, model.AggregatedPrice{
		CoinKey:         morgan,
		Currency:        "USD",
		MinPrice:        decimal.NewFromInt(98),
		MaxPrice:        decimal.NewFromInt(102),
		AvgPrice:        decimal.RequireFromString("100.25"),
		SourceCount:     4,
		ConfidenceLevel: 0.72,
		PriceTrend:      model.TrendStable,
		LastUpdated:     time.Now().UTC(),
	}))
	job, err := st.CreateJob(ctx, "heritage", time.Now())
	require.NoError(t, err)
	require.NoError(t, st.StartJob(ctx, job.ID, time.Now()))

	m := metrics.New("test")
	svc := query.New(config.AggregationConfig{StaleAfterHours: 48, ConfidenceHalfLifeHours: 72}, st, reg, nil)
	srv := httptest.NewServer(NewRouter(svc, reg, m, []string{"*"}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg, st: st, m: m}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestGetPrice(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/prices/"+url.PathEscape(string(morgan)), "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var view model.PriceView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, morgan, view.CoinKey)
	assert.Equal(t, "100.25", view.AvgPrice.String())
	assert.False(t, view.Stale)
	assert.InDelta(t, 0.72, view.EffectiveConfidence, 0.01)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.HTTPRequestsTotal.WithLabelValues("/v1/prices/{coinKey}", "200")))
}

func TestGetPrice_Errors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/prices/"+url.PathEscape("us|1-cent|1909|s|vdb|vf20"), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/prices/"+url.PathEscape("US|Morgan"), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid coin key")
}

func TestListSources(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sources []model.Source
	require.NoError(t, json.Unmarshal(body, &sources))
	require.Len(t, sources, 2)
	assert.Equal(t, "pcgs", sources[0].ID)
	assert.Equal(t, "heritage", sources[1].ID)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/jobs?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var jobs []model.ScrapeJob
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusRunning, jobs[0].Status)

	resp, _ = f.do(t, http.MethodGet, "/v1/jobs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPut, "/v1/sources/heritage/enabled", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	src, err := f.reg.Get("heritage")
	require.NoError(t, err)
	assert.False(t, src.ScrapingEnabled)

	resp, _ = f.do(t, http.MethodPut, "/v1/sources/heritage/enabled", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/v1/sources/nope/enabled", `{"enabled": true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetPriority(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPut, "/v1/sources/heritage/priority", `{"priority_score": 99}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var src model.Source
	require.NoError(t, json.Unmarshal(body, &src))
	assert.Equal(t, 99, src.PriorityScore)
	assert.Equal(t, "heritage", f.reg.List()[0].ID)

	resp, _ = f.do(t, http.MethodPut, "/v1/sources/heritage/priority", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type failingAdmin struct{}

func (failingAdmin) SetEnabled(context.Context, string, bool) (model.Source, error) {
	return model.Source{}, eris.New("disk full")
}

func (failingAdmin) SetPriority(context.Context, string, int) (model.Source, error) {
	return model.Source{}, eris.New("disk full")
}

func TestAdminError(t *testing.T) {
	svc := query.New(config.AggregationConfig{}, store.NewMemory(), registry.New(store.NewMemory()), nil)
	srv := httptest.NewServer(NewRouter(svc, failingAdmin{}, nil, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/sources/heritage/enabled", strings.NewReader(`{"enabled": true}`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// Without metrics there is no /metrics route.
	resp2, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/health", "")
	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/sources", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
