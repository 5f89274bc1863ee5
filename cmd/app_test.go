package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

func testAppConfig() *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Driver: "memory"},
		Scheduler: config.SchedulerConfig{Workers: 2, JobTimeoutSecs: 10, CircuitThreshold: 5},
		Retry:     config.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 5, Multiplier: 2},
		Fetch:     config.FetchConfig{TimeoutSecs: 5, HostRatePerSec: 100, HostBurst: 10},
		Ingest:    config.IngestConfig{QueueSize: 8, MaxPrice: 1_000_000, FutureSkewSecs: 300, Concurrency: 2},
		Aggregation: config.AggregationConfig{
			LookbackHours:           24,
			MaxObservations:         100,
			MinSources:              3,
			TargetSources:           5,
			OutlierSigma:            2,
			DecayHalfLifeFactor:     1,
			TrendDeadBand:           0.02,
			Currency:                "USD",
			StaleAfterHours:         48,
			ConfidenceHalfLifeHours: 72,
			ConfidenceFloor:         0.1,
		},
		Reliability: config.ReliabilityConfig{Alpha: 0.1, MaxStep: 0.05, Tolerance: 0.1, HistoryJobs: 20},
	}
}

// feedServer answers every source path with a single USD observation whose
// price depends on the source.
func feedServer(t *testing.T, prices map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		price, ok := prices[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"observations":[{"price":%q,"currency":"usd"}]}`, price)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCatalog(t *testing.T, baseURL string, ids ...string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("sources:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, `  - id: %s
    name: %s
    type: dealer
    base_endpoint: %s/%s
    rate_limit_per_hour: 100
    priority_score: 10
    reliability_score: 0.8
    scraping_enabled: true
    update_frequency_hours: 1
`, id, id, baseURL, id)
	}
	b.WriteString(`watchlist:
  - description: 1921 Morgan dollar MS63
    spec: {country: US, denomination: Morgan Dollar, year: "1921", grade: MS63}
`)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestInitApp_TickAggregatesPrice(t *testing.T) {
	cfg = testAppConfig()
	ctx := context.Background()

	srv := feedServer(t, map[string]string{"a": "100.00", "b": "102.00", "c": "104.00"})
	path := writeCatalog(t, srv.URL, "a", "b", "c")

	env, err := initApp(ctx)
	require.NoError(t, err)
	defer env.Close()

	cat, err := env.loadCatalog(ctx, path)
	require.NoError(t, err)
	require.Len(t, env.Registry.List(), 3)

	p := env.newPipeline(cat)
	var g errgroup.Group
	g.Go(func() error { return p.Worker.Run(ctx) })

	res, err := p.Scheduler.Tick(ctx)
	require.NoError(t, err)
	p.Queue.Close()
	require.NoError(t, g.Wait())

	assert.Equal(t, 3, res.Dispatched)
	assert.Equal(t, 3, res.Completed)

	key, err := cat.Watchlist[0].Key()
	require.NoError(t, err)
	view, err := env.Query.GetAggregatedPrice(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, view.SourceCount)
	assert.Equal(t, "USD", view.Currency)
	assert.True(t, view.MinPrice.Equal(decimal.RequireFromString("100")), "min %s", view.MinPrice)
	assert.True(t, view.MaxPrice.Equal(decimal.RequireFromString("104")), "max %s", view.MaxPrice)
	assert.False(t, view.Stale)

	jobs, err := env.Query.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, model.JobStatusCompleted, j.Status)
	}
}

func TestInitApp_InvalidConfig(t *testing.T) {
	cfg = testAppConfig()
	cfg.Store.Driver = "oracle"

	_, err := initApp(context.Background())
	assert.Error(t, err)
}

func TestFormatSourcesList(t *testing.T) {
	last := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	sources := []model.Source{
		{ID: "heritage", Type: model.SourceTypeAuction, PriorityScore: 90, ReliabilityScore: 0.9,
			RateLimitPerHour: 120, ScrapingEnabled: true, LastSuccessAt: &last},
		{ID: "apmex", Type: model.SourceTypeDealer, PriorityScore: 50, ReliabilityScore: 0.5,
			RateLimitPerHour: 200, ConsecutiveFailures: 5},
	}

	var buf bytes.Buffer
	formatSourcesList(&buf, sources)

	out := buf.String()
	assert.Contains(t, out, "RELIABILITY")
	assert.Contains(t, out, "heritage")
	assert.Contains(t, out, "0.900")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "apmex")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "false")
}

func TestFormatJobsList(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := start.Add(1500 * time.Millisecond)
	jobs := []model.ScrapeJob{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			SourceID:    "heritage",
			Status:      model.JobStatusFailed,
			FailureKind: model.FailurePermanent,
			Error:       strings.Repeat("x", 80),
			Attempts:    1,
			CreatedAt:   start,
			StartedAt:   &start,
			CompletedAt: &done,
		},
	}

	var buf bytes.Buffer
	formatJobsList(&buf, jobs)

	out := buf.String()
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "permanent")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, strings.Repeat("x", 60))
}
