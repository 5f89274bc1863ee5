package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var jobCols = []string{
	"id", "source_id", "status", "created_at", "started_at", "completed_at", "error", "failure_kind",
	"attempts", "observation_count", "deferred_count",
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS sources`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSource(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO sources .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("pcgs", "PCGS", "grading_service", "", 100, 5, 0.9, false, true, 24.0,
			0, pgxmock.AnyArg(), int64(2), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertSource(context.Background(), model.Source{
		ID: "pcgs", Name: "PCGS", Type: model.SourceTypeGradingService, RateLimitPerHour: 100,
		PriorityScore: 5, ReliabilityScore: 0.9, ScrapingEnabled: true, UpdateFrequencyHours: 24,
		Version: 2, UpdatedAt: t0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSources_Bulk(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_upsert_sources"}, sourceColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "sources"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.UpsertSources(context.Background(), []model.Source{
		{ID: "a", Type: model.SourceTypeDealer, RateLimitPerHour: 10, UpdateFrequencyHours: 1, UpdatedAt: t0},
		{ID: "b", Type: model.SourceTypeDealer, RateLimitPerHour: 10, UpdateFrequencyHours: 1, UpdatedAt: t0},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSources(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows(sourceColumns).
		AddRow("heritage", "Heritage", "auction", "https://example.test", 60, 3, 0.8, true, true, 12.0,
			1, &t0, int64(4), t0)
	mock.ExpectQuery(`SELECT id, name, source_type .* FROM sources ORDER BY id`).WillReturnRows(rows)

	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, model.SourceTypeAuction, sources[0].Type)
	assert.True(t, sources[0].SpecializesInErrors)
	assert.Equal(t, uint64(4), sources[0].Version)
	require.NotNil(t, sources[0].LastSuccessAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO scrape_jobs`).
		WithArgs(pgxmock.AnyArg(), "pcgs", "pending", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), "pcgs", t0)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scrape_jobs SET status = \$1, completed_at`).
		WithArgs("completed", t0, 1, 3, 0, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, source_id, status .* FROM scrape_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("job-1", "pcgs", "failed", t0, nil, nil, "boom", "permanent", 1, 0, 0))

	err := s.CompleteJob(context.Background(), "job-1", model.JobOutcome{At: t0, Attempts: 1, ObservationCount: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scrape_jobs SET status = \$1, error = \$2`).
		WithArgs("failed", "HTTP 404", "permanent", 1, 0, 0, "job-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailJob(context.Background(), "job-2", model.JobOutcome{
		At: t0, Attempts: 1, Err: errors.New("HTTP 404"), FailureKind: model.FailurePermanent,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM scrape_jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(jobCols))

	_, err := s.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRecentJobs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	done := t0.Add(time.Minute)

	mock.ExpectQuery(`FROM scrape_jobs ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("job-1", "pcgs", "completed", t0, &t0, &done, nil, nil, 2, 9, 1))

	jobs, err := s.ListRecentJobs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, 9, jobs[0].ObservationCount)
	assert.Empty(t, jobs[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendObservations_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"observations"}, observationColumns).WillReturnResult(2)

	n, err := s.AppendObservations(context.Background(), []model.Observation{
		{SourceID: "a", CoinKey: morgan, Price: usd("100"), ObservedAt: t0},
		{SourceID: "b", CoinKey: morgan, Price: usd("101.5"), ObservedAt: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryObservations(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT source_id, job_id, coin_key, amount::text .* LIMIT \$4`).
		WithArgs(string(morgan), t0, t0.Add(time.Hour), 10).
		WillReturnRows(pgxmock.NewRows([]string{"source_id", "job_id", "coin_key", "amount", "currency", "observed_at"}).
			AddRow("a", "j1", string(morgan), "100.2500", "USD", t0))

	obs, err := s.QueryObservations(context.Background(), morgan, t0, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.True(t, obs[0].Price.Amount.Equal(decimal.RequireFromString("100.25")))
	assert.Equal(t, morgan, obs[0].CoinKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAggregatedPrice_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM aggregated_prices WHERE coin_key = \$1`).
		WithArgs(string(morgan)).
		WillReturnError(pgx.ErrNoRows)

	p, err := s.GetAggregatedPrice(context.Background(), morgan)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAggregatedPrice(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM aggregated_prices WHERE coin_key = \$1`).
		WithArgs(string(morgan)).
		WillReturnRows(pgxmock.NewRows([]string{
			"coin_key", "currency", "min_price", "max_price", "avg_price", "source_count",
			"outlier_count", "confidence_level", "price_trend", "window_ns", "last_updated",
		}).AddRow(string(morgan), "USD", "99.0000", "101.5000", "100.2500", 4, 1, 0.8, "stable",
			int64(time.Hour), t0))

	p, err := s.GetAggregatedPrice(context.Background(), morgan)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.AvgPrice.Equal(decimal.RequireFromString("100.25")))
	assert.Equal(t, model.TrendStable, p.PriceTrend)
	assert.Equal(t, time.Hour, p.Window)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutAggregatedPrice(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO aggregated_prices .* ON CONFLICT \(coin_key\) DO UPDATE`).
		WithArgs(string(morgan), "USD", "99", "101.5", "100.25", 4, 1, 0.8, "stable", int64(time.Hour), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutAggregatedPrice(context.Background(), model.AggregatedPrice{
		CoinKey: morgan, Currency: "USD",
		MinPrice: decimal.RequireFromString("99"), MaxPrice: decimal.RequireFromString("101.5"),
		AvgPrice: decimal.RequireFromString("100.25"), SourceCount: 4, OutlierCount: 1,
		ConfidenceLevel: 0.8, PriceTrend: model.TrendStable, Window: time.Hour, LastUpdated: t0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
