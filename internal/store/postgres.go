package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = min(minConns, maxConns)
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL DEFAULT '',
	source_type            TEXT NOT NULL,
	base_endpoint          TEXT NOT NULL DEFAULT '',
	rate_limit_per_hour    INTEGER NOT NULL CHECK (rate_limit_per_hour > 0),
	priority_score         INTEGER NOT NULL DEFAULT 0,
	reliability_score      DOUBLE PRECISION NOT NULL DEFAULT 0.5 CHECK (reliability_score BETWEEN 0 AND 1),
	specializes_in_errors  BOOLEAN NOT NULL DEFAULT false,
	scraping_enabled       BOOLEAN NOT NULL DEFAULT true,
	update_frequency_hours DOUBLE PRECISION NOT NULL,
	consecutive_failures   INTEGER NOT NULL DEFAULT 0,
	last_success_at        TIMESTAMPTZ,
	version                BIGINT NOT NULL DEFAULT 0,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scrape_jobs (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	error             TEXT,
	failure_kind      TEXT,
	attempts          INTEGER NOT NULL DEFAULT 0,
	observation_count INTEGER NOT NULL DEFAULT 0,
	deferred_count    INTEGER NOT NULL DEFAULT 0,
	CHECK ((status = 'completed') = (completed_at IS NOT NULL)),
	CHECK ((status = 'failed') = (error IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS observations (
	seq         BIGSERIAL PRIMARY KEY,
	source_id   TEXT NOT NULL,
	job_id      TEXT NOT NULL DEFAULT '',
	coin_key    TEXT NOT NULL,
	amount      NUMERIC(18,4) NOT NULL CHECK (amount > 0),
	currency    CHAR(3) NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregated_prices (
	coin_key         TEXT PRIMARY KEY,
	currency         CHAR(3) NOT NULL,
	min_price        NUMERIC(18,4) NOT NULL,
	max_price        NUMERIC(18,4) NOT NULL,
	avg_price        NUMERIC(18,4) NOT NULL,
	source_count     INTEGER NOT NULL,
	outlier_count    INTEGER NOT NULL DEFAULT 0,
	confidence_level DOUBLE PRECISION NOT NULL,
	price_trend      TEXT NOT NULL,
	window_ns        BIGINT NOT NULL,
	last_updated     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scrape_jobs_created ON scrape_jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_source ON scrape_jobs(source_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_observations_key_time ON observations(coin_key, observed_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var sourceColumns = []string{
	"id", "name", "source_type", "base_endpoint", "rate_limit_per_hour", "priority_score",
	"reliability_score", "specializes_in_errors", "scraping_enabled", "update_frequency_hours",
	"consecutive_failures", "last_success_at", "version", "updated_at",
}

func sourceRow(src model.Source) []any {
	return []any{
		src.ID, src.Name, string(src.Type), src.BaseEndpoint, src.RateLimitPerHour, src.PriorityScore,
		src.ReliabilityScore, src.SpecializesInErrors, src.ScrapingEnabled, src.UpdateFrequencyHours,
		src.ConsecutiveFailures, src.LastSuccessAt, int64(src.Version), src.UpdatedAt.UTC(),
	}
}

func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (id, name, source_type, base_endpoint, rate_limit_per_hour, priority_score,
			reliability_score, specializes_in_errors, scraping_enabled, update_frequency_hours,
			consecutive_failures, last_success_at, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source_type = EXCLUDED.source_type,
			base_endpoint = EXCLUDED.base_endpoint,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			priority_score = EXCLUDED.priority_score,
			reliability_score = EXCLUDED.reliability_score,
			specializes_in_errors = EXCLUDED.specializes_in_errors,
			scraping_enabled = EXCLUDED.scraping_enabled,
			update_frequency_hours = EXCLUDED.update_frequency_hours,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_success_at = EXCLUDED.last_success_at,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		sourceRow(src)...,
	)
	return eris.Wrapf(err, "postgres: upsert source %s", src.ID)
}

// UpsertSources writes a batch of sources through a temp-table upsert. It
// serves catalog seeding, where many rows land at once.
func (s *PostgresStore) UpsertSources(ctx context.Context, sources []model.Source) error {
	rows := make([][]any, 0, len(sources))
	for _, src := range sources {
		rows = append(rows, sourceRow(src))
	}
	_, err := db.UpsertRows(ctx, s.pool, db.UpsertSpec{
		Table:   "sources",
		Columns: sourceColumns,
		Keys:    []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert sources")
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, source_type, base_endpoint, rate_limit_per_hour, priority_score,
			reliability_score, specializes_in_errors, scraping_enabled, update_frequency_hours,
			consecutive_failures, last_success_at, version, updated_at
		 FROM sources ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var srcType string
		var version int64
		if err := rows.Scan(&src.ID, &src.Name, &srcType, &src.BaseEndpoint, &src.RateLimitPerHour,
			&src.PriorityScore, &src.ReliabilityScore, &src.SpecializesInErrors, &src.ScrapingEnabled,
			&src.UpdateFrequencyHours, &src.ConsecutiveFailures, &src.LastSuccessAt, &version, &src.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		src.Type = model.SourceType(srcType)
		src.Version = uint64(version)
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) CreateJob(ctx context.Context, sourceID string, at time.Time) (*model.ScrapeJob, error) {
	job := &model.ScrapeJob{
		ID:        uuid.New().String(),
		SourceID:  sourceID,
		Status:    model.JobStatusPending,
		CreatedAt: at.UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_jobs (id, source_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		job.ID, sourceID, string(job.Status), job.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert job for source %s", sourceID)
	}
	return job, nil
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scrape_jobs SET status = $1, started_at = $2 WHERE id = $3 AND status = 'pending'`,
		string(model.JobStatusRunning), at.UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start job %s", jobID)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), jobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, outcome model.JobOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scrape_jobs SET status = $1, completed_at = $2, attempts = $3, observation_count = $4, deferred_count = $5
		 WHERE id = $6 AND status IN ('pending', 'running')`,
		string(model.JobStatusCompleted), outcome.At.UTC(), outcome.Attempts,
		outcome.ObservationCount, outcome.Deferred, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), jobID)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, outcome model.JobOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scrape_jobs SET status = $1, error = $2, failure_kind = $3, attempts = $4, observation_count = $5, deferred_count = $6
		 WHERE id = $7 AND status IN ('pending', 'running')`,
		string(model.JobStatusFailed), errorText(outcome.Err), string(outcome.FailureKind), outcome.Attempts,
		outcome.ObservationCount, outcome.Deferred, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), jobID)
}

func (s *PostgresStore) checkTransition(ctx context.Context, affected int64, jobID string) error {
	if affected > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "postgres: job %s", jobID)
}

const pgJobColumns = `id, source_id, status, created_at, started_at, completed_at, error, failure_kind,
	attempts, observation_count, deferred_count`

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ScrapeJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgJobColumns+` FROM scrape_jobs WHERE id = $1`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return &jobs[0], nil
}

func (s *PostgresStore) ListRecentJobs(ctx context.Context, limit int) ([]model.ScrapeJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM scrape_jobs ORDER BY created_at DESC LIMIT $1`, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recent jobs")
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsBySource(ctx context.Context, sourceID string, limit int) ([]model.ScrapeJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM scrape_jobs WHERE source_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sourceID, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list jobs for %s", sourceID)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsSince(ctx context.Context, since time.Time) ([]model.ScrapeJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM scrape_jobs WHERE created_at >= $1 ORDER BY created_at DESC`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs since")
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]model.ScrapeJob, error) {
	defer rows.Close()
	var jobs []model.ScrapeJob
	for rows.Next() {
		var j model.ScrapeJob
		var status string
		var errText, failureKind *string
		if err := rows.Scan(&j.ID, &j.SourceID, &status, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
			&errText, &failureKind, &j.Attempts, &j.ObservationCount, &j.Deferred); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j.Status = model.JobStatus(status)
		if errText != nil {
			j.Error = *errText
		}
		if failureKind != nil {
			j.FailureKind = model.FailureKind(*failureKind)
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

var observationColumns = []string{"source_id", "job_id", "coin_key", "amount", "currency", "observed_at"}

// AppendObservations streams the batch with COPY.
func (s *PostgresStore) AppendObservations(ctx context.Context, obs []model.Observation) (int, error) {
	rows := make([][]any, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, []any{
			o.SourceID, o.JobID, string(o.CoinKey), o.Price.Amount.String(), o.Price.Currency, o.ObservedAt.UTC(),
		})
	}
	n, err := db.CopyFrom(ctx, s.pool, "observations", observationColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: append observations")
	}
	return int(n), nil
}

func (s *PostgresStore) QueryObservations(ctx context.Context, key model.CoinKey, from, to time.Time, limit int) ([]model.Observation, error) {
	query := `SELECT source_id, job_id, coin_key, amount::text, currency, observed_at FROM observations
		WHERE coin_key = $1 AND observed_at BETWEEN $2 AND $3
		ORDER BY observed_at DESC, seq DESC`
	args := []any{string(key), from.UTC(), to.UTC()}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query observations %s", key)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var coinKey, amount string
		if err := rows.Scan(&o.SourceID, &o.JobID, &coinKey, &amount, &o.Price.Currency, &o.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		if o.Price.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse amount %q", amount)
		}
		o.CoinKey = model.CoinKey(coinKey)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query observations iterate")
}

func (s *PostgresStore) ListStaleKeys(ctx context.Context, before time.Time) ([]model.CoinKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT o.coin_key FROM observations o
		 LEFT JOIN aggregated_prices a ON a.coin_key = o.coin_key
		 WHERE a.coin_key IS NULL OR a.last_updated < $1
		 ORDER BY o.coin_key`, before.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale keys")
	}
	defer rows.Close()

	var keys []model.CoinKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale key")
		}
		keys = append(keys, model.CoinKey(k))
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list stale keys iterate")
}

func (s *PostgresStore) GetAggregatedPrice(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error) {
	var p model.AggregatedPrice
	var coinKey, trend, minP, maxP, avgP string
	var window int64
	err := s.pool.QueryRow(ctx,
		`SELECT coin_key, currency, min_price::text, max_price::text, avg_price::text, source_count,
			outlier_count, confidence_level, price_trend, window_ns, last_updated
		 FROM aggregated_prices WHERE coin_key = $1`, string(key),
	).Scan(&coinKey, &p.Currency, &minP, &maxP, &avgP, &p.SourceCount, &p.OutlierCount,
		&p.ConfidenceLevel, &trend, &window, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get aggregated price %s", key)
	}
	if err := parseDecimals([]string{minP, maxP, avgP}, &p.MinPrice, &p.MaxPrice, &p.AvgPrice); err != nil {
		return nil, eris.Wrapf(err, "postgres: aggregated price %s", key)
	}
	p.CoinKey = model.CoinKey(coinKey)
	p.PriceTrend = model.PriceTrend(trend)
	p.Window = time.Duration(window)
	return &p, nil
}

// PutAggregatedPrice replaces every column of the key's record.
func (s *PostgresStore) PutAggregatedPrice(ctx context.Context, p model.AggregatedPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO aggregated_prices (coin_key, currency, min_price, max_price, avg_price, source_count,
			outlier_count, confidence_level, price_trend, window_ns, last_updated)
		 VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (coin_key) DO UPDATE SET
			currency = EXCLUDED.currency,
			min_price = EXCLUDED.min_price,
			max_price = EXCLUDED.max_price,
			avg_price = EXCLUDED.avg_price,
			source_count = EXCLUDED.source_count,
			outlier_count = EXCLUDED.outlier_count,
			confidence_level = EXCLUDED.confidence_level,
			price_trend = EXCLUDED.price_trend,
			window_ns = EXCLUDED.window_ns,
			last_updated = EXCLUDED.last_updated`,
		string(p.CoinKey), p.Currency, p.MinPrice.String(), p.MaxPrice.String(), p.AvgPrice.String(),
		p.SourceCount, p.OutlierCount, p.ConfidenceLevel, string(p.PriceTrend), int64(p.Window), p.LastUpdated.UTC(),
	)
	return eris.Wrapf(err, "postgres: put aggregated price %s", p.CoinKey)
}
