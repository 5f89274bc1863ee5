package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL DEFAULT '',
	source_type            TEXT NOT NULL,
	base_endpoint          TEXT NOT NULL DEFAULT '',
	rate_limit_per_hour    INTEGER NOT NULL,
	priority_score         INTEGER NOT NULL DEFAULT 0,
	reliability_score      REAL NOT NULL DEFAULT 0.5,
	specializes_in_errors  INTEGER NOT NULL DEFAULT 0,
	scraping_enabled       INTEGER NOT NULL DEFAULT 1,
	update_frequency_hours REAL NOT NULL,
	consecutive_failures   INTEGER NOT NULL DEFAULT 0,
	last_success_at        TEXT,
	version                INTEGER NOT NULL DEFAULT 0,
	updated_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_jobs (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT,
	error             TEXT,
	failure_kind      TEXT,
	attempts          INTEGER NOT NULL DEFAULT 0,
	observation_count INTEGER NOT NULL DEFAULT 0,
	deferred_count    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS observations (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   TEXT NOT NULL,
	job_id      TEXT NOT NULL DEFAULT '',
	coin_key    TEXT NOT NULL,
	amount      TEXT NOT NULL,
	currency    TEXT NOT NULL,
	observed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregated_prices (
	coin_key         TEXT PRIMARY KEY,
	currency         TEXT NOT NULL,
	min_price        TEXT NOT NULL,
	max_price        TEXT NOT NULL,
	avg_price        TEXT NOT NULL,
	source_count     INTEGER NOT NULL,
	outlier_count    INTEGER NOT NULL DEFAULT 0,
	confidence_level REAL NOT NULL,
	price_trend      TEXT NOT NULL,
	window_ns        INTEGER NOT NULL,
	last_updated     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scrape_jobs_created ON scrape_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_source ON scrape_jobs(source_id, created_at);
CREATE INDEX IF NOT EXISTS idx_observations_key_time ON observations(coin_key, observed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertSource(ctx context.Context, src model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, source_type, base_endpoint, rate_limit_per_hour, priority_score,
			reliability_score, specializes_in_errors, scraping_enabled, update_frequency_hours,
			consecutive_failures, last_success_at, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source_type = excluded.source_type,
			base_endpoint = excluded.base_endpoint,
			rate_limit_per_hour = excluded.rate_limit_per_hour,
			priority_score = excluded.priority_score,
			reliability_score = excluded.reliability_score,
			specializes_in_errors = excluded.specializes_in_errors,
			scraping_enabled = excluded.scraping_enabled,
			update_frequency_hours = excluded.update_frequency_hours,
			consecutive_failures = excluded.consecutive_failures,
			last_success_at = excluded.last_success_at,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		src.ID, src.Name, string(src.Type), src.BaseEndpoint, src.RateLimitPerHour, src.PriorityScore,
		src.ReliabilityScore, src.SpecializesInErrors, src.ScrapingEnabled, src.UpdateFrequencyHours,
		src.ConsecutiveFailures, nullTS(src.LastSuccessAt), int64(src.Version), formatTS(src.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert source %s", src.ID)
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source_type, base_endpoint, rate_limit_per_hour, priority_score,
			reliability_score, specializes_in_errors, scraping_enabled, update_frequency_hours,
			consecutive_failures, last_success_at, version, updated_at
		 FROM sources ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var lastSuccess *string
		var version int64
		var updatedAt string
		if err := rows.Scan(&src.ID, &src.Name, &src.Type, &src.BaseEndpoint, &src.RateLimitPerHour,
			&src.PriorityScore, &src.ReliabilityScore, &src.SpecializesInErrors, &src.ScrapingEnabled,
			&src.UpdateFrequencyHours, &src.ConsecutiveFailures, &lastSuccess, &version, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		if src.LastSuccessAt, err = parseNullTS(lastSuccess); err != nil {
			return nil, err
		}
		if src.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		src.Version = uint64(version)
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, sourceID string, at time.Time) (*model.ScrapeJob, error) {
	job := &model.ScrapeJob{
		ID:        uuid.New().String(),
		SourceID:  sourceID,
		Status:    model.JobStatusPending,
		CreatedAt: at.UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_jobs (id, source_id, status, created_at) VALUES (?, ?, ?, ?)`,
		job.ID, sourceID, string(job.Status), formatTS(job.CreatedAt),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert job for source %s", sourceID)
	}
	return job, nil
}

func (s *SQLiteStore) StartJob(ctx context.Context, jobID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusRunning), formatTS(at), jobID, string(model.JobStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start job %s", jobID)
	}
	return s.checkTransition(ctx, res, jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, outcome model.JobOutcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_jobs SET status = ?, completed_at = ?, attempts = ?, observation_count = ?, deferred_count = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(model.JobStatusCompleted), formatTS(outcome.At), outcome.Attempts,
		outcome.ObservationCount, outcome.Deferred, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return s.checkTransition(ctx, res, jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, outcome model.JobOutcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_jobs SET status = ?, error = ?, failure_kind = ?, attempts = ?, observation_count = ?, deferred_count = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(model.JobStatusFailed), errorText(outcome.Err), string(outcome.FailureKind), outcome.Attempts,
		outcome.ObservationCount, outcome.Deferred, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return s.checkTransition(ctx, res, jobID)
}

// checkTransition distinguishes a missing job from a terminal one when a
// guarded update touched no rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "sqlite: job %s", jobID)
}

const sqliteJobColumns = `id, source_id, status, created_at, started_at, completed_at, error, failure_kind,
	attempts, observation_count, deferred_count`

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM scrape_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	return job, err
}

func (s *SQLiteStore) ListRecentJobs(ctx context.Context, limit int) ([]model.ScrapeJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM scrape_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		defaultLimit(limit))
}

func (s *SQLiteStore) ListJobsBySource(ctx context.Context, sourceID string, limit int) ([]model.ScrapeJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM scrape_jobs WHERE source_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		sourceID, defaultLimit(limit))
}

func (s *SQLiteStore) ListJobsSince(ctx context.Context, since time.Time) ([]model.ScrapeJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM scrape_jobs WHERE created_at >= ? ORDER BY created_at DESC, rowid DESC`,
		formatTS(since))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.ScrapeJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) AppendObservations(ctx context.Context, obs []model.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO observations (source_id, job_id, coin_key, amount, currency, observed_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare append")
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, o.SourceID, o.JobID, string(o.CoinKey),
			o.Price.Amount.String(), o.Price.Currency, formatTS(o.ObservedAt)); err != nil {
			return 0, eris.Wrapf(err, "sqlite: append observation for %s", o.CoinKey)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append")
	}
	return len(obs), nil
}

func (s *SQLiteStore) QueryObservations(ctx context.Context, key model.CoinKey, from, to time.Time, limit int) ([]model.Observation, error) {
	query := `SELECT source_id, job_id, coin_key, amount, currency, observed_at FROM observations
		WHERE coin_key = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at DESC, seq DESC`
	args := []any{string(key), formatTS(from), formatTS(to)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query observations %s", key)
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var amount, observedAt string
		if err := rows.Scan(&o.SourceID, &o.JobID, &o.CoinKey, &amount, &o.Price.Currency, &observedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		if o.Price.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse amount %q", amount)
		}
		if o.ObservedAt, err = parseTS(observedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query observations iterate")
}

func (s *SQLiteStore) ListStaleKeys(ctx context.Context, before time.Time) ([]model.CoinKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT o.coin_key FROM observations o
		 LEFT JOIN aggregated_prices a ON a.coin_key = o.coin_key
		 WHERE a.coin_key IS NULL OR a.last_updated < ?
		 ORDER BY o.coin_key`,
		formatTS(before))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale keys")
	}
	defer rows.Close()

	var keys []model.CoinKey
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale key")
		}
		keys = append(keys, model.CoinKey(k))
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list stale keys iterate")
}

func (s *SQLiteStore) GetAggregatedPrice(ctx context.Context, key model.CoinKey) (*model.AggregatedPrice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT coin_key, currency, min_price, max_price, avg_price, source_count, outlier_count,
			confidence_level, price_trend, window_ns, last_updated
		 FROM aggregated_prices WHERE coin_key = ?`, string(key))

	var p model.AggregatedPrice
	var minP, maxP, avgP, lastUpdated string
	var window int64
	err := row.Scan(&p.CoinKey, &p.Currency, &minP, &maxP, &avgP, &p.SourceCount, &p.OutlierCount,
		&p.ConfidenceLevel, &p.PriceTrend, &window, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get aggregated price %s", key)
	}
	if err := parseDecimals([]string{minP, maxP, avgP}, &p.MinPrice, &p.MaxPrice, &p.AvgPrice); err != nil {
		return nil, eris.Wrapf(err, "sqlite: aggregated price %s", key)
	}
	if p.LastUpdated, err = parseTS(lastUpdated); err != nil {
		return nil, err
	}
	p.Window = time.Duration(window)
	return &p, nil
}

// PutAggregatedPrice replaces the whole record for the key.
func (s *SQLiteStore) PutAggregatedPrice(ctx context.Context, p model.AggregatedPrice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO aggregated_prices (coin_key, currency, min_price, max_price, avg_price,
			source_count, outlier_count, confidence_level, price_trend, window_ns, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.CoinKey), p.Currency, p.MinPrice.String(), p.MaxPrice.String(), p.AvgPrice.String(),
		p.SourceCount, p.OutlierCount, p.ConfidenceLevel, string(p.PriceTrend), int64(p.Window),
		formatTS(p.LastUpdated),
	)
	return eris.Wrapf(err, "sqlite: put aggregated price %s", p.CoinKey)
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.ScrapeJob, error) {
	var j model.ScrapeJob
	var createdAt string
	var startedAt, completedAt, errText, failureKind *string
	err := row.Scan(&j.ID, &j.SourceID, &j.Status, &createdAt, &startedAt, &completedAt,
		&errText, &failureKind, &j.Attempts, &j.ObservationCount, &j.Deferred)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "store: scan job")
	}
	if j.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTS(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullTS(completedAt); err != nil {
		return nil, err
	}
	if errText != nil {
		j.Error = *errText
	}
	if failureKind != nil {
		j.FailureKind = model.FailureKind(*failureKind)
	}
	return &j, nil
}

func parseDecimals(in []string, out ...*decimal.Decimal) error {
	for i, s := range in {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return eris.Wrapf(err, "parse decimal %q", s)
		}
		*out[i] = d
	}
	return nil
}
