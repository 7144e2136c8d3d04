package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"barfill/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BarStore = (*SQLiteStore)(nil)
var _ JobStore = (*SQLiteStore)(nil)
var _ CoverageStore = (*SQLiteStore)(nil)

// SQLiteStore implements BarStore, JobStore, and CoverageStore backed by a
// single SQLite database. The job_runs table is the source of truth for slice
// ownership; every state transition is an atomic conditional update.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol       TEXT    NOT NULL,
	timeframe    TEXT    NOT NULL,
	ts           INTEGER NOT NULL,
	provider     TEXT    NOT NULL,
	is_forecast  INTEGER NOT NULL DEFAULT 0,
	open         TEXT    NOT NULL,
	high         TEXT    NOT NULL,
	low          TEXT    NOT NULL,
	close        TEXT    NOT NULL,
	volume       INTEGER NOT NULL,
	job_run_id   TEXT    NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts, provider, is_forecast)
);
CREATE INDEX IF NOT EXISTS idx_bars_read ON bars(symbol, timeframe, ts);

CREATE TABLE IF NOT EXISTS job_definitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol      TEXT    NOT NULL,
	timeframe   TEXT    NOT NULL,
	window_days INTEGER NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE (symbol, timeframe)
);

CREATE TABLE IF NOT EXISTS job_runs (
	id                TEXT PRIMARY KEY,
	job_definition_id INTEGER NOT NULL,
	symbol            TEXT    NOT NULL,
	timeframe         TEXT    NOT NULL,
	slice_from        INTEGER NOT NULL,
	slice_to          INTEGER NOT NULL,
	status            TEXT    NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 0,
	provider          TEXT    NOT NULL DEFAULT '',
	rows_written      INTEGER NOT NULL DEFAULT 0,
	error_code        TEXT    NOT NULL DEFAULT '',
	error_message     TEXT    NOT NULL DEFAULT '',
	attempts          INTEGER NOT NULL DEFAULT 0,
	not_before        INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	started_at        INTEGER,
	finished_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_job_runs_claim ON job_runs(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_job_runs_slice ON job_runs(symbol, timeframe, status);

CREATE TABLE IF NOT EXISTS coverage_status (
	symbol          TEXT NOT NULL,
	timeframe       TEXT NOT NULL,
	from_ts         INTEGER NOT NULL,
	to_ts           INTEGER NOT NULL,
	last_success_at INTEGER NOT NULL,
	last_provider   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (symbol, timeframe)
);
`

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

const upsertBarQuery = `
	INSERT INTO bars (symbol, timeframe, ts, provider, is_forecast,
	                  open, high, low, close, volume, job_run_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (symbol, timeframe, ts, provider, is_forecast) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		job_run_id = excluded.job_run_id,
		updated_at = excluded.updated_at`

// UpsertBars writes bars inside one transaction. Replaying the same batch is
// harmless: the uniqueness key absorbs duplicates and later values win.
func (s *SQLiteStore) UpsertBars(ctx context.Context, bars []domain.Bar, jobRunID string) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertBarQuery)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	var written int64
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return written, fmt.Errorf("rejecting bar: %w", err)
		}
		_, err := stmt.ExecContext(ctx,
			b.Symbol, string(b.Timeframe), b.Timestamp.UTC().Unix(), b.Provider, boolToInt(b.IsForecast),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume,
			jobRunID, now,
		)
		if err != nil {
			return written, fmt.Errorf("upserting bar %s: %w", b.Key(), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// ReadBars returns non-forecast bars ordered by timestamp. Rows are ordered
// by updated_at within a timestamp so the newest provider revision wins the
// in-Go dedup.
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	const query = `
		SELECT symbol, timeframe, ts, provider, is_forecast, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ? AND is_forecast = 0
		ORDER BY ts ASC, updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, symbol, string(tf), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		// Later rows for the same timestamp replace earlier ones.
		if n := len(bars); n > 0 && bars[n-1].Timestamp.Equal(b.Timestamp) {
			bars[n-1] = b
			continue
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// CoveredRanges folds the distinct bar timestamps for the key into merged
// [open, open+period) ranges.
func (s *SQLiteStore) CoveredRanges(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.TimeRange, error) {
	const query = `
		SELECT DISTINCT ts FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ? AND is_forecast = 0
		ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query, symbol, string(tf), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	period := tf.Period()
	var ranges []domain.TimeRange
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		open := time.Unix(ts, 0).UTC()
		r := domain.TimeRange{Start: open, End: open.Add(period)}
		if n := len(ranges); n > 0 && !r.Start.After(ranges[n-1].End) {
			if r.End.After(ranges[n-1].End) {
				ranges[n-1].End = r.End
			}
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}

func scanBar(rows *sql.Rows) (domain.Bar, error) {
	var (
		b          domain.Bar
		tfStr      string
		ts         int64
		isForecast int
		o, h, l, c string
	)
	if err := rows.Scan(&b.Symbol, &tfStr, &ts, &b.Provider, &isForecast, &o, &h, &l, &c, &b.Volume); err != nil {
		return domain.Bar{}, err
	}
	b.Timeframe = domain.Timeframe(tfStr)
	b.Timestamp = time.Unix(ts, 0).UTC()
	b.IsForecast = isForecast != 0

	var err error
	if b.Open, err = decimal.NewFromString(o); err != nil {
		return domain.Bar{}, fmt.Errorf("parsing open %q: %w", o, err)
	}
	if b.High, err = decimal.NewFromString(h); err != nil {
		return domain.Bar{}, fmt.Errorf("parsing high %q: %w", h, err)
	}
	if b.Low, err = decimal.NewFromString(l); err != nil {
		return domain.Bar{}, fmt.Errorf("parsing low %q: %w", l, err)
	}
	if b.Close, err = decimal.NewFromString(c); err != nil {
		return domain.Bar{}, fmt.Errorf("parsing close %q: %w", c, err)
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// JobStore implementation: definitions
// ---------------------------------------------------------------------------

// UpsertDefinition inserts or refreshes the definition for its
// (symbol, timeframe). An existing row is re-enabled rather than duplicated,
// so watchlist adds are idempotent.
func (s *SQLiteStore) UpsertDefinition(ctx context.Context, def *domain.JobDefinition) error {
	now := time.Now().UTC()
	const query = `
		INSERT INTO job_definitions (symbol, timeframe, window_days, priority, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			window_days = excluded.window_days,
			priority = excluded.priority,
			enabled = 1,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query,
		def.Symbol, string(def.Timeframe), def.WindowDays, def.Priority, now.Unix(), now.Unix(),
	); err != nil {
		return err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM job_definitions WHERE symbol = ? AND timeframe = ?`,
		def.Symbol, string(def.Timeframe))
	var createdAt int64
	if err := row.Scan(&def.ID, &createdAt); err != nil {
		return err
	}
	def.Enabled = true
	def.CreatedAt = time.Unix(createdAt, 0).UTC()
	def.UpdatedAt = now
	return nil
}

// SetDefinitionEnabled soft-enables or soft-disables a definition. The row is
// never deleted.
func (s *SQLiteStore) SetDefinitionEnabled(ctx context.Context, symbol string, tf domain.Timeframe, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_definitions SET enabled = ?, updated_at = ? WHERE symbol = ? AND timeframe = ?`,
		boolToInt(enabled), time.Now().Unix(), symbol, string(tf))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDefinition returns the definition for (symbol, timeframe).
func (s *SQLiteStore) GetDefinition(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.JobDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, window_days, priority, enabled, created_at, updated_at
		FROM job_definitions WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf))
	return scanDefinition(row)
}

// ListEnabledDefinitions returns enabled definitions, highest priority first.
func (s *SQLiteStore) ListEnabledDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, window_days, priority, enabled, created_at, updated_at
		FROM job_definitions
		WHERE enabled = 1
		ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.JobDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*domain.JobDefinition, error) {
	var (
		def                  domain.JobDefinition
		tfStr                string
		enabled              int
		createdAt, updatedAt int64
	)
	err := row.Scan(&def.ID, &def.Symbol, &tfStr, &def.WindowDays, &def.Priority, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	def.Timeframe = domain.Timeframe(tfStr)
	def.Enabled = enabled != 0
	def.CreatedAt = time.Unix(createdAt, 0).UTC()
	def.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &def, nil
}

// ---------------------------------------------------------------------------
// JobStore implementation: queue
// ---------------------------------------------------------------------------

// Enqueue inserts a queued run unless an overlapping non-terminal run already
// exists for the same (symbol, timeframe). The overlap check and the insert
// share one transaction so concurrent ticks cannot double-schedule a slice.
func (s *SQLiteStore) Enqueue(ctx context.Context, run *domain.JobRun) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM job_runs
		WHERE symbol = ? AND timeframe = ? AND status IN ('queued', 'running')
		  AND slice_from < ? AND slice_to > ?
		LIMIT 1`,
		run.Symbol, string(run.Timeframe), run.SliceTo.UTC().Unix(), run.SliceFrom.UTC().Unix())

	var existingID string
	switch err := row.Scan(&existingID); err {
	case nil:
		return existingID, false, nil
	case sql.ErrNoRows:
		// fall through to insert
	default:
		return "", false, err
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = domain.JobQueued
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_definition_id, symbol, timeframe, slice_from, slice_to,
		                      status, priority, attempts, not_before, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?)`,
		run.ID, run.JobDefinitionID, run.Symbol, string(run.Timeframe),
		run.SliceFrom.UTC().Unix(), run.SliceTo.UTC().Unix(),
		run.Priority, run.Attempts, run.NotBefore.UTC().Unix(), run.CreatedAt.Unix())
	if err != nil {
		return "", false, err
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return run.ID, true, nil
}

// ClaimNext picks the best due queued run and flips it to running with a
// conditional update. If a concurrent claimer wins the race the update
// affects zero rows and we try the next candidate.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*domain.JobRun, bool, error) {
	nowUnix := now.UTC().Unix()

	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT id FROM job_runs
			WHERE status = 'queued' AND not_before <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1`, nowUnix)

		var id string
		switch err := row.Scan(&id); err {
		case nil:
		case sql.ErrNoRows:
			return nil, false, nil
		default:
			return nil, false, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE job_runs
			SET status = 'running', started_at = ?, error_code = '', error_message = ''
			WHERE id = ? AND status = 'queued'`,
			nowUnix, id)
		if err != nil {
			return nil, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if n == 0 {
			// Lost the race to another claimer; try the next candidate.
			continue
		}

		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return run, true, nil
	}
}

// MarkProgress updates rows_written on a running run.
func (s *SQLiteStore) MarkProgress(ctx context.Context, id string, rowsWritten int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET rows_written = ? WHERE id = ? AND status = 'running'`,
		rowsWritten, id)
	return err
}

// Complete marks a running run as success. Terminal states are immutable, so
// the transition is conditional on the run still being in the running state.
func (s *SQLiteStore) Complete(ctx context.Context, id string, rowsWritten int64, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'success', rows_written = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		rowsWritten, finishedAt.UTC().Unix(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// Fail marks a run as failed with a structured error.
func (s *SQLiteStore) Fail(ctx context.Context, id, code, message string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'failed', error_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		code, message, finishedAt.UTC().Unix(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// Requeue returns a running run to the queue with a backoff: it becomes
// claimable again at notBefore. The attempt counter advances so repeated
// rate limiting still converges on the retry budget.
func (s *SQLiteStore) Requeue(ctx context.Context, id, code string, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'queued', not_before = ?, attempts = attempts + 1,
		    error_code = ?, started_at = NULL, provider = ''
		WHERE id = ? AND status = 'running'`,
		notBefore.UTC().Unix(), code, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, id)
}

// SetRunProvider records which adapter is serving the run.
func (s *SQLiteStore) SetRunProvider(ctx context.Context, id, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET provider = ? WHERE id = ?`, provider, id)
	return err
}

// CountRunning is a queryable aggregate, not an in-memory counter, so the cap
// survives process restarts.
func (s *SQLiteStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_runs WHERE status = 'running'`).Scan(&n)
	return n, err
}

// ActiveRuns returns queued and running runs for the key, ordered by slice
// start.
func (s *SQLiteStore) ActiveRuns(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, selectRunQuery+`
		WHERE symbol = ? AND timeframe = ? AND status IN ('queued', 'running')
		ORDER BY slice_from ASC`,
		symbol, string(tf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CountRunsByStatus returns run counts per status for (symbol, timeframe).
func (s *SQLiteStore) CountRunsByStatus(ctx context.Context, symbol string, tf domain.Timeframe) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM job_runs
		WHERE symbol = ? AND timeframe = ?
		GROUP BY status`,
		symbol, string(tf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

const selectRunQuery = `
	SELECT id, job_definition_id, symbol, timeframe, slice_from, slice_to,
	       status, priority, provider, rows_written, error_code, error_message,
	       attempts, not_before, created_at, started_at, finished_at
	FROM job_runs`

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, selectRunQuery+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRun(rows)
}

// SweepStuck reclaims runs whose worker died without reporting: any running
// row older than its timeframe's timeout is failed with TIMEOUT, and a fresh
// slice is queued while the retry budget lasts.
func (s *SQLiteStore) SweepStuck(ctx context.Context, now time.Time, timeoutFor func(domain.Timeframe) time.Duration, maxAttempts int) (int, error) {
	rows, err := s.db.QueryContext(ctx, selectRunQuery+` WHERE status = 'running'`)
	if err != nil {
		return 0, err
	}

	var stuck []domain.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if run.StartedAt == nil {
			continue
		}
		if now.Sub(*run.StartedAt) >= timeoutFor(run.Timeframe) {
			stuck = append(stuck, *run)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, run := range stuck {
		res, err := s.db.ExecContext(ctx, `
			UPDATE job_runs
			SET status = 'failed', error_code = ?, error_message = 'claim expired', finished_at = ?
			WHERE id = ? AND status = 'running'`,
			domain.ErrCodeTimeout, now.UTC().Unix(), run.ID)
		if err != nil {
			return swept, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// The worker finished between the scan and the update.
			continue
		}
		swept++

		if run.Attempts+1 < maxAttempts {
			replacement := domain.JobRun{
				JobDefinitionID: run.JobDefinitionID,
				Symbol:          run.Symbol,
				Timeframe:       run.Timeframe,
				SliceFrom:       run.SliceFrom,
				SliceTo:         run.SliceTo,
				Priority:        run.Priority,
				Attempts:        run.Attempts + 1,
			}
			if _, _, err := s.Enqueue(ctx, &replacement); err != nil {
				return swept, fmt.Errorf("re-enqueueing swept slice: %w", err)
			}
		}
	}
	return swept, nil
}

func scanRun(rows *sql.Rows) (*domain.JobRun, error) {
	var (
		run                  domain.JobRun
		tfStr, status        string
		sliceFrom, sliceTo   int64
		notBefore, createdAt int64
		startedAt            sql.NullInt64
		finishedAt           sql.NullInt64
	)
	err := rows.Scan(&run.ID, &run.JobDefinitionID, &run.Symbol, &tfStr, &sliceFrom, &sliceTo,
		&status, &run.Priority, &run.Provider, &run.RowsWritten, &run.ErrorCode, &run.ErrorMessage,
		&run.Attempts, &notBefore, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.Timeframe = domain.Timeframe(tfStr)
	run.Status = domain.JobStatus(status)
	run.SliceFrom = time.Unix(sliceFrom, 0).UTC()
	run.SliceTo = time.Unix(sliceTo, 0).UTC()
	run.NotBefore = time.Unix(notBefore, 0).UTC()
	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}

// ---------------------------------------------------------------------------
// CoverageStore implementation
// ---------------------------------------------------------------------------

// GetCoverage returns the cached summary for (symbol, timeframe).
func (s *SQLiteStore) GetCoverage(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.CoverageStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, from_ts, to_ts, last_success_at, last_provider
		FROM coverage_status WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf))

	var (
		cs                            domain.CoverageStatus
		tfStr                         string
		fromTS, toTS, lastSuccessUnix int64
	)
	err := row.Scan(&cs.Symbol, &tfStr, &fromTS, &toTS, &lastSuccessUnix, &cs.LastProvider)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cs.Timeframe = domain.Timeframe(tfStr)
	cs.FromTS = time.Unix(fromTS, 0).UTC()
	cs.ToTS = time.Unix(toTS, 0).UTC()
	cs.LastSuccessAt = time.Unix(lastSuccessUnix, 0).UTC()
	return &cs, nil
}

// PutCoverage inserts or replaces the cached summary.
func (s *SQLiteStore) PutCoverage(ctx context.Context, cs *domain.CoverageStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coverage_status (symbol, timeframe, from_ts, to_ts, last_success_at, last_provider)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			from_ts = excluded.from_ts,
			to_ts = excluded.to_ts,
			last_success_at = excluded.last_success_at,
			last_provider = excluded.last_provider`,
		cs.Symbol, string(cs.Timeframe),
		cs.FromTS.UTC().Unix(), cs.ToTS.UTC().Unix(),
		cs.LastSuccessAt.UTC().Unix(), cs.LastProvider)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job run %s: no transition applied (already terminal or not running)", id)
	}
	return nil
}
