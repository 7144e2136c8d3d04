// Package store defines storage interfaces for persisting and retrieving
// bars, job definitions, job runs, and coverage summaries, together with the
// SQLite implementation backing all of them.
package store

import (
	"context"
	"errors"
	"time"

	"barfill/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// UpsertBars writes a batch of bars, overwriting rows with an identical
	// (symbol, timeframe, timestamp, provider, is_forecast) key. jobRunID
	// attributes the write for observability. Returns the number of bars
	// written.
	UpsertBars(ctx context.Context, bars []domain.Bar, jobRunID string) (int64, error)

	// ReadBars returns non-forecast bars for the given key within [from, to),
	// ordered by timestamp ascending. When several providers supply the same
	// timestamp the most recently written row wins.
	ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error)

	// CoveredRanges returns the merged set of time ranges within [from, to)
	// for which bars exist, treating each bar as covering one period starting
	// at its open timestamp.
	CoveredRanges(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.TimeRange, error)
}

// JobStore manages job definitions and the durable slice queue.
type JobStore interface {
	// UpsertDefinition inserts the definition or, if one exists for the same
	// (symbol, timeframe), re-enables it and refreshes window and priority.
	// The definition ID is set on return.
	UpsertDefinition(ctx context.Context, def *domain.JobDefinition) error

	// SetDefinitionEnabled soft-enables or soft-disables a definition.
	SetDefinitionEnabled(ctx context.Context, symbol string, tf domain.Timeframe, enabled bool) error

	// GetDefinition returns the definition for (symbol, timeframe) or
	// ErrNotFound.
	GetDefinition(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.JobDefinition, error)

	// ListEnabledDefinitions returns all enabled definitions ordered by
	// priority descending, then creation time ascending.
	ListEnabledDefinitions(ctx context.Context) ([]domain.JobDefinition, error)

	// Enqueue inserts a queued run unless a non-terminal run already overlaps
	// the same (symbol, timeframe, range), in which case the existing run's
	// ID is returned with created=false.
	Enqueue(ctx context.Context, run *domain.JobRun) (id string, created bool, err error)

	// ClaimNext atomically flips the best queued, due run to running and
	// returns it. ok is false when nothing is claimable. Ordering: priority
	// descending, then oldest queued first.
	ClaimNext(ctx context.Context, now time.Time) (run *domain.JobRun, ok bool, err error)

	// MarkProgress updates rows_written on a running run so long slices show
	// live progress.
	MarkProgress(ctx context.Context, id string, rowsWritten int64) error

	// Complete marks a running run as success.
	Complete(ctx context.Context, id string, rowsWritten int64, finishedAt time.Time) error

	// Fail marks a run as failed with a structured error code and message.
	Fail(ctx context.Context, id, code, message string, finishedAt time.Time) error

	// Requeue puts a running run back in the queue, not claimable before
	// notBefore. Used for rate-limit backoff; the run does not count as a
	// failure.
	Requeue(ctx context.Context, id, code string, notBefore time.Time) error

	// CountRunning returns the number of runs currently in the running state.
	CountRunning(ctx context.Context) (int, error)

	// ActiveRuns returns queued and running runs for (symbol, timeframe).
	ActiveRuns(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.JobRun, error)

	// CountRunsByStatus returns run counts per status for (symbol, timeframe).
	CountRunsByStatus(ctx context.Context, symbol string, tf domain.Timeframe) (map[domain.JobStatus]int, error)

	// SetRunProvider records which adapter is serving the run.
	SetRunProvider(ctx context.Context, id, provider string) error

	// GetRun returns a run by ID or ErrNotFound.
	GetRun(ctx context.Context, id string) (*domain.JobRun, error)

	// SweepStuck fails running runs whose claim is older than the timeout for
	// their timeframe, and re-enqueues a fresh slice when the retry budget
	// allows. Returns the number of runs swept.
	SweepStuck(ctx context.Context, now time.Time, timeoutFor func(domain.Timeframe) time.Duration, maxAttempts int) (int, error)
}

// CoverageStore caches the per-(symbol, timeframe) coverage summary.
type CoverageStore interface {
	// GetCoverage returns the cached summary or ErrNotFound.
	GetCoverage(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.CoverageStatus, error)

	// PutCoverage inserts or replaces the cached summary.
	PutCoverage(ctx context.Context, cs *domain.CoverageStatus) error
}
