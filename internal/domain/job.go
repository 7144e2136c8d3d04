package domain

import (
	"time"
)

// JobStatus is the lifecycle state of a JobRun.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Structured error codes recorded on failed or requeued runs.
const (
	ErrCodeRateLimit           = "RATE_LIMIT"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeInvalidSymbol       = "INVALID_SYMBOL_OR_RANGE"
	ErrCodeStorageConflict     = "STORAGE_CONFLICT"
)

// JobDefinition is a standing recipe describing what to keep fresh for one
// (symbol, timeframe) pair. Definitions are never hard-deleted; disabling
// keeps the audit trail intact.
type JobDefinition struct {
	ID         int64
	Symbol     string
	Timeframe  Timeframe
	WindowDays int
	Priority   int
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Window returns the coverage window [now-WindowDays, now) for the definition.
func (d JobDefinition) Window(now time.Time) TimeRange {
	return TimeRange{
		Start: now.UTC().AddDate(0, 0, -d.WindowDays),
		End:   now.UTC(),
	}
}

// JobRun is one bounded unit of fetch work: a (symbol, timeframe, range)
// slice claimed and executed by a single worker at a time.
type JobRun struct {
	ID              string
	JobDefinitionID int64
	Symbol          string
	Timeframe       Timeframe
	SliceFrom       time.Time
	SliceTo         time.Time
	Status          JobStatus
	Priority        int
	Provider        string
	RowsWritten     int64
	ErrorCode       string
	ErrorMessage    string
	Attempts        int
	NotBefore       time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Slice returns the time range covered by the run.
func (r JobRun) Slice() TimeRange {
	return TimeRange{Start: r.SliceFrom, End: r.SliceTo}
}

// CoverageStatus is the cached per-(symbol, timeframe) summary of the widest
// fully covered span, refreshed after every successful run.
type CoverageStatus struct {
	Symbol        string
	Timeframe     Timeframe
	FromTS        time.Time
	ToTS          time.Time
	LastSuccessAt time.Time
	LastProvider  string
}
