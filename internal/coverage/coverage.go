// Package coverage computes which parts of a requested window still need
// fetching and maintains the cached per-key coverage summary.
package coverage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"barfill/internal/domain"
	"barfill/internal/resample"
	"barfill/internal/store"
	"barfill/internal/util"
)

// SessionCalendar answers which daily trading sessions have finished.
type SessionCalendar interface {
	LatestFinishedSession(ctx context.Context, now time.Time) time.Time
}

// Tracker answers gap queries against the bar store and the active slice
// queue.
type Tracker struct {
	bars   store.BarStore
	jobs   store.JobStore
	cov    store.CoverageStore
	policy resample.SessionPolicy
	cal    SessionCalendar
	log    *slog.Logger
}

// NewTracker creates a Tracker. policy controls which intraday buckets are
// expected: under SessionRTH, overnight and weekend buckets are never
// reported as gaps.
func NewTracker(bars store.BarStore, jobs store.JobStore, cov store.CoverageStore, policy resample.SessionPolicy) *Tracker {
	return &Tracker{
		bars:   bars,
		jobs:   jobs,
		cov:    cov,
		policy: policy,
		log:    slog.Default().With("component", "coverage"),
	}
}

// SetCalendar installs a trading calendar. With one installed, daily windows
// close at the latest finished session instead of the last UTC midnight, so
// today's bar becomes fetchable right after the close.
func (t *Tracker) SetCalendar(cal SessionCalendar) {
	t.cal = cal
}

// FindGaps returns the sub-ranges of window that have neither stored bars nor
// an active (queued or running) run, folded into fetchable ranges. The bucket
// currently forming is never reported; only closed buckets count as missing.
func (t *Tracker) FindGaps(ctx context.Context, symbol string, tf domain.Timeframe, window domain.TimeRange, now time.Time) ([]domain.TimeRange, error) {
	end := tf.BucketStart(now)
	if tf == domain.TimeframeD1 && t.cal != nil {
		end = t.cal.LatestFinishedSession(ctx, now).Add(tf.Period())
	}
	if end.After(window.End) {
		end = window.End
	}
	window = window.Clamp(window.Start, end)
	if window.IsZero() {
		return nil, nil
	}

	covered, err := t.bars.CoveredRanges(ctx, symbol, tf, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("loading covered ranges: %w", err)
	}

	active, err := t.jobs.ActiveRuns(ctx, symbol, tf)
	if err != nil {
		return nil, fmt.Errorf("loading active runs: %w", err)
	}
	for _, run := range active {
		covered = append(covered, run.Slice())
	}
	covered = domain.MergeRanges(covered, 0)

	missing := t.missingBuckets(tf, window, covered)
	return foldBuckets(missing, tf), nil
}

// missingBuckets walks the expected bucket opens inside window and returns
// those not contained in any covered range. covered must be merged and
// sorted.
func (t *Tracker) missingBuckets(tf domain.Timeframe, window domain.TimeRange, covered []domain.TimeRange) []time.Time {
	period := tf.Period()
	start := tf.BucketStart(window.Start)
	if start.Before(window.Start) {
		start = start.Add(period)
	}

	var missing []time.Time
	ci := 0
	for open := start; open.Before(window.End); open = open.Add(period) {
		if !t.expected(tf, open) {
			continue
		}
		for ci < len(covered) && !covered[ci].End.After(open) {
			ci++
		}
		if ci < len(covered) && !covered[ci].Start.After(open) {
			continue // bucket open falls inside a covered range
		}
		missing = append(missing, open)
	}
	return missing
}

// expected reports whether a bucket opening at open should ever hold data.
func (t *Tracker) expected(tf domain.Timeframe, open time.Time) bool {
	switch tf {
	case domain.TimeframeW1:
		return true
	case domain.TimeframeD1:
		// Daily buckets are UTC aligned, so the session day is the UTC day.
		wd := open.UTC().Weekday()
		return wd != time.Saturday && wd != time.Sunday
	default:
		if t.policy == resample.SessionRTH {
			return util.InRTH(open)
		}
		wd := open.In(util.NewYork()).Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
}

// foldBuckets collapses missing bucket opens into fetch ranges. Buckets
// separated only by non-expected time (weekends, overnight) merge when the
// jump is at most three days, which keeps a missing Friday and Monday in one
// daily fetch.
func foldBuckets(missing []time.Time, tf domain.Timeframe) []domain.TimeRange {
	if len(missing) == 0 {
		return nil
	}
	period := tf.Period()
	join := period
	if joinAcross := 3 * 24 * time.Hour; tf == domain.TimeframeD1 && joinAcross > join {
		join = joinAcross
	}

	out := []domain.TimeRange{{Start: missing[0], End: missing[0].Add(period)}}
	for _, open := range missing[1:] {
		last := &out[len(out)-1]
		if !open.After(last.End.Add(join - period)) {
			last.End = open.Add(period)
			continue
		}
		out = append(out, domain.TimeRange{Start: open, End: open.Add(period)})
	}
	return out
}

// SplitRange chops r into pieces no longer than max, preserving order.
func SplitRange(r domain.TimeRange, max time.Duration) []domain.TimeRange {
	if r.IsZero() || max <= 0 {
		return nil
	}
	var out []domain.TimeRange
	for start := r.Start; start.Before(r.End); start = start.Add(max) {
		end := start.Add(max)
		if end.After(r.End) {
			end = r.End
		}
		out = append(out, domain.TimeRange{Start: start, End: end})
	}
	return out
}

// Recompute refreshes the cached coverage summary for the key after a
// successful run: the widest contiguous covered range inside window becomes
// the reported span.
func (t *Tracker) Recompute(ctx context.Context, symbol string, tf domain.Timeframe, window domain.TimeRange, providerName string, now time.Time) (*domain.CoverageStatus, error) {
	covered, err := t.bars.CoveredRanges(ctx, symbol, tf, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("loading covered ranges: %w", err)
	}
	// Ranges split only by non-expected buckets count as contiguous.
	covered = domain.MergeRanges(covered, 3*24*time.Hour)

	var widest domain.TimeRange
	for _, r := range covered {
		if r.Duration() > widest.Duration() {
			widest = r
		}
	}
	if widest.IsZero() {
		return nil, nil
	}

	cs := &domain.CoverageStatus{
		Symbol:        symbol,
		Timeframe:     tf,
		FromTS:        widest.Start,
		ToTS:          widest.End,
		LastSuccessAt: now.UTC(),
		LastProvider:  providerName,
	}
	if err := t.cov.PutCoverage(ctx, cs); err != nil {
		return nil, fmt.Errorf("storing coverage summary: %w", err)
	}
	t.log.Debug("coverage recomputed",
		"symbol", symbol, "timeframe", tf,
		"from", cs.FromTS, "to", cs.ToTS)
	return cs, nil
}
