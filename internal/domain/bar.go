// Package domain defines the core types shared across the barfill pipeline:
// bars, timeframes, time ranges, job definitions, and job runs.
package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies the bar interval. Values match the storage
// representation.
type Timeframe string

const (
	TimeframeM15 Timeframe = "m15"
	TimeframeH1  Timeframe = "h1"
	TimeframeH4  Timeframe = "h4"
	TimeframeD1  Timeframe = "d1"
	TimeframeW1  Timeframe = "w1"
)

// Timeframes lists all supported timeframes, finest first.
var Timeframes = []Timeframe{TimeframeM15, TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1}

// ParseTimeframe converts a string into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	switch tf {
	case TimeframeM15, TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1:
		return true
	}
	return false
}

// Period returns the duration of one bar at this timeframe.
func (tf Timeframe) Period() time.Duration {
	switch tf {
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	case TimeframeW1:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Intraday reports whether the timeframe is finer than one day.
func (tf Timeframe) Intraday() bool {
	return tf == TimeframeM15 || tf == TimeframeH1 || tf == TimeframeH4
}

// BucketStart floors t to the opening timestamp of the bar that contains it.
// All alignment is done in UTC; weekly buckets open Monday 00:00 UTC.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	switch tf {
	case TimeframeW1:
		// Truncate to day, then walk back to Monday.
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case TimeframeD1:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(tf.Period())
	}
}

// Bar is one OHLCV observation. Timestamp follows the bar-open convention
// and is always UTC.
type Bar struct {
	Symbol     string
	Timeframe  Timeframe
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     int64
	Provider   string
	IsForecast bool
}

// Key returns the uniqueness key of the bar as a printable string.
func (b Bar) Key() string {
	return fmt.Sprintf("%s/%s/%d/%s/%t", b.Symbol, b.Timeframe, b.Timestamp.Unix(), b.Provider, b.IsForecast)
}

// Validate checks the OHLC shape invariants.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar missing symbol")
	}
	if !b.Timeframe.Valid() {
		return fmt.Errorf("bar %s: invalid timeframe %q", b.Symbol, b.Timeframe)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s: zero timestamp", b.Symbol)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s: negative volume %d", b.Key(), b.Volume)
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) || b.High.LessThan(b.Low) {
		return fmt.Errorf("bar %s: high %s below open/close/low", b.Key(), b.High)
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return fmt.Errorf("bar %s: low %s above open/close", b.Key(), b.Low)
	}
	return nil
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the range is empty or inverted.
func (r TimeRange) IsZero() bool {
	return !r.End.After(r.Start)
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Overlaps reports whether two half-open ranges intersect.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Clamp intersects the range with [start, end) and returns the result; the
// result may be zero if the intervals do not intersect.
func (r TimeRange) Clamp(start, end time.Time) TimeRange {
	out := r
	if out.Start.Before(start) {
		out.Start = start
	}
	if out.End.After(end) {
		out.End = end
	}
	return out
}

// MergeRanges collapses overlapping or touching ranges into a sorted,
// non-overlapping set. Ranges whose gap is smaller than slack are merged as
// well, which keeps pathological sub-period fragments out of gap scans.
func MergeRanges(ranges []TimeRange, slack time.Duration) []TimeRange {
	var in []TimeRange
	for _, r := range ranges {
		if !r.IsZero() {
			in = append(in, r)
		}
	}
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })

	out := []TimeRange{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if !r.Start.After(last.End.Add(slack)) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
