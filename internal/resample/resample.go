// Package resample aggregates fine-grained bars into coarser timeframes.
// Aggregation is pure and deterministic: the same input always produces the
// same output, and resampling in two stages (m15 to h1 to h4) equals
// resampling in one (m15 to h4).
package resample

import (
	"fmt"
	"sort"
	"time"

	"barfill/internal/domain"
	"barfill/internal/util"
)

// SessionPolicy selects which source bars participate in aggregation.
type SessionPolicy string

const (
	// SessionAll aggregates every source bar.
	SessionAll SessionPolicy = "all"
	// SessionRTH aggregates only bars whose open falls inside regular US
	// equity trading hours (09:30 to 16:00 America/New_York, weekdays).
	SessionRTH SessionPolicy = "rth"
)

// ParseSessionPolicy converts a string into a SessionPolicy.
func ParseSessionPolicy(s string) (SessionPolicy, error) {
	switch SessionPolicy(s) {
	case SessionAll, SessionRTH:
		return SessionPolicy(s), nil
	}
	return "", fmt.Errorf("unknown session policy %q", s)
}

// Resample aggregates src bars into target-timeframe bars covering [from, to).
// Source bars must all share one symbol and one timeframe finer than target.
// Buckets follow the bar-open convention: each output bar opens at
// target.BucketStart of its sources and carries first open, max high, min low,
// last close, and summed volume. Buckets with no surviving source bars are
// omitted rather than zero-filled.
func Resample(src []domain.Bar, target domain.Timeframe, from, to time.Time, policy SessionPolicy) ([]domain.Bar, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("invalid target timeframe %q", target)
	}
	if len(src) == 0 {
		return nil, nil
	}

	symbol := src[0].Symbol
	srcTF := src[0].Timeframe
	if srcTF.Period() >= target.Period() {
		return nil, fmt.Errorf("source timeframe %s is not finer than target %s", srcTF, target)
	}

	in := make([]domain.Bar, 0, len(src))
	for _, b := range src {
		if b.Symbol != symbol {
			return nil, fmt.Errorf("mixed symbols in resample input: %s and %s", symbol, b.Symbol)
		}
		if b.Timeframe != srcTF {
			return nil, fmt.Errorf("mixed timeframes in resample input: %s and %s", srcTF, b.Timeframe)
		}
		if b.Timestamp.Before(from) || !b.Timestamp.Before(to) {
			continue
		}
		if policy == SessionRTH && !util.InRTH(b.Timestamp) {
			continue
		}
		in = append(in, b)
	}
	if len(in) == 0 {
		return nil, nil
	}

	sort.Slice(in, func(i, j int) bool { return in[i].Timestamp.Before(in[j].Timestamp) })

	var out []domain.Bar
	for _, b := range in {
		bucket := target.BucketStart(b.Timestamp)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(bucket) {
			agg := &out[n-1]
			if b.High.GreaterThan(agg.High) {
				agg.High = b.High
			}
			if b.Low.LessThan(agg.Low) {
				agg.Low = b.Low
			}
			agg.Close = b.Close
			agg.Volume += b.Volume
			continue
		}
		out = append(out, domain.Bar{
			Symbol:    symbol,
			Timeframe: target,
			Timestamp: bucket,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Provider:  b.Provider,
		})
	}
	return out, nil
}
