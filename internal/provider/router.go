package provider

import (
	"fmt"
	"time"

	"barfill/internal/domain"
	"barfill/internal/util"
)

// Router picks the provider for a fetch slice. Intraday slices that touch the
// current trading session go to the low-latency provider; everything else
// (historical intraday, daily, weekly) goes to the bulk provider. When the
// preferred provider is not configured the other one serves as fallback.
type Router struct {
	lowLatency MarketDataProvider
	bulk       MarketDataProvider
}

// NewRouter creates a Router. Either provider may be nil when its credentials
// are absent; Route fails only when no configured provider supports the
// timeframe.
func NewRouter(lowLatency, bulk MarketDataProvider) *Router {
	return &Router{lowLatency: lowLatency, bulk: bulk}
}

// Route returns the provider for the given slice.
func (r *Router) Route(tf domain.Timeframe, slice domain.TimeRange, now time.Time) (MarketDataProvider, error) {
	preferred, fallback := r.bulk, r.lowLatency
	if tf.Intraday() && touchesCurrentSession(slice, now) {
		preferred, fallback = r.lowLatency, r.bulk
	}

	if preferred != nil && preferred.Supports(tf) {
		return preferred, nil
	}
	if fallback != nil && fallback.Supports(tf) {
		return fallback, nil
	}
	return nil, fmt.Errorf("no configured provider supports timeframe %s", tf)
}

// touchesCurrentSession reports whether the slice reaches into the current
// New York calendar day.
func touchesCurrentSession(slice domain.TimeRange, now time.Time) bool {
	last := slice.End.Add(-time.Second)
	return last.After(now) || util.SameSessionDay(last, now)
}
