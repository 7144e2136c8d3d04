package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"barfill/internal/util"
)

// TradingCalendar resolves the most recent finished trading session from the
// Alpaca trading calendar. When the API is unreachable it falls back to a
// pure weekday rule, which is correct except on exchange holidays.
type TradingCalendar struct {
	client *alpaca.Client
	log    *slog.Logger
}

// NewTradingCalendar creates a TradingCalendar with the given credentials.
func NewTradingCalendar(apiKey, apiSecret, baseURL string) *TradingCalendar {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	return &TradingCalendar{
		client: alpaca.NewClient(opts),
		log:    slog.Default().With("component", "calendar"),
	}
}

// LatestFinishedSession returns the UTC midnight of the most recent trading
// day whose session close is at or before now.
func (c *TradingCalendar) LatestFinishedSession(_ context.Context, now time.Time) time.Time {
	et := now.In(util.NewYork())
	days, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: et.AddDate(0, 0, -10),
		End:   et,
	})
	if err != nil || len(days) == 0 {
		c.log.Warn("trading calendar lookup failed, using weekday rule", "err", err)
		return util.LatestFinishedSessionDay(now)
	}

	for i := len(days) - 1; i >= 0; i-- {
		day := days[i]
		closeAt, err := time.ParseInLocation("2006-01-02 15:04", day.Date+" "+day.Close, util.NewYork())
		if err != nil {
			continue
		}
		if !closeAt.After(et) {
			if d, err := time.Parse("2006-01-02", day.Date); err == nil {
				return d
			}
		}
	}
	return util.LatestFinishedSessionDay(now)
}
