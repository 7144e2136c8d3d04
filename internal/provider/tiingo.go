package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"barfill/internal/domain"
	"barfill/internal/util"
)

var _ MarketDataProvider = (*TiingoProvider)(nil)

// TiingoProvider serves bulk historical bars from the Tiingo REST API.
// Daily and weekly bars come from the end-of-day endpoint; intraday history
// comes from the IEX endpoint.
type TiingoProvider struct {
	client  *resty.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewTiingoProvider creates a TiingoProvider against the given base URL.
func NewTiingoProvider(apiKey, baseURL string, limiter *util.RateLimiter) *TiingoProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2 * time.Minute).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("token", apiKey)

	return &TiingoProvider{
		client:  client,
		limiter: limiter,
		log:     slog.Default().With("provider", "tiingo"),
	}
}

// Name returns the provider identifier.
func (p *TiingoProvider) Name() string { return "tiingo" }

// Supports reports whether the provider can serve the timeframe.
func (p *TiingoProvider) Supports(tf domain.Timeframe) bool { return tf.Valid() }

// dailyPrice is the end-of-day endpoint's response shape.
type dailyPrice struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// iexPrice is the intraday IEX endpoint's response shape.
type iexPrice struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// FetchBars fetches bars for the symbol and timeframe within [from, to).
func (p *TiingoProvider) FetchBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, NewError(p.Name(), domain.ErrCodeTimeout, err)
	}

	if tf.Intraday() {
		return p.fetchIntraday(ctx, symbol, tf, from, to)
	}
	return p.fetchEndOfDay(ctx, symbol, tf, from, to)
}

func (p *TiingoProvider) fetchEndOfDay(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	req := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"startDate": from.UTC().Format("2006-01-02"),
			"endDate":   to.UTC().Format("2006-01-02"),
			"format":    "json",
		}).
		SetResult(&[]dailyPrice{})
	if tf == domain.TimeframeW1 {
		req.SetQueryParam("resampleFreq", "weekly")
	}

	resp, err := req.Get(fmt.Sprintf("/tiingo/daily/%s/prices", strings.ToLower(symbol)))
	if err := p.checkResponse(resp, err); err != nil {
		return nil, err
	}

	prices := *resp.Result().(*[]dailyPrice)
	bars := make([]domain.Bar, 0, len(prices))
	for _, row := range prices {
		ts, err := parseTiingoTime(row.Date)
		if err != nil {
			return nil, NewError(p.Name(), domain.ErrCodeProviderUnavailable, err)
		}
		// Tiingo stamps weekly rows at week end; realign to the bar open.
		ts = tf.BucketStart(ts)
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		bars = append(bars, p.makeBar(symbol, tf, ts, row.Open, row.High, row.Low, row.Close, row.Volume))
	}
	return dedupeSorted(bars), nil
}

func (p *TiingoProvider) fetchIntraday(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	freq := map[domain.Timeframe]string{
		domain.TimeframeM15: "15min",
		domain.TimeframeH1:  "1hour",
		domain.TimeframeH4:  "4hour",
	}[tf]

	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"startDate":    from.UTC().Format("2006-01-02"),
			"endDate":      to.UTC().Format("2006-01-02"),
			"resampleFreq": freq,
			"columns":      "open,high,low,close,volume",
		}).
		SetResult(&[]iexPrice{}).
		Get(fmt.Sprintf("/iex/%s/prices", strings.ToLower(symbol)))
	if err := p.checkResponse(resp, err); err != nil {
		return nil, err
	}

	prices := *resp.Result().(*[]iexPrice)
	bars := make([]domain.Bar, 0, len(prices))
	for _, row := range prices {
		ts, err := parseTiingoTime(row.Date)
		if err != nil {
			return nil, NewError(p.Name(), domain.ErrCodeProviderUnavailable, err)
		}
		ts = tf.BucketStart(ts)
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		bars = append(bars, p.makeBar(symbol, tf, ts, row.Open, row.High, row.Low, row.Close, row.Volume))
	}
	return dedupeSorted(bars), nil
}

func (p *TiingoProvider) makeBar(symbol string, tf domain.Timeframe, ts time.Time, open, high, low, close float64, volume int64) domain.Bar {
	return domain.Bar{
		Symbol:    strings.ToUpper(symbol),
		Timeframe: tf,
		Timestamp: ts,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		Volume:    volume,
		Provider:  p.Name(),
	}
}

// checkResponse maps transport errors and non-2xx statuses into the taxonomy.
func (p *TiingoProvider) checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		if resp != nil && resp.Request != nil && resp.Request.Context().Err() != nil {
			return NewError(p.Name(), domain.ErrCodeTimeout, err)
		}
		return NewError(p.Name(), domain.ErrCodeProviderUnavailable, err)
	}
	if resp.IsError() {
		status := resp.StatusCode()
		reqErr := fmt.Errorf("%s returned %d: %s", resp.Request.URL, status, resp.String())
		if status == 429 {
			return NewRateLimitError(p.Name(), parseRetryAfter(resp.Header().Get("Retry-After")), reqErr)
		}
		return NewError(p.Name(), codeForStatus(status), reqErr)
	}
	return nil
}

// parseRetryAfter reads a Retry-After header in delay-seconds form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// parseTiingoTime parses the API's ISO-8601 timestamps.
func parseTiingoTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// dedupeSorted sorts bars by timestamp and collapses duplicates produced by
// bucket realignment, keeping the last row for each bucket.
func dedupeSorted(bars []domain.Bar) []domain.Bar {
	if len(bars) < 2 {
		return bars
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:1]
	for _, b := range bars[1:] {
		if b.Timestamp.Equal(out[len(out)-1].Timestamp) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
