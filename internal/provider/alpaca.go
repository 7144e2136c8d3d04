package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"barfill/internal/domain"
	"barfill/internal/util"
)

var _ MarketDataProvider = (*AlpacaProvider)(nil)

// AlpacaProvider serves low-latency bars from the Alpaca market-data API.
// It covers every timeframe but is the preferred source only for intraday
// slices that touch the current session.
type AlpacaProvider struct {
	client  *marketdata.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider with the given credentials.
// The limiter is shared across all workers so the account-level quota holds
// regardless of concurrency.
func NewAlpacaProvider(apiKey, apiSecret, dataURL string, limiter *util.RateLimiter) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaProvider{
		client:  marketdata.NewClient(opts),
		limiter: limiter,
		log:     slog.Default().With("provider", "alpaca"),
	}
}

// Name returns the provider identifier.
func (p *AlpacaProvider) Name() string { return "alpaca" }

// Supports reports whether the provider can serve the timeframe.
func (p *AlpacaProvider) Supports(tf domain.Timeframe) bool { return tf.Valid() }

// FetchBars fetches bars for the symbol and timeframe within [from, to).
func (p *AlpacaProvider) FetchBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, NewError(p.Name(), domain.ErrCodeTimeout, err)
	}

	alpacaTF, err := alpacaTimeframe(tf)
	if err != nil {
		return nil, NewError(p.Name(), domain.ErrCodeInvalidSymbol, err)
	}

	// Flaky transport errors get a couple of quick retries before the whole
	// run is requeued.
	var raw []marketdata.Bar
	err = util.RetryIf(ctx, 3, time.Second,
		func(err error) bool { return Code(err) == domain.ErrCodeProviderUnavailable },
		func() error {
			bars, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
				TimeFrame: alpacaTF,
				Start:     from,
				End:       to,
			})
			if err != nil {
				return p.classify(err)
			}
			raw = bars
			return nil
		})
	if err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		ts := tf.BucketStart(ab.Timestamp)
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timeframe: tf,
			Timestamp: ts,
			Open:      decimal.NewFromFloat(ab.Open),
			High:      decimal.NewFromFloat(ab.High),
			Low:       decimal.NewFromFloat(ab.Low),
			Close:     decimal.NewFromFloat(ab.Close),
			Volume:    int64(ab.Volume),
			Provider:  p.Name(),
		})
	}
	p.log.Debug("fetched bars", "symbol", symbol, "timeframe", tf, "count", len(bars))
	return bars, nil
}

// classify maps SDK errors into the taxonomy.
func (p *AlpacaProvider) classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		code := codeForStatus(apiErr.StatusCode)
		if code == domain.ErrCodeRateLimit {
			return NewRateLimitError(p.Name(), 0, err)
		}
		return NewError(p.Name(), code, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(p.Name(), domain.ErrCodeTimeout, err)
	}
	return NewError(p.Name(), domain.ErrCodeProviderUnavailable, err)
}

// alpacaTimeframe maps a domain timeframe onto the SDK's representation.
func alpacaTimeframe(tf domain.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case domain.TimeframeM15:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case domain.TimeframeH1:
		return marketdata.OneHour, nil
	case domain.TimeframeH4:
		return marketdata.NewTimeFrame(4, marketdata.Hour), nil
	case domain.TimeframeD1:
		return marketdata.OneDay, nil
	case domain.TimeframeW1:
		return marketdata.OneWeek, nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
}
