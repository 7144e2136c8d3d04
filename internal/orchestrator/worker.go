package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"barfill/internal/domain"
	"barfill/internal/provider"
	"barfill/internal/resample"
)

// process executes one claimed run end to end: route, fetch, write, and
// record the outcome. It never returns an error; every failure path ends in a
// terminal state or a requeue on the run itself.
func (o *Orchestrator) process(ctx context.Context, run *domain.JobRun) {
	log := o.log.With("run", run.ID, "symbol", run.Symbol, "timeframe", run.Timeframe)
	started := time.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	bars, providerName, err := o.fetch(fetchCtx, run)
	if err != nil {
		o.finishWithError(ctx, run, err, log)
		return
	}

	written, err := o.writeBatched(ctx, run, bars)
	if err != nil {
		log.Error("storing bars failed", "err", err)
		if ferr := o.jobs.Fail(ctx, run.ID, domain.ErrCodeStorageConflict, err.Error(), time.Now().UTC()); ferr != nil {
			log.Error("marking run failed", "err", ferr)
		}
		return
	}

	now := time.Now().UTC()
	if err := o.jobs.Complete(ctx, run.ID, written, now); err != nil {
		// The sweeper may have reclaimed the run; the bars are still stored
		// and idempotent, so losing the race only costs a duplicate fetch.
		log.Warn("completing run lost to concurrent transition", "err", err)
		return
	}

	def, err := o.jobs.GetDefinition(ctx, run.Symbol, run.Timeframe)
	if err == nil {
		if _, err := o.tracker.Recompute(ctx, run.Symbol, run.Timeframe, def.Window(now), providerName, now); err != nil {
			log.Error("recomputing coverage failed", "err", err)
		}
	}

	log.Info("run complete",
		"provider", providerName,
		"rows", written,
		"elapsed", time.Since(started).Round(time.Millisecond))
}

// fetch routes the slice to a provider and returns normalized bars. Slices at
// the h4 timeframe are fetched as h1 and aggregated locally, since vendor h4
// buckets do not follow our alignment.
func (o *Orchestrator) fetch(ctx context.Context, run *domain.JobRun) ([]domain.Bar, string, error) {
	p, err := o.router.Route(run.Timeframe, run.Slice(), time.Now().UTC())
	if err != nil {
		return nil, "", provider.NewError("router", domain.ErrCodeProviderUnavailable, err)
	}
	if err := o.jobs.SetRunProvider(ctx, run.ID, p.Name()); err != nil {
		o.log.Warn("recording run provider failed", "run", run.ID, "err", err)
	}

	fetchTF := run.Timeframe
	if fetchTF == domain.TimeframeH4 {
		fetchTF = domain.TimeframeH1
	}

	bars, err := p.FetchBars(ctx, run.Symbol, fetchTF, run.SliceFrom, run.SliceTo)
	if err != nil {
		return nil, p.Name(), err
	}

	if fetchTF != run.Timeframe {
		bars, err = resample.Resample(bars, run.Timeframe, run.SliceFrom, run.SliceTo, resample.SessionAll)
		if err != nil {
			return nil, p.Name(), provider.NewError(p.Name(), domain.ErrCodeProviderUnavailable,
				fmt.Errorf("aggregating %s to %s: %w", fetchTF, run.Timeframe, err))
		}
	}

	// Drop rows the vendor returned outside the slice or malformed.
	valid := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(run.SliceFrom) || !b.Timestamp.Before(run.SliceTo) {
			continue
		}
		if err := b.Validate(); err != nil {
			o.log.Warn("dropping malformed bar", "run", run.ID, "err", err)
			continue
		}
		valid = append(valid, b)
	}
	return valid, p.Name(), nil
}

// writeBatched upserts bars in BatchSize chunks, reporting progress after
// each chunk so long slices stay observable.
func (o *Orchestrator) writeBatched(ctx context.Context, run *domain.JobRun, bars []domain.Bar) (int64, error) {
	var written int64
	for start := 0; start < len(bars); start += o.opts.BatchSize {
		end := start + o.opts.BatchSize
		if end > len(bars) {
			end = len(bars)
		}
		n, err := o.bars.UpsertBars(ctx, bars[start:end], run.ID)
		written += n
		if err != nil {
			return written, err
		}
		if err := o.jobs.MarkProgress(ctx, run.ID, written); err != nil {
			o.log.Warn("recording progress failed", "run", run.ID, "err", err)
		}
	}
	return written, nil
}

// finishWithError applies the error taxonomy to a failed fetch.
func (o *Orchestrator) finishWithError(ctx context.Context, run *domain.JobRun, err error, log *slog.Logger) {
	code := provider.Code(err)
	now := time.Now().UTC()

	switch {
	case code == domain.ErrCodeRateLimit:
		// Rate limiting is backpressure, not failure: back off and requeue.
		backoff := provider.RetryAfter(err)
		if backoff <= 0 {
			backoff = expBackoff(run.Attempts)
		}
		log.Warn("rate limited, requeueing", "backoff", backoff)
		if rerr := o.jobs.Requeue(ctx, run.ID, code, now.Add(backoff)); rerr != nil {
			log.Error("requeueing rate-limited run", "err", rerr)
		}

	case provider.Terminal(code):
		log.Error("run failed terminally", "code", code, "err", err)
		if ferr := o.jobs.Fail(ctx, run.ID, code, err.Error(), now); ferr != nil {
			log.Error("marking run failed", "err", ferr)
		}

	case run.Attempts+1 < o.opts.MaxAttempts:
		backoff := expBackoff(run.Attempts)
		log.Warn("transient failure, requeueing", "code", code, "backoff", backoff, "err", err)
		if rerr := o.jobs.Requeue(ctx, run.ID, code, now.Add(backoff)); rerr != nil {
			log.Error("requeueing run", "err", rerr)
		}

	default:
		log.Error("retry budget exhausted", "code", code, "attempts", run.Attempts+1, "err", err)
		if ferr := o.jobs.Fail(ctx, run.ID, code, err.Error(), now); ferr != nil {
			log.Error("marking run failed", "err", ferr)
		}
	}
}

// expBackoff returns the delay before retry number attempt+1, capped at five
// minutes.
func expBackoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 0; i < attempt && d < 5*time.Minute; i++ {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
