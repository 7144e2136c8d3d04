// Package orchestrator drives the coverage pipeline: it turns enabled job
// definitions into bounded fetch slices, dispatches claimed slices to
// workers, and sweeps runs whose workers died.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"barfill/internal/coverage"
	"barfill/internal/domain"
	"barfill/internal/provider"
	"barfill/internal/store"
)

// Options tunes the orchestrator.
type Options struct {
	TickInterval  time.Duration
	MaxConcurrent int
	MaxAttempts   int
	FetchTimeout  time.Duration
	BatchSize     int

	// StuckTimeout is the sweep budget for intraday runs; daily and weekly
	// runs get triple.
	StuckTimeout time.Duration

	// MaxSliceHours bounds the slice length per timeframe.
	MaxSliceHours map[domain.Timeframe]int
}

// Orchestrator owns the scheduler, the dispatch loop, and the worker pool.
type Orchestrator struct {
	jobs    store.JobStore
	bars    store.BarStore
	tracker *coverage.Tracker
	router  *provider.Router
	opts    Options

	cron    *gocron.Scheduler
	wg      sync.WaitGroup
	stopped chan struct{}
	log     *slog.Logger
}

// New creates an Orchestrator.
func New(jobs store.JobStore, bars store.BarStore, tracker *coverage.Tracker, router *provider.Router, opts Options) *Orchestrator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		jobs:    jobs,
		bars:    bars,
		tracker: tracker,
		router:  router,
		opts:    opts,
		cron:    gocron.NewScheduler(time.UTC),
		stopped: make(chan struct{}),
		log:     slog.Default().With("component", "orchestrator"),
	}
}

// Start launches the tick and sweep jobs plus the dispatch loop. It returns
// immediately; Stop shuts everything down.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.cron.Every(int(o.opts.TickInterval.Seconds())).Seconds().Do(func() {
		if err := o.Tick(ctx, time.Now().UTC()); err != nil {
			o.log.Error("tick failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}

	if _, err := o.cron.Every(1).Minute().Do(func() {
		swept, err := o.jobs.SweepStuck(ctx, time.Now().UTC(), o.StuckTimeoutFor, o.opts.MaxAttempts)
		if err != nil {
			o.log.Error("sweep failed", "err", err)
			return
		}
		if swept > 0 {
			o.log.Warn("swept stuck runs", "count", swept)
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	o.cron.StartAsync()

	o.wg.Add(1)
	go o.dispatchLoop(ctx)

	o.log.Info("orchestrator started",
		"tick", o.opts.TickInterval,
		"maxConcurrent", o.opts.MaxConcurrent)
	return nil
}

// Stop halts scheduling and waits for in-flight workers to finish.
func (o *Orchestrator) Stop() {
	o.cron.Stop()
	close(o.stopped)
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
}

// StuckTimeoutFor returns the sweep timeout for a timeframe. Daily and weekly
// slices cover long ranges and get triple the base budget.
func (o *Orchestrator) StuckTimeoutFor(tf domain.Timeframe) time.Duration {
	if tf.Intraday() {
		return o.opts.StuckTimeout
	}
	return 3 * o.opts.StuckTimeout
}

// Tick scans every enabled definition for coverage gaps and enqueues bounded
// slices for them. A failure on one definition does not stop the others.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) error {
	defs, err := o.jobs.ListEnabledDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("listing definitions: %w", err)
	}

	var firstErr error
	for _, def := range defs {
		if err := o.scheduleDefinition(ctx, def, now); err != nil {
			o.log.Error("scheduling definition failed",
				"symbol", def.Symbol, "timeframe", def.Timeframe, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// scheduleDefinition enqueues one run per uncovered slice of the definition's
// window.
func (o *Orchestrator) scheduleDefinition(ctx context.Context, def domain.JobDefinition, now time.Time) error {
	gaps, err := o.tracker.FindGaps(ctx, def.Symbol, def.Timeframe, def.Window(now), now)
	if err != nil {
		return err
	}

	maxSlice := o.maxSliceFor(def.Timeframe)
	enqueued := 0
	for _, gap := range gaps {
		for _, slice := range coverage.SplitRange(gap, maxSlice) {
			run := domain.JobRun{
				JobDefinitionID: def.ID,
				Symbol:          def.Symbol,
				Timeframe:       def.Timeframe,
				SliceFrom:       slice.Start,
				SliceTo:         slice.End,
				Priority:        def.Priority,
			}
			_, created, err := o.jobs.Enqueue(ctx, &run)
			if err != nil {
				return fmt.Errorf("enqueueing slice %v: %w", slice, err)
			}
			if created {
				enqueued++
			}
		}
	}
	if enqueued > 0 {
		o.log.Info("enqueued slices",
			"symbol", def.Symbol, "timeframe", def.Timeframe, "count", enqueued)
	}
	return nil
}

func (o *Orchestrator) maxSliceFor(tf domain.Timeframe) time.Duration {
	if hours, ok := o.opts.MaxSliceHours[tf]; ok && hours > 0 {
		return time.Duration(hours) * time.Hour
	}
	// Without an explicit bound, one slice per hundred buckets.
	return 100 * tf.Period()
}

// dispatchLoop claims due runs and hands them to workers, keeping the number
// of running runs at or below MaxConcurrent. The cap is enforced against the
// store's running count, so it holds across restarts and multiple processes.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopped:
			return
		case <-ticker.C:
		}

		for {
			running, err := o.jobs.CountRunning(ctx)
			if err != nil {
				o.log.Error("counting running jobs", "err", err)
				break
			}
			if running >= o.opts.MaxConcurrent {
				break
			}

			run, ok, err := o.jobs.ClaimNext(ctx, time.Now().UTC())
			if err != nil {
				o.log.Error("claiming run", "err", err)
				break
			}
			if !ok {
				break
			}

			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.process(ctx, run)
			}()
		}
	}
}

// ---------------------------------------------------------------------------
// External contract
// ---------------------------------------------------------------------------

// EnsureCoverage registers (or refreshes) definitions for the symbol and
// schedules any missing slices immediately instead of waiting for the next
// tick. It returns the definitions it touched.
func (o *Orchestrator) EnsureCoverage(ctx context.Context, symbol string, timeframes []domain.Timeframe, windowDays, priority int) ([]domain.JobDefinition, error) {
	if symbol == "" {
		return nil, errors.New("symbol required")
	}
	if windowDays <= 0 {
		return nil, fmt.Errorf("window days must be positive, got %d", windowDays)
	}

	now := time.Now().UTC()
	defs := make([]domain.JobDefinition, 0, len(timeframes))
	for _, tf := range timeframes {
		if !tf.Valid() {
			return nil, fmt.Errorf("invalid timeframe %q", tf)
		}
		def := domain.JobDefinition{
			Symbol:     symbol,
			Timeframe:  tf,
			WindowDays: windowDays,
			Priority:   priority,
		}
		if err := o.jobs.UpsertDefinition(ctx, &def); err != nil {
			return nil, fmt.Errorf("upserting definition %s/%s: %w", symbol, tf, err)
		}
		if err := o.scheduleDefinition(ctx, def, now); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ReadBars exposes the stored, deduplicated bar series.
func (o *Orchestrator) ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	return o.bars.ReadBars(ctx, symbol, tf, from, to)
}
