package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"barfill/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeBar(symbol string, tf domain.Timeframe, ts time.Time, close float64) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: ts,
		Open:      decimal.NewFromFloat(close - 1),
		High:      decimal.NewFromFloat(close + 2),
		Low:       decimal.NewFromFloat(close - 2),
		Close:     decimal.NewFromFloat(close),
		Volume:    1000,
		Provider:  "alpaca",
	}
}

func TestUpsertBarsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)
	bars := []domain.Bar{
		makeBar("AAPL", domain.TimeframeM15, base, 190),
		makeBar("AAPL", domain.TimeframeM15, base.Add(15*time.Minute), 191),
	}

	if _, err := s.UpsertBars(ctx, bars, "run-1"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// Same batch again with a revised close: must overwrite, not duplicate.
	bars[0].Close = decimal.NewFromFloat(195)
	if _, err := s.UpsertBars(ctx, bars, "run-2"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.ReadBars(ctx, "AAPL", domain.TimeframeM15, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromFloat(195)) {
		t.Errorf("first bar close = %s, want 195 (overwrite lost)", got[0].Close)
	}
}

func TestUpsertBarsRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	bad := makeBar("AAPL", domain.TimeframeH1, time.Now().UTC(), 100)
	bad.High = decimal.NewFromFloat(50) // high below close

	if _, err := s.UpsertBars(context.Background(), []domain.Bar{bad}, "run-1"); err == nil {
		t.Fatal("expected validation error for inconsistent bar")
	}
}

func TestReadBarsExcludesForecast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	actual := makeBar("SPY", domain.TimeframeD1, ts, 500)
	forecast := makeBar("SPY", domain.TimeframeD1, ts.Add(24*time.Hour), 505)
	forecast.IsForecast = true

	if _, err := s.UpsertBars(ctx, []domain.Bar{actual, forecast}, "run-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ReadBars(ctx, "SPY", domain.TimeframeD1, ts, ts.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ReadBars returned %d bars, want 1 (forecast must be excluded)", len(got))
	}
	if got[0].IsForecast {
		t.Error("forecast bar leaked into read")
	}
}

func TestCoveredRangesMergesAdjacent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)

	// Three contiguous hours, then a gap, then one more hour.
	bars := []domain.Bar{
		makeBar("MSFT", domain.TimeframeH1, base, 400),
		makeBar("MSFT", domain.TimeframeH1, base.Add(time.Hour), 401),
		makeBar("MSFT", domain.TimeframeH1, base.Add(2*time.Hour), 402),
		makeBar("MSFT", domain.TimeframeH1, base.Add(5*time.Hour), 405),
	}
	if _, err := s.UpsertBars(ctx, bars, "run-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ranges, err := s.CoveredRanges(ctx, "MSFT", domain.TimeframeH1, base, base.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("CoveredRanges: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("got %d ranges, want 2: %v", len(ranges), ranges)
	}
	if !ranges[0].Start.Equal(base) || !ranges[0].End.Equal(base.Add(3*time.Hour)) {
		t.Errorf("first range = %v", ranges[0])
	}
	if !ranges[1].Start.Equal(base.Add(5*time.Hour)) || !ranges[1].End.Equal(base.Add(6*time.Hour)) {
		t.Errorf("second range = %v", ranges[1])
	}
}

func TestEnqueueNoDuplicateOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	from := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	first := domain.JobRun{Symbol: "AAPL", Timeframe: domain.TimeframeH1, SliceFrom: from, SliceTo: to}
	id1, created, err := s.Enqueue(ctx, &first)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !created {
		t.Fatal("first enqueue reported created=false")
	}

	// Overlapping slice for the same key must not create a second run.
	overlap := domain.JobRun{
		Symbol: "AAPL", Timeframe: domain.TimeframeH1,
		SliceFrom: from.Add(12 * time.Hour), SliceTo: to.Add(12 * time.Hour),
	}
	id2, created, err := s.Enqueue(ctx, &overlap)
	if err != nil {
		t.Fatalf("overlapping enqueue: %v", err)
	}
	if created {
		t.Error("overlapping enqueue created a duplicate run")
	}
	if id2 != id1 {
		t.Errorf("overlapping enqueue returned id %s, want existing %s", id2, id1)
	}

	// A different timeframe is a different key and must be accepted.
	other := domain.JobRun{Symbol: "AAPL", Timeframe: domain.TimeframeD1, SliceFrom: from, SliceTo: to}
	if _, created, err = s.Enqueue(ctx, &other); err != nil || !created {
		t.Fatalf("enqueue for other timeframe: created=%v err=%v", created, err)
	}
}

func TestClaimNextExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Two claimable runs, eight concurrent claimers.
	for i := 0; i < 2; i++ {
		run := domain.JobRun{
			Symbol:    "AAPL",
			Timeframe: domain.TimeframeH1,
			SliceFrom: now.Add(time.Duration(-i-1) * 24 * time.Hour),
			SliceTo:   now.Add(time.Duration(-i) * 24 * time.Hour),
		}
		if _, _, err := s.Enqueue(ctx, &run); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, ok, err := s.ClaimNext(ctx, now)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if ok {
				mu.Lock()
				claimed = append(claimed, run.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 2 {
		t.Fatalf("%d claims succeeded, want exactly 2", len(claimed))
	}
	if claimed[0] == claimed[1] {
		t.Error("the same run was claimed twice")
	}
}

func TestClaimNextOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := domain.JobRun{
		Symbol: "MSFT", Timeframe: domain.TimeframeH1,
		SliceFrom: now.Add(-48 * time.Hour), SliceTo: now.Add(-24 * time.Hour),
		Priority: 1, CreatedAt: now.Add(-time.Hour),
	}
	high := domain.JobRun{
		Symbol: "AAPL", Timeframe: domain.TimeframeH1,
		SliceFrom: now.Add(-48 * time.Hour), SliceTo: now.Add(-24 * time.Hour),
		Priority: 10, CreatedAt: now,
	}
	if _, _, err := s.Enqueue(ctx, &low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, _, err := s.Enqueue(ctx, &high); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	run, ok, err := s.ClaimNext(ctx, now)
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if run.Symbol != "AAPL" {
		t.Errorf("claimed %s first, want high-priority AAPL", run.Symbol)
	}
	if run.Status != domain.JobRunning {
		t.Errorf("claimed run status = %s, want running", run.Status)
	}
	if run.StartedAt == nil {
		t.Error("claimed run has no started_at")
	}
}

func TestRequeueBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := domain.JobRun{
		Symbol: "AAPL", Timeframe: domain.TimeframeM15,
		SliceFrom: now.Add(-2 * time.Hour), SliceTo: now,
	}
	id, _, err := s.Enqueue(ctx, &run)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.ClaimNext(ctx, now); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	notBefore := now.Add(5 * time.Minute)
	if err := s.Requeue(ctx, id, domain.ErrCodeRateLimit, notBefore); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	// Not claimable before the backoff elapses.
	if _, ok, err := s.ClaimNext(ctx, now); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	} else if ok {
		t.Fatal("run claimed before not_before elapsed")
	}

	// Claimable after.
	got, ok, err := s.ClaimNext(ctx, notBefore.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("ClaimNext after backoff: ok=%v err=%v", ok, err)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 after requeue", got.Attempts)
	}
}

func TestCompleteAndFailAreTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := domain.JobRun{
		Symbol: "AAPL", Timeframe: domain.TimeframeD1,
		SliceFrom: now.Add(-24 * time.Hour), SliceTo: now,
	}
	id, _, err := s.Enqueue(ctx, &run)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.ClaimNext(ctx, now); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := s.Complete(ctx, id, 42, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.JobSuccess || got.RowsWritten != 42 {
		t.Errorf("run after Complete = %s rows=%d", got.Status, got.RowsWritten)
	}

	// Terminal runs reject further transitions.
	if err := s.Fail(ctx, id, domain.ErrCodeTimeout, "x", now); err == nil {
		t.Error("Fail succeeded on a terminal run")
	}
	if err := s.Complete(ctx, id, 1, now); err == nil {
		t.Error("Complete succeeded twice")
	}
}

func TestSweepStuck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := domain.JobRun{
		Symbol: "AAPL", Timeframe: domain.TimeframeM15,
		SliceFrom: now.Add(-2 * time.Hour), SliceTo: now,
	}
	id, _, err := s.Enqueue(ctx, &run)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.ClaimNext(ctx, now.Add(-30*time.Minute)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	timeout := func(domain.Timeframe) time.Duration { return 10 * time.Minute }
	swept, err := s.SweepStuck(ctx, now, timeout, 3)
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	got, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.JobFailed || got.ErrorCode != domain.ErrCodeTimeout {
		t.Errorf("swept run = %s/%s, want failed/TIMEOUT", got.Status, got.ErrorCode)
	}

	// A replacement slice must be queued with the attempt counter advanced.
	active, err := s.ActiveRuns(ctx, "AAPL", domain.TimeframeM15)
	if err != nil {
		t.Fatalf("ActiveRuns: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active runs after sweep = %d, want 1 replacement", len(active))
	}
	if active[0].Status != domain.JobQueued || active[0].Attempts != 1 {
		t.Errorf("replacement = %s attempts=%d", active[0].Status, active[0].Attempts)
	}
}

func TestSweepStuckExhaustsRetryBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := domain.JobRun{
		Symbol: "AAPL", Timeframe: domain.TimeframeM15,
		SliceFrom: now.Add(-2 * time.Hour), SliceTo: now,
		Attempts: 2,
	}
	if _, _, err := s.Enqueue(ctx, &run); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := s.ClaimNext(ctx, now.Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	timeout := func(domain.Timeframe) time.Duration { return 10 * time.Minute }
	if _, err := s.SweepStuck(ctx, now, timeout, 3); err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}

	active, err := s.ActiveRuns(ctx, "AAPL", domain.TimeframeM15)
	if err != nil {
		t.Fatalf("ActiveRuns: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("budget-exhausted slice was re-enqueued: %+v", active)
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := domain.JobDefinition{Symbol: "AAPL", Timeframe: domain.TimeframeH1, WindowDays: 30, Priority: 5}
	if err := s.UpsertDefinition(ctx, &def); err != nil {
		t.Fatalf("UpsertDefinition: %v", err)
	}
	if def.ID == 0 {
		t.Fatal("definition ID not assigned")
	}

	// Re-upsert with a wider window must update the same row.
	again := domain.JobDefinition{Symbol: "AAPL", Timeframe: domain.TimeframeH1, WindowDays: 90, Priority: 5}
	if err := s.UpsertDefinition(ctx, &again); err != nil {
		t.Fatalf("second UpsertDefinition: %v", err)
	}
	if again.ID != def.ID {
		t.Errorf("second upsert created new ID %d, want %d", again.ID, def.ID)
	}

	got, err := s.GetDefinition(ctx, "AAPL", domain.TimeframeH1)
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	if got.WindowDays != 90 {
		t.Errorf("WindowDays = %d, want 90", got.WindowDays)
	}

	if err := s.SetDefinitionEnabled(ctx, "AAPL", domain.TimeframeH1, false); err != nil {
		t.Fatalf("SetDefinitionEnabled: %v", err)
	}
	defs, err := s.ListEnabledDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListEnabledDefinitions: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("disabled definition still listed: %+v", defs)
	}

	if err := s.SetDefinitionEnabled(ctx, "TSLA", domain.TimeframeH1, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("enable of unknown definition: err = %v, want ErrNotFound", err)
	}
}

func TestCoverageStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCoverage(ctx, "AAPL", domain.TimeframeD1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCoverage on empty store: err = %v, want ErrNotFound", err)
	}

	cs := domain.CoverageStatus{
		Symbol:        "AAPL",
		Timeframe:     domain.TimeframeD1,
		FromTS:        time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		ToTS:          time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		LastSuccessAt: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		LastProvider:  "tiingo",
	}
	if err := s.PutCoverage(ctx, &cs); err != nil {
		t.Fatalf("PutCoverage: %v", err)
	}

	got, err := s.GetCoverage(ctx, "AAPL", domain.TimeframeD1)
	if err != nil {
		t.Fatalf("GetCoverage: %v", err)
	}
	if !got.FromTS.Equal(cs.FromTS) || !got.ToTS.Equal(cs.ToTS) || got.LastProvider != "tiingo" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
