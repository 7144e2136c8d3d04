package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRateLimiterEnforcesDelay(t *testing.T) {
	rl := NewRateLimiter(600, 1) // 10/sec -> 100ms between tokens

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second token handed out after %v, want >=50ms of throttling", elapsed)
	}
}

func TestRateLimiterContextCancel(t *testing.T) {
	rl := NewRateLimiter(1, 1) // one token per minute

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait under exhausted bucket returned %v, want deadline exceeded", err)
	}
}

func TestInRTH(t *testing.T) {
	ny := NewYork()
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"mid session", time.Date(2025, 6, 11, 12, 0, 0, 0, ny), true},
		{"session open", time.Date(2025, 6, 11, 9, 30, 0, 0, ny), true},
		{"before open", time.Date(2025, 6, 11, 9, 15, 0, 0, ny), false},
		{"at close", time.Date(2025, 6, 11, 16, 0, 0, 0, ny), false},
		{"after hours", time.Date(2025, 6, 11, 19, 0, 0, 0, ny), false},
		{"saturday", time.Date(2025, 6, 14, 12, 0, 0, 0, ny), false},
	}
	for _, c := range cases {
		if got := InRTH(c.t); got != c.want {
			t.Errorf("InRTH(%s) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSameSessionDay(t *testing.T) {
	ny := NewYork()
	a := time.Date(2025, 6, 11, 9, 30, 0, 0, ny)
	b := time.Date(2025, 6, 11, 15, 59, 0, 0, ny)
	if !SameSessionDay(a, b) {
		t.Error("same ET day should match")
	}
	// 11 Jun 23:00 ET is 12 Jun 03:00 UTC; still the same session day as a.
	c := time.Date(2025, 6, 12, 3, 0, 0, 0, time.UTC)
	if !SameSessionDay(a, c) {
		t.Error("late-evening UTC timestamp should map back to the same ET day")
	}
	d := time.Date(2025, 6, 12, 12, 0, 0, 0, ny)
	if SameSessionDay(a, d) {
		t.Error("different ET days should not match")
	}
}

func TestLatestFinishedSessionDay(t *testing.T) {
	ny := NewYork()
	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"wednesday after close",
			time.Date(2025, 6, 11, 17, 0, 0, 0, ny),
			time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			"wednesday mid session",
			time.Date(2025, 6, 11, 12, 0, 0, 0, ny),
			time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			"sunday",
			time.Date(2025, 6, 15, 12, 0, 0, 0, ny),
			time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC),
		},
		{
			"monday before close",
			time.Date(2025, 6, 16, 9, 0, 0, 0, ny),
			time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, c := range cases {
		if got := LatestFinishedSessionDay(c.now); !got.Equal(c.want) {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}
