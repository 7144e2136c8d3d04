package util

import (
	"sync"
	"time"
)

var (
	nyOnce sync.Once
	nyLoc  *time.Location
)

// NewYork returns the America/New_York location, falling back to a fixed
// UTC-5 zone if the tzdata lookup fails.
func NewYork() *time.Location {
	nyOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("ET", -5*60*60)
		}
		nyLoc = loc
	})
	return nyLoc
}

// InRTH reports whether t falls inside the regular trading session,
// 09:30-16:00 exchange-local on a weekday. The 16:00 close is exclusive to
// match the bar-open convention.
func InRTH(t time.Time) bool {
	et := t.In(NewYork())
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := et.Hour()*60 + et.Minute()
	return mins >= 9*60+30 && mins < 16*60
}

// SameSessionDay reports whether a and b fall on the same exchange-local
// calendar day.
func SameSessionDay(a, b time.Time) bool {
	ae := a.In(NewYork())
	be := b.In(NewYork())
	return ae.Year() == be.Year() && ae.YearDay() == be.YearDay()
}

// SessionOpen returns the 09:30 exchange-local session open for the day
// containing t.
func SessionOpen(t time.Time) time.Time {
	et := t.In(NewYork())
	return time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, NewYork())
}

// SessionClose returns the 16:00 exchange-local session close for the day
// containing t.
func SessionClose(t time.Time) time.Time {
	return SessionOpen(t).Add(6*time.Hour + 30*time.Minute)
}

// LatestFinishedSessionDay returns the UTC midnight of the most recent
// weekday whose 16:00 ET close is at or before t. It knows nothing about
// exchange holidays; prefer a trading-calendar lookup when one is available.
func LatestFinishedSessionDay(t time.Time) time.Time {
	et := t.In(NewYork())
	if et.Before(SessionClose(et)) {
		et = et.AddDate(0, 0, -1)
	}
	for et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		et = et.AddDate(0, 0, -1)
	}
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, time.UTC)
}
