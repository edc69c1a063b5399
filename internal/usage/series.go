package usage

import (
	"fmt"
	"math"
	"time"
)

// Day is one day of measured activity for a single subscription.
type Day struct {
	Date    time.Time `json:"date"`
	Seconds float64   `json:"seconds"`
}

// Series is a daily activity time series ordered by date.
type Series []Day

// truncateDay drops the clock part of t, keeping its calendar date in UTC.
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Validate checks that durations are finite and non-negative and that dates
// are strictly increasing by calendar day.
func (s Series) Validate() error {
	var prev time.Time
	for i, d := range s {
		if math.IsNaN(d.Seconds) || math.IsInf(d.Seconds, 0) || d.Seconds < 0 {
			return fmt.Errorf("%w: day %d has duration %v", ErrInvalidSeries, i, d.Seconds)
		}
		day := truncateDay(d.Date)
		if i > 0 && !day.After(prev) {
			return fmt.Errorf("%w: day %d (%s) is not after %s",
				ErrInvalidSeries, i, day.Format(time.DateOnly), prev.Format(time.DateOnly))
		}
		prev = day
	}
	return nil
}

// FillGaps returns a copy of s with one row per calendar day between its
// first and last date, inserting zero-duration days where none were
// recorded. The input must already be valid.
func FillGaps(s Series) Series {
	if len(s) == 0 {
		return Series{}
	}
	first := truncateDay(s[0].Date)
	last := truncateDay(s[len(s)-1].Date)
	days := int(last.Sub(first).Hours()/24) + 1

	out := make(Series, 0, days)
	j := 0
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		seconds := 0.0
		if j < len(s) && truncateDay(s[j].Date).Equal(day) {
			seconds = s[j].Seconds
			j++
		}
		out = append(out, Day{Date: day, Seconds: seconds})
	}
	return out
}

// MovingAverage returns the trailing mean of daily seconds over window days.
// The first window-1 entries average over however many days are available.
func MovingAverage(s Series, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(s))
	for i := range s {
		start := max(0, i-window+1)
		sum := 0.0
		for _, d := range s[start : i+1] {
			sum += d.Seconds
		}
		out[i] = sum / float64(i-start+1)
	}
	return out
}
