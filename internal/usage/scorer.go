// Package usage turns a daily activity series into a bounded usage score.
//
// The score compares the latest trailing moving average against a saturation
// threshold and subtracts a penalty when usage has dropped sharply over the
// trend period. Valid scores always fall in [MinScore, MaxScore]; a series too
// short to measure a trend yields ErrInsufficientData instead of a score.
package usage

import (
	"errors"
	"fmt"
	"math"
)

const (
	MinScore = 1
	MaxScore = 10

	// penaltyScale is the largest penalty a complete drop to zero can cost.
	penaltyScale = 5
)

var (
	// ErrInsufficientData means the series is shorter than the trend period.
	// Callers must treat it as "no score available", not as low usage.
	ErrInsufficientData = errors.New("insufficient usage data")

	// ErrInvalidSeries is returned for malformed series or parameters.
	ErrInvalidSeries = errors.New("invalid usage series")
)

// Score is a usage intensity class in [MinScore, MaxScore].
type Score int

// Params tunes the scorer.
type Params struct {
	// Threshold is the daily average in seconds at which the score saturates.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// WindowSize is the moving average window in days.
	WindowSize int `json:"window_size" yaml:"window_size"`
	// TrendPeriod is how many days back the older average is taken.
	TrendPeriod int `json:"trend_period" yaml:"trend_period"`
	// TrendThreshold is the fraction of the older average below which the
	// recent average counts as a decline.
	TrendThreshold float64 `json:"trend_threshold" yaml:"trend_threshold"`
}

// DefaultParams returns the standard scoring parameters.
func DefaultParams() Params {
	return Params{
		Threshold:      300,
		WindowSize:     7,
		TrendPeriod:    14,
		TrendThreshold: 0.8,
	}
}

// Validate reports whether p can produce a score.
func (p Params) Validate() error {
	switch {
	case !(p.Threshold > 0):
		return fmt.Errorf("%w: threshold must be positive, got %v", ErrInvalidSeries, p.Threshold)
	case p.WindowSize < 1:
		return fmt.Errorf("%w: window size must be at least 1, got %d", ErrInvalidSeries, p.WindowSize)
	case p.TrendPeriod < 1:
		return fmt.Errorf("%w: trend period must be at least 1, got %d", ErrInvalidSeries, p.TrendPeriod)
	case !(p.TrendThreshold > 0):
		return fmt.Errorf("%w: trend threshold must be positive, got %v", ErrInvalidSeries, p.TrendThreshold)
	}
	return nil
}

// Assessment carries the intermediate values behind a score.
type Assessment struct {
	Score    Score   `json:"score"`
	RecentMA float64 `json:"recent_ma"`
	OlderMA  float64 `json:"older_ma"`
	Base     float64 `json:"base"`
	Penalty  float64 `json:"penalty"`
	Declined bool    `json:"declined"`
}

// Compute scores the series with the given parameters.
func Compute(s Series, p Params) (Score, error) {
	a, err := Evaluate(s, p)
	if err != nil {
		return 0, err
	}
	return a.Score, nil
}

// Evaluate scores the series and returns the full assessment.
func Evaluate(s Series, p Params) (Assessment, error) {
	if err := p.Validate(); err != nil {
		return Assessment{}, err
	}
	if err := s.Validate(); err != nil {
		return Assessment{}, err
	}
	if len(s) < p.TrendPeriod {
		return Assessment{}, fmt.Errorf("%w: %d days, need %d", ErrInsufficientData, len(s), p.TrendPeriod)
	}

	ma := MovingAverage(s, p.WindowSize)
	a := Assessment{
		RecentMA: ma[len(ma)-1],
		OlderMA:  ma[len(ma)-p.TrendPeriod],
	}

	a.Base = baseScore(a.RecentMA, p.Threshold)
	if a.RecentMA < a.OlderMA*p.TrendThreshold {
		a.Declined = true
		a.Penalty = (1 - a.RecentMA/a.OlderMA) * penaltyScale
	}

	a.Score = clamp(math.RoundToEven(a.Base - a.Penalty))
	return a, nil
}

// baseScore maps a moving average linearly onto [0, MaxScore], saturating at
// the threshold.
func baseScore(recent, threshold float64) float64 {
	if recent >= threshold {
		return MaxScore
	}
	return recent / threshold * MaxScore
}

func clamp(v float64) Score {
	switch {
	case v < MinScore:
		return MinScore
	case v > MaxScore:
		return MaxScore
	}
	return Score(v)
}
