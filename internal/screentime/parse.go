package screentime

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/subtrack/subtrack/internal/usage"
)

const (
	colDate     = "Date"
	colSeconds  = "Time Spent (seconds)"
	colActivity = "Activity"
)

var dateLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Activity is a parsed report: one daily series per activity, all spanning
// the same date range.
type Activity struct {
	start, end time.Time
	series     map[string]usage.Series
}

// Parse reads an interval report in CSV form. Rows for the same date and
// activity are summed and days without a row for an activity count as zero.
func Parse(r io.Reader) (*Activity, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Activity{series: map[string]usage.Series{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("screentime: read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range []string{colDate, colSeconds, colActivity} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("screentime: missing column %q", name)
		}
	}

	totals := make(map[string]map[time.Time]float64)
	var start, end time.Time
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("screentime: line %d: %w", line, err)
		}

		field := func(name string) (string, error) {
			i := cols[name]
			if i >= len(rec) {
				return "", fmt.Errorf("screentime: line %d: missing %q", line, name)
			}
			return strings.TrimSpace(rec[i]), nil
		}

		rawDate, err := field(colDate)
		if err != nil {
			return nil, err
		}
		date, err := parseDate(rawDate)
		if err != nil {
			return nil, fmt.Errorf("screentime: line %d: %w", line, err)
		}
		rawSeconds, err := field(colSeconds)
		if err != nil {
			return nil, err
		}
		seconds, err := strconv.ParseFloat(rawSeconds, 64)
		if err != nil || seconds < 0 {
			return nil, fmt.Errorf("screentime: line %d: invalid duration %q", line, rawSeconds)
		}
		name, err := field(colActivity)
		if err != nil {
			return nil, err
		}

		if totals[name] == nil {
			totals[name] = make(map[time.Time]float64)
		}
		totals[name][date] += seconds

		if start.IsZero() || date.Before(start) {
			start = date
		}
		if date.After(end) {
			end = date
		}
	}

	a := &Activity{start: start, end: end, series: make(map[string]usage.Series, len(totals))}
	for name, byDay := range totals {
		s := make(usage.Series, 0, len(byDay))
		for d, secs := range byDay {
			s = append(s, usage.Day{Date: d, Seconds: secs})
		}
		sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
		a.series[name] = span(s, start, end)
	}
	return a, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// span pads a sorted series with zero days so it covers start..end.
func span(s usage.Series, start, end time.Time) usage.Series {
	if len(s) == 0 || !s[0].Date.Equal(start) {
		s = append(usage.Series{{Date: start}}, s...)
	}
	if !s[len(s)-1].Date.Equal(end) {
		s = append(s, usage.Day{Date: end})
	}
	return usage.FillGaps(s)
}

// Series returns the daily series for an activity. Names are matched
// exactly first, then case-insensitively against the sorted names, so
// the first one in byte order wins when several differ only by case.
func (a *Activity) Series(name string) (usage.Series, error) {
	if s, ok := a.series[name]; ok {
		return s, nil
	}
	for _, n := range a.Names() {
		if strings.EqualFold(n, name) {
			return a.series[n], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrActivityNotFound, name)
}

// Names lists the activities in the report, sorted.
func (a *Activity) Names() []string {
	names := make([]string, 0, len(a.series))
	for n := range a.series {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Days is the number of calendar days the report covers.
func (a *Activity) Days() int {
	if a.start.IsZero() {
		return 0
	}
	return int(a.end.Sub(a.start).Hours()/24) + 1
}
