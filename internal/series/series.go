// Package series aligns raw dealer observations onto a complete daily
// calendar.
package series

import (
	"math"
	"sort"
	"time"

	"github.com/carreport/dealer-impact/internal/api"
)

// Frame is a gap-free daily series covering [Start, End] inclusive.
// A Frame is immutable once built; accessors return copies.
type Frame struct {
	start     time.Time
	primary   []float64
	covariate []float64
}

// Len returns the number of days in the frame.
func (f *Frame) Len() int { return len(f.primary) }

// Start returns the first day of the frame.
func (f *Frame) Start() time.Time { return f.start }

// End returns the last day of the frame.
func (f *Frame) End() time.Time { return f.Date(f.Len() - 1) }

// Date returns the calendar day at index i.
func (f *Frame) Date(i int) time.Time { return f.start.AddDate(0, 0, i) }

// Dates returns every day of the frame in order.
func (f *Frame) Dates() []time.Time {
	dates := make([]time.Time, f.Len())
	for i := range dates {
		dates[i] = f.Date(i)
	}
	return dates
}

// Primary returns a copy of the primary metric.
func (f *Frame) Primary() []float64 { return append([]float64(nil), f.primary...) }

// Covariate returns a copy of the covariate metric.
func (f *Frame) Covariate() []float64 { return append([]float64(nil), f.covariate...) }

// Index returns the position of day d in the frame.
func (f *Frame) Index(d time.Time) (int, bool) {
	i := api.DaysBetween(f.start, d)
	if i < 0 || i >= f.Len() {
		return 0, false
	}
	return i, true
}

// known is one observed value at a day offset from the frame start.
type known struct {
	offset int
	value  float64
}

// Prepare reindexes obs onto every day of [start, end] and fills missing days
// by linear interpolation between the nearest observed days on each side.
//
// Observations outside the range never appear in the frame but still serve
// as interpolation anchors. Duplicate days keep the last value in input
// order, and non-finite values count as missing. When the first or last day
// of the range has no observation on or beyond it the gap cannot be
// interpolated and an *api.InsufficientDataError names that day.
func Prepare(obs []api.Observation, start, end time.Time) (*Frame, error) {
	start, end = api.Day(start), api.Day(end)
	if start.After(end) {
		return nil, &api.InvalidRequestError{
			Field:  "start_date",
			Reason: "start date " + api.FormatDate(start) + " is after end date " + api.FormatDate(end),
		}
	}
	n := api.DaysBetween(start, end) + 1

	primary := make(map[int]float64)
	covariate := make(map[int]float64)
	for _, o := range obs {
		off := api.DaysBetween(start, o.Date)
		if isFinite(o.Primary) {
			primary[off] = o.Primary
		} else {
			delete(primary, off)
		}
		if isFinite(o.Covariate) {
			covariate[off] = o.Covariate
		} else {
			delete(covariate, off)
		}
	}

	p, err := fill(primary, n, start, "sales")
	if err != nil {
		return nil, err
	}
	c, err := fill(covariate, n, start, "baseline_sales")
	if err != nil {
		return nil, err
	}

	return &Frame{start: start, primary: p, covariate: c}, nil
}

// fill interpolates one metric onto days [0, n). Offsets outside that range
// are anchors only.
func fill(values map[int]float64, n int, start time.Time, metric string) ([]float64, error) {
	points := make([]known, 0, len(values))
	for off, v := range values {
		points = append(points, known{offset: off, value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].offset < points[j].offset })

	if len(points) == 0 || points[0].offset > 0 {
		return nil, &api.InsufficientDataError{
			Date:   start,
			Reason: "no " + metric + " observation on or before the first day of the range; extrapolation is not allowed",
		}
	}
	if points[len(points)-1].offset < n-1 {
		return nil, &api.InsufficientDataError{
			Date:   start.AddDate(0, 0, n-1),
			Reason: "no " + metric + " observation on or after the last day of the range; extrapolation is not allowed",
		}
	}

	out := make([]float64, n)
	k := 0
	for i := 0; i < n; i++ {
		for k+1 < len(points) && points[k+1].offset <= i {
			k++
		}
		left := points[k]
		if left.offset == i {
			out[i] = left.value
			continue
		}
		right := points[k+1]
		frac := float64(i-left.offset) / float64(right.offset-left.offset)
		out[i] = left.value + frac*(right.value-left.value)
	}
	return out, nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
