package summary

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/estimate"
)

// fixture builds a result with two pre days and the given post points.
func fixture(actual, predicted, drawSums []float64) *estimate.Result {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []estimate.Point{
		{Date: start, Actual: 1, Predicted: 1},
		{Date: start.AddDate(0, 0, 1), Actual: 2, Predicted: 2},
	}
	cum := 0.0
	for i := range actual {
		effect := actual[i] - predicted[i]
		cum += effect
		points = append(points, estimate.Point{
			Date:             start.AddDate(0, 0, 2+i),
			Actual:           actual[i],
			Predicted:        predicted[i],
			PointEffect:      effect,
			CumulativeEffect: cum,
			Post:             true,
		})
	}
	return &estimate.Result{
		Points:       points,
		Model:        estimate.Model{PreDays: 2, PostDays: len(actual), ConfidenceLevel: 0.95},
		PostDrawSums: drawSums,
	}
}

// spread returns n draw sums evenly spaced over [lo, hi].
func spread(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}

func TestSummarize_Formulas(t *testing.T) {
	res := fixture([]float64{12, 14, 16}, []float64{10, 10, 10}, spread(27, 33, 101))
	s, err := Summarize(res, 45000, 3000, 0.05)
	require.NoError(t, err)

	assert.InDelta(t, 42, s.TotalObservedSales, 1e-9)
	assert.InDelta(t, 30, s.PredictedSalesWithoutCarreport, 1e-9)
	assert.InDelta(t, 12, s.AdditionalSalesFromCarreport, 1e-9)
	require.NotNil(t, s.RelativeEffectPercentage)
	assert.InDelta(t, 40, *s.RelativeEffectPercentage, 1e-9)
	assert.InDelta(t, 12*45000, s.RevenueImpact, 1e-6)
	assert.InDelta(t, 12*3000, s.MarginImpact, 1e-6)
	assert.Equal(t, 45000.0, s.AverageOrderValue)
	assert.Equal(t, 3000.0, s.AverageMargin)

	// Every draw is below the observed 42.
	assert.InDelta(t, 2.0/102, s.PValue, 1e-12)
	assert.True(t, s.IsStatisticallySignificant)
}

func TestSummarize_ConfidenceIntervalOrdering(t *testing.T) {
	tests := []struct {
		name     string
		actual   []float64
		drawSums []float64
	}{
		{"centered draws", []float64{10, 10, 10}, spread(25, 35, 201)},
		{"draws all above actual", []float64{10, 10, 10}, spread(40, 50, 201)},
		{"draws all below actual", []float64{20, 20, 20}, spread(25, 35, 201)},
		{"single draw", []float64{11, 11, 11}, []float64{30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := fixture(tt.actual, []float64{10, 10, 10}, tt.drawSums)
			s, err := Summarize(res, 1, 1, 0.05)
			require.NoError(t, err)
			require.NotNil(t, s.RelativeEffectPercentage)
			require.Len(t, s.ConfidenceInterval, 2)
			assert.LessOrEqual(t, s.ConfidenceInterval[0], *s.RelativeEffectPercentage)
			assert.LessOrEqual(t, *s.RelativeEffectPercentage, s.ConfidenceInterval[1])
		})
	}
}

func TestSummarize_IntervalFromDraws(t *testing.T) {
	// Observed total 30 with draws from 20 to 40: the 97.5% draw (39.5) bounds
	// the effect from below and the 2.5% draw (20.5) from above.
	res := fixture([]float64{10, 10, 10}, []float64{10, 10, 10}, spread(20, 40, 1001))
	s, err := Summarize(res, 1, 1, 0.05)
	require.NoError(t, err)

	assert.InDelta(t, -24.05, s.ConfidenceInterval[0], 0.3)
	assert.InDelta(t, 46.3, s.ConfidenceInterval[1], 0.6)
	assert.InDelta(t, 1.0, s.PValue, 0.01)
	assert.False(t, s.IsStatisticallySignificant)
}

func TestSummarize_ZeroPredictionLeavesRelativeUndefined(t *testing.T) {
	res := fixture([]float64{1, 2, 3}, []float64{-1, 0, 1}, spread(-3, 3, 11))
	s, err := Summarize(res, 45000, 3000, 0.05)
	require.NoError(t, err)

	assert.Nil(t, s.RelativeEffectPercentage)
	assert.Nil(t, s.ConfidenceInterval)
	assert.InDelta(t, 6, s.AdditionalSalesFromCarreport, 1e-9)
}

func TestSummarize_RejectsNonPositiveBusinessParameters(t *testing.T) {
	res := fixture([]float64{1}, []float64{1}, []float64{1})
	for _, tc := range []struct{ aov, margin float64 }{{0, 1}, {1, 0}, {-5, 1}, {1, -5}} {
		_, err := Summarize(res, tc.aov, tc.margin, 0.05)
		var reqErr *api.InvalidRequestError
		assert.True(t, errors.As(err, &reqErr), "aov=%v margin=%v", tc.aov, tc.margin)
	}
}

func TestPValue(t *testing.T) {
	draws := spread(0, 100, 101)

	assert.InDelta(t, 1.0, PValue(draws, 50), 1e-12)
	assert.InDelta(t, 2.0/102, PValue(draws, 1000), 1e-12)
	assert.InDelta(t, 2.0/102, PValue(draws, -1000), 1e-12)
	// 3 draws (0, 1, 2) at or below 2, plus the observation itself.
	assert.InDelta(t, 2*4.0/102, PValue(draws, 2), 1e-12)
}
