package estimate

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/series"
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// buildFrame prepares a frame from generated primary/covariate values.
func buildFrame(t *testing.T, primary, covariate []float64) *series.Frame {
	t.Helper()
	obs := make([]api.Observation, len(primary))
	for i := range primary {
		obs[i] = api.Observation{Date: start.AddDate(0, 0, i), Primary: primary[i], Covariate: covariate[i]}
	}
	f, err := series.Prepare(obs, start, start.AddDate(0, 0, len(primary)-1))
	require.NoError(t, err)
	return f
}

func window(pre, total int) api.Window {
	return api.Window{
		Start:        start,
		Intervention: start.AddDate(0, 0, pre),
		End:          start.AddDate(0, 0, total-1),
	}
}

func testOptions(seed uint64) Options {
	return Options{ConfidenceLevel: 0.95, Draws: 1000, MinPrePeriodDays: 7, Seed: seed}
}

// linearData returns y = a + b*x + N(0, noise) with x = 10 + 0.1*i + N(0, 1).
func linearData(seed uint64, n int, a, b, noise float64) (y, x []float64) {
	rng := rand.New(rand.NewPCG(seed, 1))
	y = make([]float64, n)
	x = make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = 10 + 0.1*float64(i) + rng.NormFloat64()
		y[i] = a + b*x[i] + noise*rng.NormFloat64()
	}
	return y, x
}

func TestFit_RecoversCoefficients(t *testing.T) {
	y, x := linearData(1, 120, 2, 1.5, 0.1)
	res, err := Fit(context.Background(), buildFrame(t, y, x), window(60, 120), testOptions(1))
	require.NoError(t, err)

	assert.False(t, res.Model.Fallback)
	assert.Equal(t, []string{ColIntercept, ColCovariate}, res.Model.Columns)
	assert.InDelta(t, 1.5, res.Model.Coefficients[ColCovariate], 0.05)
	assert.InDelta(t, 2.0, res.Model.Coefficients[ColIntercept], 0.8)
	assert.InDelta(t, 0.1, res.Model.Sigma, 0.04)
	assert.Greater(t, res.Model.RSquared, 0.95)
	assert.Equal(t, 60, res.Model.PreDays)
	assert.Equal(t, 60, res.Model.PostDays)
	assert.Len(t, res.PostDrawSums, 1000)
}

func TestFit_EffectDecomposition(t *testing.T) {
	y, x := linearData(2, 90, 0, 1, 0.5)
	for i := 30; i < 90; i++ {
		y[i] += 3
	}
	res, err := Fit(context.Background(), buildFrame(t, y, x), window(30, 90), testOptions(2))
	require.NoError(t, err)
	require.Len(t, res.Points, 90)

	running := 0.0
	for i, p := range res.Points {
		assert.InDelta(t, p.Actual-p.Predicted, p.PointEffect, 1e-9, "index %d", i)
		assert.Equal(t, start.AddDate(0, 0, i), p.Date)
		if i < 30 {
			assert.False(t, p.Post)
			assert.Zero(t, p.CumulativeEffect, "pre-window cumulative effect must be zero")
			continue
		}
		assert.True(t, p.Post)
		running += p.PointEffect
		assert.InDelta(t, running, p.CumulativeEffect, 1e-9, "index %d", i)
	}
	assert.Len(t, res.Post(), 60)
	assert.InDelta(t, 3*60, res.Points[89].CumulativeEffect, 30)
}

func TestFit_BoundsCoverage(t *testing.T) {
	y, x := linearData(3, 260, 1, 1, 1)
	res, err := Fit(context.Background(), buildFrame(t, y, x), window(60, 260), testOptions(3))
	require.NoError(t, err)

	inside := 0
	for _, p := range res.Post() {
		require.LessOrEqual(t, p.Lower, p.Upper)
		if p.Actual >= p.Lower && p.Actual <= p.Upper {
			inside++
		}
	}
	coverage := float64(inside) / 200
	assert.Greater(t, coverage, 0.85)
}

func TestFit_NearConstantCovariateFallsBack(t *testing.T) {
	n := 90
	y := make([]float64, n)
	x := make([]float64, n)
	rng := rand.New(rand.NewPCG(4, 4))
	for i := range y {
		x[i] = 7
		y[i] = 5 + 0.2*float64(i) + 0.5*rng.NormFloat64()
	}
	res, err := Fit(context.Background(), buildFrame(t, y, x), window(30, n), testOptions(4))
	require.NoError(t, err)

	assert.True(t, res.Model.Fallback)
	assert.Equal(t, []string{ColIntercept, ColTrend}, res.Model.Columns)
	assert.InDelta(t, 0.2, res.Model.Coefficients[ColTrend], 0.05)

	// Trend extrapolation widens the band with distance from the pre window.
	post := res.Post()
	first := post[0].Upper - post[0].Lower
	last := post[len(post)-1].Upper - post[len(post)-1].Lower
	assert.Greater(t, last, 1.3*first)
}

func TestFit_CovariateCollinearWithTrend(t *testing.T) {
	n := 60
	y := make([]float64, n)
	x := make([]float64, n)
	rng := rand.New(rand.NewPCG(5, 5))
	for i := range y {
		x[i] = 3 + 0.5*float64(i)
		y[i] = 1 + x[i] + 0.3*rng.NormFloat64()
	}
	opts := testOptions(5)
	opts.Trend = true
	res, err := Fit(context.Background(), buildFrame(t, y, x), window(30, n), opts)
	require.NoError(t, err)

	assert.True(t, res.Model.Fallback)
	assert.NotContains(t, res.Model.Columns, ColCovariate)
}

func TestFit_TrendOption(t *testing.T) {
	y, x := linearData(6, 80, 0, 1, 0.5)
	opts := testOptions(6)
	opts.Trend = true
	res, err := Fit(context.Background(), buildFrame(t, y, x), window(40, 80), opts)
	require.NoError(t, err)

	assert.False(t, res.Model.Fallback)
	assert.Equal(t, []string{ColIntercept, ColCovariate, ColTrend}, res.Model.Columns)
}

func TestFit_InsufficientPrePeriod(t *testing.T) {
	y, x := linearData(7, 40, 0, 1, 0.5)
	f := buildFrame(t, y, x)

	for _, pre := range []int{0, 1, 6} {
		_, err := Fit(context.Background(), f, window(pre, 40), testOptions(7))
		var dataErr *api.InsufficientDataError
		assert.True(t, errors.As(err, &dataErr), "pre=%d: got %v", pre, err)
	}

	_, err := Fit(context.Background(), f, window(7, 40), testOptions(7))
	assert.NoError(t, err)
}

func TestFit_WindowMismatch(t *testing.T) {
	y, x := linearData(8, 40, 0, 1, 0.5)
	w := window(20, 40)
	w.End = w.End.AddDate(0, 0, 1)

	_, err := Fit(context.Background(), buildFrame(t, y, x), w, testOptions(8))
	var reqErr *api.InvalidRequestError
	assert.True(t, errors.As(err, &reqErr))
}

func TestFit_ReproducibleForSeed(t *testing.T) {
	y, x := linearData(9, 60, 0, 1, 1)
	f := buildFrame(t, y, x)

	a, err := Fit(context.Background(), f, window(30, 60), testOptions(42))
	require.NoError(t, err)
	b, err := Fit(context.Background(), f, window(30, 60), testOptions(42))
	require.NoError(t, err)
	c, err := Fit(context.Background(), f, window(30, 60), testOptions(43))
	require.NoError(t, err)

	assert.Equal(t, a.Points, b.Points)
	assert.Equal(t, a.PostDrawSums, b.PostDrawSums)
	assert.NotEqual(t, a.PostDrawSums, c.PostDrawSums)
	// The point prediction does not depend on the seed.
	assert.Equal(t, a.Points[45].Predicted, c.Points[45].Predicted)
}

func TestFit_Canceled(t *testing.T) {
	y, x := linearData(10, 60, 0, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Fit(ctx, buildFrame(t, y, x), window(30, 60), testOptions(10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFit_AllOutputsFinite(t *testing.T) {
	y, x := linearData(11, 50, 100, -2, 3)
	res, err := Fit(context.Background(), buildFrame(t, y, x), window(25, 50), testOptions(11))
	require.NoError(t, err)
	for _, p := range res.Points {
		for _, v := range []float64{p.Predicted, p.Lower, p.Upper, p.PointEffect, p.CumulativeEffect} {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
}
