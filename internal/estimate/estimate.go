// Package estimate fits the counterfactual model of a dealer's sales.
//
// The primary metric is regressed on the covariate over the pre-intervention
// window with a conjugate Bayesian linear model. The fitted model is then
// applied to the covariate across the whole window, and pointwise bounds are
// taken as empirical quantiles of posterior predictive draws. Bounds are
// therefore not forced to be symmetric around the prediction.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/series"
)

// cancelCheckEvery is the number of draws between context checks.
const cancelCheckEvery = 100

// Options configures a single fit.
type Options struct {
	ConfidenceLevel  float64
	Draws            int
	MinPrePeriodDays int
	// Trend adds a standardized linear time trend to the regression.
	Trend bool
	// Seed drives the per-call random generator.
	Seed uint64
}

// OptionsFrom builds fit options from the engine parameters.
func OptionsFrom(p api.AnalysisParams, seed uint64) Options {
	return Options{
		ConfidenceLevel:  p.ConfidenceLevel,
		Draws:            p.PosteriorDraws,
		MinPrePeriodDays: p.MinPrePeriodDays,
		Trend:            p.Trend,
		Seed:             seed,
	}
}

// Point is the fitted effect for a single day.
type Point struct {
	Date             time.Time
	Actual           float64
	Predicted        float64
	Lower            float64
	Upper            float64
	PointEffect      float64
	CumulativeEffect float64
	Post             bool
}

// Model describes the fitted regression.
type Model struct {
	Columns         []string
	Coefficients    map[string]float64
	Sigma           float64
	RSquared        float64
	Fallback        bool
	PreDays         int
	PostDays        int
	DrawCount       int
	ConfidenceLevel float64
}

// Result is the estimator output for a full window.
type Result struct {
	Points []Point
	Model  Model
	// PostDrawSums holds, per posterior draw, the sum of sampled
	// counterfactual values over the post window.
	PostDrawSums []float64
}

// Post returns the post-intervention points.
func (r *Result) Post() []Point {
	return r.Points[r.Model.PreDays:]
}

// Fit estimates the counterfactual for frame split at window.Intervention.
//
// A near-constant or collinear covariate does not fail the fit: the model
// falls back to intercept plus trend and Model.Fallback is set.
func Fit(ctx context.Context, frame *series.Frame, window api.Window, opts Options) (*Result, error) {
	if frame.Len() == 0 || !frame.Start().Equal(api.Day(window.Start)) || !frame.End().Equal(api.Day(window.End)) {
		return nil, &api.InvalidRequestError{Field: "window", Reason: "window does not match the prepared series"}
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if opts.ConfidenceLevel <= 0 || opts.ConfidenceLevel >= 1 {
		return nil, &api.InvalidRequestError{Field: "confidence_level", Reason: "must be in (0, 1)"}
	}
	if opts.Draws <= 0 {
		return nil, &api.InvalidRequestError{Field: "draws", Reason: "must be positive"}
	}

	pre := window.PreDays()
	if pre < opts.MinPrePeriodDays {
		return nil, &api.InsufficientDataError{
			Date:   window.Intervention,
			Reason: fmt.Sprintf("pre-intervention window has %d days, need at least %d", pre, opts.MinPrePeriodDays),
		}
	}

	y := frame.Primary()
	x := frame.Covariate()
	n := frame.Len()

	mean, sd := stat.MeanStdDev(x[:pre], nil)
	useCovariate := !nearConstant(mean, sd)
	fallback := !useCovariate

	d := newDesign(x, pre, useCovariate, opts.Trend || fallback)
	if pre <= d.width() {
		return nil, &api.InsufficientDataError{
			Date:   window.Intervention,
			Reason: fmt.Sprintf("pre-intervention window has %d days, need more than %d", pre, d.width()),
		}
	}

	post, err := fitPosterior(d.matrix(x, pre), y[:pre])
	if errors.Is(err, errSingular) && useCovariate {
		// Covariate collinear with the trend: drop it.
		fallback = true
		d = newDesign(x, pre, false, true)
		post, err = fitPosterior(d.matrix(x, pre), y[:pre])
	}
	if err != nil {
		return nil, &api.ModelFitError{Reason: "regression on pre-intervention window", Err: err}
	}
	if !allFinite(post.beta...) || !allFinite(post.ssr) {
		return nil, &api.ModelFitError{Reason: "non-finite coefficients or residuals"}
	}

	// Posterior mean prediction and predictive draws for every day.
	p := d.width()
	rows := make([][]float64, n)
	predicted := make([]float64, n)
	for t := 0; t < n; t++ {
		rows[t] = make([]float64, p)
		d.row(x[t], t, rows[t])
		predicted[t] = dot(rows[t], post.beta)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	samples := make([][]float64, n)
	for t := range samples {
		samples[t] = make([]float64, opts.Draws)
	}
	postSums := make([]float64, opts.Draws)
	beta := make([]float64, p)

	for s := 0; s < opts.Draws; s++ {
		if s%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sigma, err := post.draw(rng, beta)
		if err != nil {
			return nil, &api.ModelFitError{Reason: "posterior sampling", Err: err}
		}
		for t := 0; t < n; t++ {
			v := dot(rows[t], beta) + sigma*rng.NormFloat64()
			samples[t][s] = v
			if t >= pre {
				postSums[s] += v
			}
		}
		if !allFinite(postSums[s]) {
			return nil, &api.ModelFitError{Reason: "non-finite posterior predictive draw"}
		}
	}

	alpha := 1 - opts.ConfidenceLevel
	points := make([]Point, n)
	cumulative := 0.0
	for t := 0; t < n; t++ {
		sort.Float64s(samples[t])
		effect := y[t] - predicted[t]
		pt := Point{
			Date:        frame.Date(t),
			Actual:      y[t],
			Predicted:   predicted[t],
			Lower:       stat.Quantile(alpha/2, stat.Empirical, samples[t], nil),
			Upper:       stat.Quantile(1-alpha/2, stat.Empirical, samples[t], nil),
			PointEffect: effect,
			Post:        t >= pre,
		}
		if pt.Post {
			cumulative += effect
			pt.CumulativeEffect = cumulative
		}
		if !allFinite(pt.Predicted, pt.Lower, pt.Upper) {
			return nil, &api.ModelFitError{Reason: fmt.Sprintf("non-finite prediction on %s", api.FormatDate(pt.Date))}
		}
		points[t] = pt
	}

	return &Result{
		Points: points,
		Model: Model{
			Columns:         append([]string(nil), d.columns...),
			Coefficients:    d.original(post.beta),
			Sigma:           post.sigma(),
			RSquared:        rSquared(y[:pre], post.ssr),
			Fallback:        fallback,
			PreDays:         pre,
			PostDays:        n - pre,
			DrawCount:       opts.Draws,
			ConfidenceLevel: opts.ConfidenceLevel,
		},
		PostDrawSums: postSums,
	}, nil
}

// rSquared is the in-sample coefficient of determination.
func rSquared(y []float64, ssr float64) float64 {
	mean := stat.Mean(y, nil)
	sst := 0.0
	for _, v := range y {
		sst += (v - mean) * (v - mean)
	}
	if sst == 0 {
		if ssr == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssr/sst
}
