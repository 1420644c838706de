// Package summary reduces an estimator result to business-facing scalars.
package summary

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/estimate"
)

// Summarize computes the impact summary over the post-intervention window.
//
// The relative-effect interval uses the estimator's posterior draws at its
// confidence level and is widened when needed so that it always contains the
// point estimate. The p-value is the two-sided posterior predictive tail
// probability of the observed post-window total under no effect.
func Summarize(res *estimate.Result, averageOrderValue, averageMargin, significanceLevel float64) (*api.Summary, error) {
	if !(averageOrderValue > 0) || math.IsInf(averageOrderValue, 0) {
		return nil, &api.InvalidRequestError{Field: "average_order_value", Reason: "must be a positive number"}
	}
	if !(averageMargin > 0) || math.IsInf(averageMargin, 0) {
		return nil, &api.InvalidRequestError{Field: "average_margin", Reason: "must be a positive number"}
	}

	post := res.Post()
	if len(post) == 0 {
		return nil, &api.InsufficientDataError{Reason: "post-intervention window is empty"}
	}
	days := float64(len(post))

	var actualSum, predSum, effectSum float64
	for _, p := range post {
		actualSum += p.Actual
		predSum += p.Predicted
		effectSum += p.PointEffect
	}
	meanActual := actualSum / days
	meanPred := predSum / days
	meanEffect := effectSum / days

	s := &api.Summary{
		TotalObservedSales:             meanActual * days,
		PredictedSalesWithoutCarreport: meanPred * days,
		AdditionalSalesFromCarreport:   meanEffect * days,
		AverageOrderValue:              averageOrderValue,
		AverageMargin:                  averageMargin,
	}
	s.RevenueImpact = s.AdditionalSalesFromCarreport * averageOrderValue
	s.MarginImpact = s.AdditionalSalesFromCarreport * averageMargin

	if meanPred != 0 {
		rel := meanEffect / meanPred * 100
		lo, hi := relativeInterval(res.PostDrawSums, actualSum, res.Model.ConfidenceLevel)
		lo = math.Min(lo, rel)
		hi = math.Max(hi, rel)
		s.RelativeEffectPercentage = &rel
		s.ConfidenceInterval = []float64{lo, hi}
	}

	s.PValue = PValue(res.PostDrawSums, actualSum)
	s.IsStatisticallySignificant = s.PValue < significanceLevel

	if err := checkFinite(s); err != nil {
		return nil, err
	}
	return s, nil
}

// relativeInterval returns the equal-tailed interval, in percent, of
// (actual - draw) / draw over draws with a non-zero post-window total.
// Without usable draws it returns the empty interval (+Inf, -Inf), which
// Summarize collapses onto the point estimate.
func relativeInterval(drawSums []float64, actualSum, level float64) (float64, float64) {
	rel := make([]float64, 0, len(drawSums))
	for _, d := range drawSums {
		if d == 0 {
			continue
		}
		rel = append(rel, (actualSum-d)/d*100)
	}
	if len(rel) == 0 {
		return math.Inf(1), math.Inf(-1)
	}
	sort.Float64s(rel)
	alpha := 1 - level
	return stat.Quantile(alpha/2, stat.Empirical, rel, nil),
		stat.Quantile(1-alpha/2, stat.Empirical, rel, nil)
}

// PValue is the two-sided tail probability of observing actualSum among the
// posterior predictive post-window totals. The observed value is counted as
// one of the draws so the result is never zero.
func PValue(drawSums []float64, actualSum float64) float64 {
	above, below := 1, 1
	for _, d := range drawSums {
		if d >= actualSum {
			above++
		}
		if d <= actualSum {
			below++
		}
	}
	tail := float64(min(above, below)) / float64(len(drawSums)+1)
	return math.Min(1, 2*tail)
}

func checkFinite(s *api.Summary) error {
	values := map[string]float64{
		"total_observed_sales":              s.TotalObservedSales,
		"predicted_sales_without_carreport": s.PredictedSalesWithoutCarreport,
		"additional_sales_from_carreport":   s.AdditionalSalesFromCarreport,
		"revenue_impact":                    s.RevenueImpact,
		"margin_impact":                     s.MarginImpact,
		"p_value":                           s.PValue,
	}
	if s.RelativeEffectPercentage != nil {
		values["relative_effect_percentage"] = *s.RelativeEffectPercentage
		values["confidence_interval_lower"] = s.ConfidenceInterval[0]
		values["confidence_interval_upper"] = s.ConfidenceInterval[1]
	}
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &api.ModelFitError{Reason: fmt.Sprintf("non-finite %s", name)}
		}
	}
	return nil
}
