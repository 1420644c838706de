package api

import (
	"fmt"
	"time"
	"unicode"
)

// DateLayout is the only accepted calendar date format (ISO-8601, no zone).
const DateLayout = "2006-01-02"

// MaxEntityIDLength bounds dealer identifiers.
const MaxEntityIDLength = 128

// Request defaults applied by the orchestrator.
const (
	DefaultAverageOrderValue      = 45000.0
	DefaultAverageMargin          = 3000.0
	DefaultLookbackDays           = 90
	DefaultInterventionOffsetDays = 30
)

// Observation is one raw daily record for a dealer as supplied by an
// observation source. Primary is the sales count, Covariate the baseline
// sales series the counterfactual is regressed on.
type Observation struct {
	Date      time.Time `json:"date"`
	Primary   float64   `json:"sales"`
	Covariate float64   `json:"baseline_sales"`
}

// ImpactRequest is the wire form of an analysis request. Dates are optional
// YYYY-MM-DD strings; missing values are defaulted by the orchestrator.
type ImpactRequest struct {
	EntityID          string   `json:"entity_id"`
	StartDate         *string  `json:"start_date,omitempty"`
	EndDate           *string  `json:"end_date,omitempty"`
	InterventionDate  *string  `json:"intervention_date,omitempty"`
	AverageOrderValue *float64 `json:"average_order_value,omitempty"`
	AverageMargin     *float64 `json:"average_margin,omitempty"`
	Seed              *uint64  `json:"seed,omitempty"`
}

// Summary holds the decision-relevant scalars of one analysis.
//
// RelativeEffectPercentage and ConfidenceInterval are nil when the
// counterfactual mean over the post window is exactly zero.
type Summary struct {
	TotalObservedSales             float64   `json:"total_observed_sales"`
	PredictedSalesWithoutCarreport float64   `json:"predicted_sales_without_carreport"`
	AdditionalSalesFromCarreport   float64   `json:"additional_sales_from_carreport"`
	RelativeEffectPercentage       *float64  `json:"relative_effect_percentage"`
	ConfidenceInterval             []float64 `json:"confidence_interval"`
	RevenueImpact                  float64   `json:"revenue_impact"`
	MarginImpact                   float64   `json:"margin_impact"`
	AverageOrderValue              float64   `json:"average_order_value"`
	AverageMargin                  float64   `json:"average_margin"`
	PValue                         float64   `json:"p_value"`
	IsStatisticallySignificant     bool      `json:"is_statistically_significant"`
}

// ChartData is the per-day series of an analysis, aligned by index.
type ChartData struct {
	Dates             []string  `json:"dates"`
	Actual            []float64 `json:"actual"`
	Predicted         []float64 `json:"predicted"`
	LowerBound        []float64 `json:"lower_bound"`
	UpperBound        []float64 `json:"upper_bound"`
	PointEffects      []float64 `json:"point_effects"`
	CumulativeEffects []float64 `json:"cumulative_effects"`
	InterventionDate  string    `json:"intervention_date"`
}

// Result is the complete response bundle of one analysis.
type Result struct {
	Summary    Summary   `json:"summary"`
	ChartData  ChartData `json:"chart_data"`
	ReportText string    `json:"report_text"`
}

// Window partitions an analysis range at the intervention day:
// pre = [Start, Intervention-1d], post = [Intervention, End].
type Window struct {
	Start        time.Time
	Intervention time.Time
	End          time.Time
}

// Days returns the number of calendar days in the full window.
func (w Window) Days() int {
	return DaysBetween(w.Start, w.End) + 1
}

// PreDays returns the number of days before the intervention.
func (w Window) PreDays() int {
	return DaysBetween(w.Start, w.Intervention)
}

// PostDays returns the number of days from the intervention to the end.
func (w Window) PostDays() int {
	return DaysBetween(w.Intervention, w.End) + 1
}

// Validate checks start <= intervention <= end.
func (w Window) Validate() error {
	if w.Start.After(w.Intervention) {
		return &InvalidRequestError{
			Field:  "start_date",
			Reason: fmt.Sprintf("start date %s is after intervention date %s", FormatDate(w.Start), FormatDate(w.Intervention)),
		}
	}
	if w.Intervention.After(w.End) {
		return &InvalidRequestError{
			Field:  "intervention_date",
			Reason: fmt.Sprintf("intervention date %s is after end date %s", FormatDate(w.Intervention), FormatDate(w.End)),
		}
	}
	return nil
}

// AnalysisParams contains the fixed statistical settings of the engine.
type AnalysisParams struct {
	ConfidenceLevel   float64       `json:"confidence_level"`
	SignificanceLevel float64       `json:"significance_level"`
	MinPrePeriodDays  int           `json:"min_pre_period_days"`
	PosteriorDraws    int           `json:"posterior_draws"`
	Trend             bool          `json:"trend"`
	MaxWindowDays     int           `json:"max_window_days"`
	ResultTTL         time.Duration `json:"result_ttl"`
}

// DefaultAnalysisParams returns 95% bounds, p < 0.05 significance, a one
// week minimum training window, 1000 posterior draws and windows of at most
// five years.
func DefaultAnalysisParams() AnalysisParams {
	return AnalysisParams{
		ConfidenceLevel:   0.95,
		SignificanceLevel: 0.05,
		MinPrePeriodDays:  7,
		PosteriorDraws:    1000,
		Trend:             false,
		MaxWindowDays:     1830,
		ResultTTL:         24 * time.Hour,
	}
}

// Validate performs basic range checks.
func (p AnalysisParams) Validate() error {
	if p.ConfidenceLevel <= 0 || p.ConfidenceLevel >= 1 {
		return fmt.Errorf("confidence_level must be in (0, 1), got %.3f", p.ConfidenceLevel)
	}
	if p.SignificanceLevel <= 0 || p.SignificanceLevel >= 1 {
		return fmt.Errorf("significance_level must be in (0, 1), got %.3f", p.SignificanceLevel)
	}
	if p.MinPrePeriodDays < 3 {
		return fmt.Errorf("min_pre_period_days must be at least 3, got %d", p.MinPrePeriodDays)
	}
	if p.PosteriorDraws < 100 {
		return fmt.Errorf("posterior_draws must be at least 100, got %d", p.PosteriorDraws)
	}
	if p.MaxWindowDays <= p.MinPrePeriodDays {
		return fmt.Errorf("max_window_days must exceed min_pre_period_days, got %d", p.MaxWindowDays)
	}
	return nil
}

// ValidateEntityID rejects dealer identifiers that are empty, longer than
// MaxEntityIDLength, or contain control characters or '|'.
func ValidateEntityID(id string) error {
	if id == "" {
		return &InvalidRequestError{Field: "entity_id", Reason: "must not be empty"}
	}
	if len(id) > MaxEntityIDLength {
		return &InvalidRequestError{Field: "entity_id", Reason: fmt.Sprintf("longer than %d bytes", MaxEntityIDLength)}
	}
	for _, r := range id {
		if r == '|' || unicode.IsControl(r) {
			return &InvalidRequestError{Field: "entity_id", Reason: fmt.Sprintf("contains invalid character %q", r)}
		}
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD calendar date into UTC midnight.
func ParseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, &InvalidDateError{Field: field, Value: value, Err: err}
	}
	return t, nil
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Day truncates t to its calendar day in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the signed number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
