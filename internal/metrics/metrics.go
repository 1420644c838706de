package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the impact service
type Metrics struct {
	// Request flow
	AnalysisTotal    prometheus.Counter
	AnalysisFailures *prometheus.CounterVec
	Significant      prometheus.Counter
	ModelFallbacks   prometheus.Counter
	StoreHits        prometheus.Counter
	StoreErrors      prometheus.Counter
	RateLimited      prometheus.Counter
	JournalErrors    prometheus.Counter

	// Pipeline timing and shape
	StageDuration *prometheus.HistogramVec
	WindowDays    *prometheus.HistogramVec

	// Latest result per dealer
	RelativeEffectByEntity *prometheus.GaugeVec
	MarginImpactByEntity   *prometheus.GaugeVec
	PValueByEntity         *prometheus.GaugeVec
}

// New creates and registers all metrics on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers all metrics on reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AnalysisTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_analysis_total",
			Help: "Total number of impact analyses requested",
		}),
		AnalysisFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impact_analysis_failures_total",
				Help: "Number of failed impact analyses by error kind",
			},
			[]string{"kind"},
		),
		Significant: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_analysis_significant_total",
			Help: "Number of analyses with a statistically significant effect",
		}),
		ModelFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_model_fallbacks_total",
			Help: "Number of fits that dropped a degenerate covariate",
		}),
		StoreHits: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_store_hits_total",
			Help: "Number of analyses served from the result store",
		}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_store_errors_total",
			Help: "Number of result store read or write errors",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_rate_limited_total",
			Help: "Number of HTTP requests rejected by the rate limiter",
		}),
		JournalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "impact_journal_errors_total",
			Help: "Number of request journal write errors",
		}),

		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impact_stage_duration_seconds",
				Help:    "Duration of each analysis pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"stage"},
		),
		WindowDays: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impact_window_days",
				Help:    "Length of the pre and post intervention windows in days",
				Buckets: []float64{7, 14, 30, 60, 90, 180, 365, 730},
			},
			[]string{"period"},
		),

		RelativeEffectByEntity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "impact_relative_effect_percent",
				Help: "Relative effect of the latest analysis per dealer",
			},
			[]string{"entity_id"},
		),
		MarginImpactByEntity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "impact_margin_usd",
				Help: "Margin impact of the latest analysis per dealer (USD)",
			},
			[]string{"entity_id"},
		),
		PValueByEntity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "impact_p_value",
				Help: "P-value of the latest analysis per dealer",
			},
			[]string{"entity_id"},
		),
	}
}

// ObserveStage records the duration of one pipeline stage in seconds
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordFailure counts a failed analysis under kind
func (m *Metrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	m.AnalysisFailures.WithLabelValues(kind).Inc()
}

// RecordResult updates per-dealer gauges after a successful analysis.
// relative is nil when the relative effect is undefined.
func (m *Metrics) RecordResult(entityID string, relative *float64, marginImpact, pValue float64, significant bool) {
	if m == nil {
		return
	}
	if relative != nil {
		m.RelativeEffectByEntity.WithLabelValues(entityID).Set(*relative)
	}
	m.MarginImpactByEntity.WithLabelValues(entityID).Set(marginImpact)
	m.PValueByEntity.WithLabelValues(entityID).Set(pValue)
	if significant {
		m.Significant.Inc()
	}
}
