// Package analysis runs the impact pipeline for one dealer request: fetch
// observations, prepare the daily series, fit the counterfactual, summarize
// and render the report.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/estimate"
	"github.com/carreport/dealer-impact/internal/metrics"
	"github.com/carreport/dealer-impact/internal/narrative"
	"github.com/carreport/dealer-impact/internal/series"
	"github.com/carreport/dealer-impact/internal/summary"
	"github.com/carreport/dealer-impact/pkg/otel"
)

// Source supplies raw observations for an entity.
type Source interface {
	Fetch(ctx context.Context, entityID string, start, end time.Time) ([]api.Observation, error)
}

// ResultStore keeps finished results by fingerprint. First write wins.
type ResultStore interface {
	Get(ctx context.Context, key string) (*api.Result, error)
	Set(ctx context.Context, key string, result *api.Result, ttl time.Duration) error
}

// Clock provides the current time for default date derivation.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Analyzer runs analyses. It holds no mutable state and is safe for
// concurrent use.
type Analyzer struct {
	source  Source
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   ResultStore
	params  api.AnalysisParams
}

// Option configures an Analyzer.
type Option func(*Analyzer)

func WithClock(c Clock) Option { return func(a *Analyzer) { a.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(a *Analyzer) { a.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Analyzer) { a.metrics = m } }

// WithStore enables result reuse for repeated requests.
func WithStore(s ResultStore) Option { return func(a *Analyzer) { a.store = s } }

func WithParams(p api.AnalysisParams) Option { return func(a *Analyzer) { a.params = p } }

// New creates an Analyzer reading from src.
func New(src Source, opts ...Option) (*Analyzer, error) {
	if src == nil {
		return nil, fmt.Errorf("analysis: source is required")
	}
	a := &Analyzer{
		source: src,
		clock:  ClockFunc(time.Now),
		logger: slog.New(slog.DiscardHandler),
		params: api.DefaultAnalysisParams(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis parameters: %w", err)
	}
	return a, nil
}

// Params returns the statistical settings in use.
func (a *Analyzer) Params() api.AnalysisParams { return a.params }

// Analyze runs the full pipeline. Errors from the pipeline stages are
// returned unchanged; no partial result is ever returned.
func (a *Analyzer) Analyze(ctx context.Context, req api.ImpactRequest) (*api.Result, error) {
	began := time.Now()
	ctx, span := otel.StartSpan(ctx, otel.TracerName, "impact.analyze")
	defer span.End()

	if a.metrics != nil {
		a.metrics.AnalysisTotal.Inc()
	}

	res, hit, err := a.analyze(ctx, req)
	elapsed := time.Since(began)
	span.SetAttributes(otel.PerformanceAttributes(hit, float64(elapsed.Microseconds())/1000)...)
	if err != nil {
		kind := api.ErrorKind(err)
		otel.RecordError(span, err, kind)
		a.metrics.RecordFailure(kind)
		a.logger.Warn("analysis failed",
			"entity_id", req.EntityID,
			"kind", kind,
			"error", err,
			"duration", elapsed,
		)
		return nil, err
	}
	span.SetAttributes(otel.OutcomeAttributes(res.Summary.PValue, res.Summary.IsStatisticallySignificant)...)
	return res, nil
}

func (a *Analyzer) analyze(ctx context.Context, req api.ImpactRequest) (*api.Result, bool, error) {
	r, err := Resolve(req, a.clock.Now(), a.params)
	if err != nil {
		return nil, false, err
	}
	w := r.Window
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(otel.RequestAttributes(r.EntityID, api.FormatDate(w.Start), api.FormatDate(w.Intervention), api.FormatDate(w.End))...)
	span.SetAttributes(otel.AttrFingerprint.String(r.Fingerprint))
	logger := a.logger.With("entity_id", r.EntityID, "fingerprint", r.Fingerprint)

	if cached := a.lookup(ctx, logger, r.Fingerprint); cached != nil {
		if a.metrics != nil {
			a.metrics.StoreHits.Inc()
		}
		otel.AddEvent(span, "store.hit")
		logger.Debug("served stored result")
		return cached, true, nil
	}

	var obs []api.Observation
	err = a.stage(ctx, "fetch", func(ctx context.Context) error {
		var err error
		obs, err = a.source.Fetch(ctx, r.EntityID, w.Start, w.End)
		if err != nil {
			return &api.SourceError{EntityID: r.EntityID, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	var frame *series.Frame
	err = a.stage(ctx, "prepare", func(context.Context) error {
		var err error
		frame, err = series.Prepare(obs, w.Start, w.End)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	var fit *estimate.Result
	err = a.stage(ctx, "estimate", func(ctx context.Context) error {
		var err error
		fit, err = estimate.Fit(ctx, frame, w, estimate.OptionsFrom(a.params, r.Seed))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(otel.ModelAttributes(fit.Model.PreDays, fit.Model.PostDays, fit.Model.Fallback, fit.Model.RSquared)...)
	if fit.Model.Fallback {
		otel.AddEvent(span, "model.covariate_dropped", attribute.StringSlice("model.columns", fit.Model.Columns))
	}

	var sum *api.Summary
	err = a.stage(ctx, "summarize", func(context.Context) error {
		var err error
		sum, err = summary.Summarize(fit, r.AverageOrderValue, r.AverageMargin, a.params.SignificanceLevel)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	var report string
	_ = a.stage(ctx, "render", func(context.Context) error {
		report = narrative.Render(sum, w.Intervention, w.End)
		return nil
	})

	res := &api.Result{
		Summary:    *sum,
		ChartData:  chart(fit, w),
		ReportText: report,
	}

	a.record(r, fit, sum)
	a.save(ctx, logger, r.Fingerprint, res)

	logger.Info("analysis complete",
		"start_date", api.FormatDate(w.Start),
		"intervention_date", api.FormatDate(w.Intervention),
		"end_date", api.FormatDate(w.End),
		"fallback", fit.Model.Fallback,
		"p_value", sum.PValue,
		"significant", sum.IsStatisticallySignificant,
	)
	return res, false, nil
}

// stage runs fn inside a child span and records its duration.
func (a *Analyzer) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.StartSpan(ctx, otel.TracerName, "impact."+name)
	defer span.End()

	began := time.Now()
	err := fn(ctx)
	a.metrics.ObserveStage(name, time.Since(began).Seconds())
	if err != nil {
		otel.RecordError(span, err, name)
	}
	return err
}

func (a *Analyzer) lookup(ctx context.Context, logger *slog.Logger, key string) *api.Result {
	if a.store == nil {
		return nil
	}
	res, err := a.store.Get(ctx, key)
	if err != nil {
		a.storeError(logger, "get", err)
		return nil
	}
	return res
}

func (a *Analyzer) save(ctx context.Context, logger *slog.Logger, key string, res *api.Result) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, key, res, a.params.ResultTTL); err != nil {
		a.storeError(logger, "set", err)
	}
}

func (a *Analyzer) storeError(logger *slog.Logger, op string, err error) {
	if a.metrics != nil {
		a.metrics.StoreErrors.Inc()
	}
	logger.Error("result store failed", "op", op, "error", err)
}

func (a *Analyzer) record(r *Resolved, fit *estimate.Result, sum *api.Summary) {
	if a.metrics == nil {
		return
	}
	a.metrics.WindowDays.WithLabelValues("pre").Observe(float64(fit.Model.PreDays))
	a.metrics.WindowDays.WithLabelValues("post").Observe(float64(fit.Model.PostDays))
	if fit.Model.Fallback {
		a.metrics.ModelFallbacks.Inc()
	}
	a.metrics.RecordResult(r.EntityID, sum.RelativeEffectPercentage, sum.MarginImpact, sum.PValue, sum.IsStatisticallySignificant)
}

// chart flattens the fitted points into aligned per-day arrays.
func chart(fit *estimate.Result, w api.Window) api.ChartData {
	n := len(fit.Points)
	c := api.ChartData{
		Dates:             make([]string, n),
		Actual:            make([]float64, n),
		Predicted:         make([]float64, n),
		LowerBound:        make([]float64, n),
		UpperBound:        make([]float64, n),
		PointEffects:      make([]float64, n),
		CumulativeEffects: make([]float64, n),
		InterventionDate:  api.FormatDate(w.Intervention),
	}
	for i, p := range fit.Points {
		c.Dates[i] = api.FormatDate(p.Date)
		c.Actual[i] = p.Actual
		c.Predicted[i] = p.Predicted
		c.LowerBound[i] = p.Lower
		c.UpperBound[i] = p.Upper
		c.PointEffects[i] = p.PointEffect
		c.CumulativeEffects[i] = p.CumulativeEffect
	}
	return c
}
