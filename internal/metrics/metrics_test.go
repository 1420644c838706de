package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry_IsolatedRegistries(t *testing.T) {
	// Two instances must not collide on separate registries.
	a := NewWithRegistry(prometheus.NewRegistry())
	b := NewWithRegistry(prometheus.NewRegistry())

	a.AnalysisTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.AnalysisTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.AnalysisTotal))
}

func TestRecordResult(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	rel := 12.5

	m.RecordResult("dealer-1", &rel, 36000, 0.01, true)
	m.RecordResult("dealer-2", nil, -500, 0.4, false)

	assert.Equal(t, 12.5, testutil.ToFloat64(m.RelativeEffectByEntity.WithLabelValues("dealer-1")))
	assert.Equal(t, 36000.0, testutil.ToFloat64(m.MarginImpactByEntity.WithLabelValues("dealer-1")))
	assert.Equal(t, 0.4, testutil.ToFloat64(m.PValueByEntity.WithLabelValues("dealer-2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Significant))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RelativeEffectByEntity))
}

func TestRecordFailureAndStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordFailure("invalid_request")
	m.RecordFailure("invalid_request")
	m.ObserveStage("estimate", 0.02)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnalysisFailures.WithLabelValues("invalid_request")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["impact_stage_duration_seconds"])
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStage("prepare", 1)
		m.RecordFailure("internal")
		m.RecordResult("x", nil, 0, 1, false)
	})
}
