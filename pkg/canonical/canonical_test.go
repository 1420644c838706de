package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSubset() *RequestSubset {
	return &RequestSubset{
		EntityID:          "42",
		StartDate:         "2025-01-01",
		InterventionDate:  "2025-01-31",
		EndDate:           "2025-04-01",
		AverageOrderValue: 45000,
		AverageMargin:     3000,
		Seed:              7,
		ConfidenceLevel:   0.95,
		SignificanceLevel: 0.05,
		MinPrePeriodDays:  7,
		PosteriorDraws:    1000,
	}
}

func TestF9(t *testing.T) {
	assert.Equal(t, "1.234567890", F9(1.23456789012345))
	assert.Equal(t, "0.500000000", F9(0.5))
}

func TestJSONBytes_SortedCompact(t *testing.T) {
	b, err := JSONBytes(baseSubset())
	require.NoError(t, err)
	assert.Equal(t,
		`{"average_margin":3000,"average_order_value":45000,"confidence_level":0.95,"end_date":"2025-04-01","entity_id":"42","intervention_date":"2025-01-31","min_pre_period_days":7,"posterior_draws":1000,"seed":"7","significance_level":0.05,"start_date":"2025-01-01","trend":false}`,
		string(b))
}

func TestFingerprint_StableUnderFloatNoise(t *testing.T) {
	a := baseSubset()
	b := baseSubset()
	b.AverageOrderValue = 45000.0000000000001

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprint_DistinguishesFields(t *testing.T) {
	base, err := Fingerprint(baseSubset())
	require.NoError(t, err)

	mutations := map[string]func(s *RequestSubset){
		"entity":       func(s *RequestSubset) { s.EntityID = "43" },
		"start":        func(s *RequestSubset) { s.StartDate = "2025-01-02" },
		"intervention": func(s *RequestSubset) { s.InterventionDate = "2025-02-01" },
		"end":          func(s *RequestSubset) { s.EndDate = "2025-04-02" },
		"aov":          func(s *RequestSubset) { s.AverageOrderValue = 45001 },
		"margin":       func(s *RequestSubset) { s.AverageMargin = 2999 },
		"seed":         func(s *RequestSubset) { s.Seed = 8 },
		"confidence":   func(s *RequestSubset) { s.ConfidenceLevel = 0.9 },
		"significance": func(s *RequestSubset) { s.SignificanceLevel = 0.1 },
		"min pre days": func(s *RequestSubset) { s.MinPrePeriodDays = 14 },
		"draws":        func(s *RequestSubset) { s.PosteriorDraws = 2000 },
		"trend":        func(s *RequestSubset) { s.Trend = true },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := baseSubset()
			mutate(s)
			fp, err := Fingerprint(s)
			require.NoError(t, err)
			assert.NotEqual(t, base, fp)
		})
	}
}

func TestJSONBytes_MissingFields(t *testing.T) {
	s := baseSubset()
	s.EntityID = ""
	_, err := JSONBytes(s)
	assert.Error(t, err)

	s = baseSubset()
	s.EndDate = ""
	_, err = JSONBytes(s)
	assert.Error(t, err)
}
