// Package canonical provides canonical JSON utilities for request
// fingerprints. Two requests that resolve to the same analysis must produce
// byte-identical payloads so cached results can be shared.
//
// Key requirements:
// - Floats rounded to 9 decimal places
// - Keys sorted alphabetically
// - No whitespace in JSON output
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// F9 formats a float64 to exactly 9 decimal places.
//
// Example:
//
//	F9(1.23456789012345) // returns "1.234567890"
//	F9(0.5)              // returns "0.500000000"
func F9(x float64) string {
	return strconv.FormatFloat(x, 'f', 9, 64)
}

// Round9 rounds a float64 to 9 decimal places, half away from zero.
func Round9(x float64) float64 {
	const factor = 1e9
	if math.IsNaN(x) || math.IsInf(x, 0) || math.Abs(x) > 9e9 {
		return x
	}
	return math.Round(x*factor) / factor
}

// RequestSubset is the set of resolved request fields that determine an
// analysis result.
type RequestSubset struct {
	EntityID          string
	StartDate         string
	InterventionDate  string
	EndDate           string
	AverageOrderValue float64
	AverageMargin     float64
	Seed              uint64

	// Engine settings; instances configured differently must not share
	// stored results.
	ConfidenceLevel   float64
	SignificanceLevel float64
	MinPrePeriodDays  int
	PosteriorDraws    int
	Trend             bool
}

// JSONBytes generates the canonical JSON encoding of a request subset.
func JSONBytes(subset *RequestSubset) ([]byte, error) {
	if subset.EntityID == "" {
		return nil, fmt.Errorf("missing required field: entity_id")
	}
	if subset.StartDate == "" || subset.InterventionDate == "" || subset.EndDate == "" {
		return nil, fmt.Errorf("missing required date fields")
	}

	normalized := map[string]interface{}{
		"average_margin":      Round9(subset.AverageMargin),
		"average_order_value": Round9(subset.AverageOrderValue),
		"confidence_level":    Round9(subset.ConfidenceLevel),
		"end_date":            subset.EndDate,
		"entity_id":           subset.EntityID,
		"intervention_date":   subset.InterventionDate,
		"min_pre_period_days": subset.MinPrePeriodDays,
		"posterior_draws":     subset.PosteriorDraws,
		// uint64 seeds above 2^53 would lose precision as JSON numbers
		"seed":               strconv.FormatUint(subset.Seed, 10),
		"significance_level": Round9(subset.SignificanceLevel),
		"start_date":         subset.StartDate,
		"trend":              subset.Trend,
	}

	// json.Marshal sorts map keys
	return json.Marshal(normalized)
}

// Fingerprint returns the hex sha256 of the canonical JSON of subset.
func Fingerprint(subset *RequestSubset) (string, error) {
	payload, err := JSONBytes(subset)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
