package analysis

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/pkg/canonical"
)

// Resolved is a request with every default applied and validated.
type Resolved struct {
	EntityID          string
	Window            api.Window
	AverageOrderValue float64
	AverageMargin     float64
	Seed              uint64
	// Fingerprint identifies the analysis; equal fingerprints produce equal
	// results.
	Fingerprint string
}

// Resolve applies defaults in order (end, start, intervention, business
// parameters, seed) and validates the result against params.
func Resolve(req api.ImpactRequest, now time.Time, params api.AnalysisParams) (*Resolved, error) {
	if err := api.ValidateEntityID(req.EntityID); err != nil {
		return nil, err
	}

	end := api.Day(now)
	if req.EndDate != nil {
		d, err := api.ParseDate("end_date", *req.EndDate)
		if err != nil {
			return nil, err
		}
		end = d
	}

	start := end.AddDate(0, 0, -api.DefaultLookbackDays)
	if req.StartDate != nil {
		d, err := api.ParseDate("start_date", *req.StartDate)
		if err != nil {
			return nil, err
		}
		start = d
	}

	intervention := start.AddDate(0, 0, api.DefaultInterventionOffsetDays)
	if req.InterventionDate != nil {
		d, err := api.ParseDate("intervention_date", *req.InterventionDate)
		if err != nil {
			return nil, err
		}
		intervention = d
	}

	w := api.Window{Start: start, Intervention: intervention, End: end}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if params.MaxWindowDays > 0 && w.Days() > params.MaxWindowDays {
		return nil, &api.InvalidRequestError{
			Field:  "start_date",
			Reason: fmt.Sprintf("window of %d days exceeds the maximum of %d", w.Days(), params.MaxWindowDays),
		}
	}

	aov, err := positive("average_order_value", req.AverageOrderValue, api.DefaultAverageOrderValue)
	if err != nil {
		return nil, err
	}
	margin, err := positive("average_margin", req.AverageMargin, api.DefaultAverageMargin)
	if err != nil {
		return nil, err
	}

	r := &Resolved{
		EntityID:          req.EntityID,
		Window:            w,
		AverageOrderValue: aov,
		AverageMargin:     margin,
	}
	if req.Seed != nil {
		r.Seed = *req.Seed
	} else {
		r.Seed = defaultSeed(req.EntityID, w)
	}

	r.Fingerprint, err = canonical.Fingerprint(&canonical.RequestSubset{
		EntityID:          r.EntityID,
		StartDate:         api.FormatDate(w.Start),
		InterventionDate:  api.FormatDate(w.Intervention),
		EndDate:           api.FormatDate(w.End),
		AverageOrderValue: aov,
		AverageMargin:     margin,
		Seed:              r.Seed,
		ConfidenceLevel:   params.ConfidenceLevel,
		SignificanceLevel: params.SignificanceLevel,
		MinPrePeriodDays:  params.MinPrePeriodDays,
		PosteriorDraws:    params.PosteriorDraws,
		Trend:             params.Trend,
	})
	if err != nil {
		return nil, &api.InvalidRequestError{Reason: err.Error()}
	}
	return r, nil
}

func positive(field string, v *float64, def float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	if !(*v > 0) || math.IsInf(*v, 0) {
		return 0, &api.InvalidRequestError{Field: field, Reason: "must be a positive number"}
	}
	return *v, nil
}

// defaultSeed is FNV-1a over the entity id and the resolved window.
func defaultSeed(entityID string, w api.Window) uint64 {
	h := fnv.New64a()
	h.Write([]byte(entityID))
	var buf [8]byte
	for _, d := range []time.Time{w.Start, w.Intervention, w.End} {
		binary.BigEndian.PutUint64(buf[:], uint64(d.Unix()))
		h.Write(buf[:])
	}
	return h.Sum64()
}
