package source

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/carreport/dealer-impact/internal/api"
)

// Synthetic generates demo data: a noisy upward baseline and sales that
// follow it until LiftOffsetDays after the range start, then ramp up towards
// baseline*(1+Lift). Output depends only on the entity and the range.
type Synthetic struct {
	Lift           float64
	LiftOffsetDays int
	// BaselineNoise is the standard deviation of the baseline series.
	BaselineNoise float64
	// PreNoise perturbs sales before the lift so they do not track the
	// baseline exactly.
	PreNoise  float64
	PostNoise float64
}

// NewSynthetic returns the generator with a 30% lift starting 30 days in.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		Lift:           0.3,
		LiftOffsetDays: api.DefaultInterventionOffsetDays,
		BaselineNoise:  2,
		PreNoise:       0.5,
		PostNoise:      2,
	}
}

func seedFor(entityID string, start time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(entityID))
	h.Write([]byte(api.FormatDate(start)))
	return h.Sum64()
}

func (s *Synthetic) Fetch(ctx context.Context, entityID string, start, end time.Time) ([]api.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, end = api.Day(start), api.Day(end)
	n := api.DaysBetween(start, end) + 1
	if n <= 0 {
		return nil, nil
	}

	seed := seedFor(entityID, start)
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))

	obs := make([]api.Observation, n)
	for i := range obs {
		baseline := 10 + 0.1*float64(i) + s.BaselineNoise*rng.NormFloat64()
		sales := baseline + s.PreNoise*rng.NormFloat64()
		if i >= s.LiftOffsetDays {
			ramp := 1 - math.Exp(-float64(i-s.LiftOffsetDays)/10)
			sales = baseline*(1+s.Lift*ramp) + s.PostNoise*rng.NormFloat64()
		}
		obs[i] = api.Observation{
			Date:      start.AddDate(0, 0, i),
			Primary:   sales,
			Covariate: baseline,
		}
	}
	return obs, nil
}
