package estimate

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// maxCondition bounds cond(XᵀX); beyond it the covariate is treated as
// collinear with the remaining columns.
const maxCondition = 1e12

var errSingular = errors.New("design matrix is rank deficient")

// posterior is the conjugate posterior of y = Xβ + ε, ε ~ N(0, σ²) under the
// reference prior p(β, σ²) ∝ 1/σ²:
//
//	σ² | y    ~ SSR / χ²(n-p)
//	β | σ², y ~ N(β̂, σ²(XᵀX)⁻¹)
type posterior struct {
	beta  []float64
	ssr   float64
	dof   int
	upper mat.TriDense // XᵀX = UᵀU
}

// fitPosterior solves the normal equations through a Cholesky factorization.
func fitPosterior(x *mat.Dense, y []float64) (*posterior, error) {
	n, p := x.Dims()
	if n <= p {
		return nil, fmt.Errorf("need more than %d observations, got %d", p, n)
	}

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())

	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, errSingular
	}
	if cond := chol.Cond(); math.IsInf(cond, 0) || cond > maxCondition {
		return nil, errSingular
	}

	yv := mat.NewVecDense(n, append([]float64(nil), y...))
	var xty mat.VecDense
	xty.MulVec(x.T(), yv)

	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &xty); err != nil {
		return nil, fmt.Errorf("failed to solve normal equations: %w", err)
	}

	var resid mat.VecDense
	resid.MulVec(x, &beta)
	resid.SubVec(yv, &resid)
	ssr := mat.Dot(&resid, &resid)

	post := &posterior{
		beta: mat.Col(nil, 0, &beta),
		ssr:  ssr,
		dof:  n - p,
	}
	chol.UTo(&post.upper)
	return post, nil
}

// sigma returns the residual standard error.
func (p *posterior) sigma() float64 {
	return math.Sqrt(p.ssr / float64(p.dof))
}

// draw samples (β, σ) from the posterior using rng.
func (p *posterior) draw(rng *rand.Rand, beta []float64) (float64, error) {
	chi2 := 0.0
	for i := 0; i < p.dof; i++ {
		z := rng.NormFloat64()
		chi2 += z * z
	}
	if chi2 == 0 {
		chi2 = math.SmallestNonzeroFloat64
	}
	sigma := math.Sqrt(p.ssr / chi2)

	k := len(p.beta)
	z := mat.NewVecDense(k, nil)
	for j := 0; j < k; j++ {
		z.SetVec(j, rng.NormFloat64())
	}

	// δ = U⁻¹z has covariance (UᵀU)⁻¹ = (XᵀX)⁻¹
	var delta mat.VecDense
	if err := delta.SolveVec(&p.upper, z); err != nil {
		return 0, fmt.Errorf("failed to sample coefficients: %w", err)
	}
	for j := 0; j < k; j++ {
		beta[j] = p.beta[j] + sigma*delta.AtVec(j)
	}
	return sigma, nil
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func allFinite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
