package estimate

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Column names of the regression design.
const (
	ColIntercept = "intercept"
	ColCovariate = "covariate"
	ColTrend     = "trend"
)

// design standardizes regressors with pre-window moments so XᵀX stays well
// conditioned regardless of the covariate's scale.
type design struct {
	columns []string
	center  []float64
	scale   []float64
}

// nearConstant reports whether xs carries no usable variation.
func nearConstant(mean, sd float64) bool {
	return !(sd > 1e-9*(1+math.Abs(mean)))
}

func newDesign(covariate []float64, pre int, withCovariate, withTrend bool) *design {
	d := &design{
		columns: []string{ColIntercept},
		center:  []float64{0},
		scale:   []float64{1},
	}
	if withCovariate {
		mean, sd := stat.MeanStdDev(covariate[:pre], nil)
		d.columns = append(d.columns, ColCovariate)
		d.center = append(d.center, mean)
		d.scale = append(d.scale, sd)
	}
	if withTrend {
		// t = 0..pre-1 has mean (pre-1)/2
		mean := float64(pre-1) / 2
		sd := math.Sqrt(float64(pre*pre-1) / 12)
		if pre < 2 {
			sd = 1
		}
		d.columns = append(d.columns, ColTrend)
		d.center = append(d.center, mean)
		d.scale = append(d.scale, sd)
	}
	return d
}

func (d *design) width() int { return len(d.columns) }

// row writes the standardized regressors for day t into dst.
func (d *design) row(covariate float64, t int, dst []float64) {
	for j, c := range d.columns {
		switch c {
		case ColIntercept:
			dst[j] = 1
		case ColCovariate:
			dst[j] = (covariate - d.center[j]) / d.scale[j]
		case ColTrend:
			dst[j] = (float64(t) - d.center[j]) / d.scale[j]
		}
	}
}

// matrix builds the design matrix for days [0, n).
func (d *design) matrix(covariate []float64, n int) *mat.Dense {
	p := d.width()
	data := make([]float64, n*p)
	for t := 0; t < n; t++ {
		d.row(covariate[t], t, data[t*p:(t+1)*p])
	}
	return mat.NewDense(n, p, data)
}

// original converts standardized coefficients back to the data scale.
func (d *design) original(beta []float64) map[string]float64 {
	out := make(map[string]float64, len(beta))
	intercept := 0.0
	for j, c := range d.columns {
		if c == ColIntercept {
			intercept += beta[j]
			continue
		}
		slope := beta[j] / d.scale[j]
		out[c] = slope
		intercept -= slope * d.center[j]
	}
	out[ColIntercept] = intercept
	return out
}
