package inversion

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// CGResult holds the outcome of a conjugate-gradient solve.
type CGResult struct {
	// X is the best estimate reached, returned whether or not the solve
	// converged
	X []float64

	// Iterations is the number of CG iterations performed
	Iterations int

	// Residuals is the Euclidean residual norm after each iteration,
	// with the initial residual norm at index 0
	Residuals []float64

	// Converged reports whether the residual tolerance was reached
	Converged bool
}

// ConjugateGradient solves op(x) = b for a symmetric positive semi-definite
// operator, starting from x = 0. It stops when the residual norm drops below
// tol or after maxIter iterations; truncation is an intentional
// approximation, not an error, so the current estimate is always returned.
func ConjugateGradient(op LinearOperator, b []float64, tol float64, maxIter int) CGResult {
	n := len(b)
	x := make([]float64, n)
	r := make([]float64, n)
	copy(r, b)
	p := make([]float64, n)
	copy(p, b)
	ap := make([]float64, n)

	rs := floats.Dot(r, r)
	res := CGResult{X: x, Residuals: []float64{math.Sqrt(rs)}}

	for iter := 0; iter < maxIter; iter++ {
		if math.Sqrt(rs) < tol {
			res.Converged = true
			return res
		}
		op.Apply(ap, p)
		pap := floats.Dot(p, ap)
		if pap <= 0 {
			// direction of zero (or negative, from roundoff) curvature;
			// stop with the current estimate
			return res
		}
		alpha := rs / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		rsNew := floats.Dot(r, r)
		beta := rsNew / rs
		for i := range p {
			p[i] = r[i] + beta*p[i]
		}
		rs = rsNew
		res.Iterations = iter + 1
		res.Residuals = append(res.Residuals, math.Sqrt(rs))
	}
	res.Converged = math.Sqrt(rs) < tol
	return res
}
