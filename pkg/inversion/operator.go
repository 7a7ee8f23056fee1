// Package inversion implements the Morphology Enabled Dipole Inversion
// solver: data- and gradient-weighting masks, a conjugate-gradient inner
// solver over abstract linear operators, and the outer Gauss-Newton loop
// that recovers the susceptibility map from a local field map.
package inversion

// LinearOperator is a symmetric linear map applied without materializing a
// matrix. Implementations must treat src as read-only and fully overwrite
// dst; dst and src never alias.
type LinearOperator interface {
	Apply(dst, src []float64)
}

// OperatorFunc adapts a function to the LinearOperator interface.
type OperatorFunc func(dst, src []float64)

// Apply invokes the function.
func (f OperatorFunc) Apply(dst, src []float64) { f(dst, src) }

// sumOperator applies a + b.
type sumOperator struct {
	a, b LinearOperator
	tmp  []float64
}

// Sum composes two operators into their pointwise sum.
func Sum(a, b LinearOperator, n int) LinearOperator {
	return &sumOperator{a: a, b: b, tmp: make([]float64, n)}
}

func (s *sumOperator) Apply(dst, src []float64) {
	s.a.Apply(dst, src)
	s.b.Apply(s.tmp, src)
	for i := range dst {
		dst[i] += s.tmp[i]
	}
}

// scaledOperator applies c * op.
type scaledOperator struct {
	c  float64
	op LinearOperator
}

// Scaled wraps an operator with a scalar multiplier.
func Scaled(c float64, op LinearOperator) LinearOperator {
	return &scaledOperator{c: c, op: op}
}

func (s *scaledOperator) Apply(dst, src []float64) {
	s.op.Apply(dst, src)
	for i := range dst {
		dst[i] *= s.c
	}
}
