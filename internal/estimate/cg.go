package estimate

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// linearOperator writes A*x into dst.
type linearOperator func(dst, x []float64)

// conjugateGradient solves A x = b for a symmetric positive (semi-)definite
// operator, starting from zero. precond holds the inverse diagonal for
// Jacobi preconditioning and may be nil.
func conjugateGradient(ctx context.Context, a linearOperator, b, precond []float64, tol float64, maxIter int) ([]float64, error) {
	n := len(b)
	x := make([]float64, n)
	normB := floats.Norm(b, 2)
	if normB == 0 {
		return x, nil
	}
	if maxIter <= 0 {
		maxIter = 10000
	}

	r := make([]float64, n)
	copy(r, b)
	z := make([]float64, n)
	applyPrecond(z, r, precond)
	p := make([]float64, n)
	copy(p, z)
	ap := make([]float64, n)
	rz := floats.Dot(r, z)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a(ap, p)
		pap := floats.Dot(p, ap)
		if pap <= 0 || math.IsNaN(pap) {
			// Direction lies in the null space; the current iterate is as
			// good as it gets.
			if floats.Norm(r, 2) <= tol*normB {
				return x, nil
			}
			return nil, fmt.Errorf("%w: breakdown after %d iterations", ErrNotConverged, iter)
		}
		step := rz / pap
		floats.AddScaled(x, step, p)
		floats.AddScaled(r, -step, ap)

		if floats.Norm(r, 2) <= tol*normB {
			return x, nil
		}

		applyPrecond(z, r, precond)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		for i := range p {
			p[i] = z[i] + beta*p[i]
		}
	}
	return nil, fmt.Errorf("%w: residual %.3g after %d iterations", ErrNotConverged, floats.Norm(r, 2)/normB, maxIter)
}

func applyPrecond(dst, r, precond []float64) {
	if precond == nil {
		copy(dst, r)
		return
	}
	floats.MulTo(dst, precond, r)
}
