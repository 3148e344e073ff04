// Package estimate implements the two estimators behind matte.Decomposer:
// closed-form alpha matting and multi-level foreground estimation.
package estimate

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"matting/internal/matte"
)

var (
	// ErrNotConverged is returned when the conjugate gradient solve stops at
	// its iteration limit before reaching the requested tolerance.
	ErrNotConverged = errors.New("solver did not converge")
	// ErrSingular is returned when a window covariance cannot be inverted,
	// which only happens with a zero regularization.
	ErrSingular = errors.New("singular window covariance")
)

// ClosedForm estimates alpha with the matting Laplacian of Levin et al.
type ClosedForm struct {
	Epsilon             float64 // covariance regularization
	Radius              int     // window radius, windows are (2r+1)^2
	ForegroundThreshold float64 // trimap values >= this are definite foreground
	BackgroundThreshold float64 // trimap values <= this are definite background
	Tolerance           float64 // relative residual for the CG solve
	MaxIterations       int
	Preconditioner      string // "jacobi" or "none"
}

// DefaultClosedForm returns the usual parameters: epsilon 1e-7, radius 1.
func DefaultClosedForm() *ClosedForm {
	return &ClosedForm{
		Epsilon:             1e-7,
		Radius:              1,
		ForegroundThreshold: 0.9,
		BackgroundThreshold: 0.1,
		Tolerance:           1e-7,
		MaxIterations:       10000,
		Preconditioner:      "jacobi",
	}
}

// Trimap labels.
const (
	labelUnknown int8 = iota
	labelBackground
	labelForeground
)

// classify splits a trimap into per-pixel labels using the configured thresholds.
func (c *ClosedForm) classify(trimap *matte.Image) []int8 {
	labels := make([]int8, trimap.Pixels())
	for i, v := range trimap.Pix {
		switch {
		case v >= c.ForegroundThreshold:
			labels[i] = labelForeground
		case v <= c.BackgroundThreshold:
			labels[i] = labelBackground
		default:
			labels[i] = labelUnknown
		}
	}
	return labels
}

// EstimateAlpha implements matte.AlphaEstimator.
func (c *ClosedForm) EstimateAlpha(ctx context.Context, img, trimap *matte.Image) (*matte.Image, error) {
	if err := matte.CheckInputs(img, trimap); err != nil {
		return nil, err
	}
	if c.Radius < 1 {
		return nil, fmt.Errorf("%w: window radius must be at least 1, got %d", matte.ErrInvalidInput, c.Radius)
	}

	labels := c.classify(trimap)
	alpha := matte.NewImage(img.Width, img.Height, 1)

	var unknown []int
	pos := make([]int, len(labels))
	for i, l := range labels {
		pos[i] = -1
		switch l {
		case labelForeground:
			alpha.Pix[i] = 1
		case labelUnknown:
			pos[i] = len(unknown)
			unknown = append(unknown, i)
		}
	}
	if len(unknown) == 0 {
		return alpha, nil
	}

	lap, err := buildLaplacian(img, labels, c.Epsilon, c.Radius)
	if err != nil {
		return nil, err
	}

	// L_UU x = -L_UK alpha_K
	b := make([]float64, len(unknown))
	for u, i := range unknown {
		lap.eachNeighbor(i, func(j int, v float64) {
			if pos[j] < 0 {
				b[u] -= v * alpha.Pix[j]
			}
		})
	}

	op := func(dst, x []float64) {
		for u, i := range unknown {
			var s float64
			lap.eachNeighbor(i, func(j int, v float64) {
				if p := pos[j]; p >= 0 {
					s += v * x[p]
				}
			})
			dst[u] = s
		}
	}

	var precond []float64
	if c.Preconditioner != "none" {
		precond = make([]float64, len(unknown))
		for u, i := range unknown {
			d := lap.diagonal(i)
			if d <= 0 {
				d = 1
			}
			precond[u] = 1 / d
		}
	}

	x, err := conjugateGradient(ctx, op, b, precond, c.Tolerance, c.MaxIterations)
	if err != nil {
		return nil, err
	}
	for u, i := range unknown {
		alpha.Pix[i] = matte.Clamp01(x[u])
	}
	return alpha, nil
}

// laplacian stores, for every pixel, the coefficients towards the
// (4r+1)^2 pixels whose windows can overlap it.
type laplacian struct {
	w, h   int
	reach  int // 2r
	span   int // 4r+1
	values []float64
}

func (l *laplacian) index(i, dx, dy int) int {
	return i*l.span*l.span + (dy+l.reach)*l.span + (dx + l.reach)
}

func (l *laplacian) diagonal(i int) float64 {
	return l.values[l.index(i, 0, 0)]
}

func (l *laplacian) eachNeighbor(i int, fn func(j int, v float64)) {
	x, y := i%l.w, i/l.w
	for dy := -l.reach; dy <= l.reach; dy++ {
		yj := y + dy
		if yj < 0 || yj >= l.h {
			continue
		}
		for dx := -l.reach; dx <= l.reach; dx++ {
			xj := x + dx
			if xj < 0 || xj >= l.w {
				continue
			}
			if v := l.values[l.index(i, dx, dy)]; v != 0 {
				fn(yj*l.w+xj, v)
			}
		}
	}
}

func buildLaplacian(img *matte.Image, labels []int8, eps float64, r int) (*laplacian, error) {
	w, h := img.Width, img.Height
	size := 2*r + 1
	area := float64(size * size)
	lap := &laplacian{
		w:      w,
		h:      h,
		reach:  2 * r,
		span:   4*r + 1,
		values: make([]float64, w*h*(4*r+1)*(4*r+1)),
	}

	centered := make([][3]float64, size*size)
	idx := make([]int, size*size)
	cov := mat.NewSymDense(3, nil)
	inv := mat.NewSymDense(3, nil)
	var chol mat.Cholesky
	var m [3][3]float64

	for y := r; y < h-r; y++ {
		for x := r; x < w-r; x++ {
			allKnown := true
			k := 0
			for wy := y - r; wy <= y+r; wy++ {
				for wx := x - r; wx <= x+r; wx++ {
					p := wy*w + wx
					idx[k] = p
					k++
					if labels[p] == labelUnknown {
						allKnown = false
					}
				}
			}
			if allKnown {
				continue
			}

			var mu [3]float64
			for _, p := range idx {
				for ch := 0; ch < 3; ch++ {
					mu[ch] += img.Pix[p*3+ch]
				}
			}
			for ch := range mu {
				mu[ch] /= area
			}
			for n, p := range idx {
				for ch := 0; ch < 3; ch++ {
					centered[n][ch] = img.Pix[p*3+ch] - mu[ch]
				}
			}
			for a := 0; a < 3; a++ {
				for b := a; b < 3; b++ {
					var s float64
					for n := range centered {
						s += centered[n][a] * centered[n][b]
					}
					v := s / area
					if a == b {
						v += eps / area
					}
					cov.SetSym(a, b, v)
				}
			}
			if ok := chol.Factorize(cov); !ok {
				return nil, fmt.Errorf("%w at window (%d, %d)", ErrSingular, x, y)
			}
			if err := chol.InverseTo(inv); err != nil {
				return nil, fmt.Errorf("%w at window (%d, %d): %v", ErrSingular, x, y, err)
			}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					m[a][b] = inv.At(a, b)
				}
			}

			for ni, pi := range idx {
				ci := centered[ni]
				var t [3]float64
				for b := 0; b < 3; b++ {
					t[b] = ci[0]*m[0][b] + ci[1]*m[1][b] + ci[2]*m[2][b]
				}
				xi, yi := pi%w, pi/w
				for nj, pj := range idx {
					cj := centered[nj]
					q := t[0]*cj[0] + t[1]*cj[1] + t[2]*cj[2]
					v := -(1 + q) / area
					if ni == nj {
						v += 1
					}
					lap.values[lap.index(pi, pj%w-xi, pj/w-yi)] += v
				}
			}
		}
	}
	return lap, nil
}
