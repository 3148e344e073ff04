package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"matting/internal/matte"
)

// ErrShape is returned when the alpha handed to the foreground estimator
// does not match the image.
var ErrShape = errors.New("alpha does not match image")

// MultiLevel estimates foreground and background colors coarse-to-fine,
// following Germer et al., "Fast Multi-Level Foreground Estimation".
type MultiLevel struct {
	Regularization  float64
	SmallIterations int // iterations on levels no larger than SmallSize
	BigIterations   int // iterations on the remaining levels
	SmallSize       int
	GradientWeight  float64
}

// DefaultMultiLevel returns the reference parameters.
func DefaultMultiLevel() *MultiLevel {
	return &MultiLevel{
		Regularization:  1e-5,
		SmallIterations: 10,
		BigIterations:   2,
		SmallSize:       32,
		GradientWeight:  1.0,
	}
}

var (
	neighborDX = [4]int{-1, 1, 0, 0}
	neighborDY = [4]int{0, 0, -1, 1}
)

// EstimateForeground implements matte.ForegroundEstimator.
func (m *MultiLevel) EstimateForeground(ctx context.Context, img, alpha *matte.Image) (*matte.Image, *matte.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, nil, err
	}
	if err := alpha.Validate(); err != nil {
		return nil, nil, err
	}
	if !matte.SameSize(img, alpha) || alpha.Channels != 1 {
		return nil, nil, fmt.Errorf("%w: alpha %s, image %s", ErrShape, alpha, img)
	}

	w0, h0 := img.Width, img.Height
	levels := int(math.Ceil(math.Log2(float64(max(w0, h0)))))

	fPrev := matte.NewImage(1, 1, img.Channels)
	bPrev := matte.NewImage(1, 1, img.Channels)

	for level := 0; level <= levels; level++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		w, h := w0, h0
		if levels > 0 {
			w = int(math.Round(math.Pow(float64(w0), float64(level)/float64(levels))))
			h = int(math.Round(math.Pow(float64(h0), float64(level)/float64(levels))))
		}

		image := resizeNearest(img, w, h)
		a := resizeNearest(alpha, w, h)
		f := resizeNearest(fPrev, w, h)
		b := resizeNearest(bPrev, w, h)

		iterations := m.BigIterations
		if w <= m.SmallSize && h <= m.SmallSize {
			iterations = m.SmallIterations
		}
		for it := 0; it < iterations; it++ {
			m.sweep(image, a, f, b)
		}
		fPrev, bPrev = f, b
	}
	return fPrev, bPrev, nil
}

// sweep updates every pixel in place by solving the 2x2 system of the
// compositing equation plus neighbor smoothness terms.
func (m *MultiLevel) sweep(image, alpha, f, b *matte.Image) {
	w, h, depth := image.Width, image.Height, image.Channels
	b0 := make([]float64, depth)
	b1 := make([]float64, depth)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a0 := alpha.Pix[y*w+x]
			a1 := 1 - a0
			a00 := a0 * a0
			a01 := a0 * a1
			a11 := a1 * a1
			for c := 0; c < depth; c++ {
				v := image.At(x, y, c)
				b0[c] = a0 * v
				b1[c] = a1 * v
			}

			for d := 0; d < 4; d++ {
				x2 := max(0, min(w-1, x+neighborDX[d]))
				y2 := max(0, min(h-1, y+neighborDY[d]))
				gradient := math.Abs(a0 - alpha.Pix[y2*w+x2])
				da := m.Regularization + m.GradientWeight*gradient
				a00 += da
				a11 += da
				for c := 0; c < depth; c++ {
					b0[c] += da * f.At(x2, y2, c)
					b1[c] += da * b.At(x2, y2, c)
				}
			}

			det := a00*a11 - a01*a01
			if det == 0 {
				continue
			}
			invDet := 1 / det
			i00 := invDet * a11
			i01 := -invDet * a01
			i11 := invDet * a00
			for c := 0; c < depth; c++ {
				f.Set(x, y, c, matte.Clamp01(i00*b0[c]+i01*b1[c]))
				b.Set(x, y, c, matte.Clamp01(i01*b0[c]+i11*b1[c]))
			}
		}
	}
}

// resizeNearest samples src at the centers of the destination pixels.
func resizeNearest(src *matte.Image, w, h int) *matte.Image {
	dst := matte.NewImage(w, h, src.Channels)
	for y := 0; y < h; y++ {
		sy := min(src.Height-1, int(math.Floor((float64(y)+0.5)*float64(src.Height)/float64(h))))
		for x := 0; x < w; x++ {
			sx := min(src.Width-1, int(math.Floor((float64(x)+0.5)*float64(src.Width)/float64(w))))
			copy(dst.Pix[dst.Offset(x, y, 0):dst.Offset(x, y, 0)+src.Channels],
				src.Pix[src.Offset(sx, sy, 0):src.Offset(sx, sy, 0)+src.Channels])
		}
	}
	return dst
}
