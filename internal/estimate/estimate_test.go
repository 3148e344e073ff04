package estimate

import (
	"context"
	"errors"
	"math"
	"testing"

	"matting/internal/matte"
)

// splitImage is black on the left half and white on the right half.
func splitImage(w, h int) *matte.Image {
	img := matte.NewImage(w, h, 3)
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			for c := 0; c < 3; c++ {
				img.Set(x, y, c, 1)
			}
		}
	}
	return img
}

// borderTrimap marks the outer columns as known and everything else unknown.
func borderTrimap(w, h, known int) *matte.Image {
	tri := matte.Filled(w, h, 1, 0.5)
	for y := 0; y < h; y++ {
		for x := 0; x < known; x++ {
			tri.Set(x, y, 0, 0)
			tri.Set(w-1-x, y, 0, 1)
		}
	}
	return tri
}

func TestClosedFormKeepsKnownLabels(t *testing.T) {
	img := splitImage(10, 6)
	tri := borderTrimap(10, 6, 2)

	alpha, err := DefaultClosedForm().EstimateAlpha(context.Background(), img, tri)
	if err != nil {
		t.Fatalf("estimate alpha: %v", err)
	}
	if alpha.Channels != 1 || alpha.Width != 10 || alpha.Height != 6 {
		t.Fatalf("unexpected matte shape %s", alpha)
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 2; x++ {
			if v := alpha.At(x, y, 0); v != 0 {
				t.Fatalf("background pixel (%d,%d) = %v, want 0", x, y, v)
			}
			if v := alpha.At(9-x, y, 0); v != 1 {
				t.Fatalf("foreground pixel (%d,%d) = %v, want 1", 9-x, y, v)
			}
		}
	}
	for _, v := range alpha.Pix {
		if v < 0 || v > 1 {
			t.Fatalf("alpha %v outside [0,1]", v)
		}
	}
}

func TestClosedFormFollowsColorEdge(t *testing.T) {
	img := splitImage(12, 6)
	tri := borderTrimap(12, 6, 2)

	alpha, err := DefaultClosedForm().EstimateAlpha(context.Background(), img, tri)
	if err != nil {
		t.Fatalf("estimate alpha: %v", err)
	}
	for y := 0; y < 6; y++ {
		for x := 2; x < 10; x++ {
			v := alpha.At(x, y, 0)
			if x < 6 && v > 0.1 {
				t.Fatalf("black pixel (%d,%d) got alpha %v", x, y, v)
			}
			if x >= 6 && v < 0.9 {
				t.Fatalf("white pixel (%d,%d) got alpha %v", x, y, v)
			}
		}
	}
}

func TestClosedFormAllForeground(t *testing.T) {
	img := matte.Filled(2, 2, 3, 1)
	tri := matte.Filled(2, 2, 1, 1)

	alpha, err := DefaultClosedForm().EstimateAlpha(context.Background(), img, tri)
	if err != nil {
		t.Fatalf("estimate alpha: %v", err)
	}
	for i, v := range alpha.Pix {
		if v != 1 {
			t.Fatalf("alpha[%d] = %v, want 1", i, v)
		}
	}
}

func TestClosedFormRejectsMismatch(t *testing.T) {
	_, err := DefaultClosedForm().EstimateAlpha(context.Background(), matte.NewImage(4, 4, 3), matte.NewImage(4, 5, 1))
	if !errors.Is(err, matte.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	cf := DefaultClosedForm()
	cf.Radius = 0
	if _, err := cf.EstimateAlpha(context.Background(), matte.NewImage(4, 4, 3), matte.NewImage(4, 4, 1)); !errors.Is(err, matte.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for radius 0, got %v", err)
	}
}

func TestClosedFormHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DefaultClosedForm().EstimateAlpha(ctx, splitImage(8, 8), borderTrimap(8, 8, 1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestClosedFormReportsNonConvergence(t *testing.T) {
	cf := DefaultClosedForm()
	cf.MaxIterations = 1
	cf.Tolerance = 1e-15

	_, err := cf.EstimateAlpha(context.Background(), gradient(16, 16), borderTrimap(16, 16, 1))
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("expected ErrNotConverged, got %v", err)
	}
}

func gradient(w, h int) *matte.Image {
	img := matte.NewImage(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, 0, float64(x)/float64(w-1))
			img.Set(x, y, 1, float64(y)/float64(h-1))
			img.Set(x, y, 2, float64(x*y)/float64((w-1)*(h-1)))
		}
	}
	return img
}

func TestConjugateGradientSolvesSPDSystem(t *testing.T) {
	// [4 1; 1 3] x = [1; 2] -> x = [1/11; 7/11]
	op := func(dst, x []float64) {
		dst[0] = 4*x[0] + x[1]
		dst[1] = x[0] + 3*x[1]
	}
	x, err := conjugateGradient(context.Background(), op, []float64{1, 2}, []float64{0.25, 1.0 / 3}, 1e-12, 10)
	if err != nil {
		t.Fatalf("cg: %v", err)
	}
	if math.Abs(x[0]-1.0/11) > 1e-9 || math.Abs(x[1]-7.0/11) > 1e-9 {
		t.Fatalf("unexpected solution %v", x)
	}

	zero, err := conjugateGradient(context.Background(), op, []float64{0, 0}, nil, 1e-12, 10)
	if err != nil || zero[0] != 0 || zero[1] != 0 {
		t.Fatalf("expected zero solution, got %v %v", zero, err)
	}
}

func TestMultiLevelRecoversUniformColors(t *testing.T) {
	ml := DefaultMultiLevel()

	white := matte.Filled(2, 2, 3, 1)
	fg, _, err := ml.EstimateForeground(context.Background(), white, matte.Filled(2, 2, 1, 1))
	if err != nil {
		t.Fatalf("estimate foreground: %v", err)
	}
	for i, v := range fg.Pix {
		if math.Abs(v-1) > 1e-3 {
			t.Fatalf("foreground[%d] = %v, want ~1", i, v)
		}
	}

	black := matte.NewImage(2, 2, 3)
	_, bg, err := ml.EstimateForeground(context.Background(), black, matte.NewImage(2, 2, 1))
	if err != nil {
		t.Fatalf("estimate foreground: %v", err)
	}
	for i, v := range bg.Pix {
		if math.Abs(v) > 1e-3 {
			t.Fatalf("background[%d] = %v, want ~0", i, v)
		}
	}
}

func TestMultiLevelCompositesBackToImage(t *testing.T) {
	img := matte.Filled(5, 4, 3, 0.5)
	alpha := matte.Filled(5, 4, 1, 0.5)

	fg, bg, err := DefaultMultiLevel().EstimateForeground(context.Background(), img, alpha)
	if err != nil {
		t.Fatalf("estimate foreground: %v", err)
	}
	if fg.Channels != 3 || bg.Channels != 3 || !matte.SameSize(fg, img) || !matte.SameSize(bg, img) {
		t.Fatalf("unexpected shapes fg=%s bg=%s", fg, bg)
	}
	for i := range img.Pix {
		p := i / 3
		a := alpha.Pix[p]
		got := a*fg.Pix[i] + (1-a)*bg.Pix[i]
		if math.Abs(got-img.Pix[i]) > 1e-2 {
			t.Fatalf("composite[%d] = %v, want %v", i, got, img.Pix[i])
		}
		if fg.Pix[i] < 0 || fg.Pix[i] > 1 || bg.Pix[i] < 0 || bg.Pix[i] > 1 {
			t.Fatalf("estimate outside [0,1] at %d", i)
		}
	}
}

func TestMultiLevelRejectsBadAlpha(t *testing.T) {
	ml := DefaultMultiLevel()
	if _, _, err := ml.EstimateForeground(context.Background(), matte.NewImage(3, 3, 3), matte.NewImage(3, 2, 1)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if _, _, err := ml.EstimateForeground(context.Background(), matte.NewImage(3, 3, 3), matte.NewImage(3, 3, 3)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for color alpha, got %v", err)
	}
}

func TestResizeNearestPicksCenters(t *testing.T) {
	src := matte.NewImage(4, 1, 1)
	copy(src.Pix, []float64{0, 1, 2, 3})
	dst := resizeNearest(src, 2, 1)
	if dst.Pix[0] != 1 || dst.Pix[1] != 3 {
		t.Fatalf("unexpected samples %v", dst.Pix)
	}
	up := resizeNearest(dst, 4, 1)
	want := []float64{1, 1, 3, 3}
	for i := range want {
		if up.Pix[i] != want[i] {
			t.Fatalf("upsampled %v, want %v", up.Pix, want)
		}
	}
}

func TestDecomposeWhiteForeground(t *testing.T) {
	d := matte.New(DefaultClosedForm(), DefaultMultiLevel())
	img := matte.Filled(2, 2, 3, 1)

	fg, bg, err := d.Decompose(context.Background(), img, matte.Filled(2, 2, 1, 1))
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			if fg.At(x, y, 3) != 1 || bg.At(x, y, 3) != 0 {
				t.Fatalf("alpha at (%d,%d): fg=%v bg=%v", x, y, fg.At(x, y, 3), bg.At(x, y, 3))
			}
			for c := 0; c < 3; c++ {
				if math.Abs(fg.At(x, y, c)-1) > 1e-3 {
					t.Fatalf("foreground color at (%d,%d,%d) = %v", x, y, c, fg.At(x, y, c))
				}
			}
		}
	}
}

func TestDecomposeBlackBackground(t *testing.T) {
	d := matte.New(DefaultClosedForm(), DefaultMultiLevel())
	img := matte.NewImage(2, 2, 3)

	fg, bg, err := d.Decompose(context.Background(), img, matte.NewImage(2, 2, 1))
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			if fg.At(x, y, 3) != 0 || bg.At(x, y, 3) != 1 {
				t.Fatalf("alpha at (%d,%d): fg=%v bg=%v", x, y, fg.At(x, y, 3), bg.At(x, y, 3))
			}
			for c := 0; c < 3; c++ {
				if math.Abs(bg.At(x, y, c)) > 1e-3 {
					t.Fatalf("background color at (%d,%d,%d) = %v", x, y, c, bg.At(x, y, c))
				}
			}
		}
	}
}
