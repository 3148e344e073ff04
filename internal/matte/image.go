package matte

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when arrays handed to the decomposition have
// incompatible shapes.
var ErrInvalidInput = errors.New("invalid input")

// Image is a dense row-major array of shape (Height, Width, Channels).
// Values are normalized to [0, 1].
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float64
}

// NewImage allocates a zeroed array of the given shape.
func NewImage(width, height, channels int) *Image {
	if width < 0 || height < 0 || channels < 0 {
		width, height, channels = 0, 0, 0
	}
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]float64, width*height*channels),
	}
}

// Filled returns an array where every element equals v.
func Filled(width, height, channels int, v float64) *Image {
	img := NewImage(width, height, channels)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// Offset returns the index of channel c at (x, y).
func (im *Image) Offset(x, y, c int) int {
	return (y*im.Width+x)*im.Channels + c
}

func (im *Image) At(x, y, c int) float64 {
	return im.Pix[im.Offset(x, y, c)]
}

func (im *Image) Set(x, y, c int, v float64) {
	im.Pix[im.Offset(x, y, c)] = v
}

// Pixels is the number of spatial locations.
func (im *Image) Pixels() int {
	return im.Width * im.Height
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{Width: im.Width, Height: im.Height, Channels: im.Channels, Pix: make([]float64, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// Validate checks that the pixel buffer matches the declared shape.
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("%w: nil array", ErrInvalidInput)
	}
	if im.Width <= 0 || im.Height <= 0 || im.Channels <= 0 {
		return fmt.Errorf("%w: empty shape (%d, %d, %d)", ErrInvalidInput, im.Height, im.Width, im.Channels)
	}
	if len(im.Pix) != im.Width*im.Height*im.Channels {
		return fmt.Errorf("%w: buffer has %d values, shape (%d, %d, %d) needs %d",
			ErrInvalidInput, len(im.Pix), im.Height, im.Width, im.Channels, im.Width*im.Height*im.Channels)
	}
	return nil
}

// SameSize reports whether a and b share height and width.
func SameSize(a, b *Image) bool {
	return a.Width == b.Width && a.Height == b.Height
}

func (im *Image) String() string {
	return fmt.Sprintf("(%d, %d, %d)", im.Height, im.Width, im.Channels)
}

// Stack appends the single-channel alpha as an extra channel of color.
func Stack(color, alpha *Image) (*Image, error) {
	if err := color.Validate(); err != nil {
		return nil, err
	}
	if err := alpha.Validate(); err != nil {
		return nil, err
	}
	if !SameSize(color, alpha) || alpha.Channels != 1 {
		return nil, fmt.Errorf("%w: cannot stack alpha %s onto %s", ErrInvalidInput, alpha, color)
	}
	out := NewImage(color.Width, color.Height, color.Channels+1)
	n := color.Pixels()
	for i := 0; i < n; i++ {
		src := color.Pix[i*color.Channels : (i+1)*color.Channels]
		dst := out.Pix[i*out.Channels : (i+1)*out.Channels]
		copy(dst, src)
		dst[color.Channels] = alpha.Pix[i]
	}
	return out, nil
}

// SplitAlpha separates the last channel from the rest. It undoes Stack.
func SplitAlpha(img *Image) (color, alpha *Image, err error) {
	if err := img.Validate(); err != nil {
		return nil, nil, err
	}
	if img.Channels < 2 {
		return nil, nil, fmt.Errorf("%w: %s has no alpha channel", ErrInvalidInput, img)
	}
	cc := img.Channels - 1
	color = NewImage(img.Width, img.Height, cc)
	alpha = NewImage(img.Width, img.Height, 1)
	for i := 0; i < img.Pixels(); i++ {
		src := img.Pix[i*img.Channels : (i+1)*img.Channels]
		copy(color.Pix[i*cc:(i+1)*cc], src[:cc])
		alpha.Pix[i] = src[cc]
	}
	return color, alpha, nil
}

// Complement returns 1 - a element-wise.
func Complement(a *Image) *Image {
	out := NewImage(a.Width, a.Height, a.Channels)
	for i, v := range a.Pix {
		out.Pix[i] = 1 - v
	}
	return out
}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
