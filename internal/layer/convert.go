package layer

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"matting/internal/matte"
)

// ToArray converts the layer's pixels to a normalized array. RGB yields three
// channels with alpha dropped; Gray yields one channel of ITU-R 601 luma
// computed from the unpremultiplied color.
func ToArray(l *Layer, mode ColorMode) (*matte.Image, error) {
	if l == nil || l.Pixels == nil {
		return nil, errors.New("layer has no pixels")
	}
	if !l.Mode.Supported() {
		return nil, fmt.Errorf("%w: layer %q is %s", ErrUnsupportedMode, l.Name, l.Mode)
	}
	b := l.Pixels.Bounds()
	w, h := b.Dx(), b.Dy()

	switch mode {
	case RGB:
		out := matte.NewImage(w, h, 3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := straight(l.Pixels, b.Min.X+x, b.Min.Y+y)
				out.Set(x, y, 0, float64(c.R)/255)
				out.Set(x, y, 1, float64(c.G)/255)
				out.Set(x, y, 2, float64(c.B)/255)
			}
		}
		return out, nil
	case Gray:
		out := matte.NewImage(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := straight(l.Pixels, b.Min.X+x, b.Min.Y+y)
				c.A = 0xff
				g := color.GrayModel.Convert(c).(color.Gray)
				out.Set(x, y, 0, float64(g.Y)/255)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot convert to %q", ErrUnsupportedMode, mode)
}

func to8(v float64) uint8 {
	return uint8(math.Round(matte.Clamp01(v) * 255))
}

// FromArray converts a normalized array back to pixels. Three or four
// channels become straight-alpha NRGBA, one channel becomes Gray and two
// channels become gray with alpha.
func FromArray(arr *matte.Image) (image.Image, error) {
	if err := arr.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, arr.Width, arr.Height)

	switch arr.Channels {
	case 1:
		img := image.NewGray(rect)
		for i, v := range arr.Pix {
			img.Pix[i] = to8(v)
		}
		return img, nil
	case 2, 3, 4:
		img := image.NewNRGBA(rect)
		for i := 0; i < arr.Pixels(); i++ {
			src := arr.Pix[i*arr.Channels : (i+1)*arr.Channels]
			dst := img.Pix[i*4 : i*4+4]
			switch arr.Channels {
			case 2:
				g := to8(src[0])
				dst[0], dst[1], dst[2], dst[3] = g, g, g, to8(src[1])
			case 3:
				dst[0], dst[1], dst[2], dst[3] = to8(src[0]), to8(src[1]), to8(src[2]), 0xff
			case 4:
				dst[0], dst[1], dst[2], dst[3] = to8(src[0]), to8(src[1]), to8(src[2]), to8(src[3])
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedMode, arr.Channels)
}

// AttachAlphaMask adds an editing mask initialized from the layer's alpha
// and makes the layer itself opaque, so the mask alone controls visibility.
func AttachAlphaMask(l *Layer) error {
	if l == nil || l.Pixels == nil {
		return errors.New("layer has no pixels")
	}
	if l.Mask != nil {
		return fmt.Errorf("layer %q already has a mask", l.Name)
	}
	b := l.Pixels.Bounds()
	mask := image.NewGray(b)
	opaque := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := straight(l.Pixels, x, y)
			mask.SetGray(x, y, color.Gray{Y: c.A})
			c.A = 0xff
			opaque.SetNRGBA(x, y, c)
		}
	}
	l.Pixels = opaque
	l.Mask = mask
	return nil
}

// Flatten applies the mask to the layer's alpha and returns the result. A
// layer without a mask is returned as is.
func Flatten(l *Layer) image.Image {
	if l.Mask == nil {
		return l.Pixels
	}
	b := l.Pixels.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := straight(l.Pixels, x, y)
			m := uint32(0xff)
			if (image.Point{X: x, Y: y}).In(l.Mask.Bounds()) {
				m = uint32(l.Mask.GrayAt(x, y).Y)
			}
			c.A = uint8((uint32(c.A)*m + 127) / 255)
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}
