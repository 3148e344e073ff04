// Package layer models editor layers and converts their pixels to and from
// the normalized arrays used by the decomposition.
package layer

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
)

// ErrUnsupportedMode is returned for layers that are neither RGB nor grayscale.
var ErrUnsupportedMode = errors.New("unsupported color mode")

// ColorMode is the base type of a layer.
type ColorMode string

const (
	RGB     ColorMode = "RGB"
	Gray    ColorMode = "GRAY"
	Indexed ColorMode = "INDEXED"
)

// ParseColorMode accepts the mode names case-insensitively.
func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RGB", "RGBA":
		return RGB, nil
	case "GRAY", "GREY", "L", "LA":
		return Gray, nil
	case "INDEXED", "P":
		return Indexed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
}

// Supported reports whether pixels of this mode can be decomposed.
func (m ColorMode) Supported() bool {
	return m == RGB || m == Gray
}

// ModeOf infers the base type from the pixel storage.
func ModeOf(img image.Image) ColorMode {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return Gray
	case *image.Paletted:
		return Indexed
	}
	return RGB
}

// Role tells the plug-in how a layer participates in a decomposition.
type Role int

const (
	RoleUnspecified Role = iota
	RoleImage
	RoleTrimap
)

func (r Role) String() string {
	switch r {
	case RoleImage:
		return "image"
	case RoleTrimap:
		return "trimap"
	}
	return "unspecified"
}

// ParseRole maps "image" and "trimap"; anything else is unspecified.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "color":
		return RoleImage
	case "trimap":
		return RoleTrimap
	}
	return RoleUnspecified
}

// Layer is a drawable in a document. Group layers carry no pixels.
type Layer struct {
	Name   string
	Role   Role
	Mode   ColorMode
	Pixels image.Image
	Mask   *image.Gray
	Parent *Layer
	Group  bool
}

// New returns a layer whose mode is inferred from img.
func New(name string, img image.Image) *Layer {
	return &Layer{Name: name, Mode: ModeOf(img), Pixels: img}
}

// NewGroup returns an empty layer group.
func NewGroup(name string) *Layer {
	return &Layer{Name: name, Group: true}
}

// Bounds returns the pixel bounds, empty for groups.
func (l *Layer) Bounds() image.Rectangle {
	if l.Pixels == nil {
		return image.Rectangle{}
	}
	return l.Pixels.Bounds()
}

func (l *Layer) String() string {
	b := l.Bounds()
	return fmt.Sprintf("%q (%s, %dx%d)", l.Name, l.Mode, b.Dx(), b.Dy())
}

// straight returns the unpremultiplied color at (x, y).
func straight(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}
