// Package codec reads and writes layer pixels. Go decoders handle the common
// formats; anything else goes through ImageMagick.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gopkg.in/gographics/imagick.v3/imagick"
)

// ErrUnknownFormat is returned when no decoder or encoder matches.
var ErrUnknownFormat = errors.New("unknown image format")

// Format is an output encoding.
type Format string

const (
	PNG  Format = "png"
	TIFF Format = "tiff"
)

// ParseFormat accepts png, tif and tiff.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png":
		return PNG, nil
	case "tif", "tiff":
		return TIFF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath derives the output format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Ext returns the file extension for f including the dot.
func (f Format) Ext() string {
	if f == TIFF {
		return ".tiff"
	}
	return ".png"
}

// Codec decodes with the registered Go decoders and optionally falls back
// to ImageMagick for formats Go cannot read (XCF, PSD, ...).
type Codec struct {
	ImageMagickFallback bool
}

// Default is used by the package-level helpers.
var Default = &Codec{ImageMagickFallback: true}

// Decode reads an image, returning its format name.
func (c *Codec) Decode(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return nil, "", fmt.Errorf("decode %s: %w", format, err)
	}
	if !c.ImageMagickFallback {
		return nil, "", fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	img, err = decodeMagick(data)
	if err != nil {
		return nil, "", err
	}
	return img, "imagemagick", nil
}

// DecodeFile opens and decodes path.
func (c *Codec) DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := c.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func decodeMagick(data []byte) (image.Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(data); err != nil {
		return nil, fmt.Errorf("%w: imagemagick: %v", ErrUnknownFormat, err)
	}
	// Multi-layer inputs decode to their first image.
	mw.SetIteratorIndex(0)
	return wandToImage(mw)
}

// wandToImage converts the wand's current image through an in-memory PNG.
func wandToImage(mw *imagick.MagickWand) (image.Image, error) {
	frame := mw.GetImage()
	defer frame.Destroy()
	if err := frame.SetImageFormat("PNG"); err != nil {
		return nil, fmt.Errorf("imagemagick: set format: %w", err)
	}
	blob := frame.GetImageBlob()
	if len(blob) == 0 {
		return nil, errors.New("imagemagick: empty image blob")
	}
	return png.Decode(bytes.NewReader(blob))
}

// Encode writes img in format f.
func Encode(w io.Writer, img image.Image, f Format) error {
	switch f {
	case PNG:
		return png.Encode(w, img)
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// EncodeFile writes img to path, creating parent directories.
func EncodeFile(path string, img image.Image, f Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(out, img, f); err != nil {
		out.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return out.Close()
}

// Decode uses Default.
func Decode(r io.Reader) (image.Image, string, error) { return Default.Decode(r) }

// DecodeFile uses Default.
func DecodeFile(path string) (image.Image, error) { return Default.DecodeFile(path) }
