package document

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"path/filepath"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"matting/internal/codec"
	"matting/internal/layer"
)

// OpenFiles builds a two-layer document from a color image and a trimap
// file. The roles are assigned explicitly, so layer names do not matter.
func OpenFiles(c *codec.Codec, imagePath, trimapPath string) (*Memory, error) {
	if c == nil {
		c = codec.Default
	}
	img, err := c.DecodeFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	tri, err := c.DecodeFile(trimapPath)
	if err != nil {
		return nil, fmt.Errorf("open trimap: %w", err)
	}

	return FromImages(filepath.Base(imagePath), baseName(imagePath), img, baseName(trimapPath), tri)
}

// FromImages builds a document holding a color layer above a trimap layer,
// both selected with typed roles.
func FromImages(docName, imageName string, img image.Image, trimapName string, tri image.Image) (*Memory, error) {
	doc := NewMemory(docName)
	color := fileLayer(imageName, img)
	color.Role = layer.RoleImage
	trimap := fileLayer(trimapName, tri)
	trimap.Role = layer.RoleTrimap

	if err := doc.Add(trimap, nil); err != nil {
		return nil, err
	}
	if err := doc.Insert(color, nil, 0); err != nil {
		return nil, err
	}
	doc.Select(color, trimap)
	return doc, nil
}

// OpenLayered reads a multi-layer file (XCF, PSD, layered TIFF) through
// ImageMagick. Layer names come from the "label" property. When imageName
// and trimapName are given those layers are selected with typed roles;
// otherwise the first two layers are selected untyped and the plug-in's
// naming convention decides.
func OpenLayered(path, imageName, trimapName string) (*Memory, error) {
	layers, err := readLayers(path)
	if err != nil {
		return nil, err
	}
	doc := NewMemory(filepath.Base(path))
	for _, l := range layers {
		if err := doc.Add(l, nil); err != nil {
			return nil, err
		}
	}

	if imageName == "" && trimapName == "" {
		if len(layers) < 2 {
			return nil, fmt.Errorf("%s has %d layers, need an image and a trimap", path, len(layers))
		}
		doc.Select(layers[0], layers[1])
		return doc, nil
	}

	img, ok := doc.Find(imageName)
	if !ok {
		return nil, fmt.Errorf("%w: no layer named %q in %s", ErrNotInDocument, imageName, path)
	}
	tri, ok := doc.Find(trimapName)
	if !ok {
		return nil, fmt.Errorf("%w: no layer named %q in %s", ErrNotInDocument, trimapName, path)
	}
	img.Role = layer.RoleImage
	tri.Role = layer.RoleTrimap
	doc.Select(img, tri)
	return doc, nil
}

func readLayers(path string) ([]*layer.Layer, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagemagick read %s: %w", path, err)
	}

	n := int(mw.GetNumberImages())
	layers := make([]*layer.Layer, 0, n)
	for i := 0; i < n; i++ {
		mw.SetIteratorIndex(i)
		name := strings.TrimSpace(mw.GetImageProperty("label"))
		if name == "" {
			// PSD stores the flattened composite first, without a label.
			if strings.EqualFold(filepath.Ext(path), ".psd") && i == 0 && n > 1 {
				continue
			}
			name = fmt.Sprintf("layer %d", i)
		}
		px, err := frameImage(mw)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", name, err)
		}
		layers = append(layers, fileLayer(name, px))
	}
	return layers, nil
}

func frameImage(mw *imagick.MagickWand) (image.Image, error) {
	frame := mw.GetImage()
	defer frame.Destroy()
	if err := frame.SetImageFormat("PNG"); err != nil {
		return nil, err
	}
	img, _, err := codec.Decode(bytes.NewReader(frame.GetImageBlob()))
	return img, err
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// fileLayer wraps decoded pixels in a layer. Palette storage is a property of
// the file, not of the layer, so paletted images are expanded to RGB.
func fileLayer(name string, img image.Image) *layer.Layer {
	if p, ok := img.(*image.Paletted); ok {
		rgba := image.NewNRGBA(p.Bounds())
		draw.Draw(rgba, rgba.Bounds(), p, p.Bounds().Min, draw.Src)
		img = rgba
	}
	return layer.New(name, img)
}
