package document

import (
	"fmt"
	"path/filepath"

	"matting/internal/codec"
	"matting/internal/layer"
)

// Output describes one written layer.
type Output struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// WriteLayers writes every layer inserted by committed undo groups to dir as
// <prefix><name><ext>. Masks are applied to the alpha channel since flat
// formats cannot carry them.
func WriteLayers(doc *Memory, dir, prefix string, format codec.Format) ([]Output, error) {
	var outputs []Output
	for _, l := range doc.Inserted() {
		if l.Group || l.Pixels == nil {
			continue
		}
		path := filepath.Join(dir, prefix+l.Name+format.Ext())
		if err := codec.EncodeFile(path, layer.Flatten(l), format); err != nil {
			return outputs, fmt.Errorf("write layer %q: %w", l.Name, err)
		}
		b := l.Bounds()
		outputs = append(outputs, Output{Name: l.Name, Path: path, Width: b.Dx(), Height: b.Dy()})
	}
	return outputs, nil
}
