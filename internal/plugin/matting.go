package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"matting/internal/layer"
	"matting/internal/matte"
)

var (
	// ErrLayerCount is returned unless exactly two drawables are selected.
	ErrLayerCount = errors.New("exactly two layers must be selected")
	// ErrImageIsTrimap is returned when the first drawable is named like a trimap.
	ErrImageIsTrimap = errors.New("0 is trimap")
	// ErrNotTrimap is returned when the second drawable is not named like a trimap.
	ErrNotTrimap = errors.New("1 is not trimap")
	// ErrRoleConflict is returned when typed roles do not name one image and one trimap.
	ErrRoleConflict = errors.New("layers must have one image and one trimap role")
)

// IsInputError reports whether err was caused by the caller's selection or
// data rather than by the computation.
func IsInputError(err error) bool {
	for _, target := range []error{
		ErrLayerCount, ErrImageIsTrimap, ErrNotTrimap, ErrRoleConflict,
		matte.ErrInvalidInput, layer.ErrUnsupportedMode, ErrUnknownProcedure,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Output layer names.
const (
	ForegroundName = "foreground"
	BackgroundName = "background"
)

// DefaultProcedureName is used when no name is configured.
const DefaultProcedureName = "plug-in-matting"

// Matting is the alpha matting plug-in. It registers a single procedure.
type Matting struct {
	Decomposer   *matte.Decomposer
	Name         string
	TrimapMarker string
	Domain       string
	Logger       *slog.Logger
}

// NewMatting returns the plug-in with its defaults.
func NewMatting(d *matte.Decomposer, logger *slog.Logger) *Matting {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matting{
		Decomposer:   d,
		Name:         DefaultProcedureName,
		TrimapMarker: "trimap",
		Domain:       "gimp30-python",
		Logger:       logger,
	}
}

func (m *Matting) QueryProcedures() []string {
	return []string{m.Name}
}

func (m *Matting) SetI18n(name string) (bool, string) {
	return true, m.Domain
}

func (m *Matting) CreateProcedure(name string) (*Procedure, error) {
	if name != m.Name {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
	}
	p := &Procedure{
		Name:        name,
		MenuLabel:   "_Matting...",
		ImageTypes:  "RGB*, GRAY*",
		Sensitivity: SensitiveDrawable | SensitiveDrawables,
		Arity:       2,
		Run:         m.Run,
	}
	p.SetDocumentation("Alpha Matting", "Decompose a layer by alpha matting.", name)
	p.SetAttribution("Songun Lee", "Songun Lee", "2022")
	p.AddMenuPath("<Image>/Filters/Map")
	return p, nil
}

// SelectLayers picks the color layer and the trimap out of the selection.
// Typed roles decide when present; otherwise the first drawable must not
// carry the trimap marker in its name and the second must.
func (m *Matting) SelectLayers(drawables []*layer.Layer) (img, trimap *layer.Layer, err error) {
	if len(drawables) != 2 {
		return nil, nil, fmt.Errorf("%w, got %d", ErrLayerCount, len(drawables))
	}
	a, b := drawables[0], drawables[1]

	if a.Role != layer.RoleUnspecified || b.Role != layer.RoleUnspecified {
		switch {
		case a.Role == b.Role:
			return nil, nil, fmt.Errorf("%w: both layers are %s", ErrRoleConflict, a.Role)
		case a.Role == layer.RoleTrimap || b.Role == layer.RoleImage:
			return b, a, nil
		default:
			return a, b, nil
		}
	}

	marker := m.TrimapMarker
	if marker == "" {
		marker = "trimap"
	}
	if strings.Contains(a.Name, marker) {
		return nil, nil, fmt.Errorf("%w: %q", ErrImageIsTrimap, a.Name)
	}
	if !strings.Contains(b.Name, marker) {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotTrimap, b.Name)
	}
	return a, b, nil
}

// Run decomposes the selected layers inside one undo group and inserts the
// foreground and background layers above the color layer.
func (m *Matting) Run(ctx context.Context, mode RunMode, doc Document) (err error) {
	doc.BeginUndoGroup()
	defer func() {
		if endErr := doc.EndUndoGroup(err); endErr != nil && err == nil {
			err = endErr
		}
	}()

	src, tri, err := m.SelectLayers(doc.Selected())
	if err != nil {
		return err
	}
	m.Logger.Debug("matting started", "image", src.Name, "trimap", tri.Name, "run_mode", mode.String())

	img, err := layer.ToArray(src, layer.RGB)
	if err != nil {
		return fmt.Errorf("color layer: %w", err)
	}
	trimap, err := layer.ToArray(tri, layer.Gray)
	if err != nil {
		return fmt.Errorf("trimap layer: %w", err)
	}

	fg, bg, err := m.Decomposer.Decompose(ctx, img, trimap)
	if err != nil {
		return err
	}

	fore, err := resultLayer(ForegroundName, fg)
	if err != nil {
		return err
	}
	back, err := resultLayer(BackgroundName, bg)
	if err != nil {
		return err
	}

	for _, out := range []*layer.Layer{fore, back} {
		pos := doc.Position(src)
		if pos < 0 {
			return fmt.Errorf("layer %q is not in the document", src.Name)
		}
		if err := doc.Insert(out, src.Parent, pos); err != nil {
			return fmt.Errorf("insert %s: %w", out.Name, err)
		}
	}
	return doc.Flush()
}

func resultLayer(name string, arr *matte.Image) (*layer.Layer, error) {
	px, err := layer.FromArray(arr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	l := layer.New(name, px)
	if err := layer.AttachAlphaMask(l); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return l, nil
}
