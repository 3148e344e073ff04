package plugin

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"matting/internal/layer"
	"matting/internal/logging"
	"matting/internal/matte"
)

// stubDoc keeps a flat layer list and records the undo bracket.
type stubDoc struct {
	layers    []*layer.Layer
	selected  []*layer.Layer
	began     int
	endedWith []error
	flushed   int
	insertErr error
	snapshot  []*layer.Layer
}

func (d *stubDoc) Selected() []*layer.Layer { return d.selected }

func (d *stubDoc) Position(l *layer.Layer) int {
	for i, x := range d.layers {
		if x == l {
			return i
		}
	}
	return -1
}

func (d *stubDoc) Insert(l, parent *layer.Layer, pos int) error {
	if d.insertErr != nil {
		return d.insertErr
	}
	l.Parent = parent
	d.layers = append(d.layers[:pos], append([]*layer.Layer{l}, d.layers[pos:]...)...)
	return nil
}

func (d *stubDoc) BeginUndoGroup() {
	d.began++
	d.snapshot = append([]*layer.Layer(nil), d.layers...)
}

func (d *stubDoc) EndUndoGroup(err error) error {
	d.endedWith = append(d.endedWith, err)
	if err != nil {
		d.layers = d.snapshot
	}
	return nil
}

func (d *stubDoc) Flush() error {
	d.flushed++
	return nil
}

// thresholdAlpha and passthroughForeground keep the tests independent of the solvers.
type thresholdAlpha struct{}

func (thresholdAlpha) EstimateAlpha(ctx context.Context, img, trimap *matte.Image) (*matte.Image, error) {
	out := matte.NewImage(trimap.Width, trimap.Height, 1)
	for i, v := range trimap.Pix {
		if v >= 0.5 {
			out.Pix[i] = 1
		}
	}
	return out, nil
}

type passthroughForeground struct{ err error }

func (p passthroughForeground) EstimateForeground(ctx context.Context, img, alpha *matte.Image) (*matte.Image, *matte.Image, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return img.Clone(), img.Clone(), nil
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func newPlugin(fg matte.ForegroundEstimator) *Matting {
	return NewMatting(matte.New(thresholdAlpha{}, fg), logging.Discard())
}

func newDoc(names ...string) *stubDoc {
	d := &stubDoc{}
	for _, n := range names {
		l := layer.New(n, solid(3, 2, color.NRGBA{R: 200, G: 100, B: 50, A: 255}))
		d.layers = append(d.layers, l)
	}
	d.selected = append([]*layer.Layer(nil), d.layers...)
	return d
}

func TestRegistryRegistersProcedure(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	if err := reg.Register(newPlugin(passthroughForeground{})); err != nil {
		t.Fatalf("register: %v", err)
	}
	procs := reg.Procedures()
	if len(procs) != 1 {
		t.Fatalf("expected one procedure, got %d", len(procs))
	}
	p := procs[0]
	if p.Name != DefaultProcedureName || p.MenuLabel != "_Matting..." || p.Blurb != "Alpha Matting" {
		t.Fatalf("unexpected procedure %+v", p)
	}
	if len(p.MenuPaths) != 1 || p.MenuPaths[0] != "<Image>/Filters/Map" {
		t.Fatalf("unexpected menu paths %v", p.MenuPaths)
	}
	if d, ok := reg.Domain(p.Name); !ok || d != "gimp30-python" {
		t.Fatalf("unexpected i18n domain %q", d)
	}
	if err := reg.Register(newPlugin(passthroughForeground{})); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestSensitivity(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	if err := reg.Register(newPlugin(passthroughForeground{})); err != nil {
		t.Fatalf("register: %v", err)
	}
	two := newDoc("photo", "photo trimap").selected
	if !reg.Sensitive(DefaultProcedureName, two) {
		t.Fatalf("expected procedure enabled for two RGB layers")
	}
	if reg.Sensitive(DefaultProcedureName, two[:1]) {
		t.Fatalf("expected procedure disabled for one layer")
	}
	if reg.Sensitive(DefaultProcedureName, nil) {
		t.Fatalf("expected procedure disabled without drawables")
	}
	indexed := layer.New("idx", image.NewPaletted(image.Rect(0, 0, 1, 1), color.Palette{color.Black}))
	if reg.Sensitive(DefaultProcedureName, []*layer.Layer{indexed, two[1]}) {
		t.Fatalf("expected procedure disabled for indexed layers")
	}
	if reg.Sensitive("missing", two) {
		t.Fatalf("unknown procedure reported sensitive")
	}
}

func TestRunInsertsForegroundAndBackground(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	if err := reg.Register(newPlugin(passthroughForeground{})); err != nil {
		t.Fatalf("register: %v", err)
	}
	doc := newDoc("other", "photo", "photo trimap")
	doc.layers[2].Pixels = solid(3, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	doc.selected = append([]*layer.Layer(nil), doc.layers[1:]...)
	src := doc.layers[1]

	ret := reg.Run(context.Background(), DefaultProcedureName, RunNonInteractive, doc)
	if ret.Status != StatusSuccess || ret.Err != nil {
		t.Fatalf("run returned %v: %v", ret.Status, ret.Err)
	}
	names := make([]string, len(doc.layers))
	for i, l := range doc.layers {
		names[i] = l.Name
	}
	want := []string{"other", ForegroundName, BackgroundName, "photo", "photo trimap"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("layer order %v, want %v", names, want)
		}
	}
	if doc.Position(src) != 3 {
		t.Fatalf("source layer moved to %d", doc.Position(src))
	}
	fg := doc.layers[1]
	if fg.Mask == nil {
		t.Fatalf("foreground has no mask")
	}
	if fg.Mask.GrayAt(0, 0).Y != 255 {
		t.Fatalf("foreground mask should be opaque for a white trimap, got %d", fg.Mask.GrayAt(0, 0).Y)
	}
	if doc.layers[2].Mask.GrayAt(0, 0).Y != 0 {
		t.Fatalf("background mask should be clear for a white trimap")
	}
	if doc.began != 1 || len(doc.endedWith) != 1 || doc.endedWith[0] != nil || doc.flushed != 1 {
		t.Fatalf("unexpected undo bracket: began=%d ended=%v flushed=%d", doc.began, doc.endedWith, doc.flushed)
	}
}

func TestRunValidatesNamingConvention(t *testing.T) {
	cases := []struct {
		name   string
		layers []string
		want   error
	}{
		{"one layer", []string{"photo"}, ErrLayerCount},
		{"three layers", []string{"a", "b trimap", "c"}, ErrLayerCount},
		{"image is trimap", []string{"trimap", "photo trimap"}, ErrImageIsTrimap},
		{"second not trimap", []string{"photo", "mask"}, ErrNotTrimap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry(logging.Discard())
			if err := reg.Register(newPlugin(passthroughForeground{})); err != nil {
				t.Fatalf("register: %v", err)
			}
			doc := newDoc(tc.layers...)
			ret := reg.Run(context.Background(), DefaultProcedureName, RunNonInteractive, doc)
			if ret.Status != StatusCallingError || !errors.Is(ret.Err, tc.want) {
				t.Fatalf("got %v %v, want calling error %v", ret.Status, ret.Err, tc.want)
			}
			if len(doc.layers) != len(tc.layers) {
				t.Fatalf("document changed on failure")
			}
			if len(doc.endedWith) != 1 || doc.endedWith[0] == nil {
				t.Fatalf("undo group not closed with the error")
			}
		})
	}
}

func TestSelectLayersPrefersRoles(t *testing.T) {
	m := newPlugin(passthroughForeground{})
	doc := newDoc("mask", "photo")
	doc.layers[0].Role = layer.RoleTrimap

	img, tri, err := m.SelectLayers(doc.selected)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if img.Name != "photo" || tri.Name != "mask" {
		t.Fatalf("got image %q trimap %q", img.Name, tri.Name)
	}

	doc.layers[1].Role = layer.RoleTrimap
	if _, _, err := m.SelectLayers(doc.selected); !errors.Is(err, ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}
}

func TestRunRollsBackOnSolverFailure(t *testing.T) {
	boom := errors.New("solver did not converge")
	reg := NewRegistry(logging.Discard())
	if err := reg.Register(newPlugin(passthroughForeground{err: boom})); err != nil {
		t.Fatalf("register: %v", err)
	}
	doc := newDoc("photo", "photo trimap")

	ret := reg.Run(context.Background(), DefaultProcedureName, RunNonInteractive, doc)
	if ret.Status != StatusExecutionError || !errors.Is(ret.Err, boom) {
		t.Fatalf("got %v %v", ret.Status, ret.Err)
	}
	if len(doc.layers) != 2 || doc.flushed != 0 {
		t.Fatalf("document changed on failure")
	}
}

func TestRunRejectsMismatchedTrimap(t *testing.T) {
	reg := NewRegistry(logging.Discard())
	if err := reg.Register(newPlugin(passthroughForeground{})); err != nil {
		t.Fatalf("register: %v", err)
	}
	doc := newDoc("photo")
	tri := layer.New("photo trimap", image.NewGray(image.Rect(0, 0, 4, 4)))
	doc.layers = append(doc.layers, tri)
	doc.selected = doc.layers

	ret := reg.Run(context.Background(), DefaultProcedureName, RunNonInteractive, doc)
	if ret.Status != StatusCallingError || !errors.Is(ret.Err, matte.ErrInvalidInput) {
		t.Fatalf("got %v %v", ret.Status, ret.Err)
	}
}

func TestRunUnknownProcedure(t *testing.T) {
	ret := NewRegistry(logging.Discard()).Run(context.Background(), "nope", RunNonInteractive, newDoc())
	if ret.Status != StatusCallingError || !errors.Is(ret.Err, ErrUnknownProcedure) {
		t.Fatalf("got %v %v", ret.Status, ret.Err)
	}
}

func TestAcceptsMode(t *testing.T) {
	p := &Procedure{ImageTypes: "RGB*, GRAY*"}
	if !p.AcceptsMode(layer.RGB) || !p.AcceptsMode(layer.Gray) || p.AcceptsMode(layer.Indexed) {
		t.Fatalf("unexpected mode acceptance for %q", p.ImageTypes)
	}
	p.ImageTypes = "RGBA"
	if !p.AcceptsMode(layer.RGB) || p.AcceptsMode(layer.Gray) {
		t.Fatalf("unexpected mode acceptance for %q", p.ImageTypes)
	}
}
