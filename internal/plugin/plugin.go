// Package plugin adapts the decomposition to an editor's plug-in protocol:
// plug-ins register procedures with a Registry, and the host runs them
// against a Document that hides all editor state.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"matting/internal/layer"
	"matting/internal/logging"
)

// ErrUnknownProcedure is returned for names no registered plug-in provides.
var ErrUnknownProcedure = errors.New("unknown procedure")

// RunMode tells a procedure whether it may interact with the user.
type RunMode int

const (
	RunInteractive RunMode = iota
	RunNonInteractive
	RunWithLastVals
)

func (m RunMode) String() string {
	switch m {
	case RunInteractive:
		return "interactive"
	case RunWithLastVals:
		return "last-vals"
	}
	return "noninteractive"
}

// ParseRunMode defaults to non-interactive.
func ParseRunMode(s string) RunMode {
	switch strings.ToLower(s) {
	case "interactive":
		return RunInteractive
	case "last-vals", "with-last-vals":
		return RunWithLastVals
	}
	return RunNonInteractive
}

// Status is the host-facing result code of a procedure call.
type Status int

const (
	StatusSuccess Status = iota
	StatusExecutionError
	StatusCallingError
	StatusCancel
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCallingError:
		return "calling-error"
	case StatusCancel:
		return "cancel"
	}
	return "execution-error"
}

// Return is what the host receives: a status and, on failure, the error
// whose message it shows to the user.
type Return struct {
	Status Status
	Err    error
}

// Sensitivity says for which drawable selections a procedure is enabled.
type Sensitivity uint

const (
	SensitiveDrawable Sensitivity = 1 << iota
	SensitiveDrawables
	SensitiveNoDrawables
	SensitiveNoImage
)

// Document is everything a procedure may touch in the editor.
type Document interface {
	// Selected returns the selected drawables in selection order.
	Selected() []*layer.Layer
	// Position returns the index of l within its parent, -1 if absent.
	Position(l *layer.Layer) int
	// Insert places l in parent (nil for the top level) at pos.
	Insert(l, parent *layer.Layer, pos int) error
	BeginUndoGroup()
	// EndUndoGroup closes the group. A non-nil err reverts every change
	// made inside it.
	EndUndoGroup(err error) error
	Flush() error
}

// RunFunc implements a procedure.
type RunFunc func(ctx context.Context, mode RunMode, doc Document) error

// Procedure describes one registered command.
type Procedure struct {
	Name        string
	MenuLabel   string
	MenuPaths   []string
	Blurb       string
	Help        string
	HelpID      string
	Authors     string
	Copyright   string
	Date        string
	ImageTypes  string // e.g. "RGB*, GRAY*"
	Sensitivity Sensitivity
	Arity       int // exact number of drawables, 0 for any
	Run         RunFunc
}

// AddMenuPath registers another menu location.
func (p *Procedure) AddMenuPath(path string) {
	p.MenuPaths = append(p.MenuPaths, path)
}

// SetDocumentation sets the short and long help texts.
func (p *Procedure) SetDocumentation(blurb, help, helpID string) {
	p.Blurb, p.Help, p.HelpID = blurb, help, helpID
}

// SetAttribution sets the credits shown by the host.
func (p *Procedure) SetAttribution(authors, copyright, date string) {
	p.Authors, p.Copyright, p.Date = authors, copyright, date
}

// AcceptsMode reports whether drawables of mode match ImageTypes. An empty
// ImageTypes accepts everything.
func (p *Procedure) AcceptsMode(mode layer.ColorMode) bool {
	if strings.TrimSpace(p.ImageTypes) == "" || p.ImageTypes == "*" {
		return true
	}
	for _, t := range strings.Split(p.ImageTypes, ",") {
		t = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(t)), "*")
		switch t {
		case "RGBA", "GRAYA", "INDEXEDA":
			t = strings.TrimSuffix(t, "A")
		}
		if t == string(mode) {
			return true
		}
	}
	return false
}

// Sensitive reports whether the procedure is enabled for the selection.
func (p *Procedure) Sensitive(drawables []*layer.Layer) bool {
	n := len(drawables)
	switch {
	case n == 0 && p.Sensitivity&SensitiveNoDrawables == 0:
		return false
	case n == 1 && p.Sensitivity&SensitiveDrawable == 0:
		return false
	case n > 1 && p.Sensitivity&SensitiveDrawables == 0:
		return false
	}
	if p.Arity > 0 && n != p.Arity {
		return false
	}
	if n > 0 && !p.AcceptsMode(drawables[0].Mode) {
		return false
	}
	return true
}

// PlugIn is implemented by every plug-in the registry can host.
type PlugIn interface {
	QueryProcedures() []string
	CreateProcedure(name string) (*Procedure, error)
	// SetI18n reports whether the procedure is translated and in which
	// message domain.
	SetI18n(name string) (bool, string)
}

// Registry owns the procedures of all registered plug-ins.
type Registry struct {
	mu      sync.RWMutex
	procs   map[string]*Procedure
	domains map[string]string
	logger  *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		procs:   make(map[string]*Procedure),
		domains: make(map[string]string),
		logger:  logger,
	}
}

// Register queries p for its procedures and creates each one.
func (r *Registry) Register(p PlugIn) error {
	names := p.QueryProcedures()
	created := make([]*Procedure, 0, len(names))
	for _, name := range names {
		proc, err := p.CreateProcedure(name)
		if err != nil {
			return fmt.Errorf("create procedure %s: %w", name, err)
		}
		if proc.Name == "" {
			proc.Name = name
		}
		if proc.Run == nil {
			return fmt.Errorf("procedure %s has no run function", name)
		}
		created = append(created, proc)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, proc := range created {
		if _, exists := r.procs[proc.Name]; exists {
			return fmt.Errorf("procedure %s already registered", proc.Name)
		}
	}
	for _, proc := range created {
		r.procs[proc.Name] = proc
		if ok, domain := p.SetI18n(proc.Name); ok {
			r.domains[proc.Name] = domain
		}
		r.logger.Debug("procedure registered", "name", proc.Name, "menu", proc.MenuPaths)
	}
	return nil
}

// Procedures returns every registered procedure sorted by name.
func (r *Registry) Procedures() []*Procedure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Procedure, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a procedure by name.
func (r *Registry) Lookup(name string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// Domain returns the translation domain of a procedure, if any.
func (r *Registry) Domain(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	return d, ok
}

// Sensitive reports whether the named procedure is enabled for drawables.
func (r *Registry) Sensitive(name string, drawables []*layer.Layer) bool {
	p, ok := r.Lookup(name)
	return ok && p.Sensitive(drawables)
}

// Run executes the named procedure against doc and converts the outcome to
// the host's status/error pair.
func (r *Registry) Run(ctx context.Context, name string, mode RunMode, doc Document) Return {
	p, ok := r.Lookup(name)
	if !ok {
		return Return{Status: StatusCallingError, Err: fmt.Errorf("%w: %s", ErrUnknownProcedure, name)}
	}

	started := time.Now()
	err := p.Run(ctx, mode, doc)
	ret := Return{Status: StatusFor(err), Err: err}
	logging.LogProcedureRun(r.logger, name, mode.String(), ret.Status.String(), time.Since(started), err)
	return ret
}

// StatusFor maps an error onto a host status. Input errors are calling
// errors; everything else is an execution error.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.Canceled):
		return StatusCancel
	case IsInputError(err):
		return StatusCallingError
	}
	return StatusExecutionError
}
