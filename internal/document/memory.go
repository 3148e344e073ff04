// Package document provides hosts for the plug-in: an in-memory layer stack
// with undo groups, loaders that build one from files, and writers for the
// layers a run produced.
package document

import (
	"errors"
	"fmt"
	"sync"

	"matting/internal/layer"
)

// ErrNotInDocument is returned for layers or parents the document does not hold.
var ErrNotInDocument = errors.New("layer is not in the document")

// Memory is an ordered layer tree. Index 0 of each level is the top layer.
type Memory struct {
	mu       sync.Mutex
	name     string
	children map[*layer.Layer][]*layer.Layer // nil key is the top level
	selected []*layer.Layer
	inserted []*layer.Layer
	undo     []snapshot
	flushes  int
}

type snapshot struct {
	children map[*layer.Layer][]*layer.Layer
	inserted int
}

// NewMemory returns an empty document.
func NewMemory(name string) *Memory {
	return &Memory{name: name, children: make(map[*layer.Layer][]*layer.Layer)}
}

func (m *Memory) Name() string { return m.name }

// Add appends l at the bottom of parent. Outside an undo group it is not
// reported by Inserted.
func (m *Memory) Add(l, parent *layer.Layer) error {
	return m.Insert(l, parent, -1)
}

// Insert places l in parent at pos. A negative or too large pos appends at
// the bottom.
func (m *Memory) Insert(l, parent *layer.Layer, pos int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l == nil {
		return errors.New("nil layer")
	}
	if m.contains(l) {
		return fmt.Errorf("layer %q is already in the document", l.Name)
	}
	if parent != nil {
		if !parent.Group {
			return fmt.Errorf("layer %q is not a group", parent.Name)
		}
		if !m.contains(parent) {
			return fmt.Errorf("%w: group %q", ErrNotInDocument, parent.Name)
		}
	}

	level := m.children[parent]
	if pos < 0 || pos > len(level) {
		pos = len(level)
	}
	next := make([]*layer.Layer, 0, len(level)+1)
	next = append(next, level[:pos]...)
	next = append(next, l)
	next = append(next, level[pos:]...)
	m.children[parent] = next
	l.Parent = parent

	if len(m.undo) > 0 {
		m.inserted = append(m.inserted, l)
	}
	return nil
}

func (m *Memory) contains(l *layer.Layer) bool {
	for _, x := range m.children[l.Parent] {
		if x == l {
			return true
		}
	}
	return false
}

// Position returns the index of l within its parent, -1 if absent.
func (m *Memory) Position(l *layer.Layer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.children[l.Parent] {
		if x == l {
			return i
		}
	}
	return -1
}

// Layers returns the children of parent, top first.
func (m *Memory) Layers(parent *layer.Layer) []*layer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*layer.Layer(nil), m.children[parent]...)
}

// Find returns the first layer named name, searching depth-first.
func (m *Memory) Find(name string) (*layer.Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var walk func(parent *layer.Layer) *layer.Layer
	walk = func(parent *layer.Layer) *layer.Layer {
		for _, l := range m.children[parent] {
			if l.Name == name {
				return l
			}
			if l.Group {
				if found := walk(l); found != nil {
					return found
				}
			}
		}
		return nil
	}
	l := walk(nil)
	return l, l != nil
}

// Select replaces the selection.
func (m *Memory) Select(layers ...*layer.Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = append([]*layer.Layer(nil), layers...)
}

func (m *Memory) Selected() []*layer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*layer.Layer(nil), m.selected...)
}

// BeginUndoGroup opens a group. Groups nest.
func (m *Memory) BeginUndoGroup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := snapshot{children: make(map[*layer.Layer][]*layer.Layer, len(m.children)), inserted: len(m.inserted)}
	for k, v := range m.children {
		snap.children[k] = append([]*layer.Layer(nil), v...)
	}
	m.undo = append(m.undo, snap)
}

// EndUndoGroup closes the innermost group, reverting it when err is non-nil.
func (m *Memory) EndUndoGroup(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.undo) == 0 {
		return errors.New("no open undo group")
	}
	snap := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	if err != nil {
		m.children = snap.children
		m.inserted = m.inserted[:snap.inserted]
	}
	return nil
}

// Flush counts display refreshes.
func (m *Memory) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *Memory) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Inserted returns the layers added inside committed undo groups, in
// insertion order.
func (m *Memory) Inserted() []*layer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.undo) > 0 {
		return nil
	}
	return append([]*layer.Layer(nil), m.inserted...)
}
