package obstree

import "slices"

// Index maps every internal node of an annotated tree set to the leaves a
// user can select beneath it. It is built once per tree set and is
// read-only afterwards.
type Index struct {
	parents map[string][]string
	order   []string // parent flatNames, pre-order
	leaves  []string // selectable leaves, document order
	panels  []string // lowest parents
}

// BuildIndex walks roots once. A panel (a node whose first child holds
// observations) lists those children that have data; any other node with
// children lists the concatenation of its children's leaves. Nodes without
// children are recorded with no leaves.
func BuildIndex(roots []*Node) *Index {
	idx := &Index{parents: make(map[string][]string)}
	for _, root := range roots {
		if root != nil {
			idx.add(root)
		}
	}
	return idx
}

func (idx *Index) add(n *Node) []string {
	idx.order = append(idx.order, n.FlatName)

	var leaves []string
	switch {
	case n.isPanel():
		for _, leaf := range n.SubSets {
			if leaf != nil && leaf.HasData {
				leaves = append(leaves, leaf.FlatName)
			}
		}
		idx.panels = append(idx.panels, n.FlatName)
		idx.leaves = append(idx.leaves, leaves...)
	case len(n.SubSets) > 0:
		for _, child := range n.SubSets {
			if child != nil {
				leaves = append(leaves, idx.add(child)...)
			}
		}
	}

	idx.parents[n.FlatName] = leaves
	return leaves
}

// IsParent reports whether flatName is an indexed internal node.
func (idx *Index) IsParent(flatName string) bool {
	_, ok := idx.parents[flatName]
	return ok
}

// Leaves returns the selectable leaves under flatName, or nil when
// flatName is not an indexed parent.
func (idx *Index) Leaves(flatName string) []string {
	return slices.Clone(idx.parents[flatName])
}

// AllLeaves returns every selectable leaf in document order.
func (idx *Index) AllLeaves() []string { return slices.Clone(idx.leaves) }

// Parents returns every indexed parent in pre-order.
func (idx *Index) Parents() []string { return slices.Clone(idx.order) }

// Selectable reports whether flatName can be toggled: an indexed parent or
// a leaf with data.
func (idx *Index) Selectable(flatName string) bool {
	return idx.IsParent(flatName) || slices.Contains(idx.leaves, flatName)
}

// Panels returns the lowest parents in document order.
func (idx *Index) Panels() []string { return slices.Clone(idx.panels) }

// SameShape reports whether other indexes the same parents over the same
// leaves, i.e. whether a selection made against idx is still meaningful
// against other.
func (idx *Index) SameShape(other *Index) bool {
	if other == nil || len(idx.parents) != len(other.parents) {
		return false
	}
	for name, leaves := range idx.parents {
		theirs, ok := other.parents[name]
		if !ok || !slices.Equal(leaves, theirs) {
			return false
		}
	}
	return true
}

// State is the derived checkbox state of a node.
type State int

const (
	Unchecked State = iota
	Checked
	Indeterminate
)

func (s State) String() string {
	switch s {
	case Checked:
		return "checked"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unchecked"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Engine holds the selection over one indexed tree set. It is not safe for
// concurrent use; callers serialize access.
type Engine struct {
	index   *Index
	checked map[string]bool
}

// NewEngine returns an engine with nothing selected.
func NewEngine(idx *Index) *Engine {
	if idx == nil {
		idx = BuildIndex(nil)
	}
	return &Engine{index: idx, checked: make(map[string]bool)}
}

func (e *Engine) Index() *Index { return e.index }

// Toggle is the single user action on a checkbox: parents go through
// UpdateParent, anything else flips as a leaf.
func (e *Engine) Toggle(flatName string) {
	if e.index.IsParent(flatName) {
		e.UpdateParent(flatName)
		return
	}
	e.ToggleLeaf(flatName)
}

// ToggleLeaf flips the stored boolean for flatName.
func (e *Engine) ToggleLeaf(flatName string) {
	e.checked[flatName] = !e.checked[flatName]
}

// UpdateParent checks every leaf under flatName unless all of them are
// already checked, in which case it unchecks them all.
func (e *Engine) UpdateParent(flatName string) {
	kids := e.index.parents[flatName]
	target := !e.all(kids)
	for _, kid := range kids {
		e.checked[kid] = target
	}
}

// IsChecked reports a leaf's stored state, or for a parent whether all of
// its leaves are checked. A parent without leaves is vacuously checked;
// Outline gates that on hasData.
func (e *Engine) IsChecked(flatName string) bool {
	kids, ok := e.index.parents[flatName]
	if !ok {
		return e.checked[flatName]
	}
	return e.all(kids)
}

// IsIndeterminate reports whether flatName is a parent whose leaves are
// partially checked. Leaves and unknown names are never indeterminate.
func (e *Engine) IsIndeterminate(flatName string) bool {
	kids, ok := e.index.parents[flatName]
	if !ok {
		return false
	}
	return !e.all(kids) && !e.none(kids)
}

// State folds IsChecked and IsIndeterminate into one value.
func (e *Engine) State(flatName string) State {
	switch {
	case e.IsChecked(flatName):
		return Checked
	case e.IsIndeterminate(flatName):
		return Indeterminate
	default:
		return Unchecked
	}
}

// Reset discards every toggle.
func (e *Engine) Reset() {
	e.checked = make(map[string]bool)
}

// Selected returns the checked leaves in document order.
func (e *Engine) Selected() []string {
	var out []string
	for _, leaf := range e.index.leaves {
		if e.checked[leaf] {
			out = append(out, leaf)
		}
	}
	return out
}

// AnySelected reports whether at least one indexed leaf is checked.
func (e *Engine) AnySelected() bool {
	for _, leaf := range e.index.leaves {
		if e.checked[leaf] {
			return true
		}
	}
	return false
}

// Rebind switches the engine to idx. The selection survives only when idx
// has the same shape as the current index; otherwise it is reset so no
// stale flatName stays selected. It reports whether the selection was kept.
func (e *Engine) Rebind(idx *Index) bool {
	if idx == nil {
		idx = BuildIndex(nil)
	}
	kept := e.index.SameShape(idx)
	e.index = idx
	if !kept {
		e.Reset()
	}
	return kept
}

func (e *Engine) all(kids []string) bool {
	for _, kid := range kids {
		if !e.checked[kid] {
			return false
		}
	}
	return true
}

func (e *Engine) none(kids []string) bool {
	for _, kid := range kids {
		if e.checked[kid] {
			return false
		}
	}
	return true
}
