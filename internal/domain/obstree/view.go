package obstree

// OutlineEntry is one row of the filter tree as the view layer renders it.
type OutlineEntry struct {
	FlatName      string `json:"flat_name"`
	Display       string `json:"display"`
	Depth         int    `json:"depth"`
	Kind          Kind   `json:"kind"`
	Parent        bool   `json:"parent"`
	State         State  `json:"state"`
	Checked       bool   `json:"checked"`
	Indeterminate bool   `json:"indeterminate"`
	Disabled      bool   `json:"disabled"`
	LeafCount     int    `json:"leaf_count,omitempty"`
}

// Outline flattens roots into filter rows. Parents are expanded; children
// of a panel are emitted as leaves without descending further. e must have
// been built from the same roots.
func Outline(roots []*Node, e *Engine) []OutlineEntry {
	var out []OutlineEntry
	Walk(roots, func(n *Node, depth int) bool {
		entry := OutlineEntry{
			FlatName: n.FlatName,
			Display:  n.Display,
			Depth:    depth,
			Kind:     n.Kind(),
			Disabled: !n.HasData,
		}
		parent := e.index.IsParent(n.FlatName)
		if parent {
			entry.Parent = true
			entry.LeafCount = len(e.index.parents[n.FlatName])
			entry.Checked = n.HasData && e.IsChecked(n.FlatName)
			entry.Indeterminate = e.IsIndeterminate(n.FlatName)
		} else {
			entry.Checked = e.IsChecked(n.FlatName)
		}
		switch {
		case entry.Checked:
			entry.State = Checked
		case entry.Indeterminate:
			entry.State = Indeterminate
		}
		out = append(out, entry)
		return parent
	})
	return out
}

// Filter returns the view restricted to the current selection: a pruned
// deep copy holding the checked leaves and their ancestors. With nothing
// selected the roots are returned as they are.
func Filter(roots []*Node, e *Engine) []*Node {
	if !e.AnySelected() {
		return roots
	}
	selected := make(map[string]bool)
	for _, leaf := range e.Selected() {
		selected[leaf] = true
	}
	var out []*Node
	for _, root := range roots {
		if kept := prune(root, selected); kept != nil {
			out = append(out, kept)
		}
	}
	return out
}

func prune(n *Node, selected map[string]bool) *Node {
	if n == nil {
		return nil
	}
	if selected[n.FlatName] {
		return n.Clone()
	}
	var kept []*Node
	for _, child := range n.SubSets {
		if c := prune(child, selected); c != nil {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	out := *n
	out.Bounds = n.Bounds.clone()
	out.Obs = cloneObs(n.Obs)
	out.SubSets = kept
	return &out
}
