package obstree

const pathSeparator = "-"

// FlatName joins a parent path and a display label into the node's path
// identifier.
func FlatName(prefix, display string) string {
	if prefix == "" {
		return display
	}
	return prefix + pathSeparator + display
}

// Annotate builds the annotated tree for raw. The result shares no memory
// with raw, and raw is never modified. assess is consulted once per node
// holding observations; nil selects AssessValue.
//
// raw must be a finite tree: a cycle recurses without bound.
func Annotate(raw *RawNode, prefix string, assess Assessor) *Node {
	if raw == nil {
		return nil
	}
	if assess == nil {
		assess = AssessValue
	}
	return annotate(raw, prefix, assess)
}

// AnnotateAll annotates each root of a multi-concept view with an empty
// prefix. Nil roots stay nil so positions line up with the requested
// concepts.
func AnnotateAll(roots []*RawNode, assess Assessor) []*Node {
	out := make([]*Node, len(roots))
	for i, raw := range roots {
		out[i] = Annotate(raw, "", assess)
	}
	return out
}

func annotate(raw *RawNode, prefix string, assess Assessor) *Node {
	n := &Node{
		Display:     raw.Display,
		ConceptUUID: raw.ConceptUUID,
		Datatype:    raw.Datatype,
		Units:       raw.Units,
		Bounds:      raw.Bounds.clone(),
		FlatName:    FlatName(prefix, raw.Display),
	}

	if len(raw.SubSets) > 0 {
		n.SubSets = make([]*Node, 0, len(raw.SubSets))
		for _, child := range raw.SubSets {
			if child == nil {
				continue
			}
			c := annotate(child, n.FlatName, assess)
			n.SubSets = append(n.SubSets, c)
			n.HasData = n.HasData || c.HasData
		}
	}

	if raw.LowNormal != nil && raw.HiNormal != nil {
		n.Range = formatNumber(*raw.LowNormal) + " – " + formatNumber(*raw.HiNormal)
	}

	n.Obs = cloneObs(raw.Obs)
	if len(n.Obs) > 0 {
		classify := assess(raw)
		for i := range n.Obs {
			n.Obs[i].Interpretation = classify(n.Obs[i].Value)
		}
		// An observation slot counts as data even when its value is empty.
		n.HasData = true
	}

	return n
}

// Walk visits nodes depth-first in document order. Returning false from fn
// skips that node's children.
func Walk(roots []*Node, fn func(n *Node, depth int) bool) {
	for _, root := range roots {
		walk(root, 0, fn)
	}
}

func walk(n *Node, depth int, fn func(*Node, int) bool) {
	if n == nil || !fn(n, depth) {
		return
	}
	for _, child := range n.SubSets {
		walk(child, depth+1, fn)
	}
}
