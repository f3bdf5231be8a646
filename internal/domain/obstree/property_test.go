package obstree

import (
	"fmt"
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

const maxTreeDepth = 4

func drawBounds(t *rapid.T) Bounds {
	var b Bounds
	if rapid.Bool().Draw(t, "has_normal") {
		lo := rapid.Float64Range(0, 50).Draw(t, "low_normal")
		hi := lo + rapid.Float64Range(1, 50).Draw(t, "normal_width")
		b.LowNormal, b.HiNormal = &lo, &hi
	}
	return b
}

func drawObs(t *rapid.T) []Observation {
	n := rapid.IntRange(0, 2).Draw(t, "obs_count")
	obs := make([]Observation, n)
	for i := range obs {
		if rapid.Bool().Draw(t, "numeric") {
			obs[i].Value = NumberValue(rapid.Float64Range(-10, 120).Draw(t, "value"))
		} else {
			obs[i].Value = TextValue(rapid.SampledFrom([]string{"Positive", "Negative", ""}).Draw(t, "text"))
		}
	}
	return obs
}

// drawRaw builds a random tree. Sibling displays are distinct and contain
// no separator, so every path is unique.
func drawRaw(t *rapid.T, display string, depth int) *RawNode {
	n := &RawNode{Display: display}
	kind := 0
	if depth < maxTreeDepth {
		kind = rapid.IntRange(0, 4).Draw(t, "kind")
	}
	switch kind {
	case 0: // leaf
		n.Bounds = drawBounds(t)
		n.Obs = drawObs(t)
	case 4: // mixed
		n.Obs = drawObs(t)
		fallthrough
	default: // group
		children := rapid.IntRange(0, 3).Draw(t, "children")
		for i := 0; i < children; i++ {
			n.SubSets = append(n.SubSets, drawRaw(t, fmt.Sprintf("N%d", i), depth+1))
		}
	}
	return n
}

func drawRoots(t *rapid.T) []*RawNode {
	count := rapid.IntRange(1, 3).Draw(t, "roots")
	roots := make([]*RawNode, count)
	for i := range roots {
		roots[i] = drawRaw(t, fmt.Sprintf("R%d", i), 0)
	}
	return roots
}

func allFlatNames(roots []*Node) []string {
	var names []string
	Walk(roots, func(n *Node, _ int) bool {
		names = append(names, n.FlatName)
		return true
	})
	return names
}

func TestProperty_FlatNamesUnique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seen := make(map[string]bool)
		for _, name := range allFlatNames(AnnotateAll(drawRoots(t), nil)) {
			if seen[name] {
				t.Fatalf("duplicate flatName %q", name)
			}
			seen[name] = true
		}
	})
}

func TestProperty_HasDataMonotone(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		Walk(AnnotateAll(drawRoots(t), nil), func(n *Node, _ int) bool {
			want := len(n.Obs) > 0
			for _, child := range n.SubSets {
				want = want || child.HasData
			}
			if n.HasData != want {
				t.Fatalf("%s: hasData=%v, want %v", n.FlatName, n.HasData, want)
			}
			return true
		})
	})
}

func TestProperty_AnnotateDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raws := drawRoots(t)
		a := AnnotateAll(raws, nil)
		b := AnnotateAll(raws, nil)
		if !reflect.DeepEqual(a, b) {
			t.Fatal("annotation is not deterministic")
		}
	})
}

func TestProperty_TriStateExclusive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roots := AnnotateAll(drawRoots(t), nil)
		e := NewEngine(BuildIndex(roots))
		names := allFlatNames(roots)
		steps := rapid.IntRange(0, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			e.Toggle(rapid.SampledFrom(names).Draw(t, "toggle"))
			for _, p := range e.Index().Parents() {
				if e.IsChecked(p) && e.IsIndeterminate(p) {
					t.Fatalf("%s is checked and indeterminate", p)
				}
			}
		}
	})
}

func TestProperty_ParentToggleConverges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roots := AnnotateAll(drawRoots(t), nil)
		e := NewEngine(BuildIndex(roots))
		leaves := e.Index().AllLeaves()
		for _, leaf := range leaves {
			if rapid.Bool().Draw(t, "pre_checked") {
				e.ToggleLeaf(leaf)
			}
		}
		parent := rapid.SampledFrom(e.Index().Parents()).Draw(t, "parent")
		kids := e.Index().Leaves(parent)

		before := make(map[string]bool, len(leaves))
		for _, leaf := range leaves {
			before[leaf] = e.IsChecked(leaf)
		}
		partial := e.IsIndeterminate(parent)

		e.Toggle(parent)
		e.Toggle(parent)

		inParent := make(map[string]bool, len(kids))
		for _, kid := range kids {
			inParent[kid] = true
		}
		for _, leaf := range leaves {
			got := e.IsChecked(leaf)
			switch {
			case !inParent[leaf] && got != before[leaf]:
				t.Fatalf("%s outside %s changed", leaf, parent)
			case inParent[leaf] && partial && got:
				t.Fatalf("%s: a partial parent toggled twice must end unchecked", leaf)
			case inParent[leaf] && !partial && got != before[leaf]:
				t.Fatalf("%s: toggling %s twice did not restore it", leaf, parent)
			}
		}
	})
}

func TestProperty_ResetClearsEverything(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roots := AnnotateAll(drawRoots(t), nil)
		e := NewEngine(BuildIndex(roots))
		names := allFlatNames(roots)
		steps := rapid.IntRange(0, 10).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			e.Toggle(rapid.SampledFrom(names).Draw(t, "toggle"))
		}
		e.Reset()
		if e.AnySelected() {
			t.Fatal("leaves still selected after reset")
		}
		for _, name := range names {
			if e.IsIndeterminate(name) {
				t.Fatalf("%s still indeterminate after reset", name)
			}
			leafless := e.Index().IsParent(name) && len(e.Index().Leaves(name)) == 0
			if e.IsChecked(name) != leafless {
				t.Fatalf("%s: checked=%v after reset", name, e.IsChecked(name))
			}
		}
	})
}
