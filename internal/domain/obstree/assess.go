package obstree

// Assessor returns the value classifier for a node holding observations.
// Implementations must treat node as read-only.
type Assessor func(node *RawNode) func(Value) Interpretation

// AssessValue is the default Assessor. Values are checked from the most
// extreme high bound down, then the low bounds; the first bound crossed
// decides. Values that are absent or not numeric are left undefined.
func AssessValue(node *RawNode) func(Value) Interpretation {
	b := node.Bounds.clone()
	return func(v Value) Interpretation {
		x, ok := v.Float()
		if !v.Present() || !ok {
			return InterpretationUndefined
		}
		switch {
		case above(x, b.HiAbsolute):
			return InterpretationOffHigh
		case above(x, b.HiCritical):
			return InterpretationCritHigh
		case above(x, b.HiNormal):
			return InterpretationHigh
		case below(x, b.LowAbsolute):
			return InterpretationOffLow
		case below(x, b.LowCritical):
			return InterpretationCritLow
		case below(x, b.LowNormal):
			return InterpretationLow
		}
		return InterpretationNormal
	}
}

func above(x float64, bound *float64) bool { return bound != nil && x > *bound }

func below(x float64, bound *float64) bool { return bound != nil && x < *bound }
