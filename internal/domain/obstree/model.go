package obstree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Interpretation classifies an observation value against the reference
// bounds of the node holding it. The zero value means "not assessed".
type Interpretation string

const (
	InterpretationUndefined Interpretation = ""
	InterpretationNormal    Interpretation = "NORMAL"
	InterpretationHigh      Interpretation = "HIGH"
	InterpretationCritHigh  Interpretation = "CRITICALLY_HIGH"
	InterpretationOffHigh   Interpretation = "OFF_SCALE_HIGH"
	InterpretationLow       Interpretation = "LOW"
	InterpretationCritLow   Interpretation = "CRITICALLY_LOW"
	InterpretationOffLow    Interpretation = "OFF_SCALE_LOW"
)

var validInterpretations = map[Interpretation]bool{
	InterpretationNormal: true, InterpretationHigh: true, InterpretationCritHigh: true,
	InterpretationOffHigh: true, InterpretationLow: true, InterpretationCritLow: true,
	InterpretationOffLow: true,
}

// Valid reports whether i is one of the known interpretation tags.
func (i Interpretation) Valid() bool { return validInterpretations[i] }

// IsAbnormal reports whether i is any tag other than NORMAL or undefined.
func (i Interpretation) IsAbnormal() bool {
	return i.Valid() && i != InterpretationNormal
}

// IsCritical reports whether i is a critical or off-scale tag.
func (i Interpretation) IsCritical() bool {
	switch i {
	case InterpretationCritHigh, InterpretationCritLow, InterpretationOffHigh, InterpretationOffLow:
		return true
	}
	return false
}

// Value is an observation value as served by the obstree endpoint: a
// number, a string, or absent. Strings that parse as numbers are treated
// as numeric for assessment purposes.
type Value struct {
	text    string
	number  float64
	numeric bool // number is meaningful
	quoted  bool // encoded as a JSON string
	present bool
}

// NumberValue returns a numeric Value.
func NumberValue(f float64) Value {
	return Value{text: formatNumber(f), number: f, numeric: true, present: true}
}

// TextValue returns a textual Value. If s parses as a float the value is
// also numeric.
func TextValue(s string) Value {
	v := Value{text: s, quoted: true, present: true}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		v.number = f
		v.numeric = true
	}
	return v
}

// Present reports whether the value was supplied at all.
func (v Value) Present() bool { return v.present }

// Float returns the numeric reading, if any.
func (v Value) Float() (float64, bool) { return v.number, v.numeric }

func (v Value) String() string { return v.text }

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case !v.present:
		return []byte("null"), nil
	case v.quoted:
		return json.Marshal(v.text)
	default:
		return []byte(formatNumber(v.number)), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode observation value: %w", err)
		}
		*v = TextValue(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("observation value must be a number or string: %w", err)
	}
	*v = NumberValue(f)
	return nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: observation value must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!null":
		*v = Value{}
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = NumberValue(f)
	default:
		*v = TextValue(node.Value)
	}
	return nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Observation is one recorded value for a test.
type Observation struct {
	ObsDatetime    string         `json:"obsDatetime,omitempty" yaml:"obsDatetime,omitempty"`
	Value          Value          `json:"value" yaml:"value"`
	Interpretation Interpretation `json:"interpretation,omitempty" yaml:"interpretation,omitempty"`
}

// Bounds holds the reference limits a concept may define.
type Bounds struct {
	HiAbsolute  *float64 `json:"hiAbsolute,omitempty" yaml:"hiAbsolute,omitempty"`
	HiCritical  *float64 `json:"hiCritical,omitempty" yaml:"hiCritical,omitempty"`
	HiNormal    *float64 `json:"hiNormal,omitempty" yaml:"hiNormal,omitempty"`
	LowNormal   *float64 `json:"lowNormal,omitempty" yaml:"lowNormal,omitempty"`
	LowCritical *float64 `json:"lowCritical,omitempty" yaml:"lowCritical,omitempty"`
	LowAbsolute *float64 `json:"lowAbsolute,omitempty" yaml:"lowAbsolute,omitempty"`
}

func (b Bounds) clone() Bounds {
	return Bounds{
		HiAbsolute:  cloneFloat(b.HiAbsolute),
		HiCritical:  cloneFloat(b.HiCritical),
		HiNormal:    cloneFloat(b.HiNormal),
		LowNormal:   cloneFloat(b.LowNormal),
		LowCritical: cloneFloat(b.LowCritical),
		LowAbsolute: cloneFloat(b.LowAbsolute),
	}
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Kind is the structural variant of a node.
type Kind int

const (
	// KindGroup nodes only carry subSets.
	KindGroup Kind = iota
	// KindLeaf nodes hold observations.
	KindLeaf
	// KindMixed nodes hold observations and subSets at once. The upstream
	// data model allows it; observations win for hasData and rendering.
	KindMixed
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindMixed:
		return "mixed"
	default:
		return "group"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func kindOf(obs []Observation, children int) Kind {
	switch {
	case obs != nil && children > 0:
		return KindMixed
	case obs != nil:
		return KindLeaf
	default:
		return KindGroup
	}
}

// RawNode is one node of an obstree document as returned by the backend.
// A nil Obs means the node is not an observation holder; an empty one
// means it is, but nothing was recorded.
type RawNode struct {
	Display     string `json:"display" yaml:"display"`
	ConceptUUID string `json:"conceptUuid,omitempty" yaml:"conceptUuid,omitempty"`
	Datatype    string `json:"datatype,omitempty" yaml:"datatype,omitempty"`
	Units       string `json:"units,omitempty" yaml:"units,omitempty"`
	Bounds      `yaml:",inline"`

	SubSets []*RawNode    `json:"subSets,omitempty" yaml:"subSets,omitempty"`
	Obs     []Observation `json:"obs" yaml:"obs,omitempty"`
}

func (r *RawNode) Kind() Kind { return kindOf(r.Obs, len(r.SubSets)) }

// Node is an annotated obstree node. It owns its children and observations;
// nothing is shared with the RawNode it was built from.
type Node struct {
	Display     string `json:"display"`
	ConceptUUID string `json:"conceptUuid,omitempty"`
	Datatype    string `json:"datatype,omitempty"`
	Units       string `json:"units,omitempty"`
	Bounds

	FlatName string `json:"flatName"`
	HasData  bool   `json:"hasData"`
	Range    string `json:"range,omitempty"`

	SubSets []*Node       `json:"subSets,omitempty"`
	Obs     []Observation `json:"obs"`
}

func (n *Node) Kind() Kind { return kindOf(n.Obs, len(n.SubSets)) }

// holdsObservations reports whether n renders as a leaf in the filter tree.
func (n *Node) holdsObservations() bool { return n != nil && n.Obs != nil }

// isPanel reports whether n is a lowest parent: its first child holds
// observations, so all its children are treated as selectable leaves.
func (n *Node) isPanel() bool {
	return len(n.SubSets) > 0 && n.SubSets[0].holdsObservations()
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Bounds = n.Bounds.clone()
	out.Obs = cloneObs(n.Obs)
	if n.SubSets != nil {
		out.SubSets = make([]*Node, len(n.SubSets))
		for i, child := range n.SubSets {
			out.SubSets[i] = child.Clone()
		}
	}
	return &out
}

func cloneObs(obs []Observation) []Observation {
	if obs == nil {
		return nil
	}
	out := make([]Observation, len(obs))
	copy(out, obs)
	return out
}
