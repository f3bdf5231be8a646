package obstree

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SeedFile is a batch of raw obstree documents for one patient, used to
// load fixtures into the document store.
//
//	patient: 6a1c7f0e-3d0b-4c55-9a8e-0a7a3b3c2d11
//	trees:
//	  - concept: 5085AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
//	    tree:
//	      display: Hematology
//	      subSets: [...]
type SeedFile struct {
	Patient uuid.UUID  `yaml:"patient"`
	Trees   []SeedTree `yaml:"trees"`
}

type SeedTree struct {
	Concept string   `yaml:"concept"`
	Tree    *RawNode `yaml:"tree"`
}

// LoadSeedFile decodes and validates a seed file.
func LoadSeedFile(r io.Reader) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	if f.Patient == uuid.Nil {
		return nil, fmt.Errorf("seed file: patient is required")
	}
	for i, t := range f.Trees {
		if t.Concept == "" {
			return nil, fmt.Errorf("seed file: trees[%d]: concept is required", i)
		}
		if err := ValidateTree(t.Tree); err != nil {
			return nil, fmt.Errorf("seed file: trees[%d]: %w", i, err)
		}
	}
	return &f, nil
}

// DecodeTree reads one raw obstree document. JSON input is accepted as
// well, being a subset of YAML.
func DecodeTree(data []byte) (*RawNode, error) {
	var tree RawNode
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode obstree: %w", err)
	}
	if err := ValidateTree(&tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// ValidateTree checks the shape the annotator relies on: a root is present
// and every node has a display label. Dual-content nodes are allowed.
func ValidateTree(tree *RawNode) error {
	if tree == nil {
		return fmt.Errorf("%w: missing root", ErrInvalidTree)
	}
	return validateNode(tree, "")
}

func validateNode(n *RawNode, path string) error {
	if n.Display == "" {
		if path == "" {
			return fmt.Errorf("%w: root has no display", ErrInvalidTree)
		}
		return fmt.Errorf("%w: child of %q has no display", ErrInvalidTree, path)
	}
	path = FlatName(path, n.Display)
	for _, child := range n.SubSets {
		if child == nil {
			return fmt.Errorf("%w: null child under %q", ErrInvalidTree, path)
		}
		if err := validateNode(child, path); err != nil {
			return err
		}
	}
	return nil
}
