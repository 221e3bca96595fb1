// Package atlas defines the validated in-memory model of atlas and sample
// parameter sets. An atlas Spec is one node in a template hierarchy: it may
// reference a parent Spec, in which case registering a sample into the atlas
// means registering through every level up the parent chain.
package atlas

import (
	"fmt"
	"strings"
)

// Direction selects which composed mappings a sample run should produce.
type Direction int

const (
	// Forward maps sample space into the final atlas space.
	Forward Direction = 1 << iota

	// Inverse maps atlas space back into sample space.
	Inverse

	// Both requests forward and inverse mappings.
	Both = Forward | Inverse
)

// Has reports whether d includes the given direction.
func (d Direction) Has(o Direction) bool { return d&o != 0 }

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Inverse:
		return "inverse"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Point3 is a 3D pixel coordinate, used for named reference points such as
// skull landmarks.
type Point3 [3]float64

// Spec is one atlas/template parameter set: the template image, its optional
// annotation images and structure trees, the physical grid it lives on, and
// an optional parent Spec forming a registration chain.
//
// A Spec is built once at load time and never mutated afterwards.
type Spec struct {
	// Name identifies the spec in errors and cache keys. For document-loaded
	// specs this is the resolved parameters-file path.
	Name string

	// TemplatePath is the template image the registration is optimised on.
	TemplatePath string

	// AnnotationPaths lists annotation (label) images sharing the template
	// grid, in order.
	AnnotationPaths []string

	// StructureTreePaths lists structure-tree tables, index-aligned to
	// AnnotationPaths. Either empty or the same length.
	StructureTreePaths []string

	// Resolution is the physical voxel size per axis in micrometres.
	Resolution [3]float64

	// Size is the grid size per axis in voxels.
	Size [3]int

	// Orientation is a three-letter code, one direction token per axis,
	// e.g. "RAS" (right, anterior, superior).
	Orientation string

	// Structure is the anatomical structure tag, e.g. "brain".
	Structure string

	// ReferencePoints holds optional named landmark coordinates.
	ReferencePoints map[string]Point3

	// Parent links to the next atlas up the chain, or nil for a root atlas.
	Parent *Spec

	// DownsampleFactor is the per-axis working-resolution factor requested
	// for registration at this level. Zero means derive it from the
	// fixed/moving resolution ratio.
	DownsampleFactor float64

	// TransformTemplates names the engine parameter bundles applied in
	// order during registration at this level, e.g. ["affine", "bspline"].
	TransformTemplates []string
}

// SampleSpec is the subject being registered: a source template volume, the
// associated images sharing its grid, and the target atlas chain to
// register into.
type SampleSpec struct {
	// Name identifies the sample in errors and outputs.
	Name string

	// TemplatePath is the source template image registration is optimised on.
	TemplatePath string

	// ImagePaths lists additional intensity channels sharing the template
	// grid.
	ImagePaths []string

	// AnnotationPaths lists the sample's own label images sharing the
	// template grid.
	AnnotationPaths []string

	// Resolution and Size describe the source template grid.
	Resolution [3]float64
	Size       [3]int

	// Orientation is the source template orientation code.
	Orientation string

	// Target is the root of the atlas chain to register into.
	Target *Spec

	// Directions selects which composed mappings to produce.
	Directions Direction
}

// orientation tokens grouped by the axis pair they belong to.
var orientationPairs = map[byte]int{
	'R': 0, 'L': 0, // left / right
	'A': 1, 'P': 1, // anterior / posterior
	'S': 2, 'I': 2, // superior / inferior
}

// validateOrientation checks an orientation code: exactly three tokens, each
// from a distinct axis pair.
func validateOrientation(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("orientation %q: want exactly 3 direction tokens", code)
	}
	seen := [3]bool{}
	for i := 0; i < 3; i++ {
		axis, ok := orientationPairs[code[i]]
		if !ok {
			return fmt.Errorf("orientation %q: unknown direction token %q", code, string(code[i]))
		}
		if seen[axis] {
			return fmt.Errorf("orientation %q: axis pair of token %q appears twice", code, string(code[i]))
		}
		seen[axis] = true
	}
	return nil
}

// Validate runs every Spec invariant and aggregates all violations found,
// walking parent links recursively. A nil return means the spec and every
// ancestor are valid.
func Validate(s *Spec) error {
	var reasons []string
	visited := map[*Spec]bool{}
	for cur := s; cur != nil; cur = cur.Parent {
		if visited[cur] {
			return &CyclicChainError{Spec: cur.Name}
		}
		visited[cur] = true
		reasons = append(reasons, validateOne(cur)...)
	}
	if len(reasons) > 0 {
		return &InvalidSpecError{Spec: s.Name, Reasons: reasons}
	}
	return nil
}

func validateOne(s *Spec) []string {
	var reasons []string
	fail := func(format string, args ...interface{}) {
		reasons = append(reasons, fmt.Sprintf("%s: %s", s.Name, fmt.Sprintf(format, args...)))
	}

	if s.TemplatePath == "" {
		fail("template path is empty")
	}
	for i, r := range s.Resolution {
		if r <= 0 {
			fail("resolution axis %d must be positive, got %g", i, r)
		}
	}
	for i, n := range s.Size {
		if n <= 0 {
			fail("size axis %d must be positive, got %d", i, n)
		}
	}
	if err := validateOrientation(s.Orientation); err != nil {
		fail("%v", err)
	}
	if len(s.StructureTreePaths) > 0 && len(s.StructureTreePaths) != len(s.AnnotationPaths) {
		fail("structure trees (%d) must match annotations (%d) or be empty",
			len(s.StructureTreePaths), len(s.AnnotationPaths))
	}
	if s.DownsampleFactor < 0 {
		fail("downsampling factor must be non-negative, got %g", s.DownsampleFactor)
	}
	return reasons
}

// ValidateSample runs every SampleSpec invariant, including full validation
// of the target chain, and aggregates all violations.
func ValidateSample(s *SampleSpec) error {
	var reasons []string
	fail := func(format string, args ...interface{}) {
		reasons = append(reasons, fmt.Sprintf("%s: %s", s.Name, fmt.Sprintf(format, args...)))
	}

	if s.TemplatePath == "" {
		fail("source template path is empty")
	}
	for i, r := range s.Resolution {
		if r <= 0 {
			fail("resolution axis %d must be positive, got %g", i, r)
		}
	}
	for i, n := range s.Size {
		if n <= 0 {
			fail("size axis %d must be positive, got %d", i, n)
		}
	}
	if err := validateOrientation(s.Orientation); err != nil {
		fail("%v", err)
	}
	if s.Directions&Both == 0 {
		fail("no registration direction requested")
	}
	if s.Target == nil {
		fail("no target atlas")
	} else if err := Validate(s.Target); err != nil {
		if cyc, ok := err.(*CyclicChainError); ok {
			return cyc
		}
		if inv, ok := err.(*InvalidSpecError); ok {
			reasons = append(reasons, inv.Reasons...)
		} else {
			fail("target: %v", err)
		}
	}

	if len(reasons) > 0 {
		return &InvalidSpecError{Spec: s.Name, Reasons: reasons}
	}
	return nil
}

// ResolveParent returns the parent of a spec, failing with CyclicChain when
// the walk from the chain root revisits a spec. The visited set is supplied
// by the caller so one set can span a whole chain walk.
func ResolveParent(s *Spec, visited map[*Spec]bool) (*Spec, error) {
	if visited == nil {
		visited = map[*Spec]bool{}
	}
	visited[s] = true
	if s.Parent == nil {
		return nil, nil
	}
	if visited[s.Parent] {
		return nil, &CyclicChainError{Spec: s.Parent.Name}
	}
	return s.Parent, nil
}

// ChainNames returns the names of the specs along the parent chain starting
// at s, for diagnostics. Stops if a cycle is encountered.
func ChainNames(s *Spec) string {
	var names []string
	visited := map[*Spec]bool{}
	for cur := s; cur != nil && !visited[cur]; cur = cur.Parent {
		visited[cur] = true
		names = append(names, cur.Name)
	}
	return strings.Join(names, " -> ")
}
