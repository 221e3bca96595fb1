// Package chain resolves the ordered list of pairwise registration steps
// needed to register a sample into a target atlas hierarchy. Each parent
// link in the atlas chain contributes one step; the minimal valid chain has
// length one (a target with no parent).
package chain

import (
	"fmt"

	"volregister/pkg/atlas"
)

// Side is one side of a registration step: a grid with the images living
// on it.
type Side struct {
	// Name identifies the side's spec.
	Name string

	// TemplatePath is the template image defining this side's grid.
	TemplatePath string

	// Resolution and Size describe the grid.
	Resolution [3]float64
	Size       [3]int

	// Spec is the atlas spec for atlas sides, nil for the sample side.
	Spec *atlas.Spec
}

// Step is one pairwise registration in a resolved chain: the moving side is
// deformed onto the fixed side's grid.
type Step struct {
	// Index is the step's position in the chain, source-to-atlas order.
	Index int

	// Fixed is the target side at this level, Moving the source side.
	Fixed, Moving Side

	// DownsampleFactor is the working-resolution factor requested by the
	// fixed spec. Zero means derive it from the resolution ratio.
	DownsampleFactor float64

	// Templates lists the transform templates to run, in order.
	Templates []string

	// Directions are the composed mappings the run will request, forwarded
	// to the engine so it can produce reverse-direction transforms.
	Directions atlas.Direction
}

func (s Step) String() string {
	return fmt.Sprintf("step %d: %s -> %s", s.Index, s.Moving.Name, s.Fixed.Name)
}

// EmptyChainError reports a target spec that yields no usable registration
// step.
type EmptyChainError struct {
	Sample string
}

func (e *EmptyChainError) Error() string {
	return fmt.Sprintf("sample %s: target atlas yields an empty registration chain", e.Sample)
}

// Resolve walks the sample's target chain root-to-leaf and builds the
// ordered step list in registration execution order: the first step's
// moving side is the sample's source template, each later step's moving
// side is the previous step's fixed side. The returned slice is indexable
// in reverse for inverse composition.
func Resolve(sample *atlas.SampleSpec) ([]Step, error) {
	if sample.Target == nil {
		return nil, &EmptyChainError{Sample: sample.Name}
	}
	if sample.Target.TemplatePath == "" {
		// A degenerate target with no template cannot anchor even a
		// single-level chain.
		return nil, &EmptyChainError{Sample: sample.Name}
	}

	moving := Side{
		Name:         sample.Name,
		TemplatePath: sample.TemplatePath,
		Resolution:   sample.Resolution,
		Size:         sample.Size,
	}

	var steps []Step
	visited := map[*atlas.Spec]bool{}
	for cur := sample.Target; cur != nil; {
		fixed := Side{
			Name:         cur.Name,
			TemplatePath: cur.TemplatePath,
			Resolution:   cur.Resolution,
			Size:         cur.Size,
			Spec:         cur,
		}
		templates := cur.TransformTemplates
		if len(templates) == 0 {
			templates = []string{"affine", "bspline"}
		}
		steps = append(steps, Step{
			Index:            len(steps),
			Fixed:            fixed,
			Moving:           moving,
			DownsampleFactor: cur.DownsampleFactor,
			Templates:        templates,
			Directions:       sample.Directions,
		})

		// Chain continuity: the next step registers this level into its
		// parent.
		moving = fixed

		next, err := atlas.ResolveParent(cur, visited)
		if err != nil {
			return nil, err
		}
		cur = next
	}

	return steps, nil
}
