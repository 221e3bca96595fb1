// Package transform composes per-step registration results into end-to-end
// forward (sample -> atlas) and inverse (atlas -> sample) mappings, in
// working- and full-resolution variants, and persists them for reuse
// without re-registration.
package transform

import (
	"fmt"
	"math"

	"volregister/internal/models"
	"volregister/pkg/atlas"
	"volregister/pkg/engine"
	"volregister/pkg/registration"
)

// Variant selects the resolution a composed transform targets.
type Variant string

const (
	// Working keeps each leg on the grid registration actually ran on.
	Working Variant = "working"

	// Full folds the resolution manager's scale factors back in, so the
	// composed transform produces full-resolution outputs.
	Full Variant = "full"
)

// Leg is one stage of a composed transform.
type Leg struct {
	// StepIndex is the originating chain step, for diagnostics and resume.
	StepIndex int `yaml:"step"`

	// Params maps this stage's fixed-space points into its moving space
	// (pull convention); resampling an image through the leg moves it from
	// the moving grid onto the fixed grid.
	Params *engine.TransformParams `yaml:"params"`
}

// Composed is an ordered concatenation of step transforms spanning a full
// chain. Immutable once composed; valid only for the exact endpoint grids
// of its first and last leg.
type Composed struct {
	// Direction tags the mapping: Forward is sample -> atlas, Inverse is
	// atlas -> sample.
	Direction atlas.Direction `yaml:"direction"`

	// Variant tags the resolution the transform produces.
	Variant Variant `yaml:"variant"`

	// Legs are applied to images in order.
	Legs []Leg `yaml:"legs"`
}

// NoInverseAvailableError reports a chain whose inverse cannot be composed
// because one step's transform kind has no inverse. The forward direction
// of the same chain remains usable.
type NoInverseAvailableError struct {
	StepIndex int
	Kind      engine.Kind
}

func (e *NoInverseAvailableError) Error() string {
	return fmt.Sprintf("no inverse available: step %d transform kind %s is not invertible",
		e.StepIndex, e.Kind)
}

// ComposeForward concatenates step results in source-to-atlas order. The
// Full variant folds each step's recorded fixed-side scale factors back in:
// exact for affine legs (the physical mapping is unchanged, only the output
// grid is restored), a grid re-anchoring for deformable legs.
func ComposeForward(results []*registration.Result, variant Variant) (*Composed, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no step results to compose")
	}
	c := &Composed{Direction: atlas.Forward, Variant: variant}
	for _, r := range results {
		params := r.Final()
		if params == nil {
			return nil, fmt.Errorf("step %d has no transform", r.Step.Index)
		}
		if variant == Full && r.Working != nil {
			params = foldScale(params, r.Working.ScaleFixed, r.Step.Fixed.Size, r.Step.Fixed.Resolution)
		}
		c.Legs = append(c.Legs, Leg{StepIndex: r.Step.Index, Params: params})
	}
	return c, nil
}

// ComposeInverse concatenates the per-step inverses in atlas-to-source
// order. A step contributes an inverse only if its transform kind supports
// exact (affine) or engine-approximated (deformable) inversion; otherwise
// composition fails with NoInverseAvailable rather than silently producing
// a degraded mapping.
func ComposeInverse(results []*registration.Result, variant Variant) (*Composed, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no step results to compose")
	}
	c := &Composed{Direction: atlas.Inverse, Variant: variant}
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		params := r.Final()
		if params == nil {
			return nil, fmt.Errorf("step %d has no transform", r.Step.Index)
		}
		if !params.Invertible {
			return nil, &NoInverseAvailableError{StepIndex: r.Step.Index, Kind: params.Kind}
		}

		// The inverse leg outputs the step's moving grid.
		size, res := r.Step.Moving.Size, r.Step.Moving.Resolution
		scale := [3]float64{1, 1, 1}
		if r.Working != nil {
			scale = r.Working.ScaleMoving
		}
		if variant == Working {
			size, res = workingGrid(size, res, scale)
		}
		inv, err := params.Inverse(size, res)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", r.Step.Index, err)
		}
		c.Legs = append(c.Legs, Leg{StepIndex: r.Step.Index, Params: inv})
	}
	return c, nil
}

// Resample pushes an image through every leg in order, with the given
// interpolation, producing it on the final leg's output grid.
func (c *Composed) Resample(eng engine.Engine, img *models.Volume, interp engine.Interpolation) (*models.Volume, error) {
	out := img
	var err error
	for _, leg := range c.Legs {
		out, err = eng.Resample(out, leg.Params, interp)
		if err != nil {
			return nil, fmt.Errorf("leg of step %d: %w", leg.StepIndex, err)
		}
	}
	return out, nil
}

// TransformPoint maps a physical point through the composed chain. Under
// the pull convention legs are traversed last-to-first, so a Forward
// composed transform maps final-atlas-space points into sample space and
// an Inverse one maps sample-space points into atlas space.
func (c *Composed) TransformPoint(pt [3]float64) [3]float64 {
	for i := len(c.Legs) - 1; i >= 0; i-- {
		pt = c.Legs[i].Params.Apply(pt)
	}
	return pt
}

// OutputGrid returns the size and resolution of the grid the composed
// transform produces.
func (c *Composed) OutputGrid() ([3]int, [3]float64) {
	last := c.Legs[len(c.Legs)-1].Params
	return last.Size, last.Resolution
}

// foldScale restores a working-resolution parameter set to the full
// fixed grid. The physical mapping is untouched; only the output grid
// definition changes, which is exact for affine-family legs. Deformable
// legs keep their control grid, re-anchored to the restored extent.
func foldScale(p *engine.TransformParams, scale [3]float64, fullSize [3]int, fullRes [3]float64) *engine.TransformParams {
	if scale == [3]float64{1, 1, 1} {
		return p
	}
	out := *p
	out.Size = fullSize
	out.Resolution = fullRes
	return &out
}

// workingGrid coarsens a full grid by per-axis scale factors.
func workingGrid(size [3]int, res [3]float64, scale [3]float64) ([3]int, [3]float64) {
	for a := 0; a < 3; a++ {
		if scale[a] == 1 {
			continue
		}
		size[a] = int(math.Round(float64(size[a]) / scale[a]))
		if size[a] < 1 {
			size[a] = 1
		}
		res[a] = res[a] * scale[a]
	}
	return size, res
}
