// Package engine defines the narrow boundary to the external registration
// engine: one call to optimise a transform between a fixed and a moving
// volume, and one call to resample a volume through a transform. Everything
// else about the engine (metrics, pyramids, optimisers) is opaque to the
// orchestrator.
//
// Two implementations ship with the package: GridEngine, a deterministic
// in-process engine that aligns grids by physical extent, and ElastixEngine,
// which drives external elastix/transformix binaries.
package engine

import (
	"fmt"

	"volregister/internal/models"
)

// Interpolation selects the resampling mode.
type Interpolation int

const (
	// Linear is continuous (trilinear) interpolation, for intensity images.
	Linear Interpolation = iota

	// Nearest is nearest-neighbour interpolation, for label images. It
	// guarantees that resampling never produces values absent from the
	// input.
	Nearest
)

func (i Interpolation) String() string {
	if i == Nearest {
		return "nearest"
	}
	return "linear"
}

// Engine is the external registration engine capability. Register is
// long-running and blocking; no deadline is imposed here, callers wrap the
// call with their own if required. There is no cooperative cancellation
// contract: cancellation means abandoning the worker running the call.
type Engine interface {
	// Register optimises a transform mapping the fixed grid onto the moving
	// volume (pull convention: the result maps fixed-space physical points
	// to moving-space physical points, so resampling through it produces an
	// image on the fixed grid). An optional initial transform seeds the
	// optimisation, used to feed one pass's output into the next.
	Register(fixed, moving *models.Volume, template Template, initial *TransformParams) (*TransformParams, error)

	// Resample produces a copy of img on the transform's output grid.
	Resample(img *models.Volume, params *TransformParams, interp Interpolation) (*models.Volume, error)
}

// Template is a named transform configuration bundle, the unit the
// registration driver feeds to the engine one pass at a time.
type Template struct {
	// Name identifies the bundle in configuration documents.
	Name string

	// Kind is the transform family the pass optimises.
	Kind Kind

	// GridSpacing is the control-point spacing in micrometres for
	// deformable passes.
	GridSpacing float64

	// MaxIterations bounds the engine's optimisation loop.
	MaxIterations int

	// Invertible declares whether the pass's output supports exact or
	// engine-approximated inversion. Inverse chain composition fails on any
	// pass with Invertible false.
	Invertible bool

	// WithInverse asks the engine to also produce the reverse-direction
	// transform, set when the run requests inverse chain composition.
	// Engines whose transforms invert algebraically may ignore it.
	WithInverse bool
}

// Built-in templates, mirroring the affine-then-deformable staging the
// parameter documents name.
var builtinTemplates = map[string]Template{
	"affine": {
		Name:          "affine",
		Kind:          KindAffine,
		MaxIterations: 1000,
		Invertible:    true,
	},
	"bspline": {
		Name:          "bspline",
		Kind:          KindBSpline,
		GridSpacing:   500,
		MaxIterations: 2000,
		Invertible:    true,
	},
}

// LookupTemplate resolves a template name from a parameter document to its
// configuration bundle.
func LookupTemplate(name string) (Template, error) {
	t, ok := builtinTemplates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown transform template %q", name)
	}
	return t, nil
}
