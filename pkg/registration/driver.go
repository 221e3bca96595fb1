// Package registration drives the external engine through the transform
// template sequence of one chain step.
package registration

import (
	"fmt"

	"volregister/internal/models"
	"volregister/pkg/atlas"
	"volregister/pkg/chain"
	"volregister/pkg/engine"
	"volregister/pkg/resolution"
)

// Result is the opaque outcome of one registration step: the parameter set
// of every pass, in order, plus the grids and scale factors needed for
// composition. Never mutated after creation.
type Result struct {
	// Step is the chain step this result belongs to.
	Step chain.Step

	// Passes holds one parameter set per transform template, in execution
	// order. The last pass carries the complete mapping (each pass was
	// seeded with its predecessor).
	Passes []*engine.TransformParams

	// Working records the working volumes and the working-to-full scale
	// factors the composer folds into full-resolution transforms.
	Working *resolution.Prepared

	// Log is the concatenated optimisation trace of all passes,
	// diagnostic only.
	Log []string
}

// Final returns the parameter set of the last pass, the step's end-to-end
// moving-to-fixed mapping at working resolution.
func (r *Result) Final() *engine.TransformParams {
	if len(r.Passes) == 0 {
		return nil
	}
	return r.Passes[len(r.Passes)-1]
}

// FailedError reports an engine failure, carrying the exact step and
// template so the chain can be resumed from the failure point.
type FailedError struct {
	Step     chain.Step
	Template string
	Cause    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("registration failed at %v, template %q: %v", e.Step, e.Template, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// Driver invokes the engine once per transform template of a step.
type Driver struct {
	eng engine.Engine
}

// NewDriver creates a driver over the given engine.
func NewDriver(eng engine.Engine) *Driver {
	return &Driver{eng: eng}
}

// Run executes the step's template sequence against the working volumes.
// Passes are strictly sequential: each pass is seeded with the previous
// pass's output and only started after it succeeds (an affine pass seeds
// the deformable pass that follows it). Any engine-reported failure aborts
// the step; the driver never retries, that is an orchestration-level
// decision.
func (d *Driver) Run(step chain.Step, fixed, moving *models.Volume) (*Result, error) {
	result := &Result{Step: step}

	var initial *engine.TransformParams
	for _, name := range step.Templates {
		template, err := engine.LookupTemplate(name)
		if err != nil {
			return nil, &FailedError{Step: step, Template: name, Cause: err}
		}
		template.WithInverse = step.Directions.Has(atlas.Inverse)

		params, err := d.eng.Register(fixed, moving, template, initial)
		if err != nil {
			return nil, &FailedError{Step: step, Template: name, Cause: err}
		}

		result.Passes = append(result.Passes, params)
		result.Log = append(result.Log, params.Log...)
		initial = params
	}

	if len(result.Passes) == 0 {
		return nil, &FailedError{Step: step, Template: "",
			Cause: fmt.Errorf("step has no transform templates")}
	}
	return result, nil
}
