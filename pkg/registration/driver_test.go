package registration

import (
	"errors"
	"fmt"
	"testing"

	"volregister/internal/models"
	"volregister/pkg/atlas"
	"volregister/pkg/chain"
	"volregister/pkg/engine"
)

// countingEngine wraps the built-in engine and records every Register
// invocation, optionally failing a named template.
type countingEngine struct {
	inner     engine.Engine
	calls     []string
	templates []engine.Template
	initials  []*engine.TransformParams
	failOn    string
}

func (e *countingEngine) Register(fixed, moving *models.Volume, template engine.Template, initial *engine.TransformParams) (*engine.TransformParams, error) {
	e.calls = append(e.calls, template.Name)
	e.templates = append(e.templates, template)
	e.initials = append(e.initials, initial)
	if template.Name == e.failOn {
		return nil, fmt.Errorf("metric diverged")
	}
	return e.inner.Register(fixed, moving, template, initial)
}

func (e *countingEngine) Resample(img *models.Volume, params *engine.TransformParams, interp engine.Interpolation) (*models.Volume, error) {
	return e.inner.Resample(img, params, interp)
}

func testStep(templates ...string) chain.Step {
	return chain.Step{
		Index: 0,
		Fixed: chain.Side{
			Name:       "atlas",
			Resolution: [3]float64{25, 25, 25},
			Size:       [3]int{40, 40, 40},
		},
		Moving: chain.Side{
			Name:       "sample",
			Resolution: [3]float64{10, 10, 10},
			Size:       [3]int{100, 100, 100},
		},
		Templates: templates,
	}
}

func testVolumes() (fixed, moving *models.Volume) {
	return models.NewVolume(40, 40, 40, [3]float64{25, 25, 25}),
		models.NewVolume(40, 40, 40, [3]float64{25, 25, 25})
}

// TestRunInvokesEnginePerTemplate verifies one engine invocation per
// transform template, in order, with sequential seeding: the second pass
// receives the first pass's output as its initial transform.
func TestRunInvokesEnginePerTemplate(t *testing.T) {
	eng := &countingEngine{inner: engine.NewGridEngine()}
	driver := NewDriver(eng)
	fixed, moving := testVolumes()

	result, err := driver.Run(testStep("affine", "bspline"), fixed, moving)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(eng.calls) != 2 || eng.calls[0] != "affine" || eng.calls[1] != "bspline" {
		t.Fatalf("Expected calls [affine bspline], got %v", eng.calls)
	}
	if eng.initials[0] != nil {
		t.Error("Expected first pass to start unseeded")
	}
	if eng.initials[1] != result.Passes[0] {
		t.Error("Expected second pass to be seeded with the first pass's output")
	}
	if result.Final() != result.Passes[1] {
		t.Error("Expected Final to return the last pass")
	}
	if len(result.Log) == 0 {
		t.Error("Expected the optimisation trace to be attached")
	}
}

// TestRunForwardsInverseRequest verifies that a step requesting inverse
// composition asks the engine for reverse-direction transforms, and one
// that does not leaves the request unset.
func TestRunForwardsInverseRequest(t *testing.T) {
	eng := &countingEngine{inner: engine.NewGridEngine()}
	driver := NewDriver(eng)
	fixed, moving := testVolumes()

	step := testStep("affine", "bspline")
	step.Directions = atlas.Both
	if _, err := driver.Run(step, fixed, moving); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, template := range eng.templates {
		if !template.WithInverse {
			t.Errorf("Pass %d: expected the reverse-direction request to be set", i)
		}
	}

	eng.templates = nil
	step.Directions = atlas.Forward
	if _, err := driver.Run(step, fixed, moving); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, template := range eng.templates {
		if template.WithInverse {
			t.Errorf("Pass %d: expected no reverse-direction request", i)
		}
	}
}

// TestRunFailureAbortsSequence verifies that a failing pass stops the
// sequence: the dependent pass is never started and the failure names the
// step and template.
func TestRunFailureAbortsSequence(t *testing.T) {
	eng := &countingEngine{inner: engine.NewGridEngine(), failOn: "affine"}
	driver := NewDriver(eng)
	fixed, moving := testVolumes()

	_, err := driver.Run(testStep("affine", "bspline"), fixed, moving)
	if err == nil {
		t.Fatal("Expected failure")
	}

	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Expected FailedError, got %T: %v", err, err)
	}
	if failed.Template != "affine" {
		t.Errorf("Expected failure on affine template, got %q", failed.Template)
	}
	if failed.Step.Index != 0 {
		t.Errorf("Expected failure to carry step index 0, got %d", failed.Step.Index)
	}
	if len(eng.calls) != 1 {
		t.Errorf("Expected the deformable pass never to start, calls: %v", eng.calls)
	}
}

// TestRunUnknownTemplate verifies that an unknown template name fails
// before the engine is invoked.
func TestRunUnknownTemplate(t *testing.T) {
	eng := &countingEngine{inner: engine.NewGridEngine()}
	driver := NewDriver(eng)
	fixed, moving := testVolumes()

	_, err := driver.Run(testStep("warp9"), fixed, moving)
	if err == nil {
		t.Fatal("Expected unknown template to fail")
	}
	if len(eng.calls) != 0 {
		t.Errorf("Expected no engine invocation, got %v", eng.calls)
	}
}

// TestRunNoTemplates verifies that a step without templates fails rather
// than producing an empty result.
func TestRunNoTemplates(t *testing.T) {
	driver := NewDriver(engine.NewGridEngine())
	fixed, moving := testVolumes()

	if _, err := driver.Run(testStep(), fixed, moving); err == nil {
		t.Fatal("Expected empty template list to fail")
	}
}
