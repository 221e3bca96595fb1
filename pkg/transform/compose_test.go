package transform

import (
	"math"
	"path/filepath"
	"testing"

	"volregister/pkg/atlas"
	"volregister/pkg/chain"
	"volregister/pkg/engine"
	"volregister/pkg/registration"
	"volregister/pkg/resolution"
)

// affineResult builds a step result whose transform scales and translates
// fixed-space points into moving space.
func affineResult(idx int, scale, shift float64, moving, fixed chain.Side) *registration.Result {
	p := engine.Identity(fixed.Size, fixed.Resolution)
	p.Matrix[0], p.Matrix[5], p.Matrix[10] = scale, scale, scale
	p.Matrix[3], p.Matrix[7], p.Matrix[11] = shift, shift, shift
	return &registration.Result{
		Step:   chain.Step{Index: idx, Fixed: fixed, Moving: moving},
		Passes: []*engine.TransformParams{p},
	}
}

// deformableResult builds a step result with an identity affine part and a
// constant displacement field, the shape of a seeded deformable pass.
func deformableResult(idx int, offset float64, moving, fixed chain.Side) *registration.Result {
	p := engine.Identity(fixed.Size, fixed.Resolution)
	p.Kind = engine.KindBSpline
	p.ControlGrid = [3]int{2, 2, 2}
	p.Displacements = make([][3]float64, 8)
	for i := range p.Displacements {
		p.Displacements[i] = [3]float64{offset, offset, offset}
	}
	return &registration.Result{
		Step:   chain.Step{Index: idx, Fixed: fixed, Moving: moving},
		Passes: []*engine.TransformParams{p},
	}
}

func side(name string, res float64, size int) chain.Side {
	return chain.Side{
		Name:       name,
		Resolution: [3]float64{res, res, res},
		Size:       [3]int{size, size, size},
	}
}

// chainResults builds a synthetic chain of n levels, alternating affine
// and deformable steps the way a seeded registration produces them.
func chainResults(n int) []*registration.Result {
	sides := []chain.Side{
		side("sample", 10, 100),
		side("level1", 20, 50),
		side("level2", 25, 40),
		side("level3", 50, 20),
	}
	var results []*registration.Result
	for i := 0; i < n; i++ {
		moving, fixed := sides[i], sides[i+1]
		if i%2 == 0 {
			results = append(results, affineResult(i, 1.5, 30, moving, fixed))
		} else {
			results = append(results, deformableResult(i, 12.5, moving, fixed))
		}
	}
	return results
}

// TestRoundTrip verifies the round-trip property: mapping a point set
// through the forward composition and back through the inverse recovers
// the original coordinates, for chains of length 1, 2 and 3.
func TestRoundTrip(t *testing.T) {
	points := [][3]float64{
		{0, 0, 0},
		{100, 250, 375},
		{512.5, 13, 999},
	}

	for n := 1; n <= 3; n++ {
		results := chainResults(n)

		fwd, err := ComposeForward(results, Working)
		if err != nil {
			t.Fatalf("n=%d: ComposeForward failed: %v", n, err)
		}
		inv, err := ComposeInverse(results, Working)
		if err != nil {
			t.Fatalf("n=%d: ComposeInverse failed: %v", n, err)
		}

		if len(fwd.Legs) != n || len(inv.Legs) != n {
			t.Fatalf("n=%d: expected %d legs each way, got %d and %d",
				n, n, len(fwd.Legs), len(inv.Legs))
		}

		for _, pt := range points {
			back := inv.TransformPoint(fwd.TransformPoint(pt))
			for a := 0; a < 3; a++ {
				// Affine legs are exact; the deformable legs here are
				// constant fields, recovered within numerical tolerance.
				if math.Abs(back[a]-pt[a]) > 1e-6 {
					t.Errorf("n=%d point %v axis %d: round trip gave %f", n, pt, a, back[a])
				}
			}
		}
	}
}

// TestComposeOrder verifies forward legs run source-to-atlas and inverse
// legs run atlas-to-source.
func TestComposeOrder(t *testing.T) {
	results := chainResults(3)

	fwd, err := ComposeForward(results, Working)
	if err != nil {
		t.Fatalf("ComposeForward failed: %v", err)
	}
	for i, leg := range fwd.Legs {
		if leg.StepIndex != i {
			t.Errorf("Forward leg %d carries step %d", i, leg.StepIndex)
		}
	}

	inv, err := ComposeInverse(results, Working)
	if err != nil {
		t.Fatalf("ComposeInverse failed: %v", err)
	}
	for i, leg := range inv.Legs {
		if want := len(results) - 1 - i; leg.StepIndex != want {
			t.Errorf("Inverse leg %d carries step %d, want %d", i, leg.StepIndex, want)
		}
	}

	// The inverse ends on the sample grid.
	size, res := inv.OutputGrid()
	if size != [3]int{100, 100, 100} || res != [3]float64{10, 10, 10} {
		t.Errorf("Expected inverse output on the sample grid, got %v@%v", size, res)
	}
}

// TestComposeNoInverseAvailable verifies that one non-invertible step
// fails inverse composition while the forward composition of the same
// chain still succeeds.
func TestComposeNoInverseAvailable(t *testing.T) {
	results := chainResults(2)
	results[1].Final().Invertible = false

	if _, err := ComposeForward(results, Working); err != nil {
		t.Fatalf("Expected forward composition to succeed, got %v", err)
	}

	_, err := ComposeInverse(results, Working)
	if err == nil {
		t.Fatal("Expected NoInverseAvailable")
	}
	noInv, ok := err.(*NoInverseAvailableError)
	if !ok {
		t.Fatalf("Expected NoInverseAvailableError, got %T: %v", err, err)
	}
	if noInv.StepIndex != 1 {
		t.Errorf("Expected failing step 1, got %d", noInv.StepIndex)
	}
}

// TestComposeFullFoldsScale verifies the Full variant restores the
// recorded fixed-side scale factors: a transform produced on a working
// grid outputs the full-resolution grid after folding.
func TestComposeFullFoldsScale(t *testing.T) {
	moving := side("sample", 10, 100)
	fixed := side("atlas", 25, 40)
	result := affineResult(0, 1, 0, moving, fixed)

	// Registration ran on a 2x-downsampled working grid.
	result.Passes[0].Size = [3]int{20, 20, 20}
	result.Passes[0].Resolution = [3]float64{50, 50, 50}
	result.Working = &resolution.Prepared{
		ScaleFixed:  [3]float64{2, 2, 2},
		ScaleMoving: [3]float64{5, 5, 5},
	}

	working, err := ComposeForward([]*registration.Result{result}, Working)
	if err != nil {
		t.Fatalf("ComposeForward(working) failed: %v", err)
	}
	if size, _ := working.OutputGrid(); size != [3]int{20, 20, 20} {
		t.Errorf("Expected working output 20^3, got %v", size)
	}

	full, err := ComposeForward([]*registration.Result{result}, Full)
	if err != nil {
		t.Fatalf("ComposeForward(full) failed: %v", err)
	}
	size, res := full.OutputGrid()
	if size != [3]int{40, 40, 40} {
		t.Errorf("Expected full output 40^3, got %v", size)
	}
	if res != [3]float64{25, 25, 25} {
		t.Errorf("Expected full resolution 25um, got %v", res)
	}

	// Folding only restores the grid; the physical mapping is unchanged.
	pt := [3]float64{100, 200, 300}
	if full.TransformPoint(pt) != working.TransformPoint(pt) {
		t.Error("Expected identical physical mapping in both variants")
	}

	// The inverse working variant lands on the coarsened moving grid.
	invWorking, err := ComposeInverse([]*registration.Result{result}, Working)
	if err != nil {
		t.Fatalf("ComposeInverse(working) failed: %v", err)
	}
	if size, _ := invWorking.OutputGrid(); size != [3]int{20, 20, 20} {
		t.Errorf("Expected inverse working output 20^3, got %v", size)
	}
	invFull, err := ComposeInverse([]*registration.Result{result}, Full)
	if err != nil {
		t.Fatalf("ComposeInverse(full) failed: %v", err)
	}
	if size, _ := invFull.OutputGrid(); size != [3]int{100, 100, 100} {
		t.Errorf("Expected inverse full output on sample grid, got %v", size)
	}
}

// TestSaveLoad verifies composed transforms survive the gzip YAML
// persistence round trip.
func TestSaveLoad(t *testing.T) {
	results := chainResults(2)
	fwd, err := ComposeForward(results, Full)
	if err != nil {
		t.Fatalf("ComposeForward failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "transform-forward.yaml.gz")
	doc := &Document{RunID: "run-1", Sample: "sample", Transform: fwd}
	if err := Save(path, doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got.RunID != "run-1" || got.Sample != "sample" {
		t.Errorf("Metadata lost: %+v", got)
	}
	if got.Transform.Direction != atlas.Forward {
		t.Errorf("Expected forward direction, got %v", got.Transform.Direction)
	}
	if len(got.Transform.Legs) != len(fwd.Legs) {
		t.Fatalf("Expected %d legs, got %d", len(fwd.Legs), len(got.Transform.Legs))
	}
	for i, leg := range got.Transform.Legs {
		if leg.Params.Matrix != fwd.Legs[i].Params.Matrix {
			t.Errorf("Leg %d matrix changed in persistence round trip", i)
		}
	}

	// The loaded transform still maps points identically.
	pt := [3]float64{123, 456, 789}
	want := fwd.TransformPoint(pt)
	if got.Transform.TransformPoint(pt) != want {
		t.Error("Loaded transform maps points differently")
	}
}
