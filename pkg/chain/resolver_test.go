package chain

import (
	"testing"

	"volregister/pkg/atlas"
)

func testAtlas(name string, res float64, size int) *atlas.Spec {
	return &atlas.Spec{
		Name:         name,
		TemplatePath: name + "/template.mhd",
		Resolution:   [3]float64{res, res, res},
		Size:         [3]int{size, size, size},
		Orientation:  "RAS",
	}
}

func testSample(target *atlas.Spec) *atlas.SampleSpec {
	return &atlas.SampleSpec{
		Name:         "sample",
		TemplatePath: "sample/template.mhd",
		Resolution:   [3]float64{10, 10, 10},
		Size:         [3]int{100, 100, 100},
		Orientation:  "RAS",
		Target:       target,
		Directions:   atlas.Both,
	}
}

// TestResolveSingleLevel verifies the minimal valid chain: a target with no
// parent yields exactly one step from the sample onto the target.
func TestResolveSingleLevel(t *testing.T) {
	target := testAtlas("atlas", 25, 40)
	sample := testSample(target)

	steps, err := Resolve(sample)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(steps) != 1 {
		t.Fatalf("Expected chain of length 1, got %d", len(steps))
	}
	if steps[0].Moving.TemplatePath != sample.TemplatePath {
		t.Errorf("Expected moving side to be the sample template, got %s",
			steps[0].Moving.TemplatePath)
	}
	if steps[0].Fixed.Spec != target {
		t.Errorf("Expected fixed side to be the target atlas")
	}
	if steps[0].Directions != atlas.Both {
		t.Errorf("Expected the sample's directions on the step, got %v", steps[0].Directions)
	}
}

// TestResolveMultiLevel verifies chain continuity: each step's moving side
// is the previous step's fixed side, root-to-leaf along parent links.
func TestResolveMultiLevel(t *testing.T) {
	grandparent := testAtlas("ccf", 50, 20)
	parent := testAtlas("intermediate", 25, 40)
	parent.Parent = grandparent
	target := testAtlas("local", 12.5, 80)
	target.Parent = parent

	sample := testSample(target)

	steps, err := Resolve(sample)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(steps) != 3 {
		t.Fatalf("Expected chain of length 3, got %d", len(steps))
	}

	// Execution order is source-to-atlas.
	if steps[0].Fixed.Name != "local" || steps[1].Fixed.Name != "intermediate" || steps[2].Fixed.Name != "ccf" {
		t.Errorf("Unexpected fixed order: %s, %s, %s",
			steps[0].Fixed.Name, steps[1].Fixed.Name, steps[2].Fixed.Name)
	}

	for i := 1; i < len(steps); i++ {
		if steps[i].Moving.Name != steps[i-1].Fixed.Name {
			t.Errorf("Chain discontinuity at step %d: moving %s, previous fixed %s",
				i, steps[i].Moving.Name, steps[i-1].Fixed.Name)
		}
	}

	for i, s := range steps {
		if s.Index != i {
			t.Errorf("Step %d carries index %d", i, s.Index)
		}
	}
}

// TestResolveDefaultTemplates verifies that steps fall back to the
// affine-then-deformable template sequence when the atlas names none.
func TestResolveDefaultTemplates(t *testing.T) {
	target := testAtlas("atlas", 25, 40)
	sample := testSample(target)

	steps, err := Resolve(sample)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"affine", "bspline"}
	if len(steps[0].Templates) != len(want) {
		t.Fatalf("Expected %d default templates, got %v", len(want), steps[0].Templates)
	}
	for i, name := range want {
		if steps[0].Templates[i] != name {
			t.Errorf("Expected template %d to be %s, got %s", i, name, steps[0].Templates[i])
		}
	}
}

// TestResolveEmptyChain verifies that a degenerate target (no template
// path, no parent) fails with EmptyChain.
func TestResolveEmptyChain(t *testing.T) {
	target := &atlas.Spec{Name: "degenerate"}
	sample := testSample(target)

	_, err := Resolve(sample)
	if err == nil {
		t.Fatal("Expected EmptyChain for degenerate target")
	}
	if _, ok := err.(*EmptyChainError); !ok {
		t.Errorf("Expected EmptyChainError, got %T: %v", err, err)
	}

	sample.Target = nil
	if _, err := Resolve(sample); err == nil {
		t.Error("Expected EmptyChain for missing target")
	}
}

// TestResolveCyclicChain verifies that a self-referential parent link fails
// with CyclicChain and never hangs.
func TestResolveCyclicChain(t *testing.T) {
	target := testAtlas("atlas", 25, 40)
	target.Parent = target
	sample := testSample(target)

	_, err := Resolve(sample)
	if err == nil {
		t.Fatal("Expected CyclicChain for self-referential parent")
	}
	if _, ok := err.(*atlas.CyclicChainError); !ok {
		t.Errorf("Expected CyclicChainError, got %T: %v", err, err)
	}
}
