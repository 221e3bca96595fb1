// Package register orchestrates one registration run: validate the sample
// and its atlas chain, resolve the step list, drive the engine step by
// step, compose the end-to-end transforms, and apply them to every
// associated image of the sample.
package register

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"volregister/internal/models"
	"volregister/pkg/apply"
	"volregister/pkg/atlas"
	"volregister/pkg/chain"
	"volregister/pkg/engine"
	"volregister/pkg/registration"
	"volregister/pkg/resolution"
	"volregister/pkg/transform"
)

// Params configures one registration run.
type Params struct {
	// Sample is the subject being registered.
	Sample *atlas.SampleSpec

	// Engine is the registration engine implementation to drive.
	Engine engine.Engine

	// Loader reads template and image volumes by path. Defaults to the
	// MetaImage reader.
	Loader resolution.Loader

	// OutputDir receives resampled images and persisted transforms.
	OutputDir string

	// Workers bounds the parallel resampling of associated images.
	Workers int

	// Verbose enables progress output.
	Verbose bool
}

// Run is one registration orchestration over a single sample. Partial
// results survive a mid-chain failure: completed step transforms stay
// available through Results so a caller can diagnose or resume without
// recomputing them.
type Run struct {
	params *Params

	// id stamps persisted outputs so they trace back to this run.
	id string

	mgr    *resolution.Manager
	driver *registration.Driver

	steps   []chain.Step
	results []*registration.Result

	forward, inverse *transform.Composed

	metrics Metrics
}

// NewRun prepares a run. No work happens until Execute.
func NewRun(params *Params) (*Run, error) {
	if params.Engine == nil {
		params.Engine = engine.NewGridEngine()
	}
	if params.Loader == nil {
		params.Loader = engine.ReadMetaImage
	}
	if params.Workers < 1 {
		params.Workers = 1
	}

	mgr, err := resolution.NewManager(params.Engine, params.Loader)
	if err != nil {
		return nil, err
	}

	return &Run{
		params: params,
		id:     uuid.NewString(),
		mgr:    mgr,
		driver: registration.NewDriver(params.Engine),
	}, nil
}

// ID returns the run identity stamped on persisted outputs.
func (r *Run) ID() string { return r.id }

// Results returns the per-step transforms computed so far. After a
// mid-chain failure this holds every step completed before the failure.
func (r *Run) Results() []*registration.Result { return r.results }

// Forward and Inverse return the composed full-resolution transforms, nil
// until Execute produced them.
func (r *Run) Forward() *transform.Composed { return r.forward }
func (r *Run) Inverse() *transform.Composed { return r.inverse }

// GetMetrics returns the similarity metrics computed after registration.
func (r *Run) GetMetrics() Metrics { return r.metrics }

// Execute runs the complete pipeline. Validation runs eagerly and in full
// before any engine work begins.
func (r *Run) Execute() error {
	sample := r.params.Sample

	r.logf("Step 1: Validating sample and atlas chain...")
	if err := atlas.ValidateSample(sample); err != nil {
		return err
	}

	r.logf("Step 2: Resolving registration chain...")
	steps, err := chain.Resolve(sample)
	if err != nil {
		return err
	}
	r.steps = steps
	r.logf("Resolved chain of length %d: %s", len(steps), atlas.ChainNames(sample.Target))

	r.logf("Step 3: Registering %d step(s)...", len(steps))
	for _, step := range steps {
		r.logf("  %v", step)
		prep, err := r.mgr.Prepare(step)
		if err != nil {
			return err
		}
		result, err := r.driver.Run(step, prep.Fixed, prep.Moving)
		if err != nil {
			return err
		}
		result.Working = prep
		r.results = append(r.results, result)
	}

	r.logf("Step 4: Composing transforms...")
	if sample.Directions.Has(atlas.Forward) {
		fwd, err := transform.ComposeForward(r.results, transform.Full)
		if err != nil {
			return err
		}
		r.forward = fwd
	}
	if sample.Directions.Has(atlas.Inverse) {
		inv, err := transform.ComposeInverse(r.results, transform.Full)
		if err != nil {
			// The forward direction of the same chain stays usable.
			if r.forward == nil {
				return err
			}
			r.logf("Warning: inverse mapping unavailable: %v", err)
		} else {
			r.inverse = inv
		}
	}

	r.logf("Step 5: Applying transforms to associated images...")
	if err := r.applyAll(); err != nil {
		return err
	}

	r.logf("Step 6: Persisting composed transforms...")
	if err := r.persistTransforms(); err != nil {
		return err
	}

	return nil
}

// applyAll resamples the sample's images into atlas space (forward) and
// the atlas annotations into sample space (inverse), per the requested
// directions, and computes similarity metrics for the registered template.
func (r *Run) applyAll() error {
	sample := r.params.Sample

	source, err := r.params.Loader(sample.TemplatePath)
	if err != nil {
		return fmt.Errorf("loading sample template: %w", err)
	}
	if r.forward != nil {
		applier := apply.NewApplier(r.params.Engine, source)
		images := []apply.Image{{Name: nameOf(sample.TemplatePath), Volume: source, Kind: models.Intensity}}
		if more, err := r.loadImages(sample.ImagePaths, models.Intensity); err != nil {
			return err
		} else {
			images = append(images, more...)
		}
		if more, err := r.loadImages(sample.AnnotationPaths, models.Label); err != nil {
			return err
		} else {
			images = append(images, more...)
		}

		results := applier.ApplyAll(r.forward, images, r.params.Workers)
		if err := r.saveResampled("sample-to-atlas", results); err != nil {
			return err
		}

		// Registration quality is judged on the registered template
		// against the final atlas template.
		if results[0].Err == nil {
			final := r.steps[len(r.steps)-1].Fixed
			atlasTemplate, err := r.params.Loader(final.TemplatePath)
			if err == nil {
				r.metrics = ComputeMetrics(atlasTemplate, results[0].Volume)
				r.logf("  MI=%.3f RMSE=%.6f NCC=%.3f", r.metrics.MI, r.metrics.RMSE, r.metrics.NCC)
			}
		}
	}

	if r.inverse != nil {
		final := r.steps[len(r.steps)-1].Fixed.Spec

		var images []apply.Image
		atlasTemplate, err := r.params.Loader(final.TemplatePath)
		if err != nil {
			return fmt.Errorf("loading atlas template: %w", err)
		}
		images = append(images, apply.Image{Name: nameOf(final.TemplatePath), Volume: atlasTemplate, Kind: models.Intensity})
		if more, err := r.loadImages(final.AnnotationPaths, models.Label); err != nil {
			return err
		} else {
			images = append(images, more...)
		}

		inverseApplier := apply.NewApplier(r.params.Engine, atlasTemplate)
		results := inverseApplier.ApplyAll(r.inverse, images, r.params.Workers)
		if err := r.saveResampled("atlas-to-sample", results); err != nil {
			return err
		}
	}

	return nil
}

// loadImages reads associated image volumes, tagging each with its kind.
func (r *Run) loadImages(paths []string, kind models.ImageKind) ([]apply.Image, error) {
	var images []apply.Image
	for _, p := range paths {
		vol, err := r.params.Loader(p)
		if err != nil {
			return nil, fmt.Errorf("loading %s image %s: %w", kind, p, err)
		}
		images = append(images, apply.Image{Name: nameOf(p), Volume: vol, Kind: kind})
	}
	return images, nil
}

// saveResampled writes successful outputs and reports per-image failures
// without aborting siblings.
func (r *Run) saveResampled(direction string, results []apply.Resampled) error {
	if r.params.OutputDir == "" {
		for _, res := range results {
			if res.Err != nil {
				r.logf("Warning: %s: %v", direction, res.Err)
			}
		}
		return nil
	}

	dir := filepath.Join(r.params.OutputDir, direction)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, res := range results {
		if res.Err != nil {
			r.logf("Warning: %s: %v", direction, res.Err)
			continue
		}
		path := filepath.Join(dir, res.Name+".mhd")
		if err := engine.WriteMetaImage(path, res.Volume); err != nil {
			return fmt.Errorf("saving %s: %w", path, err)
		}
		r.logf("  saved %s", path)
	}
	return nil
}

// persistTransforms saves the composed transforms so later resampling can
// reuse them without re-registration.
func (r *Run) persistTransforms() error {
	if r.params.OutputDir == "" {
		return nil
	}
	save := func(name string, c *transform.Composed) error {
		if c == nil {
			return nil
		}
		doc := &transform.Document{
			RunID:     r.id,
			Sample:    r.params.Sample.Name,
			Created:   time.Now().UTC(),
			Transform: c,
		}
		return transform.Save(filepath.Join(r.params.OutputDir, name), doc)
	}
	if err := save("transform-forward.yaml.gz", r.forward); err != nil {
		return err
	}
	return save("transform-inverse.yaml.gz", r.inverse)
}

func (r *Run) logf(format string, args ...interface{}) {
	if r.params.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// nameOf returns an image's base name without extension, used for output
// file naming.
func nameOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
