// Package apply resamples a sample's associated images through a composed
// transform. Interpolation is selected per image kind: intensity images are
// interpolated continuously, label images with nearest neighbour so label
// identities are never blended into invalid intermediate values.
package apply

import (
	"fmt"
	"math"

	"volregister/internal/models"
	"volregister/pkg/engine"
	"volregister/pkg/transform"
)

// Image is one associated image queued for resampling.
type Image struct {
	// Name identifies the image in outputs and errors.
	Name string

	// Volume is the image data, on (or compatible with) the sample's
	// source grid.
	Volume *models.Volume

	// Kind selects the interpolation mode.
	Kind models.ImageKind
}

// Resampled is the outcome for one associated image. Err is set when that
// image failed; sibling images are unaffected.
type Resampled struct {
	Name   string
	Volume *models.Volume
	Err    error
}

// GridMismatchError reports an associated image whose pixel grid is
// incompatible with the source template it claims to share.
type GridMismatchError struct {
	Image string
	Want  [3]int
	Got   [3]int
}

func (e *GridMismatchError) Error() string {
	return fmt.Sprintf("image %s: grid %v incompatible with source template grid %v",
		e.Image, e.Got, e.Want)
}

// Applier applies composed transforms to associated images.
type Applier struct {
	eng engine.Engine

	// Source is the grid of the sample's source template; every associated
	// image must share it or be normalisable onto it.
	Source *models.Volume
}

// NewApplier creates an applier for images sharing the given source
// template grid.
func NewApplier(eng engine.Engine, source *models.Volume) *Applier {
	return &Applier{eng: eng, Source: source}
}

// Apply resamples one image through the composed transform at the image's
// native resolution, normalising any resolution difference from the source
// template first.
func (a *Applier) Apply(c *transform.Composed, img Image) (*models.Volume, error) {
	interp := engine.Linear
	if img.Kind == models.Label {
		interp = engine.Nearest
	}

	normalised, err := a.normalise(img, interp)
	if err != nil {
		return nil, err
	}
	return c.Resample(a.eng, normalised, interp)
}

// ApplyAll resamples every associated image through the same composed
// transform, fanning the independent images out across workers. A failure
// on one image never aborts its siblings.
func (a *Applier) ApplyAll(c *transform.Composed, images []Image, workers int) []Resampled {
	if workers < 1 {
		workers = 1
	}

	type job struct {
		idx int
		img Image
	}
	jobs := make(chan job)
	results := make([]Resampled, len(images))
	done := make(chan struct{})

	for w := 0; w < workers; w++ {
		go func() {
			for j := range jobs {
				vol, err := a.Apply(c, j.img)
				results[j.idx] = Resampled{Name: j.img.Name, Volume: vol, Err: wrapImage(j.img.Name, err)}
				done <- struct{}{}
			}
		}()
	}

	for i, img := range images {
		go func(i int, img Image) { jobs <- job{idx: i, img: img} }(i, img)
	}
	for range images {
		<-done
	}
	close(jobs)

	return results
}

// normalise brings an image onto the source template grid when its
// resolution differs, failing with GridMismatch when the image does not
// cover the same physical extent as the template it claims to share.
func (a *Applier) normalise(img Image, interp engine.Interpolation) (*models.Volume, error) {
	if img.Volume.SameGrid(a.Source) {
		return img.Volume, nil
	}

	for axis := 0; axis < 3; axis++ {
		srcExtent := float64(a.Source.Size()[axis]) * a.Source.Resolution[axis]
		imgExtent := float64(img.Volume.Size()[axis]) * img.Volume.Resolution[axis]
		// Allow up to half a source voxel of extent difference.
		if math.Abs(srcExtent-imgExtent) > a.Source.Resolution[axis]/2 {
			return nil, &GridMismatchError{Image: img.Name, Want: a.Source.Size(), Got: img.Volume.Size()}
		}
	}

	return a.eng.Resample(img.Volume, engine.Identity(a.Source.Size(), a.Source.Resolution), interp)
}

func wrapImage(name string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*GridMismatchError); ok {
		return err
	}
	return fmt.Errorf("image %s: %w", name, err)
}
