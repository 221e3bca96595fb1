// Package resolution prepares per-step working-resolution volumes.
// Registration runs at a tractable (possibly downsampled) resolution while
// final outputs are produced at full resolution; this package computes the
// per-axis working scale factors, produces the downsampled template copies,
// and caches them for the lifetime of one orchestration run.
package resolution

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"volregister/internal/models"
	"volregister/pkg/chain"
	"volregister/pkg/engine"
)

// DefaultCacheSize bounds the number of working volumes kept per run.
const DefaultCacheSize = 32

// DefaultTolerance is the allowed deviation, in voxels, of a working grid
// size from an integer voxel count before a downsample factor is rejected.
const DefaultTolerance = 0.01

// Loader reads a template volume by path.
type Loader func(path string) (*models.Volume, error)

// UnsupportedDownsampleError reports a factor that does not evenly relate
// the source grid to the working grid within tolerance.
type UnsupportedDownsampleError struct {
	Spec   string
	Axis   int
	Factor float64
}

func (e *UnsupportedDownsampleError) Error() string {
	return fmt.Sprintf("%s: downsample factor %g does not evenly divide axis %d grid",
		e.Spec, e.Factor, e.Axis)
}

// Prepared is the working-resolution material for one registration step.
type Prepared struct {
	// Fixed and Moving are the step's template volumes at working
	// resolution. When no downsampling applies they are the originals.
	Fixed, Moving *models.Volume

	// ScaleFixed and ScaleMoving are the exact per-axis linear factors from
	// working resolution back to each side's full resolution (1 when the
	// working image is the original). The transform composer folds these
	// into full-resolution composed transforms.
	ScaleFixed, ScaleMoving [3]float64
}

// Manager produces and caches working-resolution volumes. The cache is
// scoped to one orchestration run: construct one Manager per run and do not
// share it across runs. Concurrent Prepare calls are safe; each
// (template, factor) working volume is computed at most once.
type Manager struct {
	eng       engine.Engine
	load      Loader
	tolerance float64

	cache *lru.Cache[string, *models.Volume]
	group singleflight.Group
}

// NewManager creates a run-scoped manager with the default grid tolerance.
// The loader reads template volumes by path; MetaImage files are the usual
// source.
func NewManager(eng engine.Engine, load Loader) (*Manager, error) {
	return NewManagerWithTolerance(eng, load, DefaultTolerance)
}

// NewManagerWithTolerance creates a run-scoped manager with an explicit
// integral-grid tolerance in voxels. Non-positive values fall back to the
// default.
func NewManagerWithTolerance(eng engine.Engine, load Loader, tolerance float64) (*Manager, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	cache, err := lru.New[string, *models.Volume](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create working-image cache: %w", err)
	}
	return &Manager{
		eng:       eng,
		load:      load,
		tolerance: tolerance,
		cache:     cache,
	}, nil
}

// Factors computes the per-axis working scale factors for a step. An
// explicit factor on the fixed spec downsamples both sides to
// fixed resolution * factor; otherwise the fixed side stays at its native
// resolution and the moving side is brought onto it, each axis factor being
// the resolution ratio rounded to six decimals.
func Factors(step chain.Step) (fixed, moving [3]float64) {
	f := step.DownsampleFactor
	for a := 0; a < 3; a++ {
		if f > 0 {
			fixed[a] = round6(f)
			moving[a] = round6(step.Fixed.Resolution[a] * f / step.Moving.Resolution[a])
		} else {
			fixed[a] = 1
			moving[a] = round6(step.Fixed.Resolution[a] / step.Moving.Resolution[a])
		}
	}
	return fixed, moving
}

// Prepare loads both templates of a step and returns them at working
// resolution together with the exact scale factors. Factor 1 on an axis
// leaves that side untouched.
func (m *Manager) Prepare(step chain.Step) (*Prepared, error) {
	fixedScale, movingScale := Factors(step)

	if err := checkFactors(step.Fixed.Name, step.Fixed.Size, fixedScale, m.tolerance); err != nil {
		return nil, err
	}
	if err := checkFactors(step.Moving.Name, step.Moving.Size, movingScale, m.tolerance); err != nil {
		return nil, err
	}

	fixed, err := m.workingVolume(step.Fixed.Name, step.Fixed.TemplatePath, fixedScale)
	if err != nil {
		return nil, err
	}
	moving, err := m.workingVolume(step.Moving.Name, step.Moving.TemplatePath, movingScale)
	if err != nil {
		return nil, err
	}

	return &Prepared{
		Fixed:       fixed,
		Moving:      moving,
		ScaleFixed:  fixedScale,
		ScaleMoving: movingScale,
	}, nil
}

// workingVolume returns the template at working resolution, computing and
// caching the downsampled copy at most once per (spec identity, factor)
// key. Concurrent requests for the same key share one computation.
func (m *Manager) workingVolume(name, path string, scale [3]float64) (*models.Volume, error) {
	key := fmt.Sprintf("%s|%.6f,%.6f,%.6f", name, scale[0], scale[1], scale[2])
	if v, ok := m.cache.Get(key); ok {
		return v, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		orig, err := m.original(name, path)
		if err != nil {
			return nil, err
		}
		if identity(scale) {
			return orig, nil
		}
		ds, err := m.downsample(orig, scale)
		if err != nil {
			return nil, fmt.Errorf("downsampling %s: %w", name, err)
		}
		m.cache.Add(key, ds)
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Volume), nil
}

// original loads and caches the full-resolution template.
func (m *Manager) original(name, path string) (*models.Volume, error) {
	key := "orig|" + name
	if v, ok := m.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		vol, err := m.load(path)
		if err != nil {
			return nil, fmt.Errorf("loading template %s: %w", path, err)
		}
		m.cache.Add(key, vol)
		return vol, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Volume), nil
}

// downsample resamples a volume onto a grid coarsened by the per-axis
// factors, with continuous interpolation. Physical coordinates are
// preserved; only the sampling grid changes.
func (m *Manager) downsample(v *models.Volume, scale [3]float64) (*models.Volume, error) {
	var size [3]int
	var res [3]float64
	full := v.Size()
	for a := 0; a < 3; a++ {
		size[a] = int(math.Round(float64(full[a]) / scale[a]))
		if size[a] < 1 {
			size[a] = 1
		}
		res[a] = v.Resolution[a] * scale[a]
	}
	return m.eng.Resample(v, engine.Identity(size, res), engine.Linear)
}

// checkFactors rejects factors that leave a non-integral working grid. The
// tolerance is absolute, in voxels, so the allowed misfit does not grow with
// the grid size.
func checkFactors(name string, size [3]int, scale [3]float64, tolerance float64) error {
	for a := 0; a < 3; a++ {
		if scale[a] <= 0 {
			return &UnsupportedDownsampleError{Spec: name, Axis: a, Factor: scale[a]}
		}
		working := float64(size[a]) / scale[a]
		if working < 1 {
			return &UnsupportedDownsampleError{Spec: name, Axis: a, Factor: scale[a]}
		}
		if math.Abs(working-math.Round(working)) > tolerance {
			return &UnsupportedDownsampleError{Spec: name, Axis: a, Factor: scale[a]}
		}
	}
	return nil
}

func identity(scale [3]float64) bool {
	return scale[0] == 1 && scale[1] == 1 && scale[2] == 1
}

// round6 matches the six-decimal precision the engine's parameter files
// carry, so recorded factors and persisted transforms agree.
func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
