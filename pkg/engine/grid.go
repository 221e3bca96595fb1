package engine

import (
	"fmt"

	"volregister/internal/models"
)

// GridEngine is the built-in deterministic engine. It does no
// intensity-based optimisation: affine passes align the two volumes'
// physical grids (per-axis extent scaling), and deformable passes carry the
// seeding affine with a zero displacement field on the template's control
// grid. That is enough to drive the whole orchestration pipeline and to
// stand in for an external engine in tests; real intensity alignment comes
// from an implementation such as ElastixEngine.
type GridEngine struct{}

// NewGridEngine returns the built-in grid-alignment engine.
func NewGridEngine() *GridEngine {
	return &GridEngine{}
}

// Register produces a transform mapping the fixed grid onto the moving
// volume. The affine maps each fixed-space physical point proportionally
// into the moving volume's physical extent, so the moving volume exactly
// fills the fixed grid after resampling.
func (e *GridEngine) Register(fixed, moving *models.Volume, template Template, initial *TransformParams) (*TransformParams, error) {
	if fixed == nil || moving == nil {
		return nil, fmt.Errorf("grid engine: nil input volume")
	}

	switch template.Kind {
	case KindAffine, KindScale:
		p := Identity(fixed.Size(), fixed.Resolution)
		p.Kind = template.Kind
		for a := 0; a < 3; a++ {
			fixedExtent := float64(fixed.Size()[a]) * fixed.Resolution[a]
			movingExtent := float64(moving.Size()[a]) * moving.Resolution[a]
			if fixedExtent == 0 {
				return nil, fmt.Errorf("grid engine: fixed volume has zero extent on axis %d", a)
			}
			p.Matrix[a*4+a] = movingExtent / fixedExtent
		}
		p.Invertible = template.Invertible
		p.Log = []string{
			fmt.Sprintf("grid-align %s: fixed %v@%v moving %v@%v",
				template.Name, fixed.Size(), fixed.Resolution, moving.Size(), moving.Resolution),
		}
		return p, nil

	case KindBSpline:
		p := Identity(fixed.Size(), fixed.Resolution)
		if initial != nil {
			p.Matrix = initial.Matrix
		}
		p.Kind = KindBSpline
		p.Invertible = template.Invertible
		grid := controlGrid(fixed, template.GridSpacing)
		p.ControlGrid = grid
		p.Displacements = make([][3]float64, grid[0]*grid[1]*grid[2])
		p.Log = []string{
			fmt.Sprintf("grid-align %s: control grid %v, zero field", template.Name, grid),
		}
		return p, nil

	default:
		return nil, fmt.Errorf("grid engine: unsupported transform kind %s", template.Kind)
	}
}

// Resample produces a copy of img on the transform's output grid.
func (e *GridEngine) Resample(img *models.Volume, params *TransformParams, interp Interpolation) (*models.Volume, error) {
	return resampleVolume(img, params, interp)
}

// controlGrid sizes a deformable control grid over the fixed domain from
// the template's control-point spacing, with at least two nodes per axis.
func controlGrid(fixed *models.Volume, spacing float64) [3]int {
	if spacing <= 0 {
		spacing = 500
	}
	var grid [3]int
	for a := 0; a < 3; a++ {
		extent := float64(fixed.Size()[a]) * fixed.Resolution[a]
		n := int(extent/spacing) + 1
		if n < 2 {
			n = 2
		}
		grid[a] = n
	}
	return grid
}
