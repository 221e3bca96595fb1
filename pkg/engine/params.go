package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Kind is the transform family of a parameter set.
type Kind string

const (
	// KindAffine is a 3D affine transform, stored as a homogeneous matrix.
	// Exactly invertible.
	KindAffine Kind = "affine"

	// KindScale is a pure per-axis scaling, used for the working-resolution
	// downsampling legs. Stored like an affine. Exactly invertible.
	KindScale Kind = "scale"

	// KindBSpline is a deformable transform stored as a displacement field
	// over a coarse control grid. Inversion is approximate, via the
	// engine's own inverse solver.
	KindBSpline Kind = "bspline"
)

// TransformParams is the opaque output of one registration pass: everything
// needed to resample any image from moving space into fixed space. Never
// mutated after creation.
//
// The mapping follows the pull convention: parameters map fixed-space
// physical points to moving-space physical points, and resampling walks the
// fixed grid pulling values from the moving volume.
type TransformParams struct {
	Kind Kind `yaml:"kind"`

	// Matrix is the row-major 4x4 homogeneous matrix for affine and scale
	// kinds, in physical (micrometre) coordinates.
	Matrix [16]float64 `yaml:"matrix,flow"`

	// ControlGrid and Displacements describe a deformable field: one
	// physical-space offset per control node, nodes laid out row-major over
	// the fixed domain.
	ControlGrid   [3]int       `yaml:"control-grid,flow,omitempty"`
	Displacements [][3]float64 `yaml:"displacements,flow,omitempty"`

	// Size and Resolution describe the output (fixed) grid.
	Size       [3]int     `yaml:"size,flow"`
	Resolution [3]float64 `yaml:"resolution,flow"`

	// Invertible records whether Inverse is supported for this parameter
	// set.
	Invertible bool `yaml:"invertible"`

	// Raw carries an external engine's native parameter file verbatim, for
	// engines whose transforms are only meaningful to themselves.
	Raw []byte `yaml:"raw,omitempty"`

	// InverseRaw carries the engine's reverse-direction parameter file,
	// produced by registering the pair with fixed and moving swapped. It is
	// what Inverse returns for Raw-carrying parameter sets.
	InverseRaw []byte `yaml:"inverse-raw,omitempty"`

	// Log is the optimisation trace attached for diagnostics. It has no
	// semantic effect on later steps.
	Log []string `yaml:"log,omitempty"`
}

// Identity returns an identity affine parameter set producing the given
// output grid.
func Identity(size [3]int, resolution [3]float64) *TransformParams {
	p := &TransformParams{
		Kind:       KindAffine,
		Size:       size,
		Resolution: resolution,
		Invertible: true,
	}
	p.Matrix[0], p.Matrix[5], p.Matrix[10], p.Matrix[15] = 1, 1, 1, 1
	return p
}

// Scale returns a pure per-axis scaling parameter set mapping the output
// grid's physical points through the given factors.
func Scale(factors [3]float64, size [3]int, resolution [3]float64) *TransformParams {
	p := &TransformParams{
		Kind:       KindScale,
		Size:       size,
		Resolution: resolution,
		Invertible: true,
	}
	p.Matrix[0] = factors[0]
	p.Matrix[5] = factors[1]
	p.Matrix[10] = factors[2]
	p.Matrix[15] = 1
	return p
}

// matrix returns the affine matrix as a gonum dense matrix.
func (p *TransformParams) matrix() *mat.Dense {
	return mat.NewDense(4, 4, append([]float64(nil), p.Matrix[:]...))
}

// setMatrix stores a gonum dense matrix back into the flat representation.
func (p *TransformParams) setMatrix(m *mat.Dense) {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			p.Matrix[r*4+c] = m.At(r, c)
		}
	}
}

// IsAffine reports whether the parameter set belongs to the affine family
// (affine or scale), i.e. supports exact point mapping and exact inversion.
func (p *TransformParams) IsAffine() bool {
	return p.Kind == KindAffine || p.Kind == KindScale
}

// Apply maps a fixed-space physical point to moving space.
func (p *TransformParams) Apply(pt [3]float64) [3]float64 {
	out := p.applyAffine(pt)
	if p.Kind == KindBSpline {
		d := p.displacementAt(pt)
		out[0] += d[0]
		out[1] += d[1]
		out[2] += d[2]
	}
	return out
}

func (p *TransformParams) applyAffine(pt [3]float64) [3]float64 {
	m := p.Matrix
	return [3]float64{
		m[0]*pt[0] + m[1]*pt[1] + m[2]*pt[2] + m[3],
		m[4]*pt[0] + m[5]*pt[1] + m[6]*pt[2] + m[7],
		m[8]*pt[0] + m[9]*pt[1] + m[10]*pt[2] + m[11],
	}
}

// displacementAt interpolates the control-grid displacement field at a
// fixed-space physical point, trilinearly between control nodes.
func (p *TransformParams) displacementAt(pt [3]float64) [3]float64 {
	if len(p.Displacements) == 0 {
		return [3]float64{}
	}
	gx, gy, gz := p.ControlGrid[0], p.ControlGrid[1], p.ControlGrid[2]
	// Physical extent of the fixed domain covered by the control grid.
	var fpos [3]float64
	ext := [3]float64{
		float64(p.Size[0]) * p.Resolution[0],
		float64(p.Size[1]) * p.Resolution[1],
		float64(p.Size[2]) * p.Resolution[2],
	}
	grid := [3]int{gx, gy, gz}
	for a := 0; a < 3; a++ {
		if grid[a] <= 1 || ext[a] == 0 {
			fpos[a] = 0
			continue
		}
		fpos[a] = pt[a] / ext[a] * float64(grid[a]-1)
		if fpos[a] < 0 {
			fpos[a] = 0
		}
		if fpos[a] > float64(grid[a]-1) {
			fpos[a] = float64(grid[a] - 1)
		}
	}

	node := func(x, y, z int) [3]float64 {
		idx := z*gx*gy + y*gx + x
		if idx < 0 || idx >= len(p.Displacements) {
			return [3]float64{}
		}
		return p.Displacements[idx]
	}

	x0, y0, z0 := int(fpos[0]), int(fpos[1]), int(fpos[2])
	x1, y1, z1 := min(x0+1, gx-1), min(y0+1, gy-1), min(z0+1, gz-1)
	fx, fy, fz := fpos[0]-float64(x0), fpos[1]-float64(y0), fpos[2]-float64(z0)

	var out [3]float64
	for a := 0; a < 3; a++ {
		c00 := node(x0, y0, z0)[a]*(1-fx) + node(x1, y0, z0)[a]*fx
		c10 := node(x0, y1, z0)[a]*(1-fx) + node(x1, y1, z0)[a]*fx
		c01 := node(x0, y0, z1)[a]*(1-fx) + node(x1, y0, z1)[a]*fx
		c11 := node(x0, y1, z1)[a]*(1-fx) + node(x1, y1, z1)[a]*fx
		c0 := c00*(1-fy) + c10*fy
		c1 := c01*(1-fy) + c11*fy
		out[a] = c0*(1-fz) + c1*fz
	}
	return out
}

// Inverse returns the algebraic inverse of the parameter set, producing the
// given output grid. Affine-family inverses are exact (gonum matrix
// inversion); deformable inverses are the engine's approximation, obtained
// by negating the displacement field. Fails if the set is declared
// non-invertible.
func (p *TransformParams) Inverse(size [3]int, resolution [3]float64) (*TransformParams, error) {
	if !p.Invertible {
		return nil, fmt.Errorf("transform kind %s is not invertible", p.Kind)
	}
	if len(p.Raw) > 0 {
		// External-engine transforms invert via the reverse-direction
		// registration, not algebraically.
		if len(p.InverseRaw) == 0 {
			return nil, fmt.Errorf("transform carries no reverse-direction parameter file")
		}
		return &TransformParams{
			Kind:       p.Kind,
			Size:       size,
			Resolution: resolution,
			Invertible: true,
			Raw:        p.InverseRaw,
			InverseRaw: p.Raw,
		}, nil
	}
	inv := &TransformParams{
		Kind:       p.Kind,
		Size:       size,
		Resolution: resolution,
		Invertible: true,
	}
	var m mat.Dense
	if err := m.Inverse(p.matrix()); err != nil {
		return nil, fmt.Errorf("inverting %s matrix: %w", p.Kind, err)
	}
	inv.setMatrix(&m)
	if p.Kind == KindBSpline {
		inv.ControlGrid = p.ControlGrid
		inv.Displacements = make([][3]float64, len(p.Displacements))
		for i, d := range p.Displacements {
			inv.Displacements[i] = [3]float64{-d[0], -d[1], -d[2]}
		}
	}
	return inv, nil
}
