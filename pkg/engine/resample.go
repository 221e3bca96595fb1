package engine

import (
	"fmt"
	"math"

	"volregister/internal/models"
)

// resampleVolume produces a copy of img on the parameter set's output grid.
// For every voxel of the output (fixed) grid, the voxel centre is mapped
// through the transform into moving-space physical coordinates and the
// value is pulled from img with the requested interpolation.
func resampleVolume(img *models.Volume, params *TransformParams, interp Interpolation) (*models.Volume, error) {
	if params.Size[0] <= 0 || params.Size[1] <= 0 || params.Size[2] <= 0 {
		return nil, fmt.Errorf("transform has no output grid")
	}
	out := models.NewVolume(params.Size[0], params.Size[1], params.Size[2], params.Resolution)

	for z := 0; z < out.Depth; z++ {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				// Voxel centre in fixed physical space.
				fixed := [3]float64{
					(float64(x) + 0.5) * params.Resolution[0],
					(float64(y) + 0.5) * params.Resolution[1],
					(float64(z) + 0.5) * params.Resolution[2],
				}
				moving := params.Apply(fixed)

				// Back to continuous voxel coordinates on the moving grid.
				mx := moving[0]/img.Resolution[0] - 0.5
				my := moving[1]/img.Resolution[1] - 0.5
				mz := moving[2]/img.Resolution[2] - 0.5

				var v float64
				if interp == Nearest {
					v = img.At(int(math.Round(mx)), int(math.Round(my)), int(math.Round(mz)))
				} else {
					v = trilinear(img, mx, my, mz)
				}
				out.Data[out.Index(x, y, z)] = v
			}
		}
	}
	return out, nil
}

// trilinear interpolates img at continuous voxel coordinates, clamping at
// the grid boundary.
func trilinear(img *models.Volume, x, y, z float64) float64 {
	x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)

	c000 := img.At(x0, y0, z0)
	c100 := img.At(x0+1, y0, z0)
	c010 := img.At(x0, y0+1, z0)
	c110 := img.At(x0+1, y0+1, z0)
	c001 := img.At(x0, y0, z0+1)
	c101 := img.At(x0+1, y0, z0+1)
	c011 := img.At(x0, y0+1, z0+1)
	c111 := img.At(x0+1, y0+1, z0+1)

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz
}
