package models

import (
	"fmt"
)

// ImageKind describes how the voxel values of a volume are to be
// interpreted, which in turn decides the interpolation used whenever the
// volume is resampled.
type ImageKind int

const (
	// Intensity marks continuous-valued volumes (raw channels, templates).
	// These are resampled with continuous interpolation.
	Intensity ImageKind = iota

	// Label marks discrete-valued volumes (annotations, segmentations).
	// These must be resampled with nearest-neighbour interpolation so that
	// no new label values are invented by blending.
	Label
)

// String returns the kind name used in parameter documents and logs.
func (k ImageKind) String() string {
	switch k {
	case Intensity:
		return "intensity"
	case Label:
		return "label"
	default:
		return fmt.Sprintf("ImageKind(%d)", int(k))
	}
}

// Volume is a 3D voxel grid with a physical resolution per axis.
// Data is stored in row-major order: index = z*W*H + y*W + x.
type Volume struct {
	// Data holds the voxel values as a flat array.
	Data []float64

	// Width, Height, Depth are the grid dimensions in voxels.
	Width, Height, Depth int

	// Resolution is the physical voxel size per axis in micrometres.
	Resolution [3]float64
}

// NewVolume allocates a zero-filled volume with the given grid and
// physical resolution.
func NewVolume(width, height, depth int, resolution [3]float64) *Volume {
	return &Volume{
		Data:       make([]float64, width*height*depth),
		Width:      width,
		Height:     height,
		Depth:      depth,
		Resolution: resolution,
	}
}

// Size returns the grid dimensions as a vector.
func (v *Volume) Size() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Index returns the flat index of voxel (x, y, z). The caller is
// responsible for bounds.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel value at (x, y, z), clamping coordinates to the
// grid so edge voxels extend beyond the boundary.
func (v *Volume) At(x, y, z int) float64 {
	x = clamp(x, 0, v.Width-1)
	y = clamp(y, 0, v.Height-1)
	z = clamp(z, 0, v.Depth-1)
	return v.Data[v.Index(x, y, z)]
}

// Set writes the voxel value at (x, y, z). Out-of-range coordinates are
// ignored.
func (v *Volume) Set(x, y, z int, value float64) {
	if x < 0 || x >= v.Width || y < 0 || y >= v.Height || z < 0 || z >= v.Depth {
		return
	}
	v.Data[v.Index(x, y, z)] = value
}

// SameGrid reports whether two volumes share an identical pixel grid,
// comparing both voxel counts and physical resolution.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth &&
		v.Resolution == o.Resolution
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := &Volume{
		Data:       make([]float64, len(v.Data)),
		Width:      v.Width,
		Height:     v.Height,
		Depth:      v.Depth,
		Resolution: v.Resolution,
	}
	copy(c.Data, v.Data)
	return c
}

// ValueSet returns the distinct voxel values present in the volume.
// Used to verify that label volumes keep their label identities after
// resampling.
func (v *Volume) ValueSet() map[float64]bool {
	set := make(map[float64]bool)
	for _, val := range v.Data {
		set[val] = true
	}
	return set
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
