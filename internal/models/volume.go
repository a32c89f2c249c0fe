package models

import (
	"fmt"
	"math"
)

// ElementType is the on-disk voxel type of a volume, using the MetaImage names
type ElementType string

const (
	ElementChar   ElementType = "MET_CHAR"
	ElementUChar  ElementType = "MET_UCHAR"
	ElementShort  ElementType = "MET_SHORT"
	ElementUShort ElementType = "MET_USHORT"
	ElementInt    ElementType = "MET_INT"
	ElementUInt   ElementType = "MET_UINT"
	ElementFloat  ElementType = "MET_FLOAT"
	ElementDouble ElementType = "MET_DOUBLE"
)

// Size returns the number of bytes used to store one voxel of this type,
// or 0 if the type is unknown
func (e ElementType) Size() int {
	switch e {
	case ElementChar, ElementUChar:
		return 1
	case ElementShort, ElementUShort:
		return 2
	case ElementInt, ElementUInt, ElementFloat:
		return 4
	case ElementDouble:
		return 8
	default:
		return 0
	}
}

// Valid reports whether the element type is one we can decode and encode
func (e ElementType) Valid() bool {
	return e.Size() > 0
}

// Modality identifies the imaging type of an input volume
type Modality string

const (
	// CT is computed tomography
	CT Modality = "CT"

	// MRT1 is T1-weighted magnetic resonance
	MRT1 Modality = "MRT1"
)

// VolumeRef identifies a loaded volume by its content hash and location.
// It is created when the manifest is built and never mutated.
type VolumeRef struct {
	Hash     string
	Path     string
	Modality Modality
}

// Volume represents a 3D image held in memory
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order (x fastest)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// ElementType is the voxel type used when the volume is written or hashed
	ElementType ElementType

	// Spacing is the physical size of each voxel in mm along x, y and z
	Spacing [3]float64

	// Origin is the physical position of the first voxel
	Origin [3]float64

	// Direction is the row-major 3x3 direction cosine matrix
	Direction [9]float64
}

// IdentityDirection is the direction matrix of an axis-aligned volume
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NewVolume allocates a zero-filled volume with unit spacing, zero origin
// and identity direction
func NewVolume(width, height, depth int, elementType ElementType) *Volume {
	return &Volume{
		Data:        make([]float64, width*height*depth),
		Width:       width,
		Height:      height,
		Depth:       depth,
		ElementType: elementType,
		Spacing:     [3]float64{1, 1, 1},
		Direction:   IdentityDirection,
	}
}

// NewLike allocates a zero-filled volume with the same size and geometry as v
func (v *Volume) NewLike(elementType ElementType) *Volume {
	out := NewVolume(v.Width, v.Height, v.Depth, elementType)
	out.CopyInformation(v)
	return out
}

// Len returns the number of voxels
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// SameSize reports whether both volumes have identical voxel dimensions
func (v *Volume) SameSize(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// CopyInformation copies spacing, origin and direction from src.
// Sizes must already match.
func (v *Volume) CopyInformation(src *Volume) {
	v.Spacing = src.Spacing
	v.Origin = src.Origin
	v.Direction = src.Direction
}

// SameGeometry reports whether both volumes share size, spacing, origin and
// direction within a small tolerance
func (v *Volume) SameGeometry(o *Volume) bool {
	if !v.SameSize(o) {
		return false
	}
	const tol = 1e-6
	for i := 0; i < 3; i++ {
		if math.Abs(v.Spacing[i]-o.Spacing[i]) > tol || math.Abs(v.Origin[i]-o.Origin[i]) > tol {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(v.Direction[i]-o.Direction[i]) > tol {
			return false
		}
	}
	return true
}

// Validate checks that the data slice matches the declared dimensions
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume size %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume data has %d voxels, expected %d", len(v.Data), v.Len())
	}
	if !v.ElementType.Valid() {
		return fmt.Errorf("unsupported element type %q", v.ElementType)
	}
	return nil
}
