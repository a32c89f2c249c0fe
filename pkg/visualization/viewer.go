// Package visualization renders 2D slices of volumes as grayscale images,
// used for quick-look previews of segmentation output.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// Viewer extracts slices and regions from a volume. Intensities are
// stretched linearly from the volume's [min, max] to the full gray range.
type Viewer struct {
	vol *models.Volume

	// intensity window used for display
	lo, hi float64
}

// NewViewer creates a viewer over vol
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	if len(vol.Data) > 0 {
		v.lo = floats.Min(vol.Data)
		v.hi = floats.Max(vol.Data)
	}
	return v
}

// gray maps a voxel value into the display range
func (v *Viewer) gray(value float64) uint16 {
	if v.hi <= v.lo {
		if value > 0 {
			return 65535
		}
		return 0
	}
	norm := (value - v.lo) / (v.hi - v.lo)
	return uint16(math.Max(0, math.Min(65535, norm*65535)))
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.vol.Width, v.vol.Height, v.vol.Depth

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, color.Gray16{Y: v.gray(v.vol.At(position, y, z))})
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, z, color.Gray16{Y: v.gray(v.vol.At(x, position, z))})
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, color.Gray16{Y: v.gray(v.vol.At(x, y, position))})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion extracts a 3D subregion as a new volume. The region keeps the
// source spacing and direction; its origin is moved to the region's first voxel.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > v.vol.Width || startY+sizeY > v.vol.Height || startZ+sizeZ > v.vol.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolume(sizeX, sizeY, sizeZ, v.vol.ElementType)
	region.CopyInformation(v.vol)
	start := [3]float64{float64(startX), float64(startY), float64(startZ)}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			region.Origin[r] += v.vol.Direction[r*3+c] * start[c] * v.vol.Spacing[c]
		}
	}

	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				region.Set(x, y, z, v.vol.At(startX+x, startY+y, startZ+z))
			}
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// axisLength returns the number of slices along axis
func (v *Viewer) axisLength(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.vol.Width, nil
	case "y", "Y":
		return v.vol.Height, nil
	case "z", "Z":
		return v.vol.Depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	maxPos, err := v.axisLength(axis)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// Previewer renders quick-look JPEGs of label volumes
type Previewer struct {
	// Axis is the slicing axis: x, y or z
	Axis string

	// AllSlices writes every slice into a directory named after the preview
	// file instead of only the middle slice
	AllSlices bool

	// CropToLabel restricts the preview to the bounding box of non-zero voxels
	CropToLabel bool
}

// NewPreviewer creates a previewer slicing along axis, z when empty
func NewPreviewer(axis string) *Previewer {
	if axis == "" {
		axis = "z"
	}
	return &Previewer{Axis: axis}
}

// SavePreview writes the middle slice of vol to path, or every slice into
// path without its extension when AllSlices is set
func (p *Previewer) SavePreview(vol *models.Volume, path string) error {
	viewer := NewViewer(vol)
	if p.CropToLabel {
		if start, size, ok := foregroundBounds(vol); ok {
			region, err := viewer.ExtractRegion(start[0], start[1], start[2], size[0], size[1], size[2])
			if err != nil {
				return err
			}
			viewer = NewViewer(region)
		}
	}

	if p.AllSlices {
		return viewer.SaveSliceSequence(p.Axis, strings.TrimSuffix(path, filepath.Ext(path)))
	}
	n, err := viewer.axisLength(p.Axis)
	if err != nil {
		return err
	}
	img, err := viewer.ExtractSlice(p.Axis, n/2)
	if err != nil {
		return err
	}
	return viewer.SaveSlice(img, path)
}

// foregroundBounds returns the start and size of the smallest box holding
// every non-zero voxel. ok is false for an empty label.
func foregroundBounds(vol *models.Volume) (start, size [3]int, ok bool) {
	lo := [3]int{vol.Width, vol.Height, vol.Depth}
	hi := [3]int{-1, -1, -1}
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				if vol.At(x, y, z) == 0 {
					continue
				}
				for i, c := range [3]int{x, y, z} {
					lo[i] = min(lo[i], c)
					hi[i] = max(hi[i], c)
				}
			}
		}
	}
	if hi[0] < 0 {
		return start, size, false
	}
	for i := range start {
		start[i] = lo[i]
		size[i] = hi[i] - lo[i] + 1
	}
	return start, size, true
}
