package metaio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// Hash returns the content digest of a decoded volume: sha256 over its size,
// element type and voxel bytes. Geometry metadata is not included, so two
// files holding the same image with different headers hash identically.
func (l *Loader) Hash(vol *models.Volume) (string, error) {
	return HashVolume(vol)
}

// HashVolume computes the content digest used by Loader.Hash
func HashVolume(vol *models.Volume) (string, error) {
	if err := vol.Validate(); err != nil {
		return "", fmt.Errorf("hash volume: %w", err)
	}
	data, err := encodeVoxels(vol)
	if err != nil {
		return "", fmt.Errorf("hash volume: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d %d %d %s\n", vol.Width, vol.Height, vol.Depth, vol.ElementType)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
