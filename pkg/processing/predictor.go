package processing

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// Predictor segments one case. It receives the CT and MR-T1 volumes of the
// same study and returns a label volume with the CT's voxel grid.
type Predictor interface {
	Predict(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error)
}

// PredictorFunc adapts a plain function to the Predictor interface
type PredictorFunc func(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error)

// Predict calls f(ctx, ct, mrt1)
func (f PredictorFunc) Predict(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
	return f(ctx, ct, mrt1)
}

// OutputNamer derives the output filename from the CT input filename
type OutputNamer func(ctFilename string) string

// InfixNamer replaces the first occurrence of from with to. If from does not
// occur, to is inserted before the extension, so the output name always
// differs from the input name.
func InfixNamer(from, to string) OutputNamer {
	return func(name string) string {
		if from != "" && strings.Contains(name, from) {
			return strings.Replace(name, from, to, 1)
		}
		ext := volumeExt(name)
		return strings.TrimSuffix(name, ext) + to + ext
	}
}

// volumeExt returns the extension, keeping compound ones such as .nii.gz whole
func volumeExt(name string) string {
	ext := filepath.Ext(name)
	if ext == ".gz" {
		inner := filepath.Ext(strings.TrimSuffix(name, ext))
		return inner + ext
	}
	return ext
}
