// Package predictors holds placeholder segmentation algorithms used to
// exercise the container end to end. Real algorithms implement
// processing.Predictor the same way.
package predictors

import (
	"context"
	"fmt"
	"math"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/config"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/processing"
)

// New returns the predictor selected by cfg.Name
func New(cfg *config.Config) (processing.Predictor, error) {
	p := cfg.Predictor
	switch p.Name {
	case "threshold":
		return &Threshold{
			Lower:   p.LowerThreshold,
			Upper:   p.UpperThreshold,
			Inside:  p.InsideValue,
			Outside: p.OutsideValue,
		}, nil
	case "empty":
		return Empty{}, nil
	case "cuboid":
		if p.CuboidFraction <= 0 || p.CuboidFraction > 1 {
			return nil, fmt.Errorf("cuboid fraction must be in (0, 1], got %v", p.CuboidFraction)
		}
		return &Cuboid{Fraction: p.CuboidFraction, Label: p.Label}, nil
	default:
		return nil, fmt.Errorf("unknown predictor %q", p.Name)
	}
}

// Threshold labels CT voxels whose intensity lies in [Lower, Upper]
type Threshold struct {
	Lower, Upper    float64
	Inside, Outside float64
}

func (t *Threshold) Predict(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
	if t.Lower > t.Upper {
		return nil, fmt.Errorf("lower threshold %v exceeds upper threshold %v", t.Lower, t.Upper)
	}
	label := ct.NewLike(models.ElementUChar)
	sliceLen := ct.Width * ct.Height
	for z := 0; z < ct.Depth; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := z * sliceLen; i < (z+1)*sliceLen; i++ {
			if v := ct.Data[i]; v >= t.Lower && v <= t.Upper {
				label.Data[i] = t.Inside
			} else {
				label.Data[i] = t.Outside
			}
		}
	}
	return label, nil
}

// Empty returns an all-background label volume
type Empty struct{}

func (Empty) Predict(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
	return ct.NewLike(models.ElementUChar), ctx.Err()
}

// Cuboid labels a centred box covering Fraction of each axis
type Cuboid struct {
	Fraction float64
	Label    float64
}

func (c *Cuboid) Predict(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
	label := ct.NewLike(models.ElementUChar)
	x0, x1 := centred(ct.Width, c.Fraction)
	y0, y1 := centred(ct.Height, c.Fraction)
	z0, z1 := centred(ct.Depth, c.Fraction)
	for z := z0; z < z1; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				label.Set(x, y, z, c.Label)
			}
		}
	}
	return label, nil
}

// centred returns the half-open range covering fraction of n, centred,
// never empty
func centred(n int, fraction float64) (int, int) {
	size := int(math.Round(float64(n) * fraction))
	if size < 1 {
		size = 1
	}
	if size > n {
		size = n
	}
	start := (n - size) / 2
	return start, start + size
}
