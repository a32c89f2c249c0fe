package processing

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
)

// CaseSummary holds simple statistics of a processed case, logged for
// sanity-checking predictor output
type CaseSummary struct {
	CTMean, CTStdDev float64
	CTMin, CTMax     float64

	// LabelCounts maps each label value to its voxel count
	LabelCounts map[int]int

	// Foreground is the number of non-zero label voxels
	Foreground int

	// ForegroundFraction is Foreground relative to the volume size
	ForegroundFraction float64
}

// Summarize computes the statistics of a CT volume and its label volume
func Summarize(ct, label *models.Volume) CaseSummary {
	s := CaseSummary{LabelCounts: make(map[int]int)}
	if len(ct.Data) > 0 {
		s.CTMean, s.CTStdDev = stat.MeanStdDev(ct.Data, nil)
		s.CTMin = floats.Min(ct.Data)
		s.CTMax = floats.Max(ct.Data)
	}
	for _, v := range label.Data {
		l := int(v)
		s.LabelCounts[l]++
		if l != 0 {
			s.Foreground++
		}
	}
	if n := len(label.Data); n > 0 {
		s.ForegroundFraction = float64(s.Foreground) / float64(n)
	}
	return s
}

// Labels returns the distinct label values in ascending order
func (s CaseSummary) Labels() []int {
	labels := make([]int, 0, len(s.LabelCounts))
	for l := range s.LabelCounts {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	return labels
}

// MarshalLogObject lets the summary be logged with zap.Object
func (s CaseSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddFloat64("ct_mean", s.CTMean)
	enc.AddFloat64("ct_stddev", s.CTStdDev)
	enc.AddFloat64("ct_min", s.CTMin)
	enc.AddFloat64("ct_max", s.CTMax)
	enc.AddInt("foreground", s.Foreground)
	enc.AddFloat64("foreground_fraction", s.ForegroundFraction)
	return enc.AddArray("labels", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
		for _, l := range s.Labels() {
			arr.AppendInt(l)
		}
		return nil
	}))
}

var _ zapcore.ObjectMarshaler = CaseSummary{}

func logSummary(logger *zap.Logger, name string, s CaseSummary) {
	logger.Debug("Case summary", zap.String("case", name), zap.Object("summary", s))
}
