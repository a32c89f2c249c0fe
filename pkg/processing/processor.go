// Package processing turns one manifest row into a label volume on disk and a
// result record.
package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/manifest"
)

// VolumeWriter persists a volume
type VolumeWriter interface {
	Write(path string, vol *models.Volume) error
}

// PreviewWriter renders a quick-look image of a label volume
type PreviewWriter interface {
	SavePreview(vol *models.Volume, path string) error
}

// Processor runs one case at a time. It holds no per-case state, so a single
// Processor may serve many goroutines.
type Processor struct {
	loader     manifest.VolumeLoader
	writer     VolumeWriter
	predictor  Predictor
	outputDir  string
	namer      OutputNamer
	previews   PreviewWriter
	previewDir string
	logger     *zap.Logger
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithOutputNamer sets the strategy naming output files
func WithOutputNamer(namer OutputNamer) ProcessorOption {
	return func(p *Processor) {
		if namer != nil {
			p.namer = namer
		}
	}
}

// WithPreviews writes a preview of every label volume into dir
func WithPreviews(writer PreviewWriter, dir string) ProcessorOption {
	return func(p *Processor) {
		p.previews = writer
		p.previewDir = dir
	}
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a processor writing label volumes into outputDir
func NewProcessor(loader manifest.VolumeLoader, writer VolumeWriter, predictor Predictor, outputDir string, opts ...ProcessorOption) *Processor {
	p := &Processor{
		loader:    loader,
		writer:    writer,
		predictor: predictor,
		outputDir: outputDir,
		namer:     InfixNamer("_CT", "_seg"),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process segments one case. It always returns a result record; when the
// case fails the record carries the error message and the typed error
// (*manifest.LoadError, *IntegrityError, *PluginError) is returned as well.
func (p *Processor) Process(ctx context.Context, rec manifest.CaseRecord) (*PredictionResult, error) {
	result := newResult(rec)
	name := filepath.Base(rec.PathCT)
	logger := p.logger.With(zap.String("case", name))

	// Reload both images and check they are the ones the manifest describes
	ct, err := p.loadVerified(rec.CT())
	if err != nil {
		return result.fail(err), err
	}
	mrt1, err := p.loadVerified(rec.MRT1())
	if err != nil {
		return result.fail(err), err
	}
	if err := ctx.Err(); err != nil {
		return result.fail(err), err
	}

	label, err := p.predict(ctx, name, ct, mrt1)
	if err != nil {
		return result.fail(err), err
	}
	// A predictor that ignored cancellation must not publish a late result
	if err := ctx.Err(); err != nil {
		return result.fail(err), err
	}

	// Write resulting segmentation to the output location
	outName := p.namer(name)
	if outName == "" || outName == "." || strings.ContainsRune(outName, filepath.Separator) {
		err := fmt.Errorf("invalid output name %q for %s", outName, name)
		return result.fail(err), err
	}
	if err := os.MkdirAll(p.outputDir, 0755); err != nil {
		err = fmt.Errorf("failed to create output directory: %w", err)
		return result.fail(err), err
	}
	outPath := filepath.Join(p.outputDir, outName)
	if err := p.writer.Write(outPath, label); err != nil {
		err = fmt.Errorf("failed to write segmentation %s: %w", outName, err)
		return result.fail(err), err
	}

	if p.previews != nil {
		previewPath := filepath.Join(p.previewDir, strings.TrimSuffix(outName, volumeExt(outName))+".jpg")
		if err := os.MkdirAll(p.previewDir, 0755); err != nil {
			logger.Warn("Failed to create preview directory", zap.Error(err))
		} else if err := p.previews.SavePreview(label, previewPath); err != nil {
			logger.Warn("Failed to save preview", zap.Error(err))
		}
	}

	logSummary(logger, name, Summarize(ct, label))
	logger.Info("Case processed", zap.String("output", outPath))

	result.Outputs = []Artifact{{Type: TypeOutputImage, Filename: outName}}
	result.OutputPath = outPath
	return result, nil
}

// loadVerified loads a volume and checks its content against the manifest hash
func (p *Processor) loadVerified(ref models.VolumeRef) (*models.Volume, error) {
	vol, err := p.loader.Load(ref.Path)
	if err != nil {
		return nil, &manifest.LoadError{Path: ref.Path, Loader: p.loader.String(), Err: err}
	}
	hash, err := p.loader.Hash(vol)
	if err != nil {
		return nil, &manifest.LoadError{Path: ref.Path, Loader: p.loader.String(), Err: err}
	}
	if hash != ref.Hash {
		return nil, &IntegrityError{Modality: ref.Modality, Path: ref.Path, Expected: ref.Hash, Actual: hash}
	}
	return vol, nil
}

// predict runs the predictor and gives its output the CT's geometry
func (p *Processor) predict(ctx context.Context, name string, ct, mrt1 *models.Volume) (label *models.Volume, err error) {
	defer func() {
		if r := recover(); r != nil {
			label, err = nil, &PluginError{Case: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	label, err = p.predictor.Predict(ctx, ct, mrt1)
	if err != nil {
		return nil, &PluginError{Case: name, Err: err}
	}
	if label == nil {
		return nil, &PluginError{Case: name, Err: errors.New("predictor returned no volume")}
	}
	if !label.SameSize(ct) {
		return nil, &PluginError{Case: name, Err: fmt.Errorf("label volume is %dx%dx%d, CT is %dx%dx%d",
			label.Width, label.Height, label.Depth, ct.Width, ct.Height, ct.Depth)}
	}
	if err := label.Validate(); err != nil {
		return nil, &PluginError{Case: name, Err: err}
	}
	label.CopyInformation(ct)
	return label, nil
}
