package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/internal/models"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/manifest"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/metaio"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/processing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeVolume writes a small volume whose content is determined by seed
func writeVolume(t *testing.T, path string, seed int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	vol := models.NewVolume(3, 3, 3, models.ElementShort)
	for i := range vol.Data {
		vol.Data[i] = float64(seed*1000 + i*10)
	}
	vol.Spacing = [3]float64{1, 1, 2}
	require.NoError(t, metaio.NewWriter(true).Write(path, vol))
}

// createInput writes ct/<name>.mha and t1-mri/<name>.mha for every name
func createInput(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for i, name := range names {
		writeVolume(t, filepath.Join(root, "ct", name+".mha"), 2*i)
		writeVolume(t, filepath.Join(root, "t1-mri", name+".mha"), 2*i+1)
	}
	return root
}

var zeroPredictor = processing.PredictorFunc(func(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
	return ct.NewLike(models.ElementUChar), nil
})

type fixture struct {
	root        string
	outputDir   string
	resultsFile string
}

func newFixture(t *testing.T, names ...string) fixture {
	root := createInput(t, names...)
	return fixture{
		root:        root,
		outputDir:   filepath.Join(root, "output", "images"),
		resultsFile: filepath.Join(root, "output", "results.json"),
	}
}

func (f fixture) runner(predictor processing.Predictor, params Params) *Runner {
	loader := metaio.NewLoader()
	params.InputDir = f.root
	params.ResultsFile = f.resultsFile
	processor := processing.NewProcessor(loader, metaio.NewWriter(true), predictor, f.outputDir)
	return New(params, manifest.NewBuilder(loader), processor)
}

func readResults(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var results []map[string]any
	require.NoError(t, json.Unmarshal(data, &results))
	return results
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t, "a", "b")

	report, err := f.runner(zeroPredictor, Params{NumWorkers: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Results, 2)

	for _, name := range []string{"a_seg.mha", "b_seg.mha"} {
		label, err := metaio.NewLoader().Load(filepath.Join(f.outputDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, make([]float64, 27), label.Data)
		assert.Equal(t, [3]float64{1, 1, 2}, label.Spacing)
	}

	results := readResults(t, f.resultsFile)
	require.Len(t, results, 2)
	for i, name := range []string{"a", "b"} {
		assert.Equal(t, []any{}, results[i]["error_messages"])
		assert.Equal(t, []any{map[string]any{"type": "metaio_image", "filename": name + "_seg.mha"}}, results[i]["outputs"])
		assert.Len(t, results[i]["inputs"], 2)
	}
}

func TestRunIsolatesModifiedCase(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	loader := metaio.NewLoader()

	m, err := manifest.NewBuilder(loader).Build(context.Background(), f.root)
	require.NoError(t, err)

	// Replace b's CT between manifest build and processing
	writeVolume(t, filepath.Join(f.root, "ct", "b.mha"), 9)

	report, err := f.runner(zeroPredictor, Params{Manifest: m, NumWorkers: 3}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	assert.Empty(t, report.Results[0].ErrorMessages)
	assert.NotEmpty(t, report.Results[1].ErrorMessages)
	assert.Empty(t, report.Results[1].Outputs)
	assert.Empty(t, report.Results[2].ErrorMessages)

	assert.FileExists(t, filepath.Join(f.outputDir, "a_seg.mha"))
	assert.NoFileExists(t, filepath.Join(f.outputDir, "b_seg.mha"))
	assert.FileExists(t, filepath.Join(f.outputDir, "c_seg.mha"))
	assert.Len(t, readResults(t, f.resultsFile), 3)
}

func TestRunAbortsOnInvalidManifest(t *testing.T) {
	f := newFixture(t, "a", "b")
	// The same scan submitted for two cases
	writeVolume(t, filepath.Join(f.root, "t1-mri", "b.mha"), 0)

	var calls atomic.Int32
	predictor := processing.PredictorFunc(func(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
		calls.Add(1)
		return zeroPredictor(ctx, ct, mrt1)
	})

	_, err := f.runner(predictor, Params{}).Run(context.Background())
	var verr *manifest.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Zero(t, calls.Load())
	assert.NoFileExists(t, f.resultsFile)
	assert.NoDirExists(t, f.outputDir)
}

func TestRunSurfacesSchemaErrors(t *testing.T) {
	m := manifest.FromColumns(map[string][]string{
		manifest.ColumnHashCT: {"h1"},
		manifest.ColumnPathCT: {"/in/ct/a.mha"},
	})
	r := New(Params{Manifest: m}, nil, nil)
	_, err := r.Run(context.Background())
	var schemaErr *manifest.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, manifest.ColumnHashMRT1, schemaErr.Column)
}

func TestRunPredictorFailures(t *testing.T) {
	failing := processing.PredictorFunc(func(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
		if ct.Data[0] == 0 {
			return nil, errors.New("model crashed")
		}
		return zeroPredictor(ctx, ct, mrt1)
	})

	t.Run("Recorded", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		report, err := f.runner(failing, Params{NumWorkers: 2}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		require.Len(t, report.Results[0].ErrorMessages, 1)
		assert.Contains(t, report.Results[0].ErrorMessages[0], "model crashed")
		assert.Empty(t, report.Results[1].ErrorMessages)
	})

	t.Run("Aborts", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		_, err := f.runner(failing, Params{NumWorkers: 1, AbortOnPredictorError: true}).Run(context.Background())
		var pluginErr *processing.PluginError
		require.True(t, errors.As(err, &pluginErr), "expected plugin error, got %v", err)
		assert.NoFileExists(t, f.resultsFile)
	})
}

func TestRunCaseTimeout(t *testing.T) {
	f := newFixture(t, "a")
	blocking := processing.PredictorFunc(func(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	report, err := f.runner(blocking, Params{CaseTimeout: 20 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Results[0].ErrorMessages[0], context.DeadlineExceeded.Error())
}

func TestRunDiscardsLateOutput(t *testing.T) {
	f := newFixture(t, "a")
	// Ignores cancellation and finishes after the case deadline
	stubborn := processing.PredictorFunc(func(ctx context.Context, ct, mrt1 *models.Volume) (*models.Volume, error) {
		time.Sleep(60 * time.Millisecond)
		return zeroPredictor(context.Background(), ct, mrt1)
	})

	report, err := f.runner(stubborn, Params{CaseTimeout: 10 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, report.Results[0].Outputs)
	assert.NoDirExists(t, f.outputDir)
}

// countingProcessor records the highest number of concurrent Process calls
type countingProcessor struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingProcessor) Process(ctx context.Context, rec manifest.CaseRecord) (*processing.PredictionResult, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return &processing.PredictionResult{Outputs: []processing.Artifact{}, Inputs: []processing.Artifact{}, ErrorMessages: []string{}}, nil
}

func TestRunBoundsConcurrency(t *testing.T) {
	m := manifest.New()
	for i := 0; i < 12; i++ {
		m.Append(manifest.CaseRecord{
			HashCT:   "ct" + string(rune('a'+i)),
			PathCT:   "ct",
			HashMRT1: "mr" + string(rune('a'+i)),
			PathMRT1: "mr",
		})
	}
	proc := &countingProcessor{}

	report, err := New(Params{Manifest: m, NumWorkers: 3}, nil, proc).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Results, 12)
	assert.LessOrEqual(t, proc.peak.Load(), int32(3))
	assert.GreaterOrEqual(t, proc.peak.Load(), int32(1))
}
