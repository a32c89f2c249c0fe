// Package runner drives a full inference run: manifest discovery, validation,
// bounded parallel case processing and the results file.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/manifest"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/processing"
)

// Params holds the run parameters
type Params struct {
	// InputDir is scanned for cases when Manifest is nil
	InputDir string

	// Manifest, when set, is used instead of building one from InputDir
	Manifest *manifest.Manifest

	// ResultsFile receives the JSON array of result records; empty disables it
	ResultsFile string

	// NumWorkers bounds how many cases are in flight at once
	NumWorkers int

	// CaseTimeout bounds the time spent on one case; zero disables it
	CaseTimeout time.Duration

	// AbortOnPredictorError cancels the run at the first predictor failure
	AbortOnPredictorError bool
}

// Report summarizes a finished run
type Report struct {
	RunID    string
	Results  []*processing.PredictionResult
	Failed   int
	Duration time.Duration
}

// CaseProcessor processes a single manifest row
type CaseProcessor interface {
	Process(ctx context.Context, rec manifest.CaseRecord) (*processing.PredictionResult, error)
}

// Runner ties the pipeline stages together
type Runner struct {
	params     Params
	builder    *manifest.Builder
	validators []manifest.Validator
	processor  CaseProcessor
	logger     *zap.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithValidators replaces the default manifest validators
func WithValidators(validators ...manifest.Validator) Option {
	return func(r *Runner) {
		r.validators = validators
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a runner. builder may be nil when params.Manifest is set.
func New(params Params, builder *manifest.Builder, processor CaseProcessor, opts ...Option) *Runner {
	if params.NumWorkers < 1 {
		params.NumWorkers = 1
	}
	r := &Runner{
		params:     params,
		builder:    builder,
		validators: manifest.DefaultValidators(),
		processor:  processor,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the pipeline. Manifest problems abort before any case is
// processed. Case failures are recorded in their result records and do not
// stop sibling cases, unless AbortOnPredictorError is set and a predictor fails.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	logger := r.logger.With(zap.String("run_id", report.RunID))

	// Step 1: Discover cases
	m := r.params.Manifest
	if m == nil {
		if r.builder == nil {
			return nil, fmt.Errorf("no manifest and no builder configured")
		}
		logger.Info("Loading cases", zap.String("input", r.params.InputDir))
		var err error
		m, err = r.builder.Build(ctx, r.params.InputDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load cases: %w", err)
		}
	}

	// Step 2: Validate the whole manifest before touching any case
	if err := manifest.ValidateAll(m, r.validators...); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	cases, err := m.Rows()
	if err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	logger.Info("Cases validated", zap.Int("cases", len(cases)))

	// Step 3: Process cases in parallel
	report.Results = make([]*processing.PredictionResult, len(cases))
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.params.NumWorkers)
	for i, rec := range cases {
		i, rec := i, rec
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result, err := r.processCase(gctx, rec)
			report.Results[i] = result
			if err == nil {
				return nil
			}
			failed.Add(1)

			var pluginErr *processing.PluginError
			if r.params.AbortOnPredictorError && errors.As(err, &pluginErr) {
				return err
			}
			logger.Error("Case failed", zap.Int("index", i), zap.String("ct", rec.PathCT), zap.Error(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report.Failed = int(failed.Load())

	// Step 4: Write the results file
	if r.params.ResultsFile != "" {
		if err := writeResults(r.params.ResultsFile, report.Results); err != nil {
			return nil, err
		}
	}

	report.Duration = time.Since(start)
	logger.Info("Run finished",
		zap.Int("cases", len(cases)),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (r *Runner) processCase(ctx context.Context, rec manifest.CaseRecord) (*processing.PredictionResult, error) {
	if r.params.CaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.params.CaseTimeout)
		defer cancel()
	}
	return r.processor.Process(ctx, rec)
}

// writeResults stores the result records as a JSON array
func writeResults(path string, results []*processing.PredictionResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating results directory: %w", err)
	}
	data, err := json.MarshalIndent(results, "", "    ")
	if err != nil {
		return fmt.Errorf("error marshaling results: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing results file: %w", err)
	}
	return nil
}
