package main

import (
	"fmt"
	"os"
	"regexp"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/config"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/manifest"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/metaio"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/predictors"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/processing"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/runner"
	"github.com/gasperpodobnik/HanSeg2023Algorithm/pkg/visualization"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Segment every case and write label volumes and results.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyOverrides(cmd)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		predictor, err := predictors.New(cfg)
		if err != nil {
			return err
		}

		loader := metaio.NewLoader()
		builder, err := newBuilder(loader)
		if err != nil {
			return err
		}

		procOpts := []processing.ProcessorOption{
			processing.WithOutputNamer(processing.InfixNamer(cfg.Output.InfixFrom, cfg.Output.InfixTo)),
			processing.WithProcessorLogger(logger),
		}
		if cfg.Output.SavePreviews {
			previewer := visualization.NewPreviewer(cfg.Output.PreviewAxis)
			previewer.AllSlices = cfg.Output.PreviewAllSlices
			previewer.CropToLabel = cfg.Output.PreviewCrop
			procOpts = append(procOpts, processing.WithPreviews(previewer, cfg.Output.PreviewDir))
		}
		processor := processing.NewProcessor(loader, metaio.NewWriter(cfg.Output.Compress), predictor, cfg.Output.Path, procOpts...)

		params := runner.Params{
			InputDir:              cfg.Input.Path,
			ResultsFile:           cfg.Output.ResultsFile,
			NumWorkers:            cfg.Processing.NumWorkers,
			CaseTimeout:           cfg.Processing.CaseTimeout,
			AbortOnPredictorError: cfg.Processing.AbortOnPredictorError,
		}
		if cfg.Input.Manifest != "" {
			m, err := readManifest(cfg.Input.Manifest)
			if err != nil {
				return err
			}
			params.Manifest = m
		}

		report, err := runner.New(params, builder, processor, runner.WithLogger(logger)).Run(cmd.Context())
		if err != nil {
			logger.Error("Run failed", zap.Error(err))
			return err
		}

		fmt.Printf("Processed %d cases (%d failed) in %.2f seconds\n",
			len(report.Results), report.Failed, report.Duration.Seconds())
		fmt.Printf("Label volumes saved to: %s\n", cfg.Output.Path)
		if cfg.Output.ResultsFile != "" {
			fmt.Printf("Results written to: %s\n", cfg.Output.ResultsFile)
		}
		return nil
	},
}

var manifestOut string

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Build and validate the case manifest without running the predictor",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyOverrides(cmd)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		builder, err := newBuilder(metaio.NewLoader())
		if err != nil {
			return err
		}
		m, err := builder.Build(cmd.Context(), cfg.Input.Path)
		if err != nil {
			return err
		}
		if err := manifest.ValidateAll(m, manifest.DefaultValidators()...); err != nil {
			return err
		}

		out := os.Stdout
		if manifestOut != "" && manifestOut != "-" {
			f, err := os.Create(manifestOut)
			if err != nil {
				return fmt.Errorf("error creating manifest file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if err := m.WriteTSV(out); err != nil {
			return fmt.Errorf("error writing manifest: %w", err)
		}
		logger.Info("Manifest built", zap.Int("cases", m.Len()))
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a configuration file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to: %s\n", configPath)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, manifestCmd} {
		cmd.Flags().String("input", "", "Folder containing the ct and t1-mri subdirectories")
		cmd.Flags().String("filter", "", "Regular expression both paths of a pair must match")
		cmd.Flags().Bool("truncate-unpaired", false, "Drop volumes without a partner instead of failing")
	}
	runCmd.Flags().String("output", "", "Folder receiving the label volumes")
	runCmd.Flags().String("results", "", "Path of the results.json file")
	runCmd.Flags().String("manifest", "", "Process a previously built TSV manifest instead of scanning the input")
	runCmd.Flags().String("predictor", "", "Predictor to run: threshold, empty or cuboid")
	runCmd.Flags().Int("workers", 0, "Number of cases processed concurrently")
	manifestCmd.Flags().StringVarP(&manifestOut, "out", "o", "-", "Where to write the TSV manifest")
}

// applyOverrides copies explicitly set flags over the loaded configuration
func applyOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Input.Path, _ = flags.GetString("input")
	}
	if flags.Changed("filter") {
		cfg.Input.FileFilter, _ = flags.GetString("filter")
	}
	if flags.Changed("truncate-unpaired") {
		cfg.Input.TruncateUnpaired, _ = flags.GetBool("truncate-unpaired")
	}
	if flags.Changed("output") {
		cfg.Output.Path, _ = flags.GetString("output")
	}
	if flags.Changed("results") {
		cfg.Output.ResultsFile, _ = flags.GetString("results")
	}
	if flags.Changed("manifest") {
		cfg.Input.Manifest, _ = flags.GetString("manifest")
	}
	if flags.Changed("predictor") {
		cfg.Predictor.Name, _ = flags.GetString("predictor")
	}
	if flags.Changed("workers") {
		cfg.Processing.NumWorkers, _ = flags.GetInt("workers")
	}
}

func newBuilder(loader manifest.VolumeLoader) (*manifest.Builder, error) {
	opts := []manifest.BuilderOption{
		manifest.WithLogger(logger),
		manifest.WithModalityDirs(cfg.Input.CTDir, cfg.Input.MRT1Dir),
		manifest.WithTruncateUnpaired(cfg.Input.TruncateUnpaired),
	}
	if cfg.Input.FileFilter != "" {
		filter, err := regexp.Compile(cfg.Input.FileFilter)
		if err != nil {
			return nil, fmt.Errorf("invalid file filter: %w", err)
		}
		opts = append(opts, manifest.WithFilter(filter))
	}
	if cfg.Input.SortKey == "name" {
		opts = append(opts, manifest.WithSortKey(manifest.NameSortKey))
	}
	return manifest.NewBuilder(loader, opts...), nil
}

func readManifest(path string) (*manifest.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest: %w", err)
	}
	defer f.Close()
	return manifest.ReadTSV(f)
}
