// Package main provides the CLI entry point for specsweep, a harness that
// compares compile-time specialization against preprocessor configuration
// by sweeping a native benchmark over a set of tile sizes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/specsweep/specsweep/bench"
	"github.com/specsweep/specsweep/measure"
	"github.com/specsweep/specsweep/report"
	"github.com/specsweep/specsweep/samples"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "specsweep",
		Short: "Benchmark specialization constants against #define builds",
		Long: `Specsweep compiles two variants of the same native benchmark - one
configured through specialization constants at run time, one recompiled per
configuration with a preprocessor define - runs both across a tile-size sweep,
and reports compile-time and runtime statistics for each.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(logger))

	return root
}

// defaultFlags is the fixed SYCL toolchain flag set; extend or replace it
// with --compiler-flags for other targets.
var defaultFlags = []string{
	"-std=c++17",
	"-fsycl",
	"-fsycl-targets=spir64_gen",
	"-Xsycl-target-backend",
	"-device pvc",
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		size         int
		tiles        []int
		repetitions  int
		compiler     string
		flagsList    []string
		specSource   string
		defineSource string
		resultsDir   string
		binDir       string
		outputJSON   bool
		keepBinaries bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tile-size sweep for both build variants",
		Long: `Compile the specialization-constant variant once, the #define variant
once per tile size, execute each binary repeatedly, and write compile, runtime,
and summary tables to the results directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), logger, sweepConfig{
				size:         size,
				tiles:        tiles,
				repetitions:  repetitions,
				compiler:     compiler,
				flags:        flagsList,
				specSource:   specSource,
				defineSource: defineSource,
				resultsDir:   resultsDir,
				binDir:       binDir,
				outputJSON:   outputJSON,
				keepBinaries: keepBinaries,
			})
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&size, "size", 1024,
		"Problem size passed to every benchmark run")
	flags.IntSliceVar(&tiles, "tiles", []int{2, 4, 8, 10},
		"Tile sizes to sweep, in order; repeats are kept")
	flags.IntVar(&repetitions, "repetitions", 10,
		"Runs per (variant, tile) pair")
	flags.StringVar(&compiler, "compiler", "icpx",
		"Toolchain command")
	flags.StringSliceVar(&flagsList, "compiler-flags", defaultFlags,
		"Fixed compiler flags")
	flags.StringVar(&specSource, "spec-source", "matmul.sc.cpp",
		"Source of the specialization-constant variant")
	flags.StringVar(&defineSource, "define-source", "matmul.cpp",
		"Source of the #define variant")
	flags.StringVar(&resultsDir, "results-dir", "benchmark_results",
		"Directory for the CSV logs")
	flags.StringVar(&binDir, "bin-dir", ".",
		"Directory for the built binaries")
	flags.BoolVar(&outputJSON, "json", false,
		"Output the summary as JSON instead of tables")
	flags.BoolVar(&keepBinaries, "keep-binaries", false,
		"Skip removing the built binaries at the end")

	return cmd
}

type sweepConfig struct {
	size         int
	tiles        []int
	repetitions  int
	compiler     string
	flags        []string
	specSource   string
	defineSource string
	resultsDir   string
	binDir       string
	outputJSON   bool
	keepBinaries bool
}

func runSweep(ctx context.Context, logger *slog.Logger, cfg sweepConfig) error {
	if len(cfg.tiles) == 0 {
		return fmt.Errorf("at least one tile size must be given via --tiles")
	}

	if cfg.repetitions < 1 {
		return fmt.Errorf("--repetitions must be positive, got %d",
			cfg.repetitions)
	}

	if cfg.size < 1 {
		return fmt.Errorf("--size must be positive, got %d", cfg.size)
	}

	logger.InfoContext(ctx, "starting sweep",
		slog.Int("size", cfg.size),
		slog.Any("tiles", cfg.tiles),
		slog.Int("repetitions", cfg.repetitions),
		slog.String("compiler", cfg.compiler),
		slog.Any("flags", cfg.flags),
		slog.String("results_dir", cfg.resultsDir),
	)

	stamp := time.Now().Format("20060102_150405")

	collector, err := samples.NewCollector(cfg.resultsDir, stamp)
	if err != nil {
		return err
	}
	defer collector.Close()

	toolchain := measure.NewRunner(cfg.compiler, cfg.flags, logger)

	orch := bench.New(bench.Config{
		ProblemSize:  cfg.size,
		Tiles:        cfg.tiles,
		Repetitions:  cfg.repetitions,
		SpecSource:   cfg.specSource,
		DefineSource: cfg.defineSource,
		BinDir:       cfg.binDir,
		SummaryPath:  summaryPath(cfg.resultsDir, stamp),
		KeepBinaries: cfg.keepBinaries,
	}, toolchain, collector, logger, os.Stdout)

	res, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	if cfg.outputJSON {
		if err := report.WriteJSON(os.Stdout, res.Rows, res.Comparison); err != nil {
			return fmt.Errorf("write JSON summary: %w", err)
		}
	} else {
		report.Render(os.Stdout, res.Rows, res.Comparison)
	}

	logger.InfoContext(ctx, "sweep complete",
		slog.String("compile_log", collector.CompileLogPath()),
		slog.String("runtime_log", collector.RuntimeLogPath()),
		slog.String("summary", summaryPath(cfg.resultsDir, stamp)),
	)

	return nil
}

func summaryPath(dir, stamp string) string {
	return filepath.Join(dir, "summary_"+stamp+".csv")
}
