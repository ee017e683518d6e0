// Package bench drives the full benchmark sweep: a one-time build of the
// specialization-constant variant, per-tile builds of the #define variant,
// repeated timed executions of each, and the final summary.
//
// Everything is strictly sequential. Compiles and runs contend for the
// same toolchain, CPU, and output files, so overlapping them would
// corrupt the timings being measured.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/specsweep/specsweep/measure"
	"github.com/specsweep/specsweep/report"
	"github.com/specsweep/specsweep/samples"
)

// tileMacro is the preprocessor macro the #define variant expects.
const tileMacro = "TILE_SIZE"

// Toolchain abstracts the compile and execute operations the sweep
// drives, so tests can substitute deterministic implementations.
// measure.Runner is the production implementation.
type Toolchain interface {
	Compile(ctx context.Context, src, out string, extra ...string) (time.Duration, error)
	Execute(ctx context.Context, bin string, args ...string) (time.Duration, error)
}

// Config holds the sweep parameters, fixed at start.
type Config struct {
	ProblemSize  int
	Tiles        []int // ordered sweep list, repeats kept verbatim
	Repetitions  int
	SpecSource   string
	DefineSource string
	BinDir       string
	SummaryPath  string
	KeepBinaries bool
}

// Results holds the summary computed at the end of a sweep.
type Results struct {
	Rows       []report.Row
	Comparison report.Comparison
}

// Orchestrator owns one sweep invocation: its collector, its produced
// binaries, and its console reporting.
type Orchestrator struct {
	cfg       Config
	toolchain Toolchain
	collector *samples.Collector
	logger    *slog.Logger
	console   io.Writer

	built []string
}

// New creates an Orchestrator. The collector's lifetime is the caller's
// responsibility; the orchestrator only appends to it.
func New(
	cfg Config,
	tc Toolchain,
	collector *samples.Collector,
	logger *slog.Logger,
	console io.Writer,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		toolchain: tc,
		collector: collector,
		logger:    logger,
		console:   console,
	}
}

// Run executes the sweep and returns the final summary. Per-tile compile
// failures and per-repetition run failures are logged and skipped; the
// sweep reaches summarization regardless. A non-nil error means the sweep
// aborted: the shared specialization build failed, or a command could not
// be launched at all. Binaries are cleaned up on every path.
func (o *Orchestrator) Run(ctx context.Context) (*Results, error) {
	defer o.cleanup()

	specSecs, err := o.compileShared(ctx)
	if err != nil {
		return nil, err
	}

	o.header("1. Specialization constant runs")

	specBin := o.specBinary()
	for idx, tile := range o.cfg.Tiles {
		// The shared build is charged to every tile in the compile log.
		rec := samples.CompileRecord{
			Variant: samples.SpecConst,
			Tile:    tile,
			Attempt: idx,
			Seconds: specSecs,
		}
		if err := o.collector.LogCompile(rec); err != nil {
			return nil, err
		}

		err := o.runTile(ctx, samples.SpecConst, specBin, tile, idx,
			strconv.Itoa(o.cfg.ProblemSize), strconv.Itoa(tile))
		if err != nil {
			return nil, err
		}
	}

	o.header("2. Preprocessor #define runs")

	for idx, tile := range o.cfg.Tiles {
		if err := o.defineTile(ctx, tile, idx); err != nil {
			return nil, err
		}
	}

	return o.summarize()
}

// compileShared performs the one-time specialization-constant build.
// Its failure aborts the sweep: every SpecConst measurement depends on
// this single binary.
func (o *Orchestrator) compileShared(ctx context.Context) (float64, error) {
	o.header("Compiling specialization constant variant")

	specBin := o.specBinary()

	dur, err := o.toolchain.Compile(ctx, o.cfg.SpecSource, specBin)
	if err != nil {
		var cerr *measure.CompileError
		if errors.As(err, &cerr) {
			logErr := o.collector.LogCompile(samples.CompileRecord{
				Variant: samples.SpecConst,
				Failed:  true,
			})
			if logErr != nil {
				o.logger.Warn("compile log write failed",
					slog.String("error", logErr.Error()))
			}

			o.logger.Error("shared build failed",
				slog.Int("exit_code", cerr.ExitCode),
				slog.String("stderr", cerr.Stderr),
			)
		}

		return 0, fmt.Errorf("compile %s: %w", o.cfg.SpecSource, err)
	}

	o.built = append(o.built, specBin)

	secs := dur.Seconds()
	o.collector.RecordCompile(samples.CompileRecord{
		Variant: samples.SpecConst,
		Seconds: secs,
	})

	fmt.Fprintf(o.console, "Compiled %s in %.3fs\n", o.cfg.SpecSource, secs)

	return secs, nil
}

// defineTile builds the #define variant with the tile size baked in and
// runs it. A compile failure is scoped to this tile: the sweep moves on.
func (o *Orchestrator) defineTile(ctx context.Context, tile, idx int) error {
	out := o.defineBinary(tile)
	flag := fmt.Sprintf("-D%s=%d", tileMacro, tile)

	dur, err := o.toolchain.Compile(ctx, o.cfg.DefineSource, out, flag)
	if err != nil {
		var cerr *measure.CompileError
		if !errors.As(err, &cerr) {
			return fmt.Errorf("compile %s: %w", o.cfg.DefineSource, err)
		}

		logErr := o.collector.LogCompile(samples.CompileRecord{
			Variant: samples.Define,
			Tile:    tile,
			Attempt: idx,
			Failed:  true,
		})
		if logErr != nil {
			return logErr
		}

		o.logger.Warn("tile build failed, skipping its runs",
			slog.Int("tile", tile),
			slog.Int("exit_code", cerr.ExitCode),
			slog.String("stderr", cerr.Stderr),
		)
		fmt.Fprintf(o.console, "  tile %d (%d/%d): ✗ (compilation failed)\n",
			tile, idx+1, len(o.cfg.Tiles))

		return nil
	}

	o.built = append(o.built, out)

	rec := samples.CompileRecord{
		Variant: samples.Define,
		Tile:    tile,
		Attempt: idx,
		Seconds: dur.Seconds(),
	}
	o.collector.RecordCompile(rec)

	if err := o.collector.LogCompile(rec); err != nil {
		return err
	}

	return o.runTile(ctx, samples.Define, out, tile, idx,
		strconv.Itoa(o.cfg.ProblemSize))
}

// runTile executes bin Repetitions times. Failed repetitions are logged
// and dropped, never retried. Only an unlaunchable binary aborts.
func (o *Orchestrator) runTile(
	ctx context.Context,
	v samples.Variant,
	bin string,
	tile, idx int,
	args ...string,
) error {
	var (
		sum       float64
		successes int
	)

	for run := 1; run <= o.cfg.Repetitions; run++ {
		dur, err := o.toolchain.Execute(ctx, bin, args...)
		if err != nil {
			var rerr *measure.RunError
			if !errors.As(err, &rerr) {
				return fmt.Errorf("execute %s: %w", bin, err)
			}

			logErr := o.collector.RecordRun(samples.RunRecord{
				Variant: v,
				Tile:    tile,
				Run:     run,
				Failed:  true,
			})
			if logErr != nil {
				return logErr
			}

			o.logger.Warn("run failed, repetition dropped",
				slog.String("variant", string(v)),
				slog.Int("tile", tile),
				slog.Int("run", run),
				slog.Int("exit_code", rerr.ExitCode),
				slog.String("stderr", rerr.Stderr),
			)

			continue
		}

		ms := float64(dur) / float64(time.Millisecond)
		err = o.collector.RecordRun(samples.RunRecord{
			Variant: v,
			Tile:    tile,
			Run:     run,
			Millis:  ms,
		})
		if err != nil {
			return err
		}

		sum += ms
		successes++
	}

	if successes > 0 {
		fmt.Fprintf(o.console, "  %s tile %d (%d/%d): ✓ (mean: %.3fms)\n",
			v, tile, idx+1, len(o.cfg.Tiles), sum/float64(successes))
	} else {
		fmt.Fprintf(o.console, "  %s tile %d (%d/%d): ✗ (all runs failed)\n",
			v, tile, idx+1, len(o.cfg.Tiles))
	}

	return nil
}

// summarize builds the summary rows and pooled comparison and writes the
// summary table once. Pairs with zero successes contribute no row.
func (o *Orchestrator) summarize() (*Results, error) {
	rows := report.BuildRows(o.collector)
	cmp := report.Compare(o.collector)

	f, err := os.Create(o.cfg.SummaryPath)
	if err != nil {
		return nil, fmt.Errorf("create summary %s: %w", o.cfg.SummaryPath, err)
	}

	if err := report.WriteCSV(f, rows); err != nil {
		f.Close()

		return nil, err
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close summary: %w", err)
	}

	return &Results{Rows: rows, Comparison: cmp}, nil
}

// cleanup removes every produced binary. A missing file is not an error.
func (o *Orchestrator) cleanup() {
	if o.cfg.KeepBinaries {
		return
	}

	for _, bin := range o.built {
		if err := os.Remove(bin); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("cleanup failed",
				slog.String("binary", bin),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (o *Orchestrator) specBinary() string {
	return filepath.Join(o.cfg.BinDir, stem(o.cfg.SpecSource)+"_spec_const")
}

func (o *Orchestrator) defineBinary(tile int) string {
	return filepath.Join(o.cfg.BinDir,
		fmt.Sprintf("%s_define_%d", stem(o.cfg.DefineSource), tile))
}

func (o *Orchestrator) header(text string) {
	bar := strings.Repeat("=", 60)
	fmt.Fprintf(o.console, "\n%s\n%s\n%s\n", bar, text, bar)
}

// stem returns the file name up to its first extension, so matmul.sc.cpp
// and matmul.cpp both map to matmul.
func stem(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}

	return base
}
