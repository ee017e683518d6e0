// Package measure times toolchain compiles and benchmark binary runs.
package measure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/specsweep/specsweep/proc"
)

// CompileError reports a toolchain invocation that exited nonzero.
type CompileError struct {
	Source   string
	ExitCode int
	Stderr   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: toolchain exited %d", e.Source, e.ExitCode)
}

// RunError reports a benchmark binary that exited nonzero.
type RunError struct {
	Binary   string
	ExitCode int
	Stderr   string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: exited %d", e.Binary, e.ExitCode)
}

// Runner invokes a fixed toolchain command to build benchmark binaries
// and executes the results. The zero value is not usable; set Command.
type Runner struct {
	Command string
	Flags   []string
	Logger  *slog.Logger
}

// NewRunner creates a Runner for the given toolchain command and fixed
// flag set.
func NewRunner(command string, flags []string, logger *slog.Logger) *Runner {
	return &Runner{
		Command: command,
		Flags:   flags,
		Logger:  logger.With(slog.String("toolchain", command)),
	}
}

// Compile builds src into out with extra flags appended after the fixed
// ones, and returns the wall-clock duration of the toolchain invocation.
// A nonzero toolchain exit returns a *CompileError carrying the captured
// stderr. The toolchain exit code is the sole success signal; the output
// binary is not separately verified.
func (r *Runner) Compile(
	ctx context.Context,
	src, out string,
	extra ...string,
) (time.Duration, error) {
	args := make([]string, 0, len(r.Flags)+len(extra)+3)
	args = append(args, r.Flags...)
	args = append(args, extra...)
	args = append(args, "-o", out, src)

	r.Logger.InfoContext(ctx, "compiling",
		slog.String("source", src),
		slog.String("output", out),
	)

	res, err := proc.Run(ctx, r.Command, args...)
	if err != nil {
		return 0, err
	}

	if res.ExitCode != 0 {
		return 0, &CompileError{
			Source:   src,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}

	return res.Elapsed, nil
}

// Execute runs a built binary and returns its wall-clock lifetime, launch
// to exit. A nonzero exit returns a *RunError; the caller decides policy
// (there is no automatic retry).
func (r *Runner) Execute(
	ctx context.Context,
	bin string,
	args ...string,
) (time.Duration, error) {
	res, err := proc.Run(ctx, bin, args...)
	if err != nil {
		return 0, err
	}

	if res.ExitCode != 0 {
		return 0, &RunError{
			Binary:   bin,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}

	return res.Elapsed, nil
}
