// Package proc runs external commands and reports their outcome as data.
//
// A nonzero exit code is not an error here: callers inspect
// [Result.ExitCode] and decide. Only a command that cannot be launched at
// all (not found, not executable) produces a non-nil error.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result holds the outcome of one child process invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Run executes name with args and blocks until the child exits. Elapsed
// covers launch to exit. There is no timeout beyond ctx; a hung child
// blocks the caller.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("launch %s: %w", name, err)
		}

		return &Result{
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Elapsed:  elapsed,
		}, nil
	}

	return &Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Elapsed:  elapsed,
	}, nil
}
