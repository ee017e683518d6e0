package bench

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/specsweep/specsweep/measure"
	"github.com/specsweep/specsweep/samples"
)

// fakeToolchain produces deterministic durations and scripted failures.
type fakeToolchain struct {
	compileDur time.Duration
	runDur     time.Duration

	failSpecCompile bool
	failDefineTiles map[int]bool
	failRun         func(bin string, args []string) bool
	launchFailRuns  bool

	compiles int
	runs     int
}

func (f *fakeToolchain) Compile(
	_ context.Context, src, out string, extra ...string,
) (time.Duration, error) {
	f.compiles++

	if strings.HasSuffix(out, "_spec_const") {
		if f.failSpecCompile {
			return 0, &measure.CompileError{Source: src, ExitCode: 1, Stderr: "boom"}
		}

		return f.compileDur, nil
	}

	tile := tileFromFlag(extra[0])
	if f.failDefineTiles[tile] {
		return 0, &measure.CompileError{Source: src, ExitCode: 1, Stderr: "boom"}
	}

	return f.compileDur, nil
}

func (f *fakeToolchain) Execute(
	_ context.Context, bin string, args ...string,
) (time.Duration, error) {
	f.runs++

	if f.launchFailRuns {
		return 0, errors.New("launch " + bin + ": file does not exist")
	}

	if f.failRun != nil && f.failRun(bin, args) {
		return 0, &measure.RunError{Binary: bin, ExitCode: 1, Stderr: "crash"}
	}

	return f.runDur, nil
}

func tileFromFlag(flag string) int {
	_, val, _ := strings.Cut(flag, "=")

	tile, err := strconv.Atoi(val)
	if err != nil {
		panic("bad define flag: " + flag)
	}

	return tile
}

type fixture struct {
	orch      *Orchestrator
	collector *samples.Collector
	console   *bytes.Buffer
	cfg       Config
}

func newFixture(t *testing.T, tc Toolchain) *fixture {
	t.Helper()

	dir := t.TempDir()

	collector, err := samples.NewCollector(dir, "20260101_000000")
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	t.Cleanup(func() { collector.Close() })

	cfg := Config{
		ProblemSize:  1024,
		Tiles:        []int{2, 4, 8, 10},
		Repetitions:  3,
		SpecSource:   "matmul.sc.cpp",
		DefineSource: "matmul.cpp",
		BinDir:       dir,
		SummaryPath:  filepath.Join(dir, "summary.csv"),
	}

	console := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		orch:      New(cfg, tc, collector, logger, console),
		collector: collector,
		console:   console,
		cfg:       cfg,
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	return rows[1:] // drop header
}

func TestSweepAllSuccess(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: 2 * time.Second,
		runDur:     50 * time.Millisecond,
	}
	fx := newFixture(t, tc)

	res, err := fx.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// One shared build plus one per tile.
	if tc.compiles != 5 {
		t.Errorf("compiles = %d, want 5", tc.compiles)
	}
	if tc.runs != 24 {
		t.Errorf("runs = %d, want 24", tc.runs)
	}

	if got := len(fx.collector.CompileSamples(samples.SpecConst)); got != 1 {
		t.Errorf("SpecConst compile records = %d, want 1", got)
	}
	if got := len(fx.collector.CompileSamples(samples.Define)); got != 4 {
		t.Errorf("Define compile records = %d, want 4", got)
	}

	runRows := readRows(t, fx.collector.RuntimeLogPath())
	if len(runRows) != 24 {
		t.Errorf("runtime log rows = %d, want 24", len(runRows))
	}

	var specRows, defineRows int
	for _, row := range runRows {
		switch samples.Variant(row[0]) {
		case samples.SpecConst:
			specRows++
		case samples.Define:
			defineRows++
		}
	}
	if specRows != 12 || defineRows != 12 {
		t.Errorf("runtime rows = %d spec / %d define, want 12 / 12",
			specRows, defineRows)
	}

	if len(res.Rows) != 8 {
		t.Errorf("summary rows = %d, want 8 (4 tiles x 2 variants)", len(res.Rows))
	}

	// Deterministic durations: stddev exactly 0, means equal.
	for _, row := range res.Rows {
		if row.Mean != 50 || row.Stddev != 0 {
			t.Errorf("row %+v, want mean 50 stddev 0", row)
		}
	}

	if !res.Comparison.HasPerfRatio || res.Comparison.PerfRatio != 1 {
		t.Errorf("perf ratio = %+v, want 1", res.Comparison)
	}
	if !res.Comparison.HasCompileSpeedup || res.Comparison.CompileSpeedup != 4 {
		t.Errorf("compile speedup = %+v, want 4x", res.Comparison)
	}
}

func TestSharedCompileChargedToEveryTile(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: 2 * time.Second,
		runDur:     time.Millisecond,
	}
	fx := newFixture(t, tc)

	if _, err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	compileRows := readRows(t, fx.collector.CompileLogPath())

	var specRows int
	for _, row := range compileRows {
		if samples.Variant(row[0]) != samples.SpecConst {
			continue
		}

		specRows++
		if row[3] != "2" {
			t.Errorf("attributed duration = %q, want the shared 2s", row[3])
		}
	}

	// Logged once per tile even though the build ran once.
	if specRows != 4 {
		t.Errorf("SpecConst compile log rows = %d, want 4", specRows)
	}
}

func TestSpecCompileFailureIsFatal(t *testing.T) {
	tc := &fakeToolchain{failSpecCompile: true}
	fx := newFixture(t, tc)

	_, err := fx.orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected error when the shared build fails")
	}

	var cerr *measure.CompileError
	if !errors.As(err, &cerr) {
		t.Errorf("error = %v, want wrapped *CompileError", err)
	}

	if tc.runs != 0 {
		t.Errorf("runs = %d, want 0 before any runtime execution", tc.runs)
	}

	runRows := readRows(t, fx.collector.RuntimeLogPath())
	if len(runRows) != 0 {
		t.Errorf("runtime log rows = %d, want 0", len(runRows))
	}

	compileRows := readRows(t, fx.collector.CompileLogPath())
	if len(compileRows) != 1 || compileRows[0][3] != "" {
		t.Errorf("compile log = %v, want one failed row", compileRows)
	}
}

func TestDefineCompileFailureSkipsOnlyThatTile(t *testing.T) {
	tc := &fakeToolchain{
		compileDur:      time.Second,
		runDur:          10 * time.Millisecond,
		failDefineTiles: map[int]bool{8: true},
	}
	fx := newFixture(t, tc)

	res, err := fx.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runRows := readRows(t, fx.collector.RuntimeLogPath())

	defineByTile := make(map[string]int)
	for _, row := range runRows {
		if samples.Variant(row[0]) == samples.Define {
			defineByTile[row[1]]++
		}
	}

	if defineByTile["8"] != 0 {
		t.Errorf("Define tile 8 runtime rows = %d, want 0", defineByTile["8"])
	}
	for _, tile := range []string{"2", "4", "10"} {
		if defineByTile[tile] != 3 {
			t.Errorf("Define tile %s runtime rows = %d, want 3",
				tile, defineByTile[tile])
		}
	}

	if got := len(fx.collector.CompileSamples(samples.Define)); got != 3 {
		t.Errorf("Define compile records = %d, want 3", got)
	}

	// 4 spec + 3 define summary rows.
	if len(res.Rows) != 7 {
		t.Errorf("summary rows = %d, want 7", len(res.Rows))
	}

	if !strings.Contains(fx.console.String(), "✗ (compilation failed)") {
		t.Error("expected a per-tile failure marker on the console")
	}

	// The failed attempt is still logged, with an empty duration.
	var loggedFailure bool
	for _, row := range readRows(t, fx.collector.CompileLogPath()) {
		if samples.Variant(row[0]) == samples.Define && row[1] == "8" && row[3] == "" {
			loggedFailure = true
		}
	}
	if !loggedFailure {
		t.Error("expected a failed Define tile 8 row in the compile log")
	}
}

func TestAllRunsFailedForOneTileEmitsNoRow(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: time.Second,
		runDur:     10 * time.Millisecond,
		failRun: func(bin string, args []string) bool {
			return strings.HasSuffix(bin, "_spec_const") && args[1] == "4"
		},
	}
	fx := newFixture(t, tc)

	res, err := fx.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, row := range res.Rows {
		if row.Variant == samples.SpecConst && row.Tile == 4 {
			t.Errorf("unexpected summary row for all-failed pair: %+v", row)
		}
	}
	if len(res.Rows) != 7 {
		t.Errorf("summary rows = %d, want 7", len(res.Rows))
	}

	// Failed repetitions are logged, not silently dropped.
	var failedRows int
	for _, row := range readRows(t, fx.collector.RuntimeLogPath()) {
		if samples.Variant(row[0]) == samples.SpecConst && row[1] == "4" {
			if row[3] != "" {
				t.Errorf("failed run logged with duration: %v", row)
			}
			failedRows++
		}
	}
	if failedRows != 3 {
		t.Errorf("failed run rows = %d, want 3", failedRows)
	}

	if !strings.Contains(fx.console.String(), "✗ (all runs failed)") {
		t.Error("expected an all-failed marker on the console")
	}
}

func TestRunLaunchFailureAborts(t *testing.T) {
	tc := &fakeToolchain{
		compileDur:     time.Second,
		launchFailRuns: true,
	}
	fx := newFixture(t, tc)

	_, err := fx.orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for unlaunchable binary")
	}

	var rerr *measure.RunError
	if errors.As(err, &rerr) {
		t.Errorf("launch failure classified as *RunError: %v", err)
	}
}

func TestRatioOmittedWhenOneVariantHasNoSamples(t *testing.T) {
	tc := &fakeToolchain{
		compileDur:      time.Second,
		runDur:          10 * time.Millisecond,
		failDefineTiles: map[int]bool{2: true, 4: true, 8: true, 10: true},
	}
	fx := newFixture(t, tc)

	res, err := fx.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Comparison.HasPerfRatio {
		t.Error("perf ratio computed with an empty Define pool")
	}
	if res.Comparison.HasCompileSpeedup {
		t.Error("compile speedup computed with no Define compiles")
	}
	if len(res.Rows) != 4 {
		t.Errorf("summary rows = %d, want 4 (SpecConst only)", len(res.Rows))
	}
}

func TestSpeedupOmittedWhenAllDefineRunsFail(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: time.Second,
		runDur:     10 * time.Millisecond,
		failRun: func(bin string, _ []string) bool {
			return strings.Contains(bin, "_define_")
		},
	}
	fx := newFixture(t, tc)

	res, err := fx.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Every Define build succeeded, so the compile pool is full, but
	// with zero Define runs neither ratio is reported.
	if got := len(fx.collector.CompileSamples(samples.Define)); got != 4 {
		t.Errorf("Define compile records = %d, want 4", got)
	}
	if res.Comparison.HasPerfRatio {
		t.Error("perf ratio computed with an empty Define pool")
	}
	if res.Comparison.HasCompileSpeedup {
		t.Error("compile speedup computed with an empty Define pool")
	}
	if len(res.Rows) != 4 {
		t.Errorf("summary rows = %d, want 4 (SpecConst only)", len(res.Rows))
	}
}

func TestSweepListRepeatsKeptVerbatim(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: time.Second,
		runDur:     10 * time.Millisecond,
	}
	fx := newFixture(t, tc)
	fx.orch.cfg.Tiles = []int{4, 4, 8}

	res, err := fx.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 3 sweep entries per variant, 3 reps each.
	if tc.runs != 18 {
		t.Errorf("runs = %d, want 18", tc.runs)
	}

	// Tile 4 appears twice in the sweep: compiled twice for Define,
	// its samples pooled into one bucket.
	if got := len(fx.collector.CompileSamples(samples.Define)); got != 3 {
		t.Errorf("Define compile records = %d, want 3", got)
	}
	if got := len(fx.collector.RunSamples(samples.Define, 4)); got != 6 {
		t.Errorf("Define tile 4 samples = %d, want 6", got)
	}

	// Buckets are keyed by tile value, so summary rows deduplicate.
	if len(res.Rows) != 4 {
		t.Errorf("summary rows = %d, want 4", len(res.Rows))
	}
}

func TestCleanupRemovesProducedBinaries(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: time.Second,
		runDur:     time.Millisecond,
	}
	fx := newFixture(t, tc)

	// Stand in for the binaries the real toolchain would produce.
	names := []string{
		"matmul_spec_const",
		"matmul_define_2", "matmul_define_4",
		"matmul_define_8", "matmul_define_10",
	}
	for _, name := range names {
		path := filepath.Join(fx.cfg.BinDir, name)
		if err := os.WriteFile(path, []byte("bin"), 0o755); err != nil {
			t.Fatalf("write stub binary: %v", err)
		}
	}

	if _, err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, name := range names {
		path := filepath.Join(fx.cfg.BinDir, name)
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("binary %s not cleaned up", name)
		}
	}
}

func TestKeepBinariesSkipsCleanup(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: time.Second,
		runDur:     time.Millisecond,
	}
	fx := newFixture(t, tc)
	fx.orch.cfg.KeepBinaries = true

	path := filepath.Join(fx.cfg.BinDir, "matmul_spec_const")
	if err := os.WriteFile(path, []byte("bin"), 0o755); err != nil {
		t.Fatalf("write stub binary: %v", err)
	}

	if _, err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("binary removed despite KeepBinaries: %v", err)
	}
}

func TestSummaryCSVWrittenOnce(t *testing.T) {
	tc := &fakeToolchain{
		compileDur: time.Second,
		runDur:     25 * time.Millisecond,
	}
	fx := newFixture(t, tc)

	if _, err := fx.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rows := readRows(t, fx.cfg.SummaryPath)
	if len(rows) != 8 {
		t.Fatalf("summary csv rows = %d, want 8", len(rows))
	}
	if rows[0][0] != "SpecConst" || rows[0][2] != "25.000" {
		t.Errorf("first summary row = %v", rows[0])
	}
}
