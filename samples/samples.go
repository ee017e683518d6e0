// Package samples accumulates timing measurements for the benchmark sweep
// and persists every record to append-only CSV logs as it arrives, so a
// partial sweep still leaves usable data on disk.
package samples

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Variant identifies which build strategy produced a measurement. The
// names match the Method column of the CSV logs.
type Variant string

const (
	// SpecConst is the specialization-constant build, compiled once and
	// reconfigured at run time.
	SpecConst Variant = "SpecConst"
	// Define is the preprocessor build, recompiled per tile size with the
	// value baked in.
	Define Variant = "Define"
)

// CompileRecord is one compile attempt.
type CompileRecord struct {
	Variant Variant
	Tile    int
	Attempt int
	Seconds float64
	Failed  bool
}

// RunRecord is one execution attempt of a built binary.
type RunRecord struct {
	Variant Variant
	Tile    int
	Run     int
	Millis  float64
	Failed  bool
}

// Collector owns the in-memory sample sets and the durable logs for one
// sweep. It is not safe for concurrent use; the sweep is single-threaded.
type Collector struct {
	compileFile *os.File
	runtimeFile *os.File
	compileCSV  *csv.Writer
	runtimeCSV  *csv.Writer

	compilePath string
	runtimePath string

	compiles map[Variant][]float64
	runs     map[Variant]map[int][]float64
}

// NewCollector creates dir if needed and opens the two timestamped log
// files with their header rows already written.
func NewCollector(dir, stamp string) (*Collector, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir %s: %w", dir, err)
	}

	c := &Collector{
		compilePath: filepath.Join(dir, "compile_times_"+stamp+".csv"),
		runtimePath: filepath.Join(dir, "runtime_"+stamp+".csv"),
		compiles:    make(map[Variant][]float64),
		runs:        make(map[Variant]map[int][]float64),
	}

	var err error

	c.compileFile, err = os.Create(c.compilePath)
	if err != nil {
		return nil, fmt.Errorf("create compile log: %w", err)
	}

	c.runtimeFile, err = os.Create(c.runtimePath)
	if err != nil {
		c.compileFile.Close()

		return nil, fmt.Errorf("create runtime log: %w", err)
	}

	c.compileCSV = csv.NewWriter(c.compileFile)
	c.runtimeCSV = csv.NewWriter(c.runtimeFile)

	header := []string{"Method", "TileSize", "Repetition", "CompileTime(s)"}
	if err := c.writeRow(c.compileCSV, header); err != nil {
		c.Close()

		return nil, err
	}

	header = []string{"Method", "TileSize", "Run", "ExecutionTime(ms)"}
	if err := c.writeRow(c.runtimeCSV, header); err != nil {
		c.Close()

		return nil, err
	}

	return c, nil
}

// CompileLogPath returns the path of the compile-time log.
func (c *Collector) CompileLogPath() string { return c.compilePath }

// RuntimeLogPath returns the path of the runtime log.
func (c *Collector) RuntimeLogPath() string { return c.runtimePath }

// RecordCompile pools one successful compile duration for rec's variant.
// There is exactly one pooled sample per compile attempt; failed attempts
// pool nothing. Log rows are written separately via LogCompile because
// the shared specialization build is logged once per tile while being
// compiled, and pooled, only once.
func (c *Collector) RecordCompile(rec CompileRecord) {
	if rec.Failed {
		return
	}

	c.compiles[rec.Variant] = append(c.compiles[rec.Variant], rec.Seconds)
}

// LogCompile appends one row to the compile log and flushes it to disk.
// Failed attempts get an empty duration field.
func (c *Collector) LogCompile(rec CompileRecord) error {
	return c.writeRow(c.compileCSV, []string{
		string(rec.Variant),
		strconv.Itoa(rec.Tile),
		strconv.Itoa(rec.Attempt),
		formatDuration(rec.Seconds, rec.Failed),
	})
}

// RecordRun appends one row to the runtime log, flushes it, and pools the
// duration into the (variant, tile) bucket when the run succeeded. Failed
// runs are logged with an empty duration field and never pooled.
func (c *Collector) RecordRun(rec RunRecord) error {
	if err := c.writeRow(c.runtimeCSV, []string{
		string(rec.Variant),
		strconv.Itoa(rec.Tile),
		strconv.Itoa(rec.Run),
		formatDuration(rec.Millis, rec.Failed),
	}); err != nil {
		return err
	}

	if rec.Failed {
		return nil
	}

	bucket, ok := c.runs[rec.Variant]
	if !ok {
		bucket = make(map[int][]float64)
		c.runs[rec.Variant] = bucket
	}

	bucket[rec.Tile] = append(bucket[rec.Tile], rec.Millis)

	return nil
}

// CompileSamples returns the pooled compile durations for a variant, in
// arrival order.
func (c *Collector) CompileSamples(v Variant) []float64 {
	return c.compiles[v]
}

// RunSamples returns the successful run durations for one (variant, tile)
// bucket, in arrival order. Nil when every run failed or none happened.
func (c *Collector) RunSamples(v Variant, tile int) []float64 {
	return c.runs[v][tile]
}

// Tiles returns, ascending, the tile sizes for which a variant has at
// least one successful run sample.
func (c *Collector) Tiles(v Variant) []int {
	bucket := c.runs[v]

	tiles := make([]int, 0, len(bucket))
	for tile := range bucket {
		tiles = append(tiles, tile)
	}

	sort.Ints(tiles)

	return tiles
}

// PooledRuns returns every successful run duration for a variant across
// all tiles, ignoring tile boundaries.
func (c *Collector) PooledRuns(v Variant) []float64 {
	var pooled []float64
	for _, tile := range c.Tiles(v) {
		pooled = append(pooled, c.runs[v][tile]...)
	}

	return pooled
}

// Close flushes and closes both logs.
func (c *Collector) Close() error {
	c.compileCSV.Flush()
	c.runtimeCSV.Flush()

	err := c.compileFile.Close()
	if cerr := c.runtimeFile.Close(); err == nil {
		err = cerr
	}

	return err
}

func (c *Collector) writeRow(w *csv.Writer, row []string) error {
	if err := w.Write(row); err != nil {
		return fmt.Errorf("append log row: %w", err)
	}

	w.Flush()

	return w.Error()
}

func formatDuration(v float64, failed bool) string {
	if failed {
		return ""
	}

	return strconv.FormatFloat(v, 'f', -1, 64)
}
