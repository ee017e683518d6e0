// Package report reduces collected samples to summary statistics and
// formats them as CSV, console tables, and JSON.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/montanaflynn/stats"

	"github.com/specsweep/specsweep/samples"
)

// Summary holds the aggregate statistics of one sample sequence.
type Summary struct {
	Mean   float64
	Median float64
	Stddev float64
	Count  int
}

// Summarize reduces samples to mean, median, and sample standard
// deviation. It reports false for an empty sequence; callers emit no row
// rather than a synthetic zero. A single sample has stddev 0.
func Summarize(s []float64) (Summary, bool) {
	if len(s) == 0 {
		return Summary{}, false
	}

	// The stats funcs error only on empty input, excluded above.
	mean, _ := stats.Mean(s)
	median, _ := stats.Median(s)

	sum := Summary{Mean: mean, Median: median, Count: len(s)}

	if len(s) > 1 {
		sum.Stddev, _ = stats.StandardDeviationSample(s)
	}

	return sum, true
}

// Row is the per-(variant, tile) summary of successful runs.
type Row struct {
	Variant samples.Variant `json:"method"`
	Tile    int             `json:"tile_size"`
	Mean    float64         `json:"mean_ms"`
	Median  float64         `json:"median_ms"`
	Stddev  float64         `json:"stddev_ms"`
	Runs    int             `json:"runs"`
}

// BuildRows computes one Row per (variant, tile) pair holding at least
// one successful run sample. SpecConst rows come first, tiles ascending
// within each variant. Pairs with no successes contribute nothing.
func BuildRows(c *samples.Collector) []Row {
	var rows []Row

	for _, v := range []samples.Variant{samples.SpecConst, samples.Define} {
		for _, tile := range c.Tiles(v) {
			sum, ok := Summarize(c.RunSamples(v, tile))
			if !ok {
				continue
			}

			rows = append(rows, Row{
				Variant: v,
				Tile:    tile,
				Mean:    sum.Mean,
				Median:  sum.Median,
				Stddev:  sum.Stddev,
				Runs:    sum.Count,
			})
		}
	}

	return rows
}

// Comparison holds the pooled cross-tile statistics for both variants.
// The ratios are only meaningful when their Has flag is set.
type Comparison struct {
	SpecConstPool Summary
	DefinePool    Summary

	HasPerfRatio bool
	PerfRatio    float64

	HasSpecConstCompile   bool
	SpecConstCompileSecs  float64
	DefineCompile         Summary
	DefineCompileTotal    float64
	DefineCompileAttempts int

	HasCompileSpeedup bool
	CompileSpeedup    float64
}

// Compare pools runtime samples across tiles per variant and derives the
// performance and compile-speedup ratios where both sides have data.
func Compare(c *samples.Collector) Comparison {
	var cmp Comparison

	var specOK, defineOK bool
	cmp.SpecConstPool, specOK = Summarize(c.PooledRuns(samples.SpecConst))
	cmp.DefinePool, defineOK = Summarize(c.PooledRuns(samples.Define))

	if specOK && defineOK {
		cmp.HasPerfRatio = true
		cmp.PerfRatio = cmp.DefinePool.Mean / cmp.SpecConstPool.Mean
	}

	if sc := c.CompileSamples(samples.SpecConst); len(sc) > 0 {
		cmp.HasSpecConstCompile = true
		cmp.SpecConstCompileSecs = sc[0]
	}

	dc := c.CompileSamples(samples.Define)

	var defineCompileOK bool
	cmp.DefineCompile, defineCompileOK = Summarize(dc)
	cmp.DefineCompileAttempts = len(dc)

	for _, s := range dc {
		cmp.DefineCompileTotal += s
	}

	// Both ratios require runtime samples from both variants; compile
	// durations alone are not comparable without runs backing them.
	if defineCompileOK && cmp.HasSpecConstCompile && specOK && defineOK {
		cmp.HasCompileSpeedup = true
		cmp.CompileSpeedup = cmp.DefineCompileTotal / cmp.SpecConstCompileSecs
	}

	return cmp
}

// WriteCSV writes the summary table in the log schema, one row per
// (variant, tile) with at least one success.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)

	header := []string{
		"Method", "TileSize",
		"MeanRuntime(ms)", "MedianRuntime(ms)", "StdDev(ms)",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write summary header: %w", err)
	}

	for _, r := range rows {
		err := cw.Write([]string{
			string(r.Variant),
			strconv.Itoa(r.Tile),
			formatFixed(r.Mean),
			formatFixed(r.Median),
			formatFixed(r.Stddev),
		})
		if err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}

// Render writes the human-readable summary tables and the overall
// comparison to w. It mirrors the numbers written to the CSV logs.
func Render(w io.Writer, rows []Row, cmp Comparison) {
	fmt.Fprintln(w, "## Runtime Summary")
	fmt.Fprintln(w)

	if len(rows) == 0 {
		fmt.Fprintln(w, "No successful runs.")
	} else {
		fmt.Fprintln(w, "| Method | Tile | Mean | Median | Std Dev | Runs |")
		fmt.Fprintln(w, "|--------|------|------|--------|---------|------|")

		for _, r := range rows {
			fmt.Fprintf(w, "| %s | %d | %s | %s | %s | %d |\n",
				r.Variant,
				r.Tile,
				formatMs(r.Mean),
				formatMs(r.Median),
				formatMs(r.Stddev),
				r.Runs,
			)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "## Compilation")
	fmt.Fprintln(w)

	if cmp.HasSpecConstCompile {
		fmt.Fprintf(w, "SpecConst (single build): %.3fs\n",
			cmp.SpecConstCompileSecs)
	}

	if cmp.DefineCompileAttempts > 0 {
		fmt.Fprintf(w, "Define (%d builds): mean %.3fs, median %.3fs, "+
			"stddev %.3fs, total %.3fs\n",
			cmp.DefineCompileAttempts,
			cmp.DefineCompile.Mean,
			cmp.DefineCompile.Median,
			cmp.DefineCompile.Stddev,
			cmp.DefineCompileTotal,
		)
	}

	if cmp.HasCompileSpeedup {
		fmt.Fprintf(w, "Compilation time speedup: %.2fx\n", cmp.CompileSpeedup)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "## Overall")
	fmt.Fprintln(w)

	if cmp.SpecConstPool.Count > 0 {
		fmt.Fprintf(w, "SpecConst pooled mean runtime: %s over %d runs\n",
			formatMs(cmp.SpecConstPool.Mean), cmp.SpecConstPool.Count)
	}

	if cmp.DefinePool.Count > 0 {
		fmt.Fprintf(w, "Define pooled mean runtime: %s over %d runs\n",
			formatMs(cmp.DefinePool.Mean), cmp.DefinePool.Count)
	}

	if cmp.HasPerfRatio {
		fmt.Fprintf(w, "Performance ratio (Define / SpecConst): %.3fx\n",
			cmp.PerfRatio)
	} else {
		fmt.Fprintln(w, "Performance ratio: not available "+
			"(need runs from both variants)")
	}
}

// WriteJSON writes rows and comparison as a single JSON document.
func WriteJSON(w io.Writer, rows []Row, cmp Comparison) error {
	doc := struct {
		Results        []Row              `json:"results"`
		PooledMeanMs   map[string]float64 `json:"pooled_mean_ms,omitempty"`
		PerfRatio      *float64           `json:"performance_ratio,omitempty"`
		CompileSpeedup *float64           `json:"compile_speedup,omitempty"`
	}{
		Results: rows,
	}

	pooled := make(map[string]float64)
	if cmp.SpecConstPool.Count > 0 {
		pooled[string(samples.SpecConst)] = cmp.SpecConstPool.Mean
	}
	if cmp.DefinePool.Count > 0 {
		pooled[string(samples.Define)] = cmp.DefinePool.Mean
	}
	if len(pooled) > 0 {
		doc.PooledMeanMs = pooled
	}

	if cmp.HasPerfRatio {
		doc.PerfRatio = &cmp.PerfRatio
	}
	if cmp.HasCompileSpeedup {
		doc.CompileSpeedup = &cmp.CompileSpeedup
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(doc)
}

func formatFixed(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatMs(ms float64) string {
	if ms < 1000 {
		return fmt.Sprintf("%.3fms", ms)
	}

	return fmt.Sprintf("%.3fs", ms/1000)
}
