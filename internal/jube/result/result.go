// Package result joins analyse extractions back against workpackage
// parameter bindings and emits one table file per result definition, with
// an optional bar-chart rendering and archive upload alongside.
package result

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fzj-jsc/jube-go/internal/jube/analyse"
	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/collab"
	"github.com/fzj-jsc/jube-go/internal/jube/workpackage"
	jerrors "github.com/fzj-jsc/jube-go/internal/pkg/errors"
	"github.com/fzj-jsc/jube-go/internal/pkg/logger"
)

// DirName is the subdirectory of a run directory result files land in.
const DirName = "result"

// Options carries the optional emission collaborators.
type Options struct {
	Logger   *logger.Logger
	Archiver collab.Archiver
}

// Emit builds every result table defined by the benchmark from the given
// extractions and workpackages, writes "<bench_dir>/result/<name>.dat",
// renders charts where configured, and finally hands the run directory to
// the archiver if one is wired.
func Emit(ctx context.Context, b *bench.Benchmark, wps []*workpackage.Workpackage, extractions analyse.Result, opts Options) error {
	if len(b.Def.Results) == 0 {
		return nil
	}
	resultDir := filepath.Join(b.Dir, DirName)
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return fmt.Errorf("%w: create result dir: %v", jerrors.ErrPersistence, err)
	}

	byID := map[int]*workpackage.Workpackage{}
	for _, wp := range wps {
		byID[wp.ID] = wp
	}

	for _, rd := range b.Def.Results {
		rows := buildRows(rd.Use, extractions, byID)
		if len(rd.Columns) == 0 {
			rd.Columns = inferColumns(rows)
		}
		path := filepath.Join(resultDir, rd.Name+".dat")
		if err := writeTable(path, rd.Columns, rows); err != nil {
			return err
		}
		if opts.Logger != nil {
			opts.Logger.Info("result table written", "result", rd.Name, "rows", len(rows), "path", path)
		}
		if rd.ChartColumn != "" {
			renderer := &collab.PNGChartRenderer{Column: rd.ChartColumn}
			chartPath := filepath.Join(resultDir, rd.Name+".png")
			if err := renderer.Render(ctx, rows, chartPath); err != nil {
				return fmt.Errorf("result %q: %w", rd.Name, err)
			}
		}
	}

	if opts.Archiver != nil {
		if err := opts.Archiver.Archive(ctx, b.Dir); err != nil {
			return fmt.Errorf("archive run dir: %w", err)
		}
	}
	return nil
}

// buildRows merges, per workpackage, the extraction values of every used
// analyser on top of the workpackage's own parameter bindings.
func buildRows(use []string, extractions analyse.Result, byID map[int]*workpackage.Workpackage) []map[string]string {
	merged := map[int]map[string]string{}
	order := []int{}
	for _, analyser := range use {
		for _, ex := range extractions[analyser] {
			row, ok := merged[ex.WorkpackageID]
			if !ok {
				row = map[string]string{}
				if wp := byID[ex.WorkpackageID]; wp != nil {
					for k, v := range wp.Parameters.ConstantParameterDict() {
						row[k] = v
					}
				}
				row["jube_wp_id"] = fmt.Sprintf("%d", ex.WorkpackageID)
				merged[ex.WorkpackageID] = row
				order = append(order, ex.WorkpackageID)
			}
			for k, v := range ex.Values {
				row[k] = v
			}
		}
	}
	out := make([]map[string]string, 0, len(order))
	for _, id := range order {
		out = append(out, merged[id])
	}
	return out
}

// inferColumns falls back to the union of keys, reserved id first, when a
// result definition names no columns.
func inferColumns(rows []map[string]string) []string {
	seen := map[string]bool{"jube_wp_id": true}
	out := []string{"jube_wp_id"}
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// writeTable renders rows as a column-aligned text table.
func writeTable(path string, columns []string, rows []map[string]string) error {
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, col := range columns {
			if l := len(row[col]); l > widths[i] {
				widths[i] = l
			}
		}
	}
	var sb strings.Builder
	writeLine := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				sb.WriteString(" | ")
			}
			sb.WriteString(cell)
			sb.WriteString(strings.Repeat(" ", widths[i]-len(cell)))
		}
		sb.WriteString("\n")
	}
	writeLine(columns)
	seps := make([]string, len(columns))
	for i := range columns {
		seps[i] = strings.Repeat("-", widths[i])
	}
	writeLine(seps)
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = row[col]
		}
		writeLine(cells)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("%w: write result table: %v", jerrors.ErrPersistence, err)
	}
	return nil
}
