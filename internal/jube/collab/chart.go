package collab

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"sort"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// PNGChartRenderer draws a simple bar chart of one numeric column extracted
// from a benchmark's result rows to a PNG file, written next to the table
// the column came from.
type PNGChartRenderer struct {
	// Column names the numeric field to plot; rows lacking it are skipped.
	Column string
	Width  int
	Height int

	face *truetype.Font
}

const (
	defaultChartWidth  = 800
	defaultChartHeight = 400
	chartMargin        = 48
)

func (r *PNGChartRenderer) Render(ctx context.Context, rows []map[string]string, outPath string) error {
	if err := r.ensureFont(); err != nil {
		return err
	}
	width, height := r.Width, r.Height
	if width <= 0 {
		width = defaultChartWidth
	}
	if height <= 0 {
		height = defaultChartHeight
	}

	labels, values, err := extractSeries(rows, r.Column)
	if err != nil {
		return err
	}

	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()

	face := truetype.NewFace(r.face, &truetype.Options{Size: 14})
	dc.SetFontFace(face)

	if len(values) == 0 {
		dc.SetColor(color.Black)
		dc.DrawStringAnchored("no numeric data for column \""+r.Column+"\"", float64(width)/2, float64(height)/2, 0.5, 0.5)
		return writePNG(dc, outPath)
	}

	maxVal := values[0]
	for _, v := range values {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	plotWidth := float64(width - 2*chartMargin)
	plotHeight := float64(height - 2*chartMargin)
	barWidth := plotWidth / float64(len(values))

	dc.SetColor(color.RGBA{R: 0x4C, G: 0x6E, B: 0xF5, A: 0xFF})
	for i, v := range values {
		barHeight := plotHeight * (v / maxVal)
		x := float64(chartMargin) + float64(i)*barWidth
		y := float64(height-chartMargin) - barHeight
		dc.DrawRectangle(x+2, y, barWidth-4, barHeight)
	}
	dc.Fill()

	dc.SetColor(color.Black)
	dc.DrawLine(float64(chartMargin), float64(height-chartMargin), float64(width-chartMargin), float64(height-chartMargin))
	dc.Stroke()

	for i, label := range labels {
		x := float64(chartMargin) + (float64(i)+0.5)*barWidth
		dc.DrawStringAnchored(label, x, float64(height-chartMargin)+16, 0.5, 0)
	}
	dc.DrawStringAnchored(r.Column, float64(width)/2, float64(chartMargin)/2, 0.5, 0.5)

	return writePNG(dc, outPath)
}

func (r *PNGChartRenderer) ensureFont() error {
	if r.face != nil {
		return nil
	}
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return fmt.Errorf("chart: parse embedded font: %w", err)
	}
	r.face = f
	return nil
}

func extractSeries(rows []map[string]string, column string) (labels []string, values []float64, err error) {
	type pair struct {
		label string
		value float64
	}
	var pairs []pair
	for i, row := range rows {
		raw, ok := row[column]
		if !ok {
			continue
		}
		v, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			continue
		}
		label := row["jube_wp_id"]
		if label == "" {
			label = strconv.Itoa(i)
		}
		pairs = append(pairs, pair{label: label, value: v})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].label < pairs[j].label })
	for _, p := range pairs {
		labels = append(labels, p.label)
		values = append(values, p.value)
	}
	return labels, values, nil
}

func writePNG(dc *gg.Context, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("chart: create %q: %w", outPath, err)
	}
	defer f.Close()
	if err := dc.EncodePNG(f); err != nil {
		return fmt.Errorf("chart: encode png: %w", err)
	}
	return nil
}
