package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/disintegration/imaging"

	"closing-automation/internal/models"
)

const (
	chartHeight  = 240
	chartPadding = 20
	barWidth     = 40
	barGap       = 20
)

var barPalette = []color.NRGBA{
	{R: 0x2f, G: 0x6f, B: 0xb3, A: 0xff},
	{R: 0xe0, G: 0x8e, B: 0x2b, A: 0xff},
	{R: 0x3f, G: 0xa3, B: 0x5b, A: 0xff},
	{R: 0xb8, G: 0x3b, B: 0x3b, A: 0xff},
}

type figure struct {
	name  string
	value float64
}

// ReportHandler renders a period's figures as a bar chart and uploads it.
type ReportHandler struct {
	uploader Uploader
}

// NewReportHandler builds the monthly_reports handler.
func NewReportHandler(up Uploader) *ReportHandler {
	return &ReportHandler{uploader: up}
}

// Handle expects parameters.period and a parameters.figures map of name to amount.
func (h *ReportHandler) Handle(ctx context.Context, task models.Task) (Result, error) {
	period := task.StringParam("period")
	if period == "" {
		return Result{}, errors.New("missing required parameter: period")
	}
	figures, err := parseFigures(task.Parameters["figures"])
	if err != nil {
		return Result{}, err
	}

	img := renderChart(figures)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return Result{}, fmt.Errorf("encode chart: %w", err)
	}

	client := "system"
	if task.ClientID != nil {
		client = *task.ClientID
	}
	location, err := h.uploader.Upload(ctx, fmt.Sprintf("reports/%s/%s.png", client, period), buf.Bytes(), "image/png")
	if err != nil {
		return Result{}, fmt.Errorf("upload: %w", err)
	}

	var total float64
	for _, f := range figures {
		total += f.value
	}
	return Result{
		RecordsProcessed: len(figures),
		Details:          map[string]any{"period": period, "chart": location, "total": total},
	}, nil
}

func parseFigures(raw any) ([]figure, error) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, errors.New("missing required parameter: figures")
	}
	out := make([]figure, 0, len(m))
	for name, v := range m {
		val, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("invalid data: figure %q is %T", name, v)
		}
		out = append(out, figure{name: name, value: val})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// renderChart draws one bar per figure, scaled to the largest magnitude.
func renderChart(figures []figure) image.Image {
	width := chartPadding*2 + len(figures)*(barWidth+barGap) - barGap
	canvas := imaging.New(width, chartHeight, color.White)

	var peak float64
	for _, f := range figures {
		if v := abs(f.value); v > peak {
			peak = v
		}
	}
	usable := chartHeight - chartPadding*2
	for i, f := range figures {
		h := 1
		if peak > 0 {
			h = int(abs(f.value) / peak * float64(usable))
			if h < 1 {
				h = 1
			}
		}
		bar := imaging.New(barWidth, h, barPalette[i%len(barPalette)])
		x := chartPadding + i*(barWidth+barGap)
		canvas = imaging.Paste(canvas, bar, image.Pt(x, chartHeight-chartPadding-h))
	}
	return canvas
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
