// Package monitor records per-frame tracking diagnostics and renders them
// as static plots and an HTML report after a run.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// FrameSample is one tracked frame's diagnostic snapshot.
type FrameSample struct {
	FrameID  int
	Residual float64 // normalized level-0 RMSE
	FlowT    float64
	FlowTR   float64
	Success  bool
}

// TrackingMonitor accumulates samples over a run. Safe for concurrent
// recording.
type TrackingMonitor struct {
	mu      sync.Mutex
	samples []FrameSample
}

// NewTrackingMonitor returns an empty monitor.
func NewTrackingMonitor() *TrackingMonitor {
	return &TrackingMonitor{}
}

// Record appends one frame sample.
func (m *TrackingMonitor) Record(s FrameSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
}

// Samples returns a copy of the recorded samples.
func (m *TrackingMonitor) Samples() []FrameSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FrameSample(nil), m.samples...)
}

// SaveResidualPlot writes a residual-over-frames line plot as PNG.
func (m *TrackingMonitor) SaveResidualPlot(path string) error {
	samples := m.Samples()
	if len(samples) == 0 {
		return fmt.Errorf("no samples recorded")
	}

	p := plot.New()
	p.Title.Text = "Coarse tracking residual"
	p.X.Label.Text = "frame"
	p.Y.Label.Text = "RMSE (intensity)"

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i].X = float64(s.FrameID)
		pts[i].Y = s.Residual
	}
	if err := plotutilAddLine(p, pts); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}

func plotutilAddLine(p *plot.Plot, pts plotter.XYs) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("residual line: %w", err)
	}
	p.Add(line, plotter.NewGrid())
	return nil
}

// SaveReport writes an HTML report with residual and flow-indicator charts.
func (m *TrackingMonitor) SaveReport(path string) error {
	samples := m.Samples()
	if len(samples) == 0 {
		return fmt.Errorf("no samples recorded")
	}

	xs := make([]string, len(samples))
	res := make([]opts.LineData, len(samples))
	flowT := make([]opts.LineData, len(samples))
	flowTR := make([]opts.LineData, len(samples))
	for i, s := range samples {
		xs[i] = fmt.Sprintf("%d", s.FrameID)
		res[i] = opts.LineData{Value: s.Residual}
		flowT[i] = opts.LineData{Value: s.FlowT}
		flowTR[i] = opts.LineData{Value: s.FlowTR}
	}

	resChart := charts.NewLine()
	resChart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Coarse tracking residual",
			Subtitle: fmt.Sprintf("frames=%d", len(samples)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RMSE"}),
	)
	resChart.SetXAxis(xs).AddSeries("rmse", res)

	flowChart := charts.NewLine()
	flowChart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Flow indicators"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "mean squared pixel shift"}),
	)
	flowChart.SetXAxis(xs).
		AddSeries("translation", flowT).
		AddSeries("translation+rotation", flowTR)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := resChart.Render(f); err != nil {
		return fmt.Errorf("render residual chart: %w", err)
	}
	if err := flowChart.Render(f); err != nil {
		return fmt.Errorf("render flow chart: %w", err)
	}
	return nil
}
