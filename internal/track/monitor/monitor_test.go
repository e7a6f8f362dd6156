package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func recordRun(m *TrackingMonitor) {
	for i := 0; i < 10; i++ {
		m.Record(FrameSample{
			FrameID:  i,
			Residual: 2.0 - 0.1*float64(i),
			FlowT:    float64(i),
			FlowTR:   float64(i) * 1.5,
			Success:  true,
		})
	}
}

func TestRecordAndSamples(t *testing.T) {
	m := NewTrackingMonitor()
	recordRun(m)
	s := m.Samples()
	if len(s) != 10 {
		t.Fatalf("got %d samples", len(s))
	}
	if s[3].FrameID != 3 || s[3].FlowTR != 4.5 {
		t.Errorf("sample 3 = %+v", s[3])
	}
}

func TestSaveResidualPlot(t *testing.T) {
	m := NewTrackingMonitor()
	recordRun(m)

	path := filepath.Join(t.TempDir(), "res.png")
	if err := m.SaveResidualPlot(path); err != nil {
		t.Fatalf("SaveResidualPlot: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		t.Errorf("plot not written: %v", err)
	}
}

func TestSaveReport(t *testing.T) {
	m := NewTrackingMonitor()
	recordRun(m)

	path := filepath.Join(t.TempDir(), "report.html")
	if err := m.SaveReport(path); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "Coarse tracking residual") {
		t.Error("report missing residual chart")
	}
}

func TestSaveEmptyFails(t *testing.T) {
	m := NewTrackingMonitor()
	if err := m.SaveResidualPlot(filepath.Join(t.TempDir(), "x.png")); err == nil {
		t.Error("empty monitor must refuse to plot")
	}
}
