package track

import (
	"testing"

	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// recordingSink captures sink pushes for inspection.
type recordingSink struct {
	depthW, depthH int
	depthRGB       []uint8
	floatW, floatH int
	floatPushes    int
	residualLevels []int
}

func (s *recordingSink) PushDepthImage(w, h int, rgb []uint8) {
	s.depthW, s.depthH = w, h
	s.depthRGB = append([]uint8(nil), rgb...)
}

func (s *recordingSink) PushDepthImageFloat(w, h int, idepth []float32) {
	s.floatW, s.floatH = w, h
	s.floatPushes++
}

func (s *recordingSink) PushResidualImage(level, w, h int, rgb []uint8) {
	s.residualLevels = append(s.residualLevels, level)
}

func TestDebugPlotIDepthMapPushesToSink(t *testing.T) {
	tr := newTestTracker()
	sink := &recordingSink{}
	tr.Sink = sink

	// A depth ramp keeps the percentile display range non-degenerate.
	ref := makeTestFrame(1, testIntensity)
	for y := 4; y < testH-4; y += 2 {
		for x := 4; x < testW-4; x += 2 {
			ref.Points = append(ref.Points, frame.Point{
				U: float32(x), V: float32(y),
				Idepth: 0.5 + float32(x)/testW,
				HdiF:   1e-3,
			})
		}
	}
	tr.SetRefForFirstFrame(ref)

	tr.DebugPlotIDepthMap()

	if sink.depthW != testW || sink.depthH != testH {
		t.Fatalf("depth image size = %dx%d", sink.depthW, sink.depthH)
	}
	if len(sink.depthRGB) != 3*testW*testH {
		t.Fatalf("depth image buffer length = %d", len(sink.depthRGB))
	}
	// With a dense valid-depth interior the render must contain colored
	// (non-grayscale) pixels from the jet ramp.
	colored := 0
	for i := 0; i < testW*testH; i++ {
		r, g, b := sink.depthRGB[3*i], sink.depthRGB[3*i+1], sink.depthRGB[3*i+2]
		if r != g || g != b {
			colored++
		}
	}
	if colored == 0 {
		t.Error("depth render contains no jet-colored pixels")
	}

	tr.DebugPlotIDepthMapFloat()
	if sink.floatPushes != 1 || sink.floatW != testW {
		t.Errorf("float push = %d (%dx%d)", sink.floatPushes, sink.floatW, sink.floatH)
	}
}

func TestResidualImagesPushedWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RenderDisplayCoarseTrackingFull = true
	tr := NewCoarseTracker(testW, testH, cfg)
	tr.MakeK(testCamera())
	sink := &recordingSink{}
	tr.Sink = sink

	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	newF := makeTestFrame(2, testIntensity)
	pose := se3.Identity()
	aff := frame.AffLight{}
	if !tr.TrackNewestCoarse(newF, &pose, &aff, 4, looseAbort) {
		t.Fatal("tracking failed")
	}

	if len(sink.residualLevels) == 0 {
		t.Fatal("no residual images pushed")
	}
	// Every pyramid level must have produced at least one image.
	seen := map[int]bool{}
	for _, lvl := range sink.residualLevels {
		seen[lvl] = true
	}
	for lvl := 0; lvl < 5; lvl++ {
		if !seen[lvl] {
			t.Errorf("no residual image for level %d", lvl)
		}
	}
}

func TestResidualImagesOffByDefault(t *testing.T) {
	tr := newTestTracker()
	sink := &recordingSink{}
	tr.Sink = sink

	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	newF := makeTestFrame(2, testIntensity)
	pose := se3.Identity()
	aff := frame.AffLight{}
	tr.TrackNewestCoarse(newF, &pose, &aff, 4, looseAbort)

	if len(sink.residualLevels) != 0 {
		t.Errorf("residual images pushed with display disabled: %d", len(sink.residualLevels))
	}
}
