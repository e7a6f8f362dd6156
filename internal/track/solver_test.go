package track

import (
	"math"
	"testing"

	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/se3"
)

func TestTrackIdentity(t *testing.T) {
	tr := newTestTracker()
	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	newF := makeTestFrame(2, testIntensity)

	pose := se3.Identity()
	aff := frame.AffLight{}
	ok := tr.TrackNewestCoarse(newF, &pose, &aff, 4, looseAbort)
	if !ok {
		t.Fatal("tracking the reference against itself failed")
	}

	xi := pose.Log()
	n := 0.0
	for _, v := range xi {
		n += v * v
	}
	if math.Sqrt(n) > 1e-3 {
		t.Errorf("pose not identity: xi = %v", xi)
	}
	if tr.LastResiduals[0] > 0.1 {
		t.Errorf("level-0 residual = %v, want < 0.1", tr.LastResiduals[0])
	}
}

func TestTrackPureTranslation(t *testing.T) {
	tr := newTestTracker()
	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	// Camera translated by tx along x; scene is a plane at depth 1, so the
	// new image is the reference shifted by fx*tx pixels.
	const tx = 0.06
	fx := tr.cam.Fx[0]
	newF := makeTestFrame(2, func(x, y float64) float64 {
		return testIntensity(x-fx*tx, y)
	})

	pose := se3.Identity()
	aff := frame.AffLight{}
	ok := tr.TrackNewestCoarse(newF, &pose, &aff, 4, looseAbort)
	if !ok {
		t.Fatal("tracking failed")
	}

	if math.Abs(pose.T[0]-tx) > 0.02*tx {
		t.Errorf("recovered tx = %v, want %v", pose.T[0], tx)
	}
	if math.Abs(pose.T[1]) > 0.002 || math.Abs(pose.T[2]) > 0.002 {
		t.Errorf("spurious translation: %v", pose.T)
	}
	w := se3.LogSO3(pose.R)
	if w.Norm() > 0.002 {
		t.Errorf("spurious rotation: %v", w)
	}
}

func TestCutoffEscalationOnce(t *testing.T) {
	tr := newTestTracker()
	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	// Brighten 80% of the image by 30 intensity units: the initial
	// saturated fraction is ~0.8, which must double the cutoff exactly
	// once before the level proceeds.
	newF := makeTestFrame(2, func(x, y float64) float64 {
		v := testIntensity(x, y)
		if x >= 0.2*testW {
			v += 30
		}
		return v
	})

	pose := se3.Identity()
	aff := frame.AffLight{}
	tr.TrackNewestCoarse(newF, &pose, &aff, 0, looseAbort)

	if tr.CutoffEscalations != 1 {
		t.Errorf("cutoff escalations = %d, want 1", tr.CutoffEscalations)
	}
}

func TestTrackAbortsOnLargeResidual(t *testing.T) {
	tr := newTestTracker()
	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	// An unrelated image cannot be tracked below a tiny abort threshold.
	newF := makeTestFrame(2, func(x, y float64) float64 {
		return 128 + 60*math.Sin(x*y*0.01)
	})

	pose := se3.Identity()
	aff := frame.AffLight{}
	tight := [5]float64{1e-9, 1e-9, 1e-9, 1e-9, 1e-9}
	if tr.TrackNewestCoarse(newF, &pose, &aff, 4, tight) {
		t.Error("tracking reported success despite residual above abort threshold")
	}
}

func TestWarpBufferPadding(t *testing.T) {
	tr := newTestTracker()
	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 3)
	tr.SetRefForFirstFrame(ref)
	tr.newFrame = makeTestFrame(2, testIntensity)

	for lvl := 0; lvl < 5; lvl++ {
		tr.calcRes(lvl, se3.Identity(), frame.AffLight{}, tr.cfg.CoarseCutoffTH)
		if tr.bufWarpedN%4 != 0 {
			t.Errorf("level %d: buf_warped_n = %d not a multiple of 4", lvl, tr.bufWarpedN)
		}
		if tr.bufWarpedN > tr.cam.W[0]*tr.cam.H[0]+3 {
			t.Errorf("level %d: buf_warped_n = %d exceeds capacity", lvl, tr.bufWarpedN)
		}
	}
}

func TestTrackStereoIdentity(t *testing.T) {
	tr := newTestTracker()
	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	newF := makeTestFrame(2, testIntensity)
	// Right image of a plane at idepth 1: shifted by fx*baseline.
	shift := tr.cam.Fx[0] * tr.cam.Baseline
	newFRight := makeTestFrame(3, func(x, y float64) float64 {
		return testIntensity(x+shift, y)
	})

	pose := se3.Identity()
	aff := frame.AffLight{}
	affR := frame.AffLight{}
	ok := tr.TrackNewestCoarseStereo(newF, newFRight, &pose, &aff, &affR, 4, looseAbort)
	if !ok {
		t.Fatal("stereo tracking failed")
	}

	xi := pose.Log()
	n := 0.0
	for _, v := range xi {
		n += v * v
	}
	if math.Sqrt(n) > 5e-3 {
		t.Errorf("pose not identity: xi = %v", xi)
	}
}

func TestRejectedStepKeepsState(t *testing.T) {
	// Accepted steps must strictly decrease the normalized energy; a
	// rejected proposal leaves pose and affine untouched. Exercised
	// indirectly: tracking a consistent pair can never end with a higher
	// level-0 energy than the initial state.
	tr := newTestTracker()
	ref := makeTestFrame(1, testIntensity)
	addPlanePoints(ref, 1.0, 2)
	tr.SetRefForFirstFrame(ref)

	const tx = 0.02
	fx := tr.cam.Fx[0]
	newF := makeTestFrame(2, func(x, y float64) float64 {
		return testIntensity(x-fx*tx, y)
	})
	tr.newFrame = newF

	initial := tr.calcRes(0, se3.Identity(), frame.AffLight{}, tr.cfg.CoarseCutoffTH)

	pose := se3.Identity()
	aff := frame.AffLight{}
	if !tr.TrackNewestCoarse(newF, &pose, &aff, 4, looseAbort) {
		t.Fatal("tracking failed")
	}
	tr.newFrame = newF
	final := tr.calcRes(0, pose, aff, tr.cfg.CoarseCutoffTH)

	if final.Energy/float64(final.Terms) >= initial.Energy/float64(initial.Terms) {
		t.Errorf("final energy %v not below initial %v",
			final.Energy/float64(final.Terms), initial.Energy/float64(initial.Terms))
	}
}
