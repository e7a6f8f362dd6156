package track

import (
	"math"

	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/monitoring"
	"github.com/meridian-robotics/dvio/internal/se3"
)

func init() {
	monitoring.SetLogger(nil)
}

const (
	testW = 128
	testH = 96
)

// testIntensity is a smooth, well-textured synthetic radiance field with
// structure at wavelengths the pyramid keeps at every level.
func testIntensity(x, y float64) float64 {
	return 128 +
		50*math.Sin(x*2*math.Pi/200) +
		40*math.Cos(y*2*math.Pi/170) +
		20*math.Sin((x+y)*2*math.Pi/90)
}

// makeTestFrame renders f into a full gradient pyramid. Coarser levels are
// 2x2 averages of the level below, gradients central differences.
func makeTestFrame(id int, f func(x, y float64) float64) *frame.Frame {
	fr := &frame.Frame{
		ID:             id,
		WorldToCam:     se3.Identity(),
		WorldToCamEval: se3.Identity(),
	}

	w, h := testW, testH
	lvl0 := make([]frame.Pixel, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			lvl0[x+y*w].I = float32(f(float64(x), float64(y)))
		}
	}
	fr.Pyr[0] = lvl0

	for l := 1; l < calib.PyrLevels; l++ {
		wl, hl := w>>l, h>>l
		wm := w >> (l - 1)
		prev := fr.Pyr[l-1]
		cur := make([]frame.Pixel, wl*hl)
		for y := 0; y < hl; y++ {
			for x := 0; x < wl; x++ {
				b := 2*x + 2*y*wm
				cur[x+y*wl].I = 0.25 * (prev[b].I + prev[b+1].I + prev[b+wm].I + prev[b+wm+1].I)
			}
		}
		fr.Pyr[l] = cur
	}

	for l := 0; l < calib.PyrLevels; l++ {
		wl, hl := w>>l, h>>l
		img := fr.Pyr[l]
		for y := 1; y < hl-1; y++ {
			for x := 1; x < wl-1; x++ {
				i := x + y*wl
				img[i].Dx = 0.5 * (img[i+1].I - img[i-1].I)
				img[i].Dy = 0.5 * (img[i+wl].I - img[i-wl].I)
			}
		}
	}

	return fr
}

// addPlanePoints populates the frame with a grid of points on a
// fronto-parallel plane of the given inverse depth.
func addPlanePoints(fr *frame.Frame, idepth float32, step int) {
	for y := 4; y < testH-4; y += step {
		for x := 4; x < testW-4; x += step {
			p := frame.Point{
				U: float32(x), V: float32(y),
				Idepth: idepth,
				HdiF:   1e-3,
			}
			for k := 0; k < frame.PatternN; k++ {
				px := x + int(frame.Pattern[k][0])
				py := y + int(frame.Pattern[k][1])
				p.Color[k] = fr.Pyr[0][px+py*testW].I
				p.Weights[k] = 1
			}
			fr.Points = append(fr.Points, p)
		}
	}
}

func testCamera() *calib.Camera {
	cam := &calib.Camera{Baseline: 0.1}
	cam.MakeK(testW, testH, 250, 250, float64(testW)/2-0.5, float64(testH)/2-0.5)
	return cam
}

func newTestTracker() *CoarseTracker {
	t := NewCoarseTracker(testW, testH, DefaultConfig())
	t.MakeK(testCamera())
	return t
}

var looseAbort = [calib.PyrLevels]float64{1e10, 1e10, 1e10, 1e10, 1e10}
