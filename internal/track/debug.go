package track

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/meridian-robotics/dvio/internal/monitoring"
)

// residualImage is the optional per-level residual visualization. A nil
// receiver (display disabled) turns every method into a no-op so the hot
// loop stays branch-light.
type residualImage struct {
	w, h int
	rgb  []uint8
}

func (t *CoarseTracker) newResidualImage(lvl, w, h int) *residualImage {
	if !t.cfg.RenderDisplayCoarseTrackingFull || t.Sink == nil {
		return nil
	}
	img := &residualImage{w: w, h: h, rgb: make([]uint8, 3*w*h)}
	for i := range img.rgb {
		img.rgb[i] = 255
	}
	return img
}

func (r *residualImage) set(x, y int, cr, cg, cb uint8) {
	if r == nil {
		return
	}
	i := 3 * (x + y*r.w)
	r.rgb[i] = cr
	r.rgb[i+1] = cg
	r.rgb[i+2] = cb
}

func (r *residualImage) setGray(x, y int, v float32) {
	if r == nil {
		return
	}
	if v < 0 {
		v = 0
	} else if v > 255 {
		v = 255
	}
	r.set(x, y, uint8(v), uint8(v), uint8(v))
}

func (r *residualImage) push(t *CoarseTracker, lvl int) {
	if r == nil {
		return
	}
	t.Sink.PushResidualImage(lvl, r.w, r.h, r.rgb)
}

// makeJet maps a normalized value to the jet color ramp used for depth
// visualization.
func makeJet(v float32) (uint8, uint8, uint8) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	seg := func(x float32) uint8 {
		if x < 0 {
			x = 0
		} else if x > 1 {
			x = 1
		}
		return uint8(255 * x)
	}
	r := seg(1.5 - abs32(4*v-3))
	g := seg(1.5 - abs32(4*v-2))
	b := seg(1.5 - abs32(4*v-1))
	return r, g, b
}

// DebugPlotIDepthMap renders the level-0 inverse-depth map jet-colorized
// over the reference image and pushes it to the sink. The display range is
// the 5th..95th depth percentile, smoothed against the previous call so the
// coloring stays temporally stable. With SaveImages set the image is also
// written to images_out/predicted_<ref>_<frame>.png.
func (t *CoarseTracker) DebugPlotIDepthMap() {
	if t.cam.W[1] == 0 || t.refFrame == nil {
		return
	}
	w, h := t.cam.W[0], t.cam.H[0]
	idl := t.idepth[0]

	allID := make([]float32, 0, w*h/4)
	for i := 0; i < w*h; i++ {
		if idl[i] > 0 {
			allID = append(allID, idl[i])
		}
	}
	if len(allID) == 0 {
		return
	}
	sort.Slice(allID, func(i, j int) bool { return allID[i] < allID[j] })
	n := len(allID) - 1
	minID := allID[n*5/100]
	maxID := allID[n*95/100]

	// Adapt slowly: move the bounds by at most 30% of the previous span.
	if t.minMaxID[0] >= 0 && t.minMaxID[1] >= 0 {
		maxChange := 0.3 * (t.minMaxID[1] - t.minMaxID[0])
		minID = clamp32(minID, t.minMaxID[0]-maxChange, t.minMaxID[0]+maxChange)
		maxID = clamp32(maxID, t.minMaxID[1]-maxChange, t.minMaxID[1]+maxChange)
	}
	t.minMaxID = [2]float32{minID, maxID}

	// A constant-depth map would collapse the display range.
	if maxID-minID < 1e-6 {
		maxID = minID + 1e-6
	}

	rgb := make([]uint8, 3*w*h)
	ref := t.refFrame.Pyr[0]
	for i := 0; i < w*h; i++ {
		c := ref[i].I * 0.9
		if c > 255 {
			c = 255
		}
		rgb[3*i] = uint8(c)
		rgb[3*i+1] = uint8(c)
		rgb[3*i+2] = uint8(c)
	}

	for y := 3; y < h-3; y++ {
		for x := 3; x < w-3; x++ {
			idx := x + y*w
			var sid float32
			nid := 0
			for _, off := range [5]int{0, 1, -1, w, -w} {
				if idl[idx+off] > 0 {
					sid += idl[idx+off]
					nid++
				}
			}
			if idl[idx] > 0 || nid >= 3 {
				id := (sid/float32(nid) - minID) / (maxID - minID)
				cr, cg, cb := makeJet(id)
				rgb[3*idx] = cr
				rgb[3*idx+1] = cg
				rgb[3*idx+2] = cb
			}
		}
	}

	if t.Sink != nil {
		t.Sink.PushDepthImage(w, h, rgb)
	}

	if t.cfg.SaveImages {
		name := filepath.Join("images_out",
			fmt.Sprintf("predicted_%05d_%05d.png", t.refFrame.ID, t.refFrameID))
		if err := writePNG(name, w, h, rgb); err != nil {
			monitoring.Logf("track: depth image dump failed: %v", err)
		}
	}
}

// DebugPlotIDepthMapFloat pushes the raw level-0 inverse-depth buffer.
func (t *CoarseTracker) DebugPlotIDepthMapFloat() {
	if t.cam.W[1] == 0 || t.Sink == nil {
		return
	}
	t.Sink.PushDepthImageFloat(t.cam.W[0], t.cam.H[0], t.idepth[0])
}

func writePNG(name string, w, h int, rgb []uint8) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.SetRGBA(i%w, i/w, color.RGBA{rgb[3*i], rgb[3*i+1], rgb[3*i+2], 255})
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
