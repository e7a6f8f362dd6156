package track

import (
	"math"

	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
)

// splatWeight emphasizes well-constrained points: small HdiF (high depth
// information) gives a large weight.
func splatWeight(hdiF float32) float32 {
	return float32(math.Sqrt(1e-3 / (float64(hdiF) + 1e-12)))
}

// makeCoarseDepth rebuilds the inverse-depth pyramid for the current
// reference from every window point whose last residual landed IN on it.
func (t *CoarseTracker) makeCoarseDepth(window []*frame.Frame) {
	w0, h0 := t.cam.W[0], t.cam.H[0]
	zero(t.idepth[0][:w0*h0])
	zero(t.weightSums[0][:w0*h0])

	for _, fh := range window {
		for i := range fh.Points {
			ph := &fh.Points[i]
			lr := &ph.LastResidual
			if lr.TargetID != t.refFrame.ID || lr.State != frame.ResIn {
				continue
			}
			u := int(lr.ProjectedTo[0] + 0.5)
			v := int(lr.ProjectedTo[1] + 0.5)
			newIdepth := lr.ProjectedTo[2]
			weight := splatWeight(ph.HdiF)

			t.idepth[0][u+w0*v] += newIdepth * weight
			t.weightSums[0][u+w0*v] += weight
		}
	}

	t.downsampleAndDilate()
	t.normalizeAndCompact()
}

// makeCoarseDepthForFirstFrame splats each point's raw position and inverse
// depth; there are no residuals to filter on yet.
func (t *CoarseTracker) makeCoarseDepthForFirstFrame(fh *frame.Frame) {
	w0, h0 := t.cam.W[0], t.cam.H[0]
	zero(t.idepth[0][:w0*h0])
	zero(t.weightSums[0][:w0*h0])

	for i := range fh.Points {
		ph := &fh.Points[i]
		u := int(ph.U + 0.5)
		v := int(ph.V + 0.5)
		weight := splatWeight(ph.HdiF)

		t.idepth[0][u+w0*v] += ph.Idepth * weight
		t.weightSums[0][u+w0*v] += weight
	}

	t.downsampleAndDilate()
	t.normalizeAndCompact()
}

func (t *CoarseTracker) downsampleAndDilate() {
	// Each coarser pixel is the plain sum of its 2x2 parent block;
	// normalization by the weight sum happens at the end.
	for lvl := 1; lvl < calib.PyrLevels; lvl++ {
		wl, hl := t.cam.W[lvl], t.cam.H[lvl]
		wlm1 := t.cam.W[lvl-1]
		idl, wsl := t.idepth[lvl], t.weightSums[lvl]
		idm, wsm := t.idepth[lvl-1], t.weightSums[lvl-1]

		for y := 0; y < hl; y++ {
			for x := 0; x < wl; x++ {
				b := 2*x + 2*y*wlm1
				idl[x+y*wl] = idm[b] + idm[b+1] + idm[b+wlm1] + idm[b+wlm1+1]
				wsl[x+y*wl] = wsm[b] + wsm[b+1] + wsm[b+wlm1] + wsm[b+wlm1+1]
			}
		}
	}

	// Fine levels dilate across the four diagonal neighbours, coarse levels
	// across the axis-aligned cross. The asymmetry is intentional and load
	// bearing: diagonal filling at full resolution spreads depth across the
	// direction the 2x2 downsampling doesn't.
	for lvl := 0; lvl < 2 && lvl < calib.PyrLevels; lvl++ {
		t.dilate(lvl, [4]int{
			+1 + t.cam.W[lvl], -1 - t.cam.W[lvl],
			t.cam.W[lvl] - 1, -t.cam.W[lvl] + 1,
		})
	}
	for lvl := 2; lvl < calib.PyrLevels; lvl++ {
		t.dilate(lvl, [4]int{+1, -1, +t.cam.W[lvl], -t.cam.W[lvl]})
	}
}

// dilate runs one hole-filling pass at the given level. Holes are read from
// the snapshot weight buffer so that values written within the pass never
// feed back into it; running the pass again on an already-dense level is a
// no-op.
func (t *CoarseTracker) dilate(lvl int, offsets [4]int) {
	wl := t.cam.W[lvl]
	wh := wl*t.cam.H[lvl] - wl
	wsl := t.weightSums[lvl]
	bak := t.weightSumsBak[lvl]
	copy(bak, wsl)
	idl := t.idepth[lvl]

	for i := wl + 1; i < wh-1; i++ {
		if bak[i] > 0 {
			continue
		}
		var sum, num float32
		numn := 0
		for _, off := range offsets {
			j := i + off
			if bak[j] > 0 {
				sum += idl[j]
				num += bak[j]
				numn++
			}
		}
		if numn > 0 {
			idl[i] = sum / float32(numn)
			wsl[i] = num / float32(numn)
		}
	}
}

// normalizeAndCompact divides accumulated inverse depths by their weights
// inside a 2-pixel border and emits the compact per-level point clouds.
// Pixels with non-finite color or non-positive depth are dropped and marked
// with idepth -1; the weights of the kept pixels are set to 1 so the map
// can be re-rendered.
func (t *CoarseTracker) normalizeAndCompact() {
	for lvl := 0; lvl < calib.PyrLevels; lvl++ {
		wl, hl := t.cam.W[lvl], t.cam.H[lvl]
		wsl := t.weightSums[lvl]
		idl := t.idepth[lvl]
		ref := t.refFrame.Pyr[lvl]

		n := 0
		pcU, pcV := t.pcU[lvl], t.pcV[lvl]
		pcID, pcC := t.pcIdepth[lvl], t.pcColor[lvl]

		for y := 2; y < hl-2; y++ {
			for x := 2; x < wl-2; x++ {
				i := x + y*wl

				if wsl[i] > 0 {
					idl[i] /= wsl[i]
					pcU[n] = float32(x)
					pcV[n] = float32(y)
					pcID[n] = idl[i]
					pcC[n] = ref[i].I

					if !isFinite(pcC[n]) || !(idl[i] > 0) {
						idl[i] = -1
						continue
					}
					n++
				} else {
					idl[i] = -1
				}
				wsl[i] = 1
			}
		}
		t.pcN[lvl] = n
	}
}

func zero(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
