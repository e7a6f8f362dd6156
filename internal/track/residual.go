package track

import (
	"math"

	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// Res summarizes one residual evaluation at a pyramid level.
type Res struct {
	// Energy is the accumulated robust photometric energy, Terms the number
	// of points contributing to it.
	Energy float64
	Terms  int
	// FlowT and FlowTR are mean squared pixel shifts under translation-only
	// and translation+rotation motion, used as motion-magnitude heuristics.
	FlowT  float64
	FlowTR float64
	// Saturated is the fraction of terms that exceeded the cutoff.
	Saturated float64
}

// rki is the 3x3 product R * K^-1 at a level, in float32.
type rki struct {
	m [9]float32
}

func makeRKi(R se3.Mat3, cam camLevel) rki {
	// Column scaling by K^-1 = [1/fx 0 -cx/fx; 0 1/fy -cy/fy; 0 0 1].
	var out rki
	for r := 0; r < 3; r++ {
		r0 := R.At(r, 0)
		r1 := R.At(r, 1)
		out.m[3*r+0] = float32(r0 * cam.fxi)
		out.m[3*r+1] = float32(r1 * cam.fyi)
		out.m[3*r+2] = float32(r0*cam.cxi + r1*cam.cyi + R.At(r, 2))
	}
	return out
}

// identRKi is K^-1 alone (identity rotation), used by the flow indicators
// and the static stereo reprojection.
func identRKi(cam camLevel) rki {
	return makeRKi(se3.Identity3(), cam)
}

func (k rki) apply(x, y float32) (float32, float32, float32) {
	return k.m[0]*x + k.m[1]*y + k.m[2],
		k.m[3]*x + k.m[4]*y + k.m[5],
		k.m[6]*x + k.m[7]*y + k.m[8]
}

type camLevel struct {
	w, h               int
	fx, fy, cx, cy     float32
	fxi, fyi, cxi, cyi float64
}

func (t *CoarseTracker) level(lvl int) camLevel {
	return camLevel{
		w: t.cam.W[lvl], h: t.cam.H[lvl],
		fx: float32(t.cam.Fx[lvl]), fy: float32(t.cam.Fy[lvl]),
		cx: float32(t.cam.Cx[lvl]), cy: float32(t.cam.Cy[lvl]),
		fxi: t.cam.Fxi[lvl], fyi: t.cam.Fyi[lvl],
		cxi: t.cam.Cxi[lvl], cyi: t.cam.Cyi[lvl],
	}
}

// calcRes evaluates the monocular photometric residual at a level and fills
// the warp buffers for the Hessian kernel. Points whose absolute residual
// exceeds cutoffTH contribute the saturation energy and are not stored.
func (t *CoarseTracker) calcRes(lvl int, refToNew se3.Transform, aff frame.AffLight, cutoffTH float32) Res {
	var E float64
	numTermsInE := 0
	numTermsInWarped := 0
	numSaturated := 0

	cl := t.level(lvl)
	wl, hl := cl.w, cl.h
	dINew := t.newFrame.Pyr[lvl]

	RKi := makeRKi(refToNew.R, cl)
	Ki := identRKi(cl)
	tx := float32(refToNew.T[0])
	ty := float32(refToNew.T[1])
	tz := float32(refToNew.T[2])

	affLL := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrame.Exposure, t.refAff, aff)
	affA, affB := float32(affLL[0]), float32(affLL[1])

	var sumSquaredShiftT, sumSquaredShiftRT, sumSquaredShiftNum float32

	huber := t.cfg.HuberTH
	maxEnergy := 2*huber*cutoffTH - huber*huber

	resImg := t.newResidualImage(lvl, wl, hl)

	nl := t.pcN[lvl]
	pcU, pcV := t.pcU[lvl], t.pcV[lvl]
	pcID, pcC := t.pcIdepth[lvl], t.pcColor[lvl]

	for i := 0; i < nl; i++ {
		id := pcID[i]
		x := pcU[i]
		y := pcV[i]

		px, py, pz := RKi.apply(x, y)
		px += tx * id
		py += ty * id
		pz += tz * id
		u := px / pz
		v := py / pz
		Ku := cl.fx*u + cl.cx
		Kv := cl.fy*v + cl.cy
		newIdepth := id / pz

		if lvl == 0 && i%32 == 0 {
			// Hypothetical shifts under pure translation (both signs) and
			// translation+rotation (both signs).
			accumShift := func(k rki, sx, sy, sz float32, into *float32) {
				qx, qy, qz := k.apply(x, y)
				qx += sx * id
				qy += sy * id
				qz += sz * id
				ku := cl.fx*(qx/qz) + cl.cx
				kv := cl.fy*(qy/qz) + cl.cy
				*into += (ku-x)*(ku-x) + (kv-y)*(kv-y)
			}
			accumShift(Ki, tx, ty, tz, &sumSquaredShiftT)
			accumShift(Ki, -tx, -ty, -tz, &sumSquaredShiftT)
			sumSquaredShiftRT += (Ku-x)*(Ku-x) + (Kv-y)*(Kv-y)
			accumShift(RKi, -tx, -ty, -tz, &sumSquaredShiftRT)
			sumSquaredShiftNum += 2
		}

		if !(Ku > 2 && Kv > 2 && Ku < float32(wl-3) && Kv < float32(hl-3) && newIdepth > 0) {
			continue
		}

		refColor := pcC[i]
		hit := frame.Interp33(dINew, Ku, Kv, wl)
		if !isFinite(hit.I) {
			continue
		}
		residual := hit.I - (affA*refColor + affB)
		hw := float32(1)
		if abs32(residual) >= huber {
			hw = huber / abs32(residual)
		}

		if abs32(residual) > cutoffTH {
			resImg.set(int(x), int(y), 0, 0, 255)
			E += float64(maxEnergy)
			numTermsInE++
			numSaturated++
			continue
		}

		resImg.setGray(int(x), int(y), residual+128)
		E += float64(hw * residual * residual * (2 - hw))
		numTermsInE++

		t.bufWarpedIdepth[numTermsInWarped] = newIdepth
		t.bufWarpedU[numTermsInWarped] = u
		t.bufWarpedV[numTermsInWarped] = v
		t.bufWarpedDx[numTermsInWarped] = hit.Dx
		t.bufWarpedDy[numTermsInWarped] = hit.Dy
		t.bufWarpedResidual[numTermsInWarped] = residual
		t.bufWarpedWeight[numTermsInWarped] = hw
		t.bufWarpedRefColor[numTermsInWarped] = refColor
		numTermsInWarped++
	}

	for numTermsInWarped%4 != 0 {
		t.bufWarpedIdepth[numTermsInWarped] = 0
		t.bufWarpedU[numTermsInWarped] = 0
		t.bufWarpedV[numTermsInWarped] = 0
		t.bufWarpedDx[numTermsInWarped] = 0
		t.bufWarpedDy[numTermsInWarped] = 0
		t.bufWarpedResidual[numTermsInWarped] = 0
		t.bufWarpedWeight[numTermsInWarped] = 0
		t.bufWarpedRefColor[numTermsInWarped] = 0
		numTermsInWarped++
	}
	t.bufWarpedN = numTermsInWarped

	resImg.push(t, lvl)

	return Res{
		Energy:    E,
		Terms:     numTermsInE,
		FlowT:     float64(sumSquaredShiftT / (sumSquaredShiftNum + 0.1)),
		FlowTR:    float64(sumSquaredShiftRT / (sumSquaredShiftNum + 0.1)),
		Saturated: float64(numSaturated) / float64(max(numTermsInE, 1)),
	}
}

// calcResStereo is calcRes for a stereo pair: each stored point is also
// reprojected into the right camera over the fixed baseline. When it lands
// inside the image it adds a second energy term; it fills the right-side
// warp buffers only when it also stays below the cutoff.
func (t *CoarseTracker) calcResStereo(lvl int, refToNew se3.Transform, aff, affR frame.AffLight, cutoffTH float32, inertial bool) Res {
	var E float64
	numTermsInE := 0
	numTermsInWarped := 0
	numSaturated := 0

	cl := t.level(lvl)
	wl, hl := cl.w, cl.h
	dINew := t.newFrame.Pyr[lvl]
	dINewR := t.newFrameRight.Pyr[lvl]

	RKi := makeRKi(refToNew.R, cl)
	Ki := identRKi(cl)
	tx := float32(refToNew.T[0])
	ty := float32(refToNew.T[1])
	tz := float32(refToNew.T[2])

	affLL := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrame.Exposure, t.refAff, aff)
	affLLR := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrameRight.Exposure, t.refAff, affR)
	affA, affB := float32(affLL[0]), float32(affLL[1])
	affAR, affBR := float32(affLLR[0]), float32(affLLR[1])

	// Static stereo reprojection: identity rotation, baseline translation.
	baseline := float32(t.cam.Baseline)

	var sumSquaredShiftT, sumSquaredShiftRT, sumSquaredShiftNum float32

	huber := t.cfg.HuberTH
	maxEnergy := 2*huber*cutoffTH - huber*huber

	resImg := t.newResidualImage(lvl, wl, hl)

	nl := t.pcN[lvl]
	pcU, pcV := t.pcU[lvl], t.pcV[lvl]
	pcID, pcC := t.pcIdepth[lvl], t.pcColor[lvl]

	for i := 0; i < nl; i++ {
		id := pcID[i]
		x := pcU[i]
		y := pcV[i]

		px, py, pz := RKi.apply(x, y)
		px += tx * id
		py += ty * id
		pz += tz * id
		u := px / pz
		v := py / pz
		Ku := cl.fx*u + cl.cx
		Kv := cl.fy*v + cl.cy
		newIdepth := id / pz

		rx, ry, rz := Ki.apply(Ku, Kv)
		rx -= baseline * newIdepth
		uR := rx / rz
		vR := ry / rz
		KuR := cl.fx*uR + cl.cx
		KvR := cl.fy*vR + cl.cy
		newIdepthR := newIdepth / rz

		if lvl == 0 && i%32 == 0 {
			accumShift := func(k rki, sx, sy, sz float32, into *float32) {
				qx, qy, qz := k.apply(x, y)
				qx += sx * id
				qy += sy * id
				qz += sz * id
				ku := cl.fx*(qx/qz) + cl.cx
				kv := cl.fy*(qy/qz) + cl.cy
				*into += (ku-x)*(ku-x) + (kv-y)*(kv-y)
			}
			accumShift(Ki, tx, ty, tz, &sumSquaredShiftT)
			accumShift(Ki, -tx, -ty, -tz, &sumSquaredShiftT)
			sumSquaredShiftRT += (Ku-x)*(Ku-x) + (Kv-y)*(Kv-y)
			accumShift(RKi, -tx, -ty, -tz, &sumSquaredShiftRT)
			sumSquaredShiftNum += 2
		}

		if !(Ku > 2 && Kv > 2 && Ku < float32(wl-3) && Kv < float32(hl-3) && newIdepth > 0) {
			continue
		}
		rightValid := KuR > 2 && KvR > 2 && KuR < float32(wl-3) && KvR < float32(hl-3) && newIdepthR > 0

		refColor := pcC[i]
		hit := frame.Interp33(dINew, Ku, Kv, wl)
		if !isFinite(hit.I) || hit.Dx == 0 || hit.Dy == 0 {
			continue
		}
		residual := hit.I - (affA*refColor + affB)
		hw := float32(1)
		if abs32(residual) >= huber {
			hw = huber / abs32(residual)
		}

		var hitR frame.Pixel
		var residualR, hwR float32
		if rightValid {
			hitR = frame.Interp33(dINewR, KuR, KvR, wl)
			if !isFinite(hitR.I) {
				rightValid = false
			} else {
				residualR = hitR.I - (affAR*refColor + affBR)
				hwR = 1
				if abs32(residualR) >= huber {
					hwR = huber / abs32(residualR)
				}
			}
		}

		if abs32(residual) > cutoffTH {
			resImg.set(int(x), int(y), 0, 0, 255)
			E += 2 * float64(maxEnergy)
			numTermsInE++
			numSaturated++
			continue
		}

		resImg.setGray(int(x), int(y), residual+128)
		E += float64(hw * residual * residual * (2 - hw))
		E += float64(hwR * residualR * residualR * (2 - hwR))
		numTermsInE++

		t.bufWarpedIdepth[numTermsInWarped] = newIdepth
		t.bufWarpedU[numTermsInWarped] = u
		t.bufWarpedV[numTermsInWarped] = v
		t.bufWarpedDx[numTermsInWarped] = hit.Dx
		t.bufWarpedDy[numTermsInWarped] = hit.Dy
		t.bufWarpedResidual[numTermsInWarped] = residual
		t.bufWarpedWeight[numTermsInWarped] = hw
		t.bufWarpedRefColor[numTermsInWarped] = refColor

		pt2 := newIdepth / id
		if inertial {
			// Derivative of the left residual w.r.t. the point's reference
			// inverse depth, used to weight the inertial Hessian.
			t.bufWarpedDD[numTermsInWarped] =
				pt2 * (hit.Dx*cl.fx*(tx-u*tz) + hit.Dy*cl.fy*(ty-v*tz))
		}

		if rightValid && abs32(residualR) <= cutoffTH {
			ptR2 := newIdepthR / newIdepth
			t.bufWarpedIdepthR[numTermsInWarped] = ptR2
			t.bufWarpedDxR[numTermsInWarped] = hitR.Dx
			t.bufWarpedDyR[numTermsInWarped] = hitR.Dy
			t.bufWarpedResidualR[numTermsInWarped] = residualR
			t.bufWarpedWeightR[numTermsInWarped] = hwR
			if inertial {
				t.bufWarpedDDR[numTermsInWarped] =
					ptR2 * pt2 * (hitR.Dx*cl.fx*(tx-u*tz) + hitR.Dy*cl.fy*(ty-v*tz))
			}
		} else {
			t.bufWarpedIdepthR[numTermsInWarped] = 0
			t.bufWarpedDxR[numTermsInWarped] = 0
			t.bufWarpedDyR[numTermsInWarped] = 0
			t.bufWarpedResidualR[numTermsInWarped] = 0
			t.bufWarpedWeightR[numTermsInWarped] = 0
			if inertial {
				t.bufWarpedDDR[numTermsInWarped] = 0
			}
		}
		numTermsInWarped++
	}

	for numTermsInWarped%4 != 0 {
		t.bufWarpedIdepth[numTermsInWarped] = 0
		t.bufWarpedU[numTermsInWarped] = 0
		t.bufWarpedV[numTermsInWarped] = 0
		t.bufWarpedDx[numTermsInWarped] = 0
		t.bufWarpedDy[numTermsInWarped] = 0
		t.bufWarpedResidual[numTermsInWarped] = 0
		t.bufWarpedWeight[numTermsInWarped] = 0
		t.bufWarpedRefColor[numTermsInWarped] = 0
		t.bufWarpedIdepthR[numTermsInWarped] = 0
		t.bufWarpedDxR[numTermsInWarped] = 0
		t.bufWarpedDyR[numTermsInWarped] = 0
		t.bufWarpedResidualR[numTermsInWarped] = 0
		t.bufWarpedWeightR[numTermsInWarped] = 0
		t.bufWarpedDD[numTermsInWarped] = 0
		t.bufWarpedDDR[numTermsInWarped] = 0
		numTermsInWarped++
	}
	t.bufWarpedN = numTermsInWarped

	resImg.push(t, lvl)

	return Res{
		Energy:    E,
		Terms:     numTermsInE,
		FlowT:     float64(sumSquaredShiftT / (sumSquaredShiftNum + 0.1)),
		FlowTR:    float64(sumSquaredShiftRT / (sumSquaredShiftNum + 0.1)),
		Saturated: float64(numSaturated) / float64(max(numTermsInE, 1)),
	}
}

func abs32(v float32) float32 {
	return float32(math.Abs(float64(v)))
}
