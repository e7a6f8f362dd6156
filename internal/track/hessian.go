package track

import (
	"gonum.org/v1/gonum/mat"

	"github.com/meridian-robotics/dvio/internal/accum"
	"github.com/meridian-robotics/dvio/internal/frame"
)

// applyScales rescales H and b from pixel-space Jacobians into the scaled
// parameter space the solver steps in: H(i,j) *= s_i*s_j, b(i) *= s_i.
func applyScales(H *mat.Dense, b *mat.VecDense, scales []float64) {
	n := len(scales)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			H.Set(r, c, H.At(r, c)*scales[r]*scales[c])
		}
		b.SetVec(r, b.AtVec(r)*scales[r])
	}
}

func (t *CoarseTracker) poseScales(affDim int) []float64 {
	s := make([]float64, 6+affDim)
	for i := 0; i < 3; i++ {
		s[i] = t.cfg.ScaleXiRot
		s[3+i] = t.cfg.ScaleXiTrans
	}
	for i := 0; i < affDim; i += 2 {
		s[6+i] = t.cfg.ScaleA
		s[6+i+1] = t.cfg.ScaleB
	}
	return s
}

// calcGS builds the 8x8 monocular Gauss-Newton system from the warp
// buffers, four points per accumulator update.
func (t *CoarseTracker) calcGS(lvl int, H *mat.Dense, b *mat.VecDense, aff frame.AffLight) {
	t.acc9.Reset()

	fxl := accum.Splat(float32(t.cam.Fx[lvl]))
	fyl := accum.Splat(float32(t.cam.Fy[lvl]))
	b0 := accum.Splat(float32(t.refAff.B))
	affLL := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrame.Exposure, t.refAff, aff)
	a := accum.Splat(float32(affLL[0]))

	one := accum.Splat(1)
	minusOne := accum.Splat(-1)

	n := t.bufWarpedN
	var j [9]accum.Lane
	for i := 0; i < n; i += 4 {
		dx := accum.Load(t.bufWarpedDx, i).Mul(fxl)
		dy := accum.Load(t.bufWarpedDy, i).Mul(fyl)
		u := accum.Load(t.bufWarpedU, i)
		v := accum.Load(t.bufWarpedV, i)
		id := accum.Load(t.bufWarpedIdepth, i)

		j[0] = id.Mul(dx)
		j[1] = id.Mul(dy)
		j[2] = id.Mul(u.Mul(dx).Add(v.Mul(dy))).Neg()
		j[3] = u.Mul(v).Mul(dx).Add(dy.Mul(one.Add(v.Mul(v)))).Neg()
		j[4] = u.Mul(v).Mul(dy).Add(dx.Mul(one.Add(u.Mul(u))))
		j[5] = u.Mul(dy).Sub(v.Mul(dx))
		j[6] = a.Mul(b0.Sub(accum.Load(t.bufWarpedRefColor, i)))
		j[7] = minusOne
		j[8] = accum.Load(t.bufWarpedResidual, i)

		t.acc9.UpdateWeighted(j[:], accum.Load(t.bufWarpedWeight, i))
	}

	t.acc9.Finish()
	inv := 1 / float64(n)
	for r := 0; r < 8; r++ {
		for c := 0; c < 8; c++ {
			H.Set(r, c, float64(t.acc9.H[r][c])*inv)
		}
		b.SetVec(r, float64(t.acc9.H[r][8])*inv)
	}
	applyScales(H, b, t.poseScales(2))
}

// stereoJac fills the shared six pose-Jacobian lanes for one side of the
// stereo pair.
func stereoJac(j *[11]accum.Lane, u, v, id, dx, dy accum.Lane) {
	one := accum.Splat(1)
	j[0] = id.Mul(dx)
	j[1] = id.Mul(dy)
	j[2] = id.Mul(u.Mul(dx).Add(v.Mul(dy))).Neg()
	j[3] = u.Mul(v).Mul(dx).Add(dy.Mul(one.Add(v.Mul(v)))).Neg()
	j[4] = u.Mul(v).Mul(dy).Add(dx.Mul(one.Add(u.Mul(u))))
	j[5] = u.Mul(dy).Sub(v.Mul(dx))
}

// calcGSStereo builds the 10x10 stereo system: each point contributes a left
// and a right residual row sharing the pose block, with the affine pairs in
// slots 6/7 (left) and 8/9 (right).
func (t *CoarseTracker) calcGSStereo(lvl int, H *mat.Dense, b *mat.VecDense, aff, affR frame.AffLight) {
	t.acc11.Reset()

	fxl := accum.Splat(float32(t.cam.Fx[lvl]))
	fyl := accum.Splat(float32(t.cam.Fy[lvl]))
	b0 := accum.Splat(float32(t.refAff.B))
	affLL := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrame.Exposure, t.refAff, aff)
	affLLR := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrameRight.Exposure, t.refAff, affR)
	a := accum.Splat(float32(affLL[0]))
	aR := accum.Splat(float32(affLLR[0]))

	minusOne := accum.Splat(-1)
	zeroL := accum.Lane{}

	n := t.bufWarpedN
	var j [11]accum.Lane
	for i := 0; i < n; i += 4 {
		u := accum.Load(t.bufWarpedU, i)
		v := accum.Load(t.bufWarpedV, i)
		id := accum.Load(t.bufWarpedIdepth, i)

		dx := accum.Load(t.bufWarpedDx, i).Mul(fxl)
		dy := accum.Load(t.bufWarpedDy, i).Mul(fyl)
		stereoJac(&j, u, v, id, dx, dy)
		j[6] = a.Mul(b0.Sub(accum.Load(t.bufWarpedRefColor, i)))
		j[7] = minusOne
		j[8] = zeroL
		j[9] = zeroL
		j[10] = accum.Load(t.bufWarpedResidual, i)
		t.acc11.UpdateWeighted(j[:], accum.Load(t.bufWarpedWeight, i))

		dxR := accum.Load(t.bufWarpedIdepthR, i).Mul(accum.Load(t.bufWarpedDxR, i)).Mul(fxl)
		dyR := accum.Load(t.bufWarpedIdepthR, i).Mul(accum.Load(t.bufWarpedDyR, i)).Mul(fyl)
		stereoJac(&j, u, v, id, dxR, dyR)
		j[6] = zeroL
		j[7] = zeroL
		j[8] = aR.Mul(b0.Sub(accum.Load(t.bufWarpedRefColor, i)))
		j[9] = minusOne
		j[10] = accum.Load(t.bufWarpedResidualR, i)
		t.acc11.UpdateWeighted(j[:], accum.Load(t.bufWarpedWeightR, i))
	}

	t.acc11.Finish()
	inv := 1 / float64(n)
	for r := 0; r < 10; r++ {
		for c := 0; c < 10; c++ {
			H.Set(r, c, float64(t.acc11.H[r][c])*inv)
		}
		b.SetVec(r, float64(t.acc11.H[r][10])*inv)
	}
	applyScales(H, b, t.poseScales(4))
}

// recipOrZero inverts each lane element, mapping zero (padding lanes) to
// zero instead of infinity.
func recipOrZero(l accum.Lane) accum.Lane {
	var out accum.Lane
	for i, v := range l {
		if v != 0 {
			out[i] = 1 / v
		}
	}
	return out
}

// calcMSCStereo builds the depth-marginalized 10x10 stereo system used by
// the inertial coupling: every Jacobian entry is pre-multiplied by the
// residual's inverse-depth derivative and the weight divided by the summed
// squared depth derivatives, which Schur-eliminates the per-point depth.
func (t *CoarseTracker) calcMSCStereo(lvl int, H *mat.Dense, b *mat.VecDense, aff, affR frame.AffLight) {
	t.acc11.Reset()

	fxl := accum.Splat(float32(t.cam.Fx[lvl]))
	fyl := accum.Splat(float32(t.cam.Fy[lvl]))
	b0 := accum.Splat(float32(t.refAff.B))
	affLL := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrame.Exposure, t.refAff, aff)
	affLLR := frame.FromToVecExposure(t.refFrame.Exposure, t.newFrameRight.Exposure, t.refAff, affR)
	a := accum.Splat(float32(affLL[0]))
	aR := accum.Splat(float32(affLLR[0]))

	minusOne := accum.Splat(-1)
	zeroL := accum.Lane{}

	n := t.bufWarpedN
	var j [11]accum.Lane
	for i := 0; i < n; i += 4 {
		u := accum.Load(t.bufWarpedU, i)
		v := accum.Load(t.bufWarpedV, i)
		id := accum.Load(t.bufWarpedIdepth, i)
		dd := accum.Load(t.bufWarpedDD, i)
		ddR := accum.Load(t.bufWarpedDDR, i)
		dd2i := recipOrZero(dd.Mul(dd).Add(ddR.Mul(ddR)))

		dx := accum.Load(t.bufWarpedDx, i).Mul(fxl)
		dy := accum.Load(t.bufWarpedDy, i).Mul(fyl)
		stereoJac(&j, u, v, id, dx, dy)
		for k := 0; k < 6; k++ {
			j[k] = j[k].Mul(dd)
		}
		j[6] = dd.Mul(a.Mul(b0.Sub(accum.Load(t.bufWarpedRefColor, i))))
		j[7] = dd.Mul(minusOne)
		j[8] = zeroL
		j[9] = zeroL
		j[10] = accum.Load(t.bufWarpedResidual, i)
		t.acc11.UpdateWeighted(j[:], accum.Load(t.bufWarpedWeight, i).Mul(dd2i))

		dxR := accum.Load(t.bufWarpedIdepthR, i).Mul(accum.Load(t.bufWarpedDxR, i)).Mul(fxl)
		dyR := accum.Load(t.bufWarpedIdepthR, i).Mul(accum.Load(t.bufWarpedDyR, i)).Mul(fyl)
		stereoJac(&j, u, v, id, dxR, dyR)
		for k := 0; k < 6; k++ {
			j[k] = j[k].Mul(ddR)
		}
		j[6] = zeroL
		j[7] = zeroL
		j[8] = ddR.Mul(aR.Mul(b0.Sub(accum.Load(t.bufWarpedRefColor, i))))
		j[9] = ddR.Mul(minusOne)
		j[10] = accum.Load(t.bufWarpedResidualR, i)
		t.acc11.UpdateWeighted(j[:], accum.Load(t.bufWarpedWeightR, i).Mul(dd2i))
	}

	t.acc11.Finish()
	inv := 1 / float64(n)
	for r := 0; r < 10; r++ {
		for c := 0; c < 10; c++ {
			H.Set(r, c, float64(t.acc11.H[r][c])*inv)
		}
		b.SetVec(r, float64(t.acc11.H[r][10])*inv)
	}
	applyScales(H, b, t.poseScales(4))
}
