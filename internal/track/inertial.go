package track

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/imu"
	"github.com/meridian-robotics/dvio/internal/monitoring"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// jointIterations is the fixed outer iteration count of the combined
// direct+inertial refinement.
const jointIterations = 6

// addJtJ accumulates Ja^T*Jb into H at block (r0, c0), and mirrors it when
// mirror is set.
func addJtJ(H *mat.Dense, r0, c0 int, Ja, Jb *mat.Dense, mirror bool) {
	var blk mat.Dense
	blk.Mul(Ja.T(), Jb)
	ra, ca := blk.Dims()
	for r := 0; r < ra; r++ {
		for c := 0; c < ca; c++ {
			H.Set(r0+r, c0+c, H.At(r0+r, c0+c)+blk.At(r, c))
			if mirror {
				H.Set(c0+c, r0+r, H.At(c0+c, r0+r)+blk.At(r, c))
			}
		}
	}
}

// addJtr accumulates J^T*res into b at offset r0.
func addJtr(b *mat.VecDense, r0 int, J *mat.Dense, res [15]float64) {
	rows, cols := J.Dims()
	for c := 0; c < cols; c++ {
		s := 0.0
		for r := 0; r < rows; r++ {
			s += J.At(r, c) * res[r]
		}
		b.SetVec(r0+c, b.AtVec(r0+c)+s)
	}
}

// TrackNewestCoarseStereoInertial runs the stereo coarse-to-fine refinement
// followed by a fixed number of joint direct+inertial iterations over the
// IMU window between the reference (or last tracked frame) and the new
// frame, then marginalizes the transient state into the prior for the next
// call. When the IMU window does not cover the interval the inertial stage
// is skipped and the visual result returned.
func (t *CoarseTracker) TrackNewestCoarseStereoInertial(newF, newFRight *frame.Frame, imuData []imu.Measurement, lastToNew *se3.Transform, aff, affR *frame.AffLight, coarsestLvl int, minResForAbort [calib.PyrLevels]float64) bool {
	t.newFrame = newF
	t.newFrameRight = newFRight
	for i := range t.LastResiduals {
		t.LastResiduals[i] = math.NaN()
	}
	t.LastFlowIndicators = [3]float64{1000, 1000, 1000}
	t.CutoffEscalations = 0

	cur, affCur, affRCur, ok := t.stereoCoarseToFine(*lastToNew, *aff, *affR, coarsestLvl, minResForAbort, true)
	if !ok {
		return false
	}

	// A good direct alignment exists; now couple in the IMU.
	t.redoPropagation = true
	if t.lastShell != nil {
		t.t0 = t.lastShell.Timestamp
	} else {
		t.t0 = t.refFrame.Timestamp
	}
	t.t1 = newF.Timestamp

	var sb0, sb1 imu.SpeedAndBias
	if t.lastShell != nil {
		sb0 = imu.SpeedAndBias(t.lastShell.SpeedAndBias)
	} else {
		sb0 = imu.SpeedAndBias(t.refFrame.SpeedAndBias)
	}
	sb1 = imu.SpeedAndBias(newF.SpeedAndBias)

	TSW0 := se3.Identity()
	if t.lastShell != nil {
		TSW0 = *lastToNew
	}
	TSW1 := cur

	twoNodes := t.lastShell != nil
	dim := 28
	if twoNodes {
		dim = 38
	}
	H := mat.NewDense(dim, dim, nil)
	b := mat.NewVecDense(dim, nil)

	HD := mat.NewDense(10, 10, nil)
	bD := mat.NewVecDense(10, nil)

	gW := t.refFrame.WorldToCamEval.R.MulVec(se3.Vec3{0, -t.imuParams.G, 0})
	deltaT := t.t1 - t.t0

	imuOK := true
	for iteration := 0; iteration < jointIterations && imuOK; iteration++ {
		lambda := 0.01

		resOld := t.calcResStereo(0, cur, affCur, affRCur, t.cfg.CoarseCutoffTH, true)
		t.calcGSStereo(0, HD, bD, affCur, affRCur)

		// Refresh pre-integration when forced or when the gyro bias drifted
		// far enough from the linearization point.
		biasDrift := sb1.GyroBias().Sub(t.preint.RefSpeedAndBias.GyroBias()).Norm()
		if t.redoPropagation || biasDrift*deltaT > 1e-4 {
			if _, err := t.preint.Integrate(imuData, t.t0, t.t1, sb0, &t.imuParams); err != nil {
				monitoring.Logf("track: inertial stage disabled: %v", err)
				imuOK = false
				break
			}
			t.redoPropagation = false
		}

		rj := t.preint.Residual(TSW0.Inverse(), TSW1.Inverse(), sb0, sb1, gW, deltaT, t.cfg.IMUResidualWeight)

		H.Zero()
		b.Zero()

		if !twoNodes {
			// 28 = [pose+affine of new | sb0 | sb1].
			for r := 0; r < 10; r++ {
				for c := 0; c < 10; c++ {
					H.Set(r, c, HD.At(r, c))
				}
				b.SetVec(r, bD.AtVec(r))
			}
			addJtJ(H, 0, 0, rj.JXi1, rj.JXi1, false)
			addJtJ(H, 0, 10, rj.JXi1, rj.JSb0, true)
			addJtJ(H, 0, 19, rj.JXi1, rj.JSb1, true)
			addJtJ(H, 10, 10, rj.JSb0, rj.JSb0, false)
			addJtJ(H, 10, 19, rj.JSb0, rj.JSb1, true)
			addJtJ(H, 19, 19, rj.JSb1, rj.JSb1, false)

			addJtr(b, 0, rj.JXi1, rj.Res)
			addJtr(b, 10, rj.JSb0, rj.Res)
			addJtr(b, 19, rj.JSb1, rj.Res)
		} else {
			// 38 = [pose+affine ref-node | sb0 | pose+affine of new | sb1].
			for r := 0; r < 10; r++ {
				for c := 0; c < 10; c++ {
					H.Set(19+r, 19+c, HD.At(r, c))
				}
				b.SetVec(19+r, bD.AtVec(r))
			}
			addJtJ(H, 0, 0, rj.JXi0, rj.JXi0, false)
			addJtJ(H, 0, 10, rj.JXi0, rj.JSb0, true)
			addJtJ(H, 0, 19, rj.JXi0, rj.JXi1, true)
			addJtJ(H, 0, 29, rj.JXi0, rj.JSb1, true)
			addJtJ(H, 10, 10, rj.JSb0, rj.JSb0, false)
			addJtJ(H, 10, 19, rj.JSb0, rj.JXi1, true)
			addJtJ(H, 10, 29, rj.JSb0, rj.JSb1, true)
			addJtJ(H, 19, 19, rj.JXi1, rj.JXi1, false)
			addJtJ(H, 19, 29, rj.JXi1, rj.JSb1, true)
			addJtJ(H, 29, 29, rj.JSb1, rj.JSb1, false)

			addJtr(b, 0, rj.JXi0, rj.Res)
			addJtr(b, 10, rj.JSb0, rj.Res)
			addJtr(b, 19, rj.JXi1, rj.Res)
			addJtr(b, 29, rj.JSb1, rj.Res)

			// Marginal prior over the retained node: only the diagonal
			// pose/affine and speed-and-bias blocks are carried.
			if t.priorH != nil {
				for r := 0; r < 10; r++ {
					for c := 0; c < 10; c++ {
						H.Set(r, c, H.At(r, c)+t.priorH.At(r, c))
					}
					b.SetVec(r, b.AtVec(r)+t.priorB.AtVec(r))
				}
				for r := 10; r < 19; r++ {
					for c := 10; c < 19; c++ {
						H.Set(r, c, H.At(r, c)+t.priorH.At(r, c))
					}
					b.SetVec(r, b.AtVec(r)+t.priorB.AtVec(r))
				}
			}
		}

		for i := 0; i < dim; i++ {
			H.Set(i, i, H.At(i, i)*(1+lambda))
		}
		var inc mat.VecDense
		negB := mat.NewVecDense(dim, nil)
		for i := 0; i < dim; i++ {
			negB.SetVec(i, -b.AtVec(i))
		}
		if err := inc.SolveVec(H, negB); err != nil {
			monitoring.Logf("track: joint system singular, keeping state")
			continue
		}

		extrapFac := 1.0
		if lambda < t.cfg.LambdaExtrapolationLimit {
			extrapFac = math.Sqrt(math.Sqrt(t.cfg.LambdaExtrapolationLimit / lambda))
		}
		inc.ScaleVec(extrapFac, &inc)

		poseOff := 0
		sb1Off := 19
		if twoNodes {
			poseOff = 19
			sb1Off = 29
		}

		incScaled := make([]float64, 10)
		for i := 0; i < 10; i++ {
			incScaled[i] = inc.AtVec(poseOff + i)
		}
		incScaled = t.scaleInc(incScaled)
		if !allFinite(incScaled) {
			for i := range incScaled {
				incScaled[i] = 0
			}
		}
		TSW1New := se3.Exp([6]float64{incScaled[0], incScaled[1], incScaled[2],
			incScaled[3], incScaled[4], incScaled[5]}).Mul(TSW1)
		affNew := affCur
		affRNew := affRCur
		affNew.A += incScaled[6]
		affNew.B += incScaled[7]
		affRNew.A += incScaled[8]
		affRNew.B += incScaled[9]

		TSW0New := TSW0
		if twoNodes {
			inc0 := make([]float64, 10)
			for i := 0; i < 10; i++ {
				inc0[i] = inc.AtVec(i)
			}
			inc0 = t.scaleInc(inc0)
			if !allFinite(inc0) {
				for i := range inc0 {
					inc0[i] = 0
				}
			}
			TSW0New = se3.Exp([6]float64{inc0[0], inc0[1], inc0[2],
				inc0[3], inc0[4], inc0[5]}).Mul(TSW0)
		}

		// The acceptance test uses the direct residual alone.
		resNew := t.calcResStereo(0, TSW1New, affNew, affRNew, t.cfg.CoarseCutoffTH, true)
		if resNew.Energy/float64(resNew.Terms) < resOld.Energy/float64(resOld.Terms) {
			affCur = affNew
			affRCur = affRNew
			TSW0 = TSW0New
			TSW1 = TSW1New
			cur = TSW1
			var d0, d1 [9]float64
			for i := 0; i < 9; i++ {
				d0[i] = inc.AtVec(10 + i)
				d1[i] = inc.AtVec(sb1Off + i)
			}
			for i := 0; i < 9; i++ {
				sb0[i] += d0[i]
				sb1[i] += d1[i]
			}
		}
	}

	if imuOK {
		t.marginalize(H, b, twoNodes)

		if t.lastShell != nil {
			t.lastShell.SpeedAndBias = frame.SpeedAndBias(sb0)
		} else {
			t.refFrame.SpeedAndBias = frame.SpeedAndBias(sb0)
		}
		newF.SpeedAndBias = frame.SpeedAndBias(sb1)
	}

	*lastToNew = cur
	*aff = affCur
	*affR = affRCur

	if !t.validateAffine(aff, newF) {
		return false
	}

	if imuOK {
		t.lastShell = newF
	}
	return true
}

// marginalize Schur-complements the transient block out of the last joint
// system, leaving the prior over the new frame's pose, affine and
// speed-and-bias (19 variables). Without a second pose node the retained
// indices are interleaved and rearranged first to preserve index order.
func (t *CoarseTracker) marginalize(H *mat.Dense, b *mat.VecDense, twoNodes bool) {
	var retained, marg []int
	if twoNodes {
		// Retained: new node (19..28) and sb1 (29..37). Marginalized: old
		// node and sb0 (0..18).
		for i := 19; i < 38; i++ {
			retained = append(retained, i)
		}
		for i := 0; i < 19; i++ {
			marg = append(marg, i)
		}
	} else {
		// Retained: pose+affine (0..9) and sb1 (19..27). Marginalized: sb0.
		for i := 0; i < 10; i++ {
			retained = append(retained, i)
		}
		for i := 19; i < 28; i++ {
			retained = append(retained, i)
		}
		for i := 10; i < 19; i++ {
			marg = append(marg, i)
		}
	}

	nr, nm := len(retained), len(marg)
	Hrr := mat.NewDense(nr, nr, nil)
	Hrm := mat.NewDense(nr, nm, nil)
	Hmm := mat.NewDense(nm, nm, nil)
	br := mat.NewVecDense(nr, nil)
	bm := mat.NewVecDense(nm, nil)

	for i, ri := range retained {
		for j, rj := range retained {
			Hrr.Set(i, j, H.At(ri, rj))
		}
		for j, mj := range marg {
			Hrm.Set(i, j, H.At(ri, mj))
		}
		br.SetVec(i, b.AtVec(ri))
	}
	for i, mi := range marg {
		for j, mj := range marg {
			Hmm.Set(i, j, H.At(mi, mj))
		}
		bm.SetVec(i, b.AtVec(mi))
	}

	var HmmInv mat.Dense
	if err := HmmInv.Inverse(Hmm); err != nil {
		monitoring.Logf("track: marginalization block singular, dropping prior")
		t.priorH = nil
		t.priorB = nil
		return
	}

	var tmp, schur mat.Dense
	tmp.Mul(Hrm, &HmmInv)
	schur.Mul(&tmp, Hrm.T())

	t.priorH = mat.NewDense(retainedDim, retainedDim, nil)
	t.priorB = mat.NewVecDense(retainedDim, nil)
	for i := 0; i < retainedDim; i++ {
		for j := 0; j < retainedDim; j++ {
			t.priorH.Set(i, j, Hrr.At(i, j)-schur.At(i, j))
		}
	}
	var bmReduced mat.VecDense
	bmReduced.MulVec(&tmp, bm)
	for i := 0; i < retainedDim; i++ {
		t.priorB.SetVec(i, br.AtVec(i)-bmReduced.AtVec(i))
	}
}
