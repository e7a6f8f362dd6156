package track

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/monitoring"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// solveDamped solves (H with damped diagonal) * inc = -b over the kept
// index subset; entries outside keep stay zero. A singular system yields a
// zero step.
func solveDamped(H *mat.Dense, b *mat.VecDense, lambda float64, keep []int, dim int) []float64 {
	k := len(keep)
	Hr := mat.NewDense(k, k, nil)
	br := mat.NewVecDense(k, nil)
	for i, ri := range keep {
		for j, ci := range keep {
			v := H.At(ri, ci)
			if ri == ci {
				v *= 1 + lambda
			}
			Hr.Set(i, j, v)
		}
		br.SetVec(i, -b.AtVec(ri))
	}

	var x mat.VecDense
	inc := make([]float64, dim)
	if err := x.SolveVec(Hr, br); err != nil {
		return inc
	}
	for i, ri := range keep {
		inc[ri] = x.AtVec(i)
	}
	return inc
}

// keepIndices enumerates the solved variables for the four affine-fix
// combinations. dim is 8 (mono) or 10 (stereo); fixed a-slots are 6 (and 8),
// fixed b-slots 7 (and 9).
func keepIndices(dim int, fixA, fixB bool) []int {
	keep := []int{0, 1, 2, 3, 4, 5}
	switch {
	case fixA && fixB:
	case fixB:
		keep = append(keep, 6)
		if dim == 10 {
			keep = append(keep, 8)
		}
	case fixA:
		keep = append(keep, 7)
		if dim == 10 {
			keep = append(keep, 9)
		}
	default:
		for i := 6; i < dim; i++ {
			keep = append(keep, i)
		}
	}
	return keep
}

func incNorm(inc []float64) float64 {
	s := 0.0
	for _, v := range inc {
		s += v * v
	}
	return math.Sqrt(s)
}

func allFinite(inc []float64) bool {
	for _, v := range inc {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// scaleInc converts a solver-space step into state units.
func (t *CoarseTracker) scaleInc(inc []float64) []float64 {
	out := make([]float64, len(inc))
	for i := 0; i < 3; i++ {
		out[i] = inc[i] * t.cfg.ScaleXiRot
		out[3+i] = inc[3+i] * t.cfg.ScaleXiTrans
	}
	for i := 6; i < len(inc); i += 2 {
		out[i] = inc[i] * t.cfg.ScaleA
		out[i+1] = inc[i+1] * t.cfg.ScaleB
	}
	return out
}

// validateAffine applies the final sanity checks on the optimized affine
// parameters and the relative exposure, and zeroes fixed variables.
func (t *CoarseTracker) validateAffine(aff *frame.AffLight, newF *frame.Frame) bool {
	cfg := &t.cfg
	if (cfg.AffineOptModeA != 0 && math.Abs(aff.A) > 1.2) ||
		(cfg.AffineOptModeB != 0 && math.Abs(aff.B) > 200) {
		return false
	}

	relAff := frame.FromToVecExposure(t.refFrame.Exposure, newF.Exposure, t.refAff, *aff)
	if (cfg.AffineOptModeA == 0 && math.Abs(math.Log(relAff[0])) > 1.5) ||
		(cfg.AffineOptModeB == 0 && math.Abs(relAff[1]) > 200) {
		return false
	}

	if cfg.AffineOptModeA < 0 {
		aff.A = 0
	}
	if cfg.AffineOptModeB < 0 {
		aff.B = 0
	}
	return true
}

// TrackNewestCoarse estimates the pose of a new monocular frame relative to
// the reference. lastToNew and aff carry the initial guess in and the
// refined state out. Returns false when tracking failed and the caller
// should consider switching the reference.
func (t *CoarseTracker) TrackNewestCoarse(newF *frame.Frame, lastToNew *se3.Transform, aff *frame.AffLight, coarsestLvl int, minResForAbort [calib.PyrLevels]float64) bool {
	t.newFrame = newF
	for i := range t.LastResiduals {
		t.LastResiduals[i] = math.NaN()
	}
	t.LastFlowIndicators = [3]float64{1000, 1000, 1000}
	t.CutoffEscalations = 0

	cfg := &t.cfg
	fixA := cfg.AffineOptModeA < 0
	fixB := cfg.AffineOptModeB < 0
	keep := keepIndices(8, fixA, fixB)

	cur := *lastToNew
	affCur := *aff

	H := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)

	haveRepeated := false

	for lvl := coarsestLvl; lvl >= 0; lvl-- {
		levelCutoffRepeat := float32(1)
		resOld := t.calcRes(lvl, cur, affCur, cfg.CoarseCutoffTH*levelCutoffRepeat)
		for resOld.Saturated > cfg.SaturatedRatioTH && levelCutoffRepeat < cfg.MaxCutoffFactor {
			levelCutoffRepeat *= 2
			t.CutoffEscalations++
			resOld = t.calcRes(lvl, cur, affCur, cfg.CoarseCutoffTH*levelCutoffRepeat)
			if !cfg.Quiet {
				monitoring.Logf("track: increasing cutoff to %f (saturated ratio %f)",
					cfg.CoarseCutoffTH*levelCutoffRepeat, resOld.Saturated)
			}
		}

		t.calcGS(lvl, H, b, affCur)

		lambda := 0.01
		for iteration := 0; iteration < cfg.MaxIterations[lvl]; iteration++ {
			inc := solveDamped(H, b, lambda, keep, 8)

			extrapFac := 1.0
			if lambda < cfg.LambdaExtrapolationLimit {
				extrapFac = math.Sqrt(math.Sqrt(cfg.LambdaExtrapolationLimit / lambda))
			}
			for i := range inc {
				inc[i] *= extrapFac
			}

			incScaled := t.scaleInc(inc)
			if !allFinite(incScaled) {
				for i := range incScaled {
					incScaled[i] = 0
				}
			}

			next := se3.Exp([6]float64{incScaled[0], incScaled[1], incScaled[2],
				incScaled[3], incScaled[4], incScaled[5]}).Mul(cur)
			affNew := affCur
			affNew.A += incScaled[6]
			affNew.B += incScaled[7]

			resNew := t.calcRes(lvl, next, affNew, cfg.CoarseCutoffTH*levelCutoffRepeat)
			accept := resNew.Energy/float64(resNew.Terms) < resOld.Energy/float64(resOld.Terms)

			if accept {
				t.calcGS(lvl, H, b, affNew)
				resOld = resNew
				affCur = affNew
				cur = next
				lambda *= 0.5
			} else {
				lambda *= 4
				if lambda < cfg.LambdaExtrapolationLimit {
					lambda = cfg.LambdaExtrapolationLimit
				}
			}

			if !(incNorm(inc) > 1e-3) {
				if lvl == coarsestLvl {
					newF.TrackIterations = iteration + 1
				}
				break
			}
		}

		t.LastResiduals[lvl] = math.Sqrt(resOld.Energy / float64(resOld.Terms))
		t.LastFlowIndicators = [3]float64{resOld.FlowT, 0, resOld.FlowTR}
		if t.LastResiduals[lvl] > 1.5*minResForAbort[lvl] {
			return false
		}

		if levelCutoffRepeat > 1 && !haveRepeated {
			lvl++
			haveRepeated = true
			if !cfg.Quiet {
				monitoring.Logf("track: repeating level %d after cutoff escalation", lvl-1)
			}
		}
	}

	*lastToNew = cur
	*aff = affCur

	return t.validateAffine(aff, newF)
}

// TrackNewestCoarseStereo is TrackNewestCoarse over a stereo pair, refining
// the left and right affine states jointly.
func (t *CoarseTracker) TrackNewestCoarseStereo(newF, newFRight *frame.Frame, lastToNew *se3.Transform, aff, affR *frame.AffLight, coarsestLvl int, minResForAbort [calib.PyrLevels]float64) bool {
	t.newFrame = newF
	t.newFrameRight = newFRight
	for i := range t.LastResiduals {
		t.LastResiduals[i] = math.NaN()
	}
	t.LastFlowIndicators = [3]float64{1000, 1000, 1000}
	t.CutoffEscalations = 0

	cur, affCur, affRCur, ok := t.stereoCoarseToFine(*lastToNew, *aff, *affR, coarsestLvl, minResForAbort, false)
	if !ok {
		return false
	}

	*lastToNew = cur
	*aff = affCur
	*affR = affRCur

	return t.validateAffine(aff, newF)
}

// stereoCoarseToFine runs the per-level stereo LM refinement and returns
// the refined state. inertial selects the variant that also fills the
// disparity-derivative buffers at level 0.
func (t *CoarseTracker) stereoCoarseToFine(cur se3.Transform, affCur, affRCur frame.AffLight, coarsestLvl int, minResForAbort [calib.PyrLevels]float64, inertial bool) (se3.Transform, frame.AffLight, frame.AffLight, bool) {
	cfg := &t.cfg
	fixA := cfg.AffineOptModeA < 0
	fixB := cfg.AffineOptModeB < 0
	keep := keepIndices(10, fixA, fixB)

	H := mat.NewDense(10, 10, nil)
	b := mat.NewVecDense(10, nil)

	haveRepeated := false

	for lvl := coarsestLvl; lvl >= 0; lvl-- {
		levelCutoffRepeat := float32(1)
		resOld := t.calcResStereo(lvl, cur, affCur, affRCur, cfg.CoarseCutoffTH*levelCutoffRepeat, inertial)
		for resOld.Saturated > cfg.SaturatedRatioTH && levelCutoffRepeat < cfg.MaxCutoffFactor {
			levelCutoffRepeat *= 2
			t.CutoffEscalations++
			resOld = t.calcResStereo(lvl, cur, affCur, affRCur, cfg.CoarseCutoffTH*levelCutoffRepeat, inertial)
			if !cfg.Quiet {
				monitoring.Logf("track: increasing cutoff to %f (saturated ratio %f)",
					cfg.CoarseCutoffTH*levelCutoffRepeat, resOld.Saturated)
			}
		}

		t.calcGSStereo(lvl, H, b, affCur, affRCur)

		lambda := 0.01
		for iteration := 0; iteration < cfg.MaxIterations[lvl]; iteration++ {
			inc := solveDamped(H, b, lambda, keep, 10)

			extrapFac := 1.0
			if lambda < cfg.LambdaExtrapolationLimit {
				extrapFac = math.Sqrt(math.Sqrt(cfg.LambdaExtrapolationLimit / lambda))
			}
			for i := range inc {
				inc[i] *= extrapFac
			}

			incScaled := t.scaleInc(inc)
			if !allFinite(incScaled) {
				for i := range incScaled {
					incScaled[i] = 0
				}
			}

			next := se3.Exp([6]float64{incScaled[0], incScaled[1], incScaled[2],
				incScaled[3], incScaled[4], incScaled[5]}).Mul(cur)
			affNew := affCur
			affRNew := affRCur
			affNew.A += incScaled[6]
			affNew.B += incScaled[7]
			affRNew.A += incScaled[8]
			affRNew.B += incScaled[9]

			resNew := t.calcResStereo(lvl, next, affNew, affRNew, cfg.CoarseCutoffTH*levelCutoffRepeat, inertial)
			accept := resNew.Energy/float64(resNew.Terms) < resOld.Energy/float64(resOld.Terms)

			if accept {
				t.calcGSStereo(lvl, H, b, affNew, affRNew)
				resOld = resNew
				affCur = affNew
				affRCur = affRNew
				cur = next
				lambda *= 0.5
			} else {
				lambda *= 4
				if lambda < cfg.LambdaExtrapolationLimit {
					lambda = cfg.LambdaExtrapolationLimit
				}
			}

			if !(incNorm(inc) > 1e-3) {
				if lvl == coarsestLvl {
					t.newFrame.TrackIterations = iteration + 1
				}
				break
			}
		}

		t.LastResiduals[lvl] = math.Sqrt(resOld.Energy / float64(resOld.Terms))
		t.LastFlowIndicators = [3]float64{resOld.FlowT, 0, resOld.FlowTR}
		if t.LastResiduals[lvl] > 1.5*minResForAbort[lvl] {
			return cur, affCur, affRCur, false
		}

		if levelCutoffRepeat > 1 && !haveRepeated {
			lvl++
			haveRepeated = true
			if !cfg.Quiet {
				monitoring.Logf("track: repeating level %d after cutoff escalation", lvl-1)
			}
		}
	}

	return cur, affCur, affRCur, true
}
