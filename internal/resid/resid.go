// Package resid implements the analytic linearization of photometric
// point-frame residuals for the sliding-window back end, and the inertial
// residual connecting consecutive keyframe states. Each linearization
// produces the full Jacobian stack (pose, intrinsics, inverse depth, affine
// illumination) for every pattern pixel, with per-pixel robust weighting.
package resid

import (
	"math"

	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// Config carries the linearizer thresholds and parameter scales.
type Config struct {
	// HuberTH is the Huber threshold on the photometric residual.
	HuberTH float32
	// OutlierTHSumComponent enters the gradient-dependent pattern weight.
	OutlierTHSumComponent float32

	// AffineOptModeA/B < 0 fixes the corresponding affine variable; its
	// Jacobian columns are zeroed after the inner products are formed.
	AffineOptModeA float64
	AffineOptModeB float64

	ScaleF      float64
	ScaleC      float64
	ScaleIdepth float64
}

// DefaultConfig mirrors the tracker defaults.
func DefaultConfig() Config {
	return Config{
		HuberTH:               9,
		OutlierTHSumComponent: 50 * 50,
		AffineOptModeA:        1e12,
		AffineOptModeB:        1e8,
		ScaleF:                50.0,
		ScaleC:                50.0,
		ScaleIdepth:           1.0,
	}
}

// RawJacobian is the per-residual Jacobian stack consumed by the back-end
// accumulators.
type RawJacobian struct {
	// Jpdxi is d(projected point)/d(pose), one 6-row per pixel coordinate.
	Jpdxi [2][6]float32
	// Jpdc is d(projected point)/d(fx,fy,cx,cy), scaled by the calibration
	// parameter scales.
	Jpdc [2][4]float32
	// Jpdd is d(projected point)/d(inverse depth).
	Jpdd [2]float32

	// ResF holds the weighted residual per pattern pixel.
	ResF [frame.PatternN]float32
	// JIdx holds the weighted image gradient per pattern pixel.
	JIdx [2][frame.PatternN]float32
	// JabF holds the affine derivatives; slots 0/1 are the left frame's
	// (a, b), slots 2/3 the right frame's.
	JabF [4][frame.PatternN]float32

	// Precomputed inner products over the pattern.
	JIdx2   [2][2]float32
	JabJIdx [4][2]float32
	Jab2    [4][4]float32
}

// PointFrameResidual is one point-host-target photometric residual. Frames
// and points live in dense slices owned by the window; the residual stores
// indices and borrows them per call.
type PointFrameResidual struct {
	PointIdx  int
	HostIdx   int
	TargetIdx int

	// StaticStereo marks the residual against the host's right image over
	// the fixed baseline.
	StaticStereo bool

	State    frame.ResState
	NewState frame.ResState

	Energy               float64
	NewEnergy            float64
	NewEnergyWithOutlier float64

	CenterProjectedTo [3]float32
	ProjectedTo       [frame.PatternN][2]float32

	J RawJacobian
}

// TargetPrecalc holds the host-to-target precomputation shared by all
// residuals of one frame pair.
type TargetPrecalc struct {
	// KRKi and Kt project with the current state.
	KRKi [9]float32
	Kt   [3]float32
	// R0 and T0 are the relative pose at the linearization point.
	R0 se3.Mat3
	T0 se3.Vec3

	// AffMode is the relative (a, b) at the current state, B0 the host's
	// affine b at the linearization point.
	AffMode [2]float64
	B0      float64
}

// MakePrecalc assembles the precomputation for a host-target pair.
func MakePrecalc(cam *calib.Camera, hostToTargetCur, hostToTargetEval se3.Transform, affMode [2]float64, b0 float64) TargetPrecalc {
	var p TargetPrecalc
	fx, fy := cam.Fx[0], cam.Fy[0]
	cx, cy := cam.Cx[0], cam.Cy[0]
	R := hostToTargetCur.R
	tr := hostToTargetCur.T

	var k1r [9]float64
	for c := 0; c < 3; c++ {
		k1r[c] = fx*R.At(0, c) + cx*R.At(2, c)
		k1r[3+c] = fy*R.At(1, c) + cy*R.At(2, c)
		k1r[6+c] = R.At(2, c)
	}
	for r := 0; r < 3; r++ {
		p.KRKi[3*r+0] = float32(k1r[3*r+0] * cam.Fxi[0])
		p.KRKi[3*r+1] = float32(k1r[3*r+1] * cam.Fyi[0])
		p.KRKi[3*r+2] = float32(k1r[3*r+0]*cam.Cxi[0] + k1r[3*r+1]*cam.Cyi[0] + k1r[3*r+2])
	}
	p.Kt[0] = float32(fx*tr[0] + cx*tr[2])
	p.Kt[1] = float32(fy*tr[1] + cy*tr[2])
	p.Kt[2] = float32(tr[2])

	p.R0 = hostToTargetEval.R
	p.T0 = hostToTargetEval.T
	p.AffMode = affMode
	p.B0 = b0
	return p
}

// projectCenter projects the point center with the linearization-point pose
// and returns the normalized coordinates, pixel coordinates, depth rescale
// and the back-projected ray.
func projectCenter(cam *calib.Camera, u0, v0, idepth float32, R0 se3.Mat3, t0 se3.Vec3) (drescale, u, v, Ku, Kv float32, KliP [3]float32, newIdepth float32, ok bool) {
	KliP = [3]float32{
		float32(float64(u0)*cam.Fxi[0] + cam.Cxi[0]),
		float32(float64(v0)*cam.Fyi[0] + cam.Cyi[0]),
		1,
	}
	var pt [3]float32
	for r := 0; r < 3; r++ {
		pt[r] = float32(R0.At(r, 0))*KliP[0] + float32(R0.At(r, 1))*KliP[1] + float32(R0.At(r, 2)) + float32(t0[r])*idepth
	}
	drescale = 1 / pt[2]
	newIdepth = idepth * drescale
	if !(drescale > 0) {
		return
	}
	u = pt[0] * drescale
	v = pt[1] * drescale
	Ku = float32(float64(u)*cam.Fx[0] + cam.Cx[0])
	Kv = float32(float64(v)*cam.Fy[0] + cam.Cy[0])
	ok = Ku > 1.1 && Kv > 1.1 && Ku < float32(cam.W[0])-3 && Kv < float32(cam.H[0])-3
	return
}

// projectPattern projects one pattern pixel with the current-state KRKi/Kt.
func projectPattern(cam *calib.Camera, u0, v0, idepth float32, pre *TargetPrecalc) (Ku, Kv float32, ok bool) {
	px := pre.KRKi[0]*u0 + pre.KRKi[1]*v0 + pre.KRKi[2] + pre.Kt[0]*idepth
	py := pre.KRKi[3]*u0 + pre.KRKi[4]*v0 + pre.KRKi[5] + pre.Kt[1]*idepth
	pz := pre.KRKi[6]*u0 + pre.KRKi[7]*v0 + pre.KRKi[8] + pre.Kt[2]*idepth
	Ku = px / pz
	Kv = py / pz
	ok = Ku > 1.1 && Kv > 1.1 && Ku < float32(cam.W[0])-3 && Kv < float32(cam.H[0])-3
	return
}

// Linearize evaluates the residual of point against the target frame and
// fills the Jacobian stack. OOB projections return the cached energy and
// poison the state; energies above the frame threshold (or residuals with
// too little gradient) clamp and mark OUTLIER.
func (r *PointFrameResidual) Linearize(cfg *Config, cam *calib.Camera, point *frame.Point, host, target *frame.Frame, pre *TargetPrecalc) float64 {
	r.NewEnergyWithOutlier = -1

	if r.State == frame.ResOOB {
		r.NewState = frame.ResOOB
		return r.Energy
	}

	dIl := target.Pyr[0]
	var energyLeft float64

	affLL := pre.AffMode
	b0 := pre.B0

	var dxix, dxiy [6]float32
	var dCx, dCy [4]float32
	var ddx, ddy float32
	{
		drescale, u, v, Ku, Kv, KliP, newIdepth, ok :=
			projectCenter(cam, point.U, point.V, point.Idepth, pre.R0, pre.T0)
		if !ok {
			r.NewState = frame.ResOOB
			return r.Energy
		}

		r.CenterProjectedTo = [3]float32{Ku, Kv, newIdepth}

		fxl := float32(cam.Fx[0])
		fyl := float32(cam.Fy[0])
		fxli := float32(cam.Fxi[0])
		fyli := float32(cam.Fyi[0])
		t0 := pre.T0
		R0 := pre.R0

		// d(projection)/d(inverse depth).
		ddx = drescale * float32(t0[0]-t0[2]*float64(u)) * float32(cfg.ScaleIdepth) * fxl
		ddy = drescale * float32(t0[1]-t0[2]*float64(v)) * float32(cfg.ScaleIdepth) * fyl

		// d(projection)/d(fx, fy, cx, cy).
		dCx[2] = drescale * float32(R0.At(2, 0)*float64(u)-R0.At(0, 0))
		dCx[3] = fxl * drescale * float32(R0.At(2, 1)*float64(u)-R0.At(0, 1)) * fyli
		dCx[0] = KliP[0] * dCx[2]
		dCx[1] = KliP[1] * dCx[3]

		dCy[2] = fyl * drescale * float32(R0.At(2, 0)*float64(v)-R0.At(1, 0)) * fxli
		dCy[3] = drescale * float32(R0.At(2, 1)*float64(v)-R0.At(1, 1))
		dCy[0] = KliP[0] * dCy[2]
		dCy[1] = KliP[1] * dCy[3]

		sf := float32(cfg.ScaleF)
		sc := float32(cfg.ScaleC)
		dCx[0] = (dCx[0] + u) * sf
		dCx[1] *= sf
		dCx[2] = (dCx[2] + 1) * sc
		dCx[3] *= sc
		dCy[0] *= sf
		dCy[1] = (dCy[1] + v) * sf
		dCy[2] *= sc
		dCy[3] = (dCy[3] + 1) * sc

		// d(projection)/d(pose).
		if r.StaticStereo {
			// The stereo baseline is rigid; the pose Jacobian vanishes.
			dxix = [6]float32{}
			dxiy = [6]float32{}
		} else {
			dxix[0] = newIdepth * fxl
			dxix[1] = 0
			dxix[2] = -newIdepth * u * fxl
			dxix[3] = -u * v * fxl
			dxix[4] = (1 + u*u) * fxl
			dxix[5] = -v * fxl

			dxiy[0] = 0
			dxiy[1] = newIdepth * fyl
			dxiy[2] = -newIdepth * v * fyl
			dxiy[3] = -(1 + v*v) * fyl
			dxiy[4] = u * v * fyl
			dxiy[5] = u * fyl
		}
	}

	r.J.Jpdxi[0] = dxix
	r.J.Jpdxi[1] = dxiy
	r.J.Jpdc[0] = dCx
	r.J.Jpdc[1] = dCy
	r.J.Jpdd[0] = ddx
	r.J.Jpdd[1] = ddy

	var jIdxJIdx [3]float32    // 00, 11, 10
	var jabJIdx [4][2]float32
	var jab2 [4][4]float32
	var wJI2Sum float32

	// Affine slots: left residuals use 0/1, static stereo the right 2/3.
	aSlot, bSlot := 0, 1
	if r.StaticStereo {
		aSlot, bSlot = 2, 3
	}

	for idx := 0; idx < frame.PatternN; idx++ {
		Ku, Kv, ok := projectPattern(cam,
			point.U+frame.Pattern[idx][0], point.V+frame.Pattern[idx][1],
			point.Idepth*float32(cfg.ScaleIdepth), pre)
		if !ok {
			r.NewState = frame.ResOOB
			return r.Energy
		}

		r.ProjectedTo[idx] = [2]float32{Ku, Kv}

		hit := frame.Interp33(dIl, Ku, Kv, cam.W[0])
		if !isFinite(hit.I) {
			r.NewState = frame.ResOOB
			return r.Energy
		}
		residual := hit.I - float32(affLL[0]*float64(point.Color[idx])+affLL[1])
		drdA := point.Color[idx] - float32(b0)

		gradSq := hit.Dx*hit.Dx + hit.Dy*hit.Dy
		w := float32(math.Sqrt(float64(cfg.OutlierTHSumComponent / (cfg.OutlierTHSumComponent + gradSq))))
		w = 0.5 * (w + point.Weights[idx])

		hw := float32(1)
		if abs32(residual) >= cfg.HuberTH {
			hw = cfg.HuberTH / abs32(residual)
		}
		energyLeft += float64(w * w * hw * residual * residual * (2 - hw))

		if hw < 1 {
			hw = float32(math.Sqrt(float64(hw)))
		}
		hw *= w

		gx := hit.Dx * hw
		gy := hit.Dy * hw

		r.J.ResF[idx] = residual * hw
		r.J.JIdx[0][idx] = gx
		r.J.JIdx[1][idx] = gy
		for s := 0; s < 4; s++ {
			r.J.JabF[s][idx] = 0
		}
		r.J.JabF[aSlot][idx] = -drdA * hw
		r.J.JabF[bSlot][idx] = -hw

		jIdxJIdx[0] += gx * gx
		jIdxJIdx[1] += gy * gy
		jIdxJIdx[2] += gx * gy

		for s := 0; s < 4; s++ {
			jabJIdx[s][0] += r.J.JabF[s][idx] * gx
			jabJIdx[s][1] += r.J.JabF[s][idx] * gy
			for q := s; q < 4; q++ {
				jab2[s][q] += r.J.JabF[s][idx] * r.J.JabF[q][idx]
			}
		}

		wJI2Sum += hw * hw * (hit.Dx*hit.Dx + hit.Dy*hit.Dy)

		if cfg.AffineOptModeA < 0 {
			r.J.JabF[0][idx] = 0
			r.J.JabF[2][idx] = 0
		}
		if cfg.AffineOptModeB < 0 {
			r.J.JabF[1][idx] = 0
			r.J.JabF[3][idx] = 0
		}
	}

	r.J.JIdx2[0][0] = jIdxJIdx[0]
	r.J.JIdx2[1][1] = jIdxJIdx[1]
	r.J.JIdx2[0][1] = jIdxJIdx[2]
	r.J.JIdx2[1][0] = jIdxJIdx[2]
	r.J.JabJIdx = jabJIdx
	for s := 0; s < 4; s++ {
		for q := s; q < 4; q++ {
			r.J.Jab2[s][q] = jab2[s][q]
			r.J.Jab2[q][s] = jab2[s][q]
		}
	}

	r.NewEnergyWithOutlier = energyLeft

	frameTH := float64(maxf32(host.FrameEnergyTH, target.FrameEnergyTH))
	if energyLeft > frameTH || wJI2Sum < 2 {
		energyLeft = frameTH
		r.NewState = frame.ResOutlier
	} else {
		r.NewState = frame.ResIn
	}

	r.NewEnergy = energyLeft
	return energyLeft
}

// ApplyRes commits the pending linearization outcome. OOB is terminal.
func (r *PointFrameResidual) ApplyRes() {
	if r.State == frame.ResOOB {
		return
	}
	r.State = r.NewState
	r.Energy = r.NewEnergy
}

func abs32(v float32) float32 { return float32(math.Abs(float64(v))) }

func maxf32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
