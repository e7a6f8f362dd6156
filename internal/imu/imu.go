// Package imu implements IMU pre-integration between two frame timestamps
// and the 15-dimensional inertial residual with its pose and speed-and-bias
// Jacobians. The accumulated increments are linearised about a reference
// bias; small bias changes are absorbed through the stored bias Jacobians
// and larger ones force a re-integration.
package imu

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/meridian-robotics/dvio/internal/monitoring"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// ErrWindow reports that the measurement sequence does not cover the
// integration interval. Callers fall back to visual-only tracking.
var ErrWindow = errors.New("imu: measurements do not cover integration window")

// Measurement is one IMU sample.
type Measurement struct {
	Timestamp float64
	Gyro      se3.Vec3 // rad/s
	Acc       se3.Vec3 // m/s^2
}

// Parameters carries the noise densities and saturation limits of the IMU.
type Parameters struct {
	SigmaGC  float64 // gyro noise density (rad/s/sqrt(Hz))
	SigmaAC  float64 // accelerometer noise density (m/s^2/sqrt(Hz))
	SigmaGWC float64 // gyro bias random walk
	SigmaAWC float64 // accelerometer bias random walk
	G        float64 // gravity magnitude (m/s^2)
	GMax     float64 // gyro saturation (rad/s)
	AMax     float64 // accelerometer saturation (m/s^2)
}

// DefaultParameters returns values for a consumer-grade MEMS IMU.
func DefaultParameters() Parameters {
	return Parameters{
		SigmaGC:  12.0e-4,
		SigmaAC:  8.0e-3,
		SigmaGWC: 4.0e-6,
		SigmaAWC: 4.0e-5,
		G:        9.81007,
		GMax:     7.8,
		AMax:     176.0,
	}
}

// SpeedAndBias stacks velocity, gyro bias and accelerometer bias.
type SpeedAndBias [9]float64

// Velocity returns components 0..2.
func (s SpeedAndBias) Velocity() se3.Vec3 { return se3.Vec3{s[0], s[1], s[2]} }

// GyroBias returns components 3..5.
func (s SpeedAndBias) GyroBias() se3.Vec3 { return se3.Vec3{s[3], s[4], s[5]} }

// AccBias returns components 6..8.
func (s SpeedAndBias) AccBias() se3.Vec3 { return se3.Vec3{s[6], s[7], s[8]} }

// Preintegrator accumulates IMU measurements over [t0, t1] into relative
// rotation/velocity/position increments with bias Jacobians, a 15x15
// covariance and its square-root information factor.
type Preintegrator struct {
	DeltaR se3.Mat3
	DeltaV se3.Vec3
	DeltaP se3.Vec3

	DRdbg se3.Mat3
	DVdbg se3.Mat3
	DVdba se3.Mat3
	DPdbg se3.Mat3
	DPdba se3.Mat3

	// Sigma is the propagated 15x15 covariance (symmetrized).
	Sigma *mat.SymDense
	// SqrtInfo is the upper Cholesky factor U with U^T*U = Sigma^-1, used
	// to whiten the residual.
	SqrtInfo *mat.TriDense

	// RefSpeedAndBias is the linearization point of the last integration.
	RefSpeedAndBias SpeedAndBias
}

// NewPreintegrator returns a zeroed pre-integrator.
func NewPreintegrator() *Preintegrator {
	return &Preintegrator{
		DeltaR:   se3.Identity3(),
		Sigma:    mat.NewSymDense(15, nil),
		SqrtInfo: mat.NewTriDense(15, mat.Upper, nil),
	}
}

// Integrate walks the measurement sequence across [t0, t1], linearising
// about the biases in sb. Sample intervals straddling an endpoint are
// linearly interpolated; non-positive intervals are skipped; samples beyond
// the gyro/accelerometer saturation limits get their noise inflated x100.
// Returns the number of integrated steps.
func (p *Preintegrator) Integrate(data []Measurement, t0, t1 float64, sb SpeedAndBias, par *Parameters) (int, error) {
	if len(data) == 0 || data[0].Timestamp > t0 || data[len(data)-1].Timestamp < t1 {
		return 0, ErrWindow
	}

	p.DeltaR = se3.Identity3()
	p.DeltaV = se3.Vec3{}
	p.DeltaP = se3.Vec3{}
	p.DRdbg = se3.Mat3{}
	p.DVdbg = se3.Mat3{}
	p.DVdba = se3.Mat3{}
	p.DPdbg = se3.Mat3{}
	p.DPdba = se3.Mat3{}

	sigmaEta := mat.NewDense(6, 6, nil)
	sigma := mat.NewDense(15, 15, nil)

	bg := sb.GyroBias()
	ba := sb.AccBias()

	time := t0
	started := false
	steps := 0

	for i := range data {
		omega0 := data[i].Gyro
		acc0 := data[i].Acc
		var omega1, acc1 se3.Vec3
		var nexttime float64
		if i+1 == len(data) {
			nexttime = t1
			omega1, acc1 = omega0, acc0
		} else {
			nexttime = data[i+1].Timestamp
			omega1 = data[i+1].Gyro
			acc1 = data[i+1].Acc
		}
		dt := nexttime - time

		if t1 < nexttime {
			interval := nexttime - data[i].Timestamp
			nexttime = t1
			dt = nexttime - time
			r := dt / interval
			omega1 = omega0.Scale(1 - r).Add(omega1.Scale(r))
			acc1 = acc0.Scale(1 - r).Add(acc1.Scale(r))
		}

		if dt <= 0 {
			continue
		}

		if !started {
			started = true
			r := dt / (nexttime - data[i].Timestamp)
			omega0 = omega0.Scale(r).Add(omega1.Scale(1 - r))
			acc0 = acc0.Scale(r).Add(acc1.Scale(1 - r))
		}

		sigmaG := par.SigmaGC
		sigmaA := par.SigmaAC
		if exceeds(omega0, par.GMax) || exceeds(omega1, par.GMax) {
			sigmaG *= 100
			monitoring.Logf("imu: gyro saturation at t=%.6f", time)
		}
		if exceeds(acc0, par.AMax) || exceeds(acc1, par.AMax) {
			sigmaA *= 100
			monitoring.Logf("imu: accelerometer saturation at t=%.6f", time)
		}
		// Per-step 6x6 noise PSD; saturation inflation applies only to the
		// step it occurred in.
		for j := 0; j < 3; j++ {
			sigmaEta.Set(j, j, sigmaG*sigmaG)
			sigmaEta.Set(j+3, j+3, sigmaA*sigmaA)
		}

		// Trapezoidal sample, bias removed.
		omegaTrue := omega0.Add(omega1).Scale(0.5).Sub(bg)
		accTrue := acc0.Add(acc1).Scale(0.5).Sub(ba)

		deltaRStep := se3.ExpSO3(omegaTrue.Scale(dt))
		deltaRNew := p.DeltaR.Mul(deltaRStep)
		deltaVNew := p.DeltaV.Add(p.DeltaR.MulVec(accTrue).Scale(dt))
		deltaPNew := p.DeltaP.Add(p.DeltaV.Scale(dt)).Add(p.DeltaR.MulVec(accTrue).Scale(0.5 * dt * dt))

		// Bias Jacobian propagation. The gyro-bias sensitivities couple
		// through the angular-velocity cross term; the acceleration cross
		// enters only the covariance transition below.
		jr := se3.RightJacobianSO3(omegaTrue.Scale(dt))
		p.DRdbg = p.DRdbg.Add(deltaRNew.Mul(jr).Scale(-dt))
		omegaCross := se3.Hat(omegaTrue)
		accCross := se3.Hat(accTrue)
		p.DVdbg = p.DVdbg.Add(p.DeltaR.Mul(omegaCross).Mul(p.DRdbg).Scale(-dt))
		p.DVdba = p.DVdba.Add(p.DeltaR.Scale(-dt))
		p.DPdbg = p.DPdbg.Add(p.DeltaR.Mul(omegaCross).Mul(p.DRdbg).Scale(-1.5 * dt))
		p.DPdba = p.DPdba.Add(p.DeltaR.Scale(-1.5 * dt * dt))

		// Covariance propagation: Sigma <- A*Sigma*A^T + B*SigmaEta*B^T.
		A := mat.NewDense(15, 15, nil)
		for j := 0; j < 15; j++ {
			A.Set(j, j, 1)
		}
		setBlock(A, 0, 0, deltaRStep.Transpose())
		setBlock(A, 3, 0, p.DeltaR.Mul(accCross).Scale(-dt))
		setBlock(A, 6, 0, p.DeltaR.Mul(accCross).Scale(-1.5*dt*dt))
		setBlock(A, 6, 3, se3.Identity3().Scale(dt))

		B := mat.NewDense(15, 6, nil)
		setBlock(B, 0, 0, jr.Scale(dt))
		setBlock(B, 3, 3, p.DeltaR.Scale(dt))
		setBlock(B, 6, 3, p.DeltaR.Scale(1.5*dt*dt))

		var asa, bsb, tmp mat.Dense
		tmp.Mul(A, sigma)
		asa.Mul(&tmp, A.T())
		tmp.Reset()
		tmp.Mul(B, sigmaEta)
		bsb.Mul(&tmp, B.T())
		sigma.Add(&asa, &bsb)
		// The bias random walks drive the bias blocks on their own.
		for j := 0; j < 3; j++ {
			sigma.Set(9+j, 9+j, sigma.At(9+j, 9+j)+par.SigmaGWC*par.SigmaGWC*dt*dt)
			sigma.Set(12+j, 12+j, sigma.At(12+j, 12+j)+par.SigmaAWC*par.SigmaAWC*dt*dt)
		}

		p.DeltaR = deltaRNew
		p.DeltaV = deltaVNew
		p.DeltaP = deltaPNew
		time = nexttime
		steps++

		if nexttime == t1 {
			break
		}
	}

	p.RefSpeedAndBias = sb

	// Symmetrize, invert, symmetrize, factor.
	for r := 0; r < 15; r++ {
		for c := r; c < 15; c++ {
			p.Sigma.SetSym(r, c, 0.5*(sigma.At(r, c)+sigma.At(c, r)))
		}
	}
	var info mat.Dense
	if err := info.Inverse(p.Sigma); err != nil {
		return steps, err
	}
	infoSym := mat.NewSymDense(15, nil)
	for r := 0; r < 15; r++ {
		for c := r; c < 15; c++ {
			infoSym.SetSym(r, c, 0.5*(info.At(r, c)+info.At(c, r)))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(infoSym) {
		return steps, errors.New("imu: information matrix not positive definite")
	}
	chol.UTo(p.SqrtInfo)

	return steps, nil
}

// ResidualJac is the whitened 15-dim inertial residual with Jacobian blocks
// for the two connected states.
type ResidualJac struct {
	Res [15]float64

	JXi0 *mat.Dense // 15x6, w.r.t. reference pose
	JSb0 *mat.Dense // 15x9, w.r.t. reference speed-and-bias
	JXi1 *mat.Dense // 15x6, w.r.t. new pose
	JSb1 *mat.Dense // 15x9, w.r.t. new speed-and-bias
}

// Norm returns the Euclidean norm of the residual vector.
func (r *ResidualJac) Norm() float64 {
	s := 0.0
	for _, v := range r.Res {
		s += v * v
	}
	return math.Sqrt(s)
}

// Residual evaluates the pre-integrated inertial error between the
// world-to-sensor inverse poses TWS0, TWS1 with states sb0, sb1, whitens it
// with the square-root information and scales by weight. gW is the gravity
// vector in the world frame; dt is t1-t0. The bias Jacobians absorb the
// offset between sb1's biases and the integration reference.
func (p *Preintegrator) Residual(TWS0, TWS1 se3.Transform, sb0, sb1 SpeedAndBias, gW se3.Vec3, dt, weight float64) *ResidualJac {
	tS0 := TWS0.T
	tS1 := TWS1.T
	cWS0 := TWS0.R
	cS0W := cWS0.Transpose()
	cWS1 := TWS1.R
	cS1W := cWS1.Transpose()

	deltaBg := sb1.GyroBias().Sub(p.RefSpeedAndBias.GyroBias())
	deltaBa := sb1.AccBias().Sub(p.RefSpeedAndBias.AccBias())

	// Kinematic terms shared between residual and Jacobians.
	pTerm := tS1.Sub(tS0).Sub(sb0.Velocity().Scale(dt)).Sub(gW.Scale(0.5 * dt * dt))
	vTerm := sb1.Velocity().Sub(sb0.Velocity()).Sub(gW.Scale(dt))

	var err [15]float64
	ep := cS0W.MulVec(pTerm).
		Sub(p.DeltaP.Add(p.DPdbg.MulVec(deltaBg)).Add(p.DPdba.MulVec(deltaBa)))
	corrR := p.DeltaR.Mul(se3.ExpSO3(p.DRdbg.MulVec(deltaBg)))
	eR := se3.LogSO3(corrR.Transpose().Mul(cS0W).Mul(cWS1))
	ev := cS0W.MulVec(vTerm).
		Sub(p.DeltaV.Add(p.DVdbg.MulVec(deltaBg)).Add(p.DVdba.MulVec(deltaBa)))
	for i := 0; i < 3; i++ {
		err[i] = ep[i]
		err[3+i] = eR[i]
		err[6+i] = ev[i]
		err[9+i] = sb1[3+i] - sb0[3+i]
		err[12+i] = sb1[6+i] - sb0[6+i]
	}

	jrInv := se3.RightJacobianSO3(eR).Inverse()
	jrInvNeg := se3.RightJacobianSO3(eR.Scale(-1)).Inverse()

	F0 := mat.NewDense(15, 15, nil)
	setBlock(F0, 0, 0, cS0W.Scale(-1))
	setBlock(F0, 0, 3, cS0W.Mul(se3.Hat(pTerm)))
	setBlock(F0, 0, 6, cS0W.Scale(-dt))
	setBlock(F0, 0, 9, p.DPdbg.Scale(-1))
	setBlock(F0, 0, 12, p.DPdba.Scale(-1))
	setBlock(F0, 3, 3, jrInv.Mul(cS1W).Scale(-1))
	setBlock(F0, 3, 9, jrInvNeg.Mul(se3.RightJacobianSO3(p.DRdbg.MulVec(deltaBg))).Mul(p.DRdbg).Scale(-1))
	setBlock(F0, 6, 3, cS0W.Mul(se3.Hat(vTerm)))
	setBlock(F0, 6, 6, cS0W.Scale(-1))
	setBlock(F0, 6, 9, p.DVdbg.Scale(-1))
	setBlock(F0, 6, 12, p.DVdba.Scale(-1))
	setBlock(F0, 9, 9, se3.Identity3())
	setBlock(F0, 12, 12, se3.Identity3())

	F1 := mat.NewDense(15, 15, nil)
	setBlock(F1, 0, 0, cS0W)
	setBlock(F1, 3, 3, jrInv.Mul(cS1W))
	setBlock(F1, 6, 6, cS0W)
	setBlock(F1, 9, 9, se3.Identity3().Scale(-1))
	setBlock(F1, 12, 12, se3.Identity3().Scale(-1))

	out := &ResidualJac{
		JXi0: mat.NewDense(15, 6, nil),
		JSb0: mat.NewDense(15, 9, nil),
		JXi1: mat.NewDense(15, 6, nil),
		JSb1: mat.NewDense(15, 9, nil),
	}

	errVec := mat.NewVecDense(15, err[:])
	var whitened mat.VecDense
	whitened.MulVec(p.SqrtInfo, errVec)
	for i := 0; i < 15; i++ {
		out.Res[i] = weight * whitened.AtVec(i)
	}

	weighJ := func(dst *mat.Dense, src *mat.Dense, c0, cols int) {
		var tmp mat.Dense
		tmp.Mul(p.SqrtInfo, src.Slice(0, 15, c0, c0+cols))
		dst.Scale(weight, &tmp)
	}
	weighJ(out.JXi0, F0, 0, 6)
	weighJ(out.JSb0, F0, 6, 9)
	weighJ(out.JXi1, F1, 0, 6)
	weighJ(out.JSb1, F1, 6, 9)

	return out
}

func exceeds(v se3.Vec3, limit float64) bool {
	return math.Abs(v[0]) > limit || math.Abs(v[1]) > limit || math.Abs(v[2]) > limit
}

func setBlock(m *mat.Dense, r, c int, b se3.Mat3) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(r+i, c+j, b.At(i, j))
		}
	}
}
