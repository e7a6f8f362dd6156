package resid

import (
	"sync"

	"github.com/meridian-robotics/dvio/internal/imu"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// IMUResidual connects the pose and speed-and-bias states of two
// consecutive keyframes through the pre-integrated measurements between
// their timestamps. The pre-integration state is shared with the
// marginalization thread; the mutex keeps re-integration and linearization
// from interleaving.
type IMUResidual struct {
	FromIdx int
	ToIdx   int

	T0, T1 float64

	Data []imu.Measurement

	// J holds the most recent whitened residual and Jacobians.
	J *imu.ResidualJac

	NewEnergy float64

	mu     sync.Mutex
	preint *imu.Preintegrator
	redo   bool
}

// NewIMUResidual takes ownership of the measurement window [t0, t1].
func NewIMUResidual(fromIdx, toIdx int, t0, t1 float64, data []imu.Measurement) *IMUResidual {
	return &IMUResidual{
		FromIdx: fromIdx,
		ToIdx:   toIdx,
		T0:      t0,
		T1:      t1,
		Data:    data,
		preint:  imu.NewPreintegrator(),
		redo:    true,
	}
}

// RedoPreintegration re-integrates the window about the given bias
// linearization point. Returns the number of integrated samples.
func (r *IMUResidual) RedoPreintegration(sb imu.SpeedAndBias, par *imu.Parameters) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preint.Integrate(r.Data, r.T0, r.T1, sb, par)
}

// gravityWorld is the back-end gravity convention: magnitude g along the
// normalized geocentric axis. The coarse tracker rotates (0,-g,0) by the
// reference rotation instead; the two are kept distinct deliberately.
func gravityWorld(g float64) se3.Vec3 {
	up := se3.Vec3{0, 0, 6371009}
	return up.Scale(g / up.Norm())
}

// Linearize evaluates the inertial residual between the two states. A bias
// drift beyond the linearization tolerance forces re-integration first.
func (r *IMUResidual) Linearize(TWS0, TWS1 se3.Transform, sb0, sb1 imu.SpeedAndBias, par *imu.Parameters, weight float64) (float64, error) {
	dt := r.T1 - r.T0

	r.mu.Lock()
	drift := sb0.GyroBias().Sub(r.preint.RefSpeedAndBias.GyroBias()).Norm()
	r.mu.Unlock()

	if r.redo || drift*dt > 1e-4 {
		if _, err := r.RedoPreintegration(sb0, par); err != nil {
			return 0, err
		}
		r.redo = false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.J = r.preint.Residual(TWS0, TWS1, sb0, sb1, gravityWorld(par.G), dt, weight)
	r.NewEnergy = r.J.Norm()
	return r.NewEnergy, nil
}
