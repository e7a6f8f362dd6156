// Package track implements the coarse tracker: the dilated inverse-depth
// pyramid over the reference keyframe, the per-level photometric residual
// and Hessian kernels, and the coarse-to-fine Levenberg-Marquardt solver
// with optional tightly-coupled inertial refinement.
package track

import "github.com/meridian-robotics/dvio/internal/calib"

// AffineMode selects how an affine illumination variable is handled.
// Negative fixes the variable at zero, zero disables optimization while
// allowing a non-zero initial value, positive optimizes it.
type AffineMode float64

// Config gathers the tracking thresholds and parameter scales. One Config
// is passed at construction; there is no process-wide state.
type Config struct {
	// HuberTH is the Huber threshold on the photometric residual
	// (intensity units).
	HuberTH float32
	// CoarseCutoffTH is the baseline per-pixel residual cutoff; the
	// saturation policy doubles it while the saturated fraction stays
	// above SaturatedRatioTH.
	CoarseCutoffTH float32
	// SaturatedRatioTH triggers cutoff escalation (fraction of terms).
	SaturatedRatioTH float64
	// MaxCutoffFactor caps cutoff escalation.
	MaxCutoffFactor float32
	// OutlierTHSumComponent enters the gradient-dependent pattern weight of
	// the back-end linearizer.
	OutlierTHSumComponent float32

	AffineOptModeA AffineMode
	AffineOptModeB AffineMode

	// IMUResidualWeight scales the whitened inertial residual.
	IMUResidualWeight float64

	// Parameter scales applied between solver-internal and state units.
	ScaleXiRot   float64
	ScaleXiTrans float64
	ScaleA       float64
	ScaleB       float64
	ScaleF       float64
	ScaleC       float64
	ScaleIdepth  float64

	// MaxIterations is the per-level LM iteration budget, coarse to fine
	// indexed by level.
	MaxIterations [calib.PyrLevels]int
	// LambdaExtrapolationLimit is the lower damping bound below which the
	// step is extrapolated.
	LambdaExtrapolationLimit float64

	// RenderDisplayCoarseTrackingFull enables per-level residual images on
	// the visualizer sink.
	RenderDisplayCoarseTrackingFull bool
	// Quiet suppresses per-level diagnostics.
	Quiet bool
	// SaveImages dumps the colorized depth map under images_out/.
	SaveImages bool
}

// DefaultConfig returns the tracking defaults.
func DefaultConfig() Config {
	return Config{
		HuberTH:               9,
		CoarseCutoffTH:        20,
		SaturatedRatioTH:      0.6,
		MaxCutoffFactor:       50,
		OutlierTHSumComponent: 50 * 50,

		AffineOptModeA: 1e12,
		AffineOptModeB: 1e8,

		IMUResidualWeight: 1,

		ScaleXiRot:   1.0,
		ScaleXiTrans: 0.5,
		ScaleA:       10.0,
		ScaleB:       1000.0,
		ScaleF:       50.0,
		ScaleC:       50.0,
		ScaleIdepth:  1.0,

		MaxIterations:            [calib.PyrLevels]int{10, 20, 50, 50, 50},
		LambdaExtrapolationLimit: 0.001,

		Quiet: true,
	}
}
