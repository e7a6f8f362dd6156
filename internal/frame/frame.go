// Package frame defines the image, point and photometric types exchanged
// between the front-end collaborators and the coarse tracker. A frame owns
// its gradient pyramid; the tracker only borrows it for the duration of a
// call.
package frame

import (
	"math"

	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/se3"
)

// PatternN is the number of pixels in the residual pattern.
const PatternN = 8

// Pattern is the spread-8 residual pattern: offsets of the template pixels
// around a point, identical for every point and level.
var Pattern = [PatternN][2]float32{
	{0, -2}, {-1, -1}, {1, -1}, {-2, 0},
	{0, 0}, {2, 0}, {-1, 1}, {0, 2},
}

// Pixel is one sample of the precomputed gradient pyramid: linearized
// radiance plus its x/y derivatives.
type Pixel struct {
	I, Dx, Dy float32
}

// ResState classifies a point-frame residual.
type ResState int

const (
	// ResIn marks an inlier residual contributing to the system.
	ResIn ResState = iota
	// ResOOB marks a residual whose projection left the valid image area.
	ResOOB
	// ResOutlier marks a residual whose energy exceeded the frame threshold.
	ResOutlier
)

// LastResidual records the most recent evaluation of a point against a
// target frame. The depth-pyramid splat only consumes points whose last
// residual landed IN on the tracking reference.
type LastResidual struct {
	TargetID    int
	State       ResState
	ProjectedTo [3]float32 // (u, v, idepth) in the target frame
}

// Point is a host-frame point with converged inverse depth.
type Point struct {
	U, V   float32
	Idepth float32
	// HdiF is the inverse-depth information weight from the back end;
	// small values mean a well-constrained depth.
	HdiF float32

	Color   [PatternN]float32
	Weights [PatternN]float32

	LastResidual LastResidual
}

// SpeedAndBias stacks velocity, gyro bias and accelerometer bias.
type SpeedAndBias [9]float64

// Velocity returns the leading 3 components.
func (s SpeedAndBias) Velocity() se3.Vec3 { return se3.Vec3{s[0], s[1], s[2]} }

// GyroBias returns components 3..5.
func (s SpeedAndBias) GyroBias() se3.Vec3 { return se3.Vec3{s[3], s[4], s[5]} }

// AccBias returns components 6..8.
func (s SpeedAndBias) AccBias() se3.Vec3 { return se3.Vec3{s[6], s[7], s[8]} }

// Add returns s + d.
func (s SpeedAndBias) Add(d [9]float64) SpeedAndBias {
	var out SpeedAndBias
	for i := range out {
		out[i] = s[i] + d[i]
	}
	return out
}

// AffLight is the affine illumination model: a reference intensity c is
// predicted in the target as exp(A)*c + B (A is log-scale internally; the
// solver state stores the raw a, b increments).
type AffLight struct {
	A, B float64
}

// FromToVecExposure converts host and target affine states plus exposure
// times into the multiplicative/additive pair applied to reference colors.
// Zero exposure times (no photometric calibration) count as one.
func FromToVecExposure(exposureF, exposureT float64, g2F, g2T AffLight) [2]float64 {
	if exposureF == 0 || exposureT == 0 {
		exposureF, exposureT = 1, 1
	}
	a := math.Exp(g2T.A-g2F.A) * exposureT / exposureF
	b := g2T.B - a*g2F.B
	return [2]float64{a, b}
}

// Frame is one tracked image (one camera of a stereo pair).
type Frame struct {
	ID        int
	Timestamp float64

	// Pyr[l] is the dense gradient image at level l, length W[l]*H[l].
	Pyr [calib.PyrLevels][]Pixel

	// Exposure is the shutter time in ms; zero when unknown.
	Exposure float64

	Aff      AffLight
	AffRight AffLight

	// WorldToCam is the current pose estimate of this frame.
	WorldToCam se3.Transform

	// WorldToCamEval is the pose linearization point used by the back end
	// (and for rotating gravity into the reference frame).
	WorldToCamEval se3.Transform

	SpeedAndBias SpeedAndBias

	// FrameEnergyTH is the per-frame outlier energy threshold maintained by
	// the back end.
	FrameEnergyTH float32

	// TrackIterations records the iteration count spent on the coarsest
	// level of the most recent tracking call.
	TrackIterations int

	// Points are the active points hosted by this frame (keyframes only).
	Points []Point
}

// Interp33 samples (intensity, dx, dy) at the sub-pixel position (x, y) by
// bilinear interpolation. The caller guarantees a 1-pixel interior margin.
func Interp33(img []Pixel, x, y float32, w int) Pixel {
	ix, iy := int(x), int(y)
	dx := x - float32(ix)
	dy := y - float32(iy)
	dxdy := dx * dy

	base := ix + iy*w
	p00 := img[base]
	p10 := img[base+1]
	p01 := img[base+w]
	p11 := img[base+w+1]

	w00 := 1 - dx - dy + dxdy
	w10 := dx - dxdy
	w01 := dy - dxdy

	return Pixel{
		I:  w00*p00.I + w10*p10.I + w01*p01.I + dxdy*p11.I,
		Dx: w00*p00.Dx + w10*p10.Dx + w01*p01.Dx + dxdy*p11.Dx,
		Dy: w00*p00.Dy + w10*p10.Dy + w01*p01.Dy + dxdy*p11.Dy,
	}
}
