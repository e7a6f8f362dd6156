package resid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-robotics/dvio/internal/accum"
	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/se3"
)

const (
	testW = 128
	testH = 96
)

func testIntensity(x, y float64) float64 {
	return 128 +
		50*math.Sin(x*2*math.Pi/200) +
		40*math.Cos(y*2*math.Pi/170)
}

func makeTestFrame(id int, f func(x, y float64) float64) *frame.Frame {
	fr := &frame.Frame{ID: id, FrameEnergyTH: 1e8}
	img := make([]frame.Pixel, testW*testH)
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			img[x+y*testW].I = float32(f(float64(x), float64(y)))
		}
	}
	for y := 1; y < testH-1; y++ {
		for x := 1; x < testW-1; x++ {
			i := x + y*testW
			img[i].Dx = 0.5 * (img[i+1].I - img[i-1].I)
			img[i].Dy = 0.5 * (img[i+testW].I - img[i-testW].I)
		}
	}
	fr.Pyr[0] = img
	return fr
}

func testCamera() *calib.Camera {
	cam := &calib.Camera{Baseline: 0.1}
	cam.MakeK(testW, testH, 250, 250, float64(testW)/2-0.5, float64(testH)/2-0.5)
	return cam
}

func makeTestPoint(fr *frame.Frame, u, v float32, idepth float32) frame.Point {
	p := frame.Point{U: u, V: v, Idepth: idepth}
	for k := 0; k < frame.PatternN; k++ {
		px := int(u) + int(frame.Pattern[k][0])
		py := int(v) + int(frame.Pattern[k][1])
		p.Color[k] = fr.Pyr[0][px+py*testW].I
		p.Weights[k] = 1
	}
	return p
}

func TestLinearizeIdentityIsInlier(t *testing.T) {
	cfg := DefaultConfig()
	cam := testCamera()
	host := makeTestFrame(1, testIntensity)
	target := makeTestFrame(2, testIntensity)

	pre := MakePrecalc(cam, se3.Identity(), se3.Identity(), [2]float64{1, 0}, 0)
	point := makeTestPoint(host, 40, 30, 1.0)

	r := &PointFrameResidual{}
	e := r.Linearize(&cfg, cam, &point, host, target, &pre)

	require.Equal(t, frame.ResIn, r.NewState)
	assert.Less(t, e, 1e-6, "identity residual energy")

	// Center projection must land on the point itself.
	assert.InDelta(t, 40.0, float64(r.CenterProjectedTo[0]), 1e-4)
	assert.InDelta(t, 30.0, float64(r.CenterProjectedTo[1]), 1e-4)
	assert.InDelta(t, 1.0, float64(r.CenterProjectedTo[2]), 1e-6)

	// Pose Jacobian of the x-coordinate w.r.t. x-translation is fx*idepth.
	assert.InDelta(t, cam.Fx[0], float64(r.J.Jpdxi[0][0]), 1e-3)

	// Inner products must be consistent with the stored columns.
	var want float32
	for k := 0; k < frame.PatternN; k++ {
		want += r.J.JIdx[0][k] * r.J.JIdx[0][k]
	}
	assert.InDelta(t, float64(want), float64(r.J.JIdx2[0][0]), 1e-3)
}

func TestLinearizeOOB(t *testing.T) {
	cfg := DefaultConfig()
	cam := testCamera()
	host := makeTestFrame(1, testIntensity)
	target := makeTestFrame(2, testIntensity)

	// A large translation pushes the projection outside the image.
	far := se3.Transform{R: se3.Identity3(), T: se3.Vec3{5, 0, 0}}
	pre := MakePrecalc(cam, far, far, [2]float64{1, 0}, 0)
	point := makeTestPoint(host, 40, 30, 1.0)

	r := &PointFrameResidual{Energy: 7}
	e := r.Linearize(&cfg, cam, &point, host, target, &pre)

	assert.Equal(t, frame.ResOOB, r.NewState)
	assert.Equal(t, 7.0, e, "OOB must return the cached energy")
}

func TestLinearizeOutlierClampsEnergy(t *testing.T) {
	cfg := DefaultConfig()
	cam := testCamera()
	host := makeTestFrame(1, testIntensity)
	target := makeTestFrame(2, func(x, y float64) float64 {
		return testIntensity(x, y) + 120
	})
	host.FrameEnergyTH = 10
	target.FrameEnergyTH = 12

	pre := MakePrecalc(cam, se3.Identity(), se3.Identity(), [2]float64{1, 0}, 0)
	point := makeTestPoint(host, 40, 30, 1.0)

	r := &PointFrameResidual{}
	e := r.Linearize(&cfg, cam, &point, host, target, &pre)

	assert.Equal(t, frame.ResOutlier, r.NewState)
	assert.Equal(t, 12.0, e, "outlier energy must clamp to the frame threshold")
	assert.Greater(t, r.NewEnergyWithOutlier, e)
}

func TestLinearizeStaticStereoZeroPoseJacobian(t *testing.T) {
	cfg := DefaultConfig()
	cam := testCamera()
	host := makeTestFrame(1, testIntensity)
	// Right image of a plane at idepth 1.
	shift := cam.Fx[0] * cam.Baseline
	right := makeTestFrame(2, func(x, y float64) float64 {
		return testIntensity(x+shift, y)
	})

	baseline := se3.Transform{R: se3.Identity3(), T: se3.Vec3{-cam.Baseline, 0, 0}}
	pre := MakePrecalc(cam, baseline, baseline, [2]float64{1, 0}, 0)
	point := makeTestPoint(host, 64, 48, 1.0)

	r := &PointFrameResidual{StaticStereo: true}
	e := r.Linearize(&cfg, cam, &point, host, right, &pre)

	require.Equal(t, frame.ResIn, r.NewState)
	assert.Less(t, e, 1e-4)

	for i := 0; i < 6; i++ {
		assert.Zero(t, r.J.Jpdxi[0][i])
		assert.Zero(t, r.J.Jpdxi[1][i])
	}
	// The affine derivatives sit in the right-image slots.
	var left, rightAb float32
	for k := 0; k < frame.PatternN; k++ {
		left += r.J.JabF[0][k]*r.J.JabF[0][k] + r.J.JabF[1][k]*r.J.JabF[1][k]
		rightAb += r.J.JabF[2][k]*r.J.JabF[2][k] + r.J.JabF[3][k]*r.J.JabF[3][k]
	}
	assert.Zero(t, left)
	assert.NotZero(t, rightAb)
}

func TestAccumulateAF15MatchesDirectProduct(t *testing.T) {
	cfg := DefaultConfig()
	cam := testCamera()
	host := makeTestFrame(1, testIntensity)
	target := makeTestFrame(2, func(x, y float64) float64 {
		return testIntensity(x-3, y+1)
	})

	pose := se3.Transform{R: se3.Identity3(), T: se3.Vec3{0.012, -0.004, 0}}
	pre := MakePrecalc(cam, pose, pose, [2]float64{1, 0}, 0)
	point := makeTestPoint(host, 56, 40, 1.0)

	r := &PointFrameResidual{}
	r.Linearize(&cfg, cam, &point, host, target, &pre)
	require.Equal(t, frame.ResIn, r.NewState)

	acc := accum.NewApprox(5)
	acc.Reset()
	AccumulateAF15(acc, &r.J)
	acc.Finish()

	// The top-left block must equal the rank-2 weighted outer product of
	// the geometric Jacobians.
	var x, y [10]float32
	copy(x[:4], r.J.Jpdc[0][:])
	copy(x[4:], r.J.Jpdxi[0][:])
	copy(y[:4], r.J.Jpdc[1][:])
	copy(y[4:], r.J.Jpdxi[1][:])
	a := r.J.JIdx2[0][0]
	b := r.J.JIdx2[0][1]
	c := r.J.JIdx2[1][1]
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			want := a*x[i]*x[j] + c*y[i]*y[j] + b*(x[i]*y[j]+y[i]*x[j])
			assert.InDelta(t, float64(want), float64(acc.H[i][j]),
				1e-2+1e-4*math.Abs(float64(want)))
		}
	}

	// The residual corner is the squared residual sum.
	var rr float32
	for k := 0; k < frame.PatternN; k++ {
		rr += r.J.ResF[k] * r.J.ResF[k]
	}
	assert.InDelta(t, float64(rr), float64(acc.H[14][14]), 1e-3)

	// Symmetry of the assembled 15x15.
	for i := 0; i < 15; i++ {
		for j := 0; j < 15; j++ {
			assert.Equal(t, acc.H[i][j], acc.H[j][i])
		}
	}
}
