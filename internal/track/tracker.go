package track

import (
	"gonum.org/v1/gonum/mat"

	"github.com/meridian-robotics/dvio/internal/accum"
	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/imu"
)

// retainedDim is the size of the marginal prior kept between inertial
// tracking calls: 6 pose + 2 left affine + 2 right affine slack + 9
// speed-and-bias.
const retainedDim = 19

// VisualSink receives debug imagery from the tracking thread. Both methods
// must return without blocking.
type VisualSink interface {
	// PushDepthImage receives the jet-colorized level-0 inverse-depth map.
	PushDepthImage(w, h int, rgb []uint8)
	// PushDepthImageFloat receives the raw level-0 inverse-depth buffer.
	PushDepthImageFloat(w, h int, idepth []float32)
	// PushResidualImage receives a per-level residual visualization.
	PushResidualImage(level, w, h int, rgb []uint8)
}

// CoarseTracker estimates the relative pose of a new frame against a fixed
// reference keyframe by coarse-to-fine minimization of a robust photometric
// cost. A tracker owns its pyramid and warp buffers for its whole lifetime;
// the reference keyframe and the frames of a tracking call are borrowed.
//
// Public operations are not re-entrant. A front end that wants to swap
// reference keyframes concurrently owns two trackers.
type CoarseTracker struct {
	cfg Config
	cam calib.Camera

	// Weighted inverse-depth pyramid over the reference keyframe.
	idepth        [calib.PyrLevels][]float32
	weightSums    [calib.PyrLevels][]float32
	weightSumsBak [calib.PyrLevels][]float32

	// Compacted per-level point clouds of valid reference pixels.
	pcU      [calib.PyrLevels][]float32
	pcV      [calib.PyrLevels][]float32
	pcIdepth [calib.PyrLevels][]float32
	pcColor  [calib.PyrLevels][]float32
	pcN      [calib.PyrLevels]int

	// Warp buffers filled by the residual pass, padded to a multiple of 4.
	bufWarpedIdepth   []float32
	bufWarpedU        []float32
	bufWarpedV        []float32
	bufWarpedDx       []float32
	bufWarpedDy       []float32
	bufWarpedResidual []float32
	bufWarpedWeight   []float32
	bufWarpedRefColor []float32

	bufWarpedIdepthR   []float32
	bufWarpedDxR       []float32
	bufWarpedDyR       []float32
	bufWarpedResidualR []float32
	bufWarpedWeightR   []float32

	bufWarpedDD  []float32
	bufWarpedDDR []float32

	bufWarpedN int

	refFrame   *frame.Frame
	refFrameID int
	refAff     frame.AffLight

	newFrame      *frame.Frame
	newFrameRight *frame.Frame

	acc9  *accum.Sym
	acc11 *accum.Sym

	// LastResiduals holds the normalized per-level RMSE of the most recent
	// tracking call; LastFlowIndicators the squared pixel shifts under
	// translation-only, zero, and translation+rotation motion.
	LastResiduals      [calib.PyrLevels]float64
	LastFlowIndicators [3]float64
	FirstCoarseRMSE    float64

	// CutoffEscalations counts cutoff doublings in the last tracking call.
	CutoffEscalations int

	Sink VisualSink

	// Inertial coupling state.
	imuParams       imu.Parameters
	preint          *imu.Preintegrator
	redoPropagation bool
	t0, t1          float64
	lastShell       *frame.Frame
	priorH          *mat.Dense
	priorB          *mat.VecDense

	minMaxID [2]float32 // smoothed depth-visualization range
}

// NewCoarseTracker allocates a tracker for level-0 images of the given
// size. All large buffers are allocated here, once.
func NewCoarseTracker(w, h int, cfg Config) *CoarseTracker {
	t := &CoarseTracker{
		cfg:       cfg,
		imuParams: imu.DefaultParameters(),
		preint:    imu.NewPreintegrator(),
		acc9:      accum.NewSym(9),
		acc11:     accum.NewSym(11),
		minMaxID:  [2]float32{-1, -1},
	}

	for lvl := 0; lvl < calib.PyrLevels; lvl++ {
		wl, hl := w>>lvl, h>>lvl
		n := wl * hl
		t.idepth[lvl] = make([]float32, n)
		t.weightSums[lvl] = make([]float32, n)
		t.weightSumsBak[lvl] = make([]float32, n)
		t.pcU[lvl] = make([]float32, n)
		t.pcV[lvl] = make([]float32, n)
		t.pcIdepth[lvl] = make([]float32, n)
		t.pcColor[lvl] = make([]float32, n)
	}

	// +3 leaves room for zero padding up to the next multiple of 4.
	n := w*h + 3
	t.bufWarpedIdepth = make([]float32, n)
	t.bufWarpedU = make([]float32, n)
	t.bufWarpedV = make([]float32, n)
	t.bufWarpedDx = make([]float32, n)
	t.bufWarpedDy = make([]float32, n)
	t.bufWarpedResidual = make([]float32, n)
	t.bufWarpedWeight = make([]float32, n)
	t.bufWarpedRefColor = make([]float32, n)

	t.bufWarpedIdepthR = make([]float32, n)
	t.bufWarpedDxR = make([]float32, n)
	t.bufWarpedDyR = make([]float32, n)
	t.bufWarpedResidualR = make([]float32, n)
	t.bufWarpedWeightR = make([]float32, n)

	t.bufWarpedDD = make([]float32, n)
	t.bufWarpedDDR = make([]float32, n)

	t.refFrameID = -1
	return t
}

// MakeK installs the camera calibration. Idempotent: two calls with the same
// calibration leave the intrinsics pyramid unchanged.
func (t *CoarseTracker) MakeK(cam *calib.Camera) {
	t.cam = *cam
	t.cam.MakeK(cam.W[0], cam.H[0], cam.Fx[0], cam.Fy[0], cam.Cx[0], cam.Cy[0])
}

// Camera exposes the tracker's intrinsics pyramid.
func (t *CoarseTracker) Camera() *calib.Camera { return &t.cam }

// RefFrameID returns the id of the current reference keyframe, or -1.
func (t *CoarseTracker) RefFrameID() int { return t.refFrameID }

// RefFrame returns the current reference keyframe.
func (t *CoarseTracker) RefFrame() *frame.Frame { return t.refFrame }

// PointCloudSize returns the number of valid pc entries at a level.
func (t *CoarseTracker) PointCloudSize(lvl int) int { return t.pcN[lvl] }

// SetCoarseTrackingRef makes the newest of the window keyframes the tracking
// reference and rebuilds the depth pyramid from all window points that have
// an IN residual on it. Running it twice with the same frames yields the
// same pc arrays.
func (t *CoarseTracker) SetCoarseTrackingRef(window []*frame.Frame) {
	t.refFrame = window[len(window)-1]
	t.lastShell = nil
	t.makeCoarseDepth(window)

	t.refFrameID = t.refFrame.ID
	t.refAff = t.refFrame.Aff
	t.FirstCoarseRMSE = -1
}

// SetRefForFirstFrame installs the very first keyframe as reference, using
// each point's raw position and inverse depth since no residuals exist yet.
func (t *CoarseTracker) SetRefForFirstFrame(first *frame.Frame) {
	t.refFrame = first
	t.lastShell = nil
	t.makeCoarseDepthForFirstFrame(first)

	t.refFrameID = first.ID
	t.refAff = first.Aff
	t.FirstCoarseRMSE = -1
}

// SetIMUParameters overrides the default IMU noise model.
func (t *CoarseTracker) SetIMUParameters(p imu.Parameters) { t.imuParams = p }
