// Command dvio-track runs the coarse tracker over a synthetic sequence and
// writes its diagnostics: a colorized depth map, a residual plot, an HTML
// report and (optionally) a sqlite trajectory.
//
// The synthetic scene is a textured fronto-parallel plane one meter from
// the camera, observed under a constant lateral velocity, which gives the
// solver a known ground-truth motion per frame.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/config"
	"github.com/meridian-robotics/dvio/internal/frame"
	"github.com/meridian-robotics/dvio/internal/se3"
	"github.com/meridian-robotics/dvio/internal/store"
	"github.com/meridian-robotics/dvio/internal/track"
	"github.com/meridian-robotics/dvio/internal/track/monitor"
)

const (
	imgW = 320
	imgH = 240
)

func intensity(x, y float64) float64 {
	return 128 +
		50*math.Sin(x*2*math.Pi/260) +
		40*math.Cos(y*2*math.Pi/210) +
		20*math.Sin((x+y)*2*math.Pi/120)
}

// renderFrame builds a full gradient pyramid for the plane scene seen from
// lateral offset tx (meters, depth 1m plane).
func renderFrame(id int, fx, tx float64) *frame.Frame {
	fr := &frame.Frame{
		ID:             id,
		Timestamp:      float64(id) / 20.0,
		WorldToCam:     se3.Identity(),
		WorldToCamEval: se3.Identity(),
	}

	lvl0 := make([]frame.Pixel, imgW*imgH)
	for y := 0; y < imgH; y++ {
		for x := 0; x < imgW; x++ {
			lvl0[x+y*imgW].I = float32(intensity(float64(x)-fx*tx, float64(y)))
		}
	}
	fr.Pyr[0] = lvl0

	for l := 1; l < calib.PyrLevels; l++ {
		wl, hl := imgW>>l, imgH>>l
		wm := imgW >> (l - 1)
		prev := fr.Pyr[l-1]
		cur := make([]frame.Pixel, wl*hl)
		for y := 0; y < hl; y++ {
			for x := 0; x < wl; x++ {
				b := 2*x + 2*y*wm
				cur[x+y*wl].I = 0.25 * (prev[b].I + prev[b+1].I + prev[b+wm].I + prev[b+wm+1].I)
			}
		}
		fr.Pyr[l] = cur
	}

	for l := 0; l < calib.PyrLevels; l++ {
		wl, hl := imgW>>l, imgH>>l
		img := fr.Pyr[l]
		for y := 1; y < hl-1; y++ {
			for x := 1; x < wl-1; x++ {
				i := x + y*wl
				img[i].Dx = 0.5 * (img[i+1].I - img[i-1].I)
				img[i].Dy = 0.5 * (img[i+wl].I - img[i-wl].I)
			}
		}
	}
	return fr
}

func addPlanePoints(fr *frame.Frame) {
	for y := 4; y < imgH-4; y += 3 {
		for x := 4; x < imgW-4; x += 3 {
			p := frame.Point{U: float32(x), V: float32(y), Idepth: 1, HdiF: 1e-3}
			for k := 0; k < frame.PatternN; k++ {
				px := x + int(frame.Pattern[k][0])
				py := y + int(frame.Pattern[k][1])
				p.Color[k] = fr.Pyr[0][px+py*imgW].I
				p.Weights[k] = 1
			}
			fr.Points = append(fr.Points, p)
		}
	}
}

// fileSink receives the tracker's debug imagery. Depth maps are written as
// PNGs under the output directory; residual images are only counted so the
// per-iteration pushes stay cheap.
type fileSink struct {
	dir            string
	depthImages    int
	floatPushes    int
	residualImages int
}

func (s *fileSink) PushDepthImage(w, h int, rgb []uint8) {
	s.depthImages++
	name := filepath.Join(s.dir, fmt.Sprintf("depth_%03d.png", s.depthImages))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.SetRGBA(i%w, i/w, color.RGBA{rgb[3*i], rgb[3*i+1], rgb[3*i+2], 255})
	}
	f, err := os.Create(name)
	if err != nil {
		log.Printf("depth image: %v", err)
		return
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		log.Printf("depth image: %v", err)
	}
}

func (s *fileSink) PushDepthImageFloat(w, h int, idepth []float32) {
	s.floatPushes++
}

func (s *fileSink) PushResidualImage(level, w, h int, rgb []uint8) {
	s.residualImages++
}

func main() {
	var (
		frames        = flag.Int("frames", 30, "number of synthetic frames to track")
		speed         = flag.Float64("speed", 0.004, "lateral motion per frame (meters)")
		outDir        = flag.String("out", "trackout", "output directory for plots and report")
		dbPath        = flag.String("db", "", "optional sqlite trajectory database")
		tuningPath    = flag.String("tuning", "", "optional JSON tuning overrides")
		saveImages    = flag.Bool("save-images", false, "also dump images_out/predicted_*.png")
		showResiduals = flag.Bool("show-residuals", false, "push per-level residual images to the sink")
	)
	flag.Parse()

	cfg := track.DefaultConfig()
	if *tuningPath != "" {
		tc, err := config.Load(*tuningPath)
		if err != nil {
			log.Fatalf("tuning: %v", err)
		}
		tc.Apply(&cfg)
	}
	cfg.SaveImages = *saveImages
	if *showResiduals {
		cfg.RenderDisplayCoarseTrackingFull = true
	}

	cam := &calib.Camera{}
	cam.MakeK(imgW, imgH, 300, 300, float64(imgW)/2-0.5, float64(imgH)/2-0.5)

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}
	sink := &fileSink{dir: *outDir}

	tracker := track.NewCoarseTracker(imgW, imgH, cfg)
	tracker.MakeK(cam)
	tracker.Sink = sink

	ref := renderFrame(0, cam.Fx[0], 0)
	addPlanePoints(ref)
	tracker.SetRefForFirstFrame(ref)
	tracker.DebugPlotIDepthMap()

	mon := monitor.NewTrackingMonitor()

	var traj *store.TrajectoryStore
	var sessionID string
	if *dbPath != "" {
		var err error
		traj, err = store.Open(*dbPath)
		if err != nil {
			log.Fatalf("trajectory store: %v", err)
		}
		defer traj.Close()
		sessionID, err = traj.NewSession("synthetic plane sweep")
		if err != nil {
			log.Fatalf("session: %v", err)
		}
	}

	abort := [calib.PyrLevels]float64{1e10, 1e10, 1e10, 1e10, 1e10}
	pose := se3.Identity()

	for i := 1; i <= *frames; i++ {
		tx := *speed * float64(i)
		newF := renderFrame(i, cam.Fx[0], tx)

		aff := frame.AffLight{}
		ok := tracker.TrackNewestCoarse(newF, &pose, &aff, 4, abort)

		mon.Record(monitor.FrameSample{
			FrameID:  i,
			Residual: tracker.LastResiduals[0],
			FlowT:    tracker.LastFlowIndicators[0],
			FlowTR:   tracker.LastFlowIndicators[2],
			Success:  ok,
		})

		if traj != nil {
			rec := &store.FrameRecord{
				SessionID: sessionID,
				FrameID:   i,
				RefID:     tracker.RefFrameID(),
				Timestamp: newF.Timestamp,
				Pose:      pose,
				AffA:      aff.A, AffB: aff.B,
				Residual: tracker.LastResiduals[0],
				FlowT:    tracker.LastFlowIndicators[0],
				FlowTR:   tracker.LastFlowIndicators[2],
				Success:  ok,
			}
			if err := traj.InsertFrame(rec); err != nil {
				log.Fatalf("insert frame: %v", err)
			}
		}

		status := "ok"
		if !ok {
			status = "FAILED"
		}
		log.Printf("frame %3d: tx=%.4f est=%.4f rmse=%.3f %s",
			i, tx, pose.T[0], tracker.LastResiduals[0], status)
	}

	tracker.DebugPlotIDepthMap()
	tracker.DebugPlotIDepthMapFloat()

	if err := mon.SaveResidualPlot(filepath.Join(*outDir, "residual.png")); err != nil {
		log.Fatalf("residual plot: %v", err)
	}
	if err := mon.SaveReport(filepath.Join(*outDir, "report.html")); err != nil {
		log.Fatalf("report: %v", err)
	}

	if sink.residualImages > 0 {
		log.Printf("pushed %d residual images", sink.residualImages)
	}
	fmt.Printf("wrote %s (%d depth images)\n", *outDir, sink.depthImages)
}
