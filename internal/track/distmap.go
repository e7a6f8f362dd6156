package track

import (
	"github.com/meridian-robotics/dvio/internal/calib"
	"github.com/meridian-robotics/dvio/internal/frame"
)

// maxBFSRings bounds the distance-transform growth.
const maxBFSRings = 40

// CoarseDistanceMap maintains, at half resolution, the pixel distance to
// the nearest forward-warped active point of the window. Point selection
// uses it to keep new candidates away from existing coverage.
type CoarseDistanceMap struct {
	cam calib.Camera

	// Dist holds the distance transform at level 1.
	Dist []float32

	bfsList1 [][2]int32
	bfsList2 [][2]int32
}

// NewCoarseDistanceMap allocates the map for level-0 images of the given
// size.
func NewCoarseDistanceMap(w, h int) *CoarseDistanceMap {
	return &CoarseDistanceMap{
		Dist:     make([]float32, w*h/4),
		bfsList1: make([][2]int32, w*h/4),
		bfsList2: make([][2]int32, w*h/4),
	}
}

// MakeK installs the camera calibration.
func (m *CoarseDistanceMap) MakeK(cam *calib.Camera) {
	m.cam = *cam
	m.cam.MakeK(cam.W[0], cam.H[0], cam.Fx[0], cam.Fy[0], cam.Cx[0], cam.Cy[0])
}

// MakeDistanceMap projects every active point of every window keyframe
// (except fr itself) into fr at level 1 and grows the distance transform
// from the hit pixels.
func (m *CoarseDistanceMap) MakeDistanceMap(window []*frame.Frame, fr *frame.Frame) {
	w1, h1 := m.cam.W[1], m.cam.H[1]
	for i := range m.Dist[:w1*h1] {
		m.Dist[i] = 1000
	}

	numItems := 0
	for _, fh := range window {
		if fh == fr {
			continue
		}
		fhToNew := fr.WorldToCam.Mul(fh.WorldToCam.Inverse())

		// K1 * R * K0^-1 and K1 * t.
		fx1, fy1 := m.cam.Fx[1], m.cam.Fy[1]
		cx1, cy1 := m.cam.Cx[1], m.cam.Cy[1]
		R := fhToNew.R
		tr := fhToNew.T
		// Row-compose K1 * R, then column-compose with K0^-1.
		var krki [9]float64
		var k1r [9]float64
		for c := 0; c < 3; c++ {
			k1r[c] = fx1*R.At(0, c) + cx1*R.At(2, c)
			k1r[3+c] = fy1*R.At(1, c) + cy1*R.At(2, c)
			k1r[6+c] = R.At(2, c)
		}
		for r := 0; r < 3; r++ {
			krki[3*r+0] = k1r[3*r+0] * m.cam.Fxi[0]
			krki[3*r+1] = k1r[3*r+1] * m.cam.Fyi[0]
			krki[3*r+2] = k1r[3*r+0]*m.cam.Cxi[0] + k1r[3*r+1]*m.cam.Cyi[0] + k1r[3*r+2]
		}
		ktx := fx1*tr[0] + cx1*tr[2]
		kty := fy1*tr[1] + cy1*tr[2]
		ktz := tr[2]

		for i := range fh.Points {
			ph := &fh.Points[i]
			u, v, id := float64(ph.U), float64(ph.V), float64(ph.Idepth)
			px := krki[0]*u + krki[1]*v + krki[2] + ktx*id
			py := krki[3]*u + krki[4]*v + krki[5] + kty*id
			pz := krki[6]*u + krki[7]*v + krki[8] + ktz*id
			ui := int(px/pz + 0.5)
			vi := int(py/pz + 0.5)
			if !(ui > 0 && vi > 0 && ui < w1 && vi < h1) {
				continue
			}
			m.Dist[ui+w1*vi] = 0
			m.bfsList1[numItems] = [2]int32{int32(ui), int32(vi)}
			numItems++
		}
	}

	m.growDistBFS(numItems)
}

// AddIntoDistFinal grows the transform from one additional seed pixel.
func (m *CoarseDistanceMap) AddIntoDistFinal(u, v int) {
	if m.cam.W[0] == 0 {
		return
	}
	m.bfsList1[0] = [2]int32{int32(u), int32(v)}
	m.Dist[u+m.cam.W[1]*v] = 0
	m.growDistBFS(1)
}

// growDistBFS expands ring k around the current frontier; even rings grow
// across the 4-neighbourhood, odd rings across the full 8-neighbourhood,
// which approximates a Euclidean disc.
func (m *CoarseDistanceMap) growDistBFS(bfsNum int) {
	w1, h1 := m.cam.W[1], m.cam.H[1]
	for k := 1; k < maxBFSRings; k++ {
		bfsNum2 := bfsNum
		m.bfsList1, m.bfsList2 = m.bfsList2, m.bfsList1
		bfsNum = 0

		offsets4 := [4][2]int32{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
		offsets8 := [8][2]int32{
			{1, 0}, {-1, 0}, {0, 1}, {0, -1},
			{1, 1}, {-1, 1}, {-1, -1}, {1, -1},
		}

		grow := func(offs [][2]int32) {
			for i := 0; i < bfsNum2; i++ {
				x := m.bfsList2[i][0]
				y := m.bfsList2[i][1]
				if x == 0 || y == 0 || x == int32(w1-1) || y == int32(h1-1) {
					continue
				}
				idx := int(x) + int(y)*w1
				for _, o := range offs {
					j := idx + int(o[0]) + int(o[1])*w1
					if m.Dist[j] > float32(k) {
						m.Dist[j] = float32(k)
						m.bfsList1[bfsNum] = [2]int32{x + o[0], y + o[1]}
						bfsNum++
					}
				}
			}
		}

		if k%2 == 0 {
			grow(offsets4[:])
		} else {
			grow(offsets8[:])
		}
	}
}
