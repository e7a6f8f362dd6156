// Package calib holds the pinhole intrinsics pyramid shared by the tracker
// and the residual linearizer.
package calib

// PyrLevels is the number of pyramid levels carried by every camera and
// frame. Level 0 is full resolution; each level above halves both axes.
const PyrLevels = 5

// Camera holds per-level pinhole intrinsics and their inverses. Build one
// with MakeK; the struct is then read-only and safe to share.
type Camera struct {
	W, H [PyrLevels]int

	Fx, Fy, Cx, Cy     [PyrLevels]float64
	Fxi, Fyi, Cxi, Cyi [PyrLevels]float64

	// Baseline is the stereo baseline in meters (0 for mono rigs).
	Baseline float64
}

// MakeK fills the intrinsics pyramid from the level-0 calibration. The
// half-pixel shift in the principal point keeps level centers aligned under
// 2x2 averaging. MakeK is idempotent.
func (c *Camera) MakeK(w, h int, fx, fy, cx, cy float64) {
	c.W[0], c.H[0] = w, h
	c.Fx[0], c.Fy[0] = fx, fy
	c.Cx[0], c.Cy[0] = cx, cy

	for l := 1; l < PyrLevels; l++ {
		c.W[l] = c.W[0] >> l
		c.H[l] = c.H[0] >> l
		c.Fx[l] = c.Fx[l-1] * 0.5
		c.Fy[l] = c.Fy[l-1] * 0.5
		c.Cx[l] = (c.Cx[0]+0.5)/float64(int(1)<<l) - 0.5
		c.Cy[l] = (c.Cy[0]+0.5)/float64(int(1)<<l) - 0.5
	}

	// K is diagonal-plus-principal-point, so the inverse is closed form.
	for l := 0; l < PyrLevels; l++ {
		c.Fxi[l] = 1 / c.Fx[l]
		c.Fyi[l] = 1 / c.Fy[l]
		c.Cxi[l] = -c.Cx[l] / c.Fx[l]
		c.Cyi[l] = -c.Cy[l] / c.Fy[l]
	}
}
