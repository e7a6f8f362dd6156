package accum

// Approx accumulates the (10+M)x(10+M) symmetric system used by the
// photometric back end. The leading 10 variables (4 intrinsics + 6 pose)
// enter through the rank-2 form
//
//	H10 += [x y] * [a b; b c] * [x y]^T
//
// where x and y are the image-plane Jacobians of the two pixel coordinates,
// while the trailing M affine/residual variables are filled through the
// separately accumulated top-right and bottom-right blocks. M is 3 for
// mono (a, b, residual) and 5 for stereo (a, b, a_r, b_r, residual).
type Approx struct {
	// H is the finished (10+M)x(10+M) matrix. Valid after Finish.
	H [][]float32
	// Num counts Update calls absorbed.
	Num float32

	m        int
	topLeft  int // offset of the 10x10 upper triangle in the cascade
	topRight int // offset of the 10xM block
	botRight int // offset of the MxM upper triangle
	casc     *cascade
}

// NewApprox returns an accumulator with M trailing variables.
func NewApprox(m int) *Approx {
	d := 10 + m
	h := make([][]float32, d)
	for i := range h {
		h[i] = make([]float32, d)
	}
	tl := 55
	tr := 10 * m
	br := m * (m + 1) / 2
	return &Approx{
		H:        h,
		m:        m,
		topLeft:  0,
		topRight: tl,
		botRight: tl + tr,
		casc:     newCascade(tl + tr + br),
	}
}

// Reset zeroes all tiers and counters.
func (a *Approx) Reset() {
	a.casc.reset()
	a.Num = 0
	for i := range a.H {
		for j := range a.H[i] {
			a.H[i][j] = 0
		}
	}
}

// Update accumulates the weighted rank-2 outer product over the leading 10
// variables, split as the original Jacobians are stored: x4/y4 hold the four
// intrinsic components, x6/y6 the six pose components. wa, wb, wc are the
// entries of the symmetric 2x2 pixel weighting matrix.
func (a *Approx) Update(x4, x6, y4, y6 []float32, wa, wb, wc float32) {
	var x, y [10]float32
	copy(x[:4], x4)
	copy(x[4:], x6)
	copy(y[:4], y4)
	copy(y[4:], y6)
	a.UpdateFull(x[:], y[:], wa, wb, wc)
}

// UpdateFull is Update with the 10-vectors already assembled.
func (a *Approx) UpdateFull(x, y []float32, wa, wb, wc float32) {
	pt := a.casc.cur[a.topLeft:]
	idx := 0
	for r := 0; r < 10; r++ {
		axr := wa * x[r]
		cyr := wc * y[r]
		bxr := wb * x[r]
		byr := wb * y[r]
		for c := r; c < 10; c++ {
			pt[idx] += axr*x[c] + cyr*y[c] + bxr*y[c] + byr*x[c]
			idx++
		}
	}
	a.Num++
	a.casc.bump()
}

// UpdateTopRight accumulates the coupling block between the leading 10
// variables and the trailing M. trX[c] and trY[c] are the x- and y-side
// coefficients of trailing column c (the JabJIdx / weighted-residual terms).
func (a *Approx) UpdateTopRight(x4, x6, y4, y6 []float32, trX, trY []float32) {
	pt := a.casc.cur[a.topRight:]
	idx := 0
	row := func(xr, yr float32) {
		for c := 0; c < a.m; c++ {
			pt[idx] += xr*trX[c] + yr*trY[c]
			idx++
		}
	}
	for r := 0; r < 4; r++ {
		row(x4[r], y4[r])
	}
	for r := 0; r < 6; r++ {
		row(x6[r], y6[r])
	}
}

// UpdateBotRight accumulates the trailing MxM block, given as its upper
// triangle in row-major order (M*(M+1)/2 values).
func (a *Approx) UpdateBotRight(tri []float32) {
	pt := a.casc.cur[a.botRight:]
	for i, v := range tri {
		pt[i] += v
	}
}

// Finish flushes the cascade and assembles the full symmetric matrix.
func (a *Approx) Finish() {
	a.casc.flush()
	top := a.casc.top

	idx := a.topLeft
	for r := 0; r < 10; r++ {
		for c := r; c < 10; c++ {
			a.H[r][c] = top[idx]
			a.H[c][r] = top[idx]
			idx++
		}
	}

	idx = a.topRight
	for r := 0; r < 10; r++ {
		for c := 0; c < a.m; c++ {
			a.H[r][c+10] = top[idx]
			a.H[c+10][r] = top[idx]
			idx++
		}
	}

	idx = a.botRight
	for r := 0; r < a.m; r++ {
		for c := r; c < a.m; c++ {
			a.H[r+10][c+10] = top[idx]
			a.H[c+10][r+10] = top[idx]
			idx++
		}
	}
}
