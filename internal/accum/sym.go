package accum

// Sym accumulates the symmetric outer-product sum of D-dimensional Jacobian
// rows, four rows per Update call. Only the upper triangle is summed; Finish
// mirrors it into the full matrix.
//
// When the last column submitted is the residual, H holds the Gauss-Newton
// system in augmented form: H[0:D-1][0:D-1] is the normal matrix and
// H[r][D-1] the gradient entry for row r.
type Sym struct {
	// H is the finished DxD symmetric matrix. Valid after Finish.
	H [][]float32
	// Num is the total number of lane elements absorbed (4 per Update).
	Num float32

	d   int
	tri *cascade
}

// NewSym returns an accumulator for DxD systems. The coarse tracker uses
// D=9 (mono: 6 pose + 2 affine + residual) and D=11 (stereo: 6 pose +
// 4 affine + residual). Any other dimension works the same way.
func NewSym(d int) *Sym {
	h := make([][]float32, d)
	for i := range h {
		h[i] = make([]float32, d)
	}
	return &Sym{
		H:   h,
		d:   d,
		tri: newCascade(4 * d * (d + 1) / 2),
	}
}

// Reset zeroes all tiers, counters and the finished matrix.
func (a *Sym) Reset() {
	a.tri.reset()
	a.Num = 0
	for i := range a.H {
		for j := range a.H[i] {
			a.H[i][j] = 0
		}
	}
}

// Update accumulates the outer products of four Jacobian rows given as D
// lanes (j[k][l] is component k of row l).
func (a *Sym) Update(j []Lane) {
	pt := a.tri.cur
	idx := 0
	for r := 0; r < a.d; r++ {
		jr := j[r]
		for c := r; c < a.d; c++ {
			jc := j[c]
			pt[idx+0] += jr[0] * jc[0]
			pt[idx+1] += jr[1] * jc[1]
			pt[idx+2] += jr[2] * jc[2]
			pt[idx+3] += jr[3] * jc[3]
			idx += 4
		}
	}
	a.Num += 4
	a.tri.bump()
}

// UpdateWeighted accumulates w-weighted outer products: each lane's
// contribution to every matrix entry is scaled by the matching weight.
func (a *Sym) UpdateWeighted(j []Lane, w Lane) {
	pt := a.tri.cur
	idx := 0
	for r := 0; r < a.d; r++ {
		wr := j[r].Mul(w)
		for c := r; c < a.d; c++ {
			jc := j[c]
			pt[idx+0] += wr[0] * jc[0]
			pt[idx+1] += wr[1] * jc[1]
			pt[idx+2] += wr[2] * jc[2]
			pt[idx+3] += wr[3] * jc[3]
			idx += 4
		}
	}
	a.Num += 4
	a.tri.bump()
}

// UpdateSingle accumulates one scalar Jacobian row (lane slot 0).
func (a *Sym) UpdateSingle(j []float32, w float32) {
	pt := a.tri.cur
	idx := 0
	for r := 0; r < a.d; r++ {
		jrw := j[r] * w
		for c := r; c < a.d; c++ {
			pt[idx] += jrw * j[c]
			idx += 4
		}
	}
	a.Num++
	a.tri.bump()
}

// Finish flushes the cascade and reconstructs the full symmetric matrix.
// Counters of the lower tiers return to zero; Num keeps the total.
func (a *Sym) Finish() {
	a.tri.flush()
	top := a.tri.top
	idx := 0
	for r := 0; r < a.d; r++ {
		for c := r; c < a.d; c++ {
			d := top[idx+0] + top[idx+1] + top[idx+2] + top[idx+3]
			a.H[r][c] = d
			a.H[c][r] = d
			idx += 4
		}
	}
}
