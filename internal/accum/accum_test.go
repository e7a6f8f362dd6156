package accum

import (
	"math"
	"testing"
)

func TestLaneOps(t *testing.T) {
	a := Lane{1, 2, 3, 4}
	b := Splat(2)

	if got := a.Add(b); got != (Lane{3, 4, 5, 6}) {
		t.Errorf("Add = %v", got)
	}
	if got := a.Mul(b); got != (Lane{2, 4, 6, 8}) {
		t.Errorf("Mul = %v", got)
	}
	if got := a.Sum(); got != 10 {
		t.Errorf("Sum = %v, want 10", got)
	}
	buf := []float32{9, 8, 7, 6, 5}
	if got := Load(buf, 1); got != (Lane{8, 7, 6, 5}) {
		t.Errorf("Load = %v", got)
	}
}

func TestSymSymmetry(t *testing.T) {
	acc := NewSym(9)
	acc.Reset()

	j := make([]Lane, 9)
	for k := range j {
		for l := 0; l < 4; l++ {
			j[k][l] = float32(k+1) * float32(l+2) * 0.37
		}
	}
	for n := 0; n < 257; n++ {
		acc.UpdateWeighted(j, Splat(0.8))
	}
	acc.Finish()

	for r := 0; r < 9; r++ {
		for c := 0; c < 9; c++ {
			if acc.H[r][c] != acc.H[c][r] {
				t.Fatalf("H(%d,%d)=%v != H(%d,%d)=%v", r, c, acc.H[r][c], c, r, acc.H[c][r])
			}
		}
	}
	if acc.Num != 257*4 {
		t.Errorf("Num = %v, want %v", acc.Num, 257*4)
	}
}

// The three-tier cascade must keep large sums close to exact: 1e5 identical
// unit-magnitude rows should reproduce num * J^T*J to a relative error far
// tighter than naive float32 summation allows.
func TestSymCascadePrecision(t *testing.T) {
	const updates = 100000 / 4

	acc := NewSym(8)
	acc.Reset()

	j := make([]Lane, 8)
	for k := range j {
		j[k] = Splat(1)
	}
	for n := 0; n < updates; n++ {
		acc.Update(j)
	}
	acc.Finish()

	want := float64(updates * 4)
	for r := 0; r < 8; r++ {
		for c := 0; c < 8; c++ {
			rel := math.Abs(float64(acc.H[r][c])-want) / want
			if rel > 1e-6 {
				t.Fatalf("H(%d,%d)=%v, want %v (rel err %g)", r, c, acc.H[r][c], want, rel)
			}
		}
	}
}

func TestSymMatchesNaiveSmall(t *testing.T) {
	acc := NewSym(5)
	acc.Reset()

	rows := [][]float32{
		{1, 2, 3, 4, 0.5},
		{-1, 0.25, 2, -3, 1},
		{0, 1, -1, 2, -2},
		{3, -0.5, 0.75, 1, 4},
	}
	j := make([]Lane, 5)
	for k := 0; k < 5; k++ {
		for l := 0; l < 4; l++ {
			j[k][l] = rows[l][k]
		}
	}
	acc.Update(j)
	acc.Finish()

	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			var want float32
			for _, row := range rows {
				want += row[r] * row[c]
			}
			if math.Abs(float64(acc.H[r][c]-want)) > 1e-5 {
				t.Errorf("H(%d,%d)=%v, want %v", r, c, acc.H[r][c], want)
			}
		}
	}
}

func TestSymDeterministic(t *testing.T) {
	run := func() [9][9]float32 {
		acc := NewSym(9)
		acc.Reset()
		j := make([]Lane, 9)
		for n := 0; n < 3000; n++ {
			for k := range j {
				for l := 0; l < 4; l++ {
					j[k][l] = float32((n*31+k*7+l)%17) * 0.125
				}
			}
			acc.UpdateWeighted(j, Splat(float32(n%5)*0.25))
		}
		acc.Finish()
		var out [9][9]float32
		for r := 0; r < 9; r++ {
			copy(out[r][:], acc.H[r])
		}
		return out
	}

	if run() != run() {
		t.Error("identical update sequences produced different matrices")
	}
}

func TestApproxMatchesRankTwoForm(t *testing.T) {
	acc := NewApprox(3)
	acc.Reset()

	x := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	y := []float32{-1, 0.5, 2, -0.25, 1, 3, -2, 0.75, 0.125, -4}
	wa, wb, wc := float32(2), float32(0.5), float32(1.5)

	acc.UpdateFull(x, y, wa, wb, wc)
	acc.Finish()

	for r := 0; r < 10; r++ {
		for c := 0; c < 10; c++ {
			want := wa*x[r]*x[c] + wc*y[r]*y[c] + wb*(x[r]*y[c]+y[r]*x[c])
			if math.Abs(float64(acc.H[r][c]-want)) > 1e-4 {
				t.Errorf("H(%d,%d)=%v, want %v", r, c, acc.H[r][c], want)
			}
		}
	}
}

func TestApproxBlocks(t *testing.T) {
	acc := NewApprox(3)
	acc.Reset()

	x4 := []float32{1, 2, 3, 4}
	x6 := []float32{5, 6, 7, 8, 9, 10}
	y4 := []float32{0, 0, 0, 0}
	y6 := []float32{0, 0, 0, 0, 0, 0}

	acc.Update(x4, x6, y4, y6, 1, 0, 0)
	acc.UpdateTopRight(x4, x6, y4, y6,
		[]float32{1, 2, 3}, []float32{0, 0, 0})
	acc.UpdateBotRight([]float32{1, 2, 3, 4, 5, 6})
	acc.Finish()

	// Top-left is x*x^T.
	if acc.H[0][0] != 1 || acc.H[9][9] != 100 || acc.H[0][9] != 10 {
		t.Errorf("top-left block wrong: %v %v %v", acc.H[0][0], acc.H[9][9], acc.H[0][9])
	}
	// Top-right row r is x[r] * (1,2,3).
	if acc.H[2][10] != 3 || acc.H[2][11] != 6 || acc.H[2][12] != 9 {
		t.Errorf("top-right block wrong: %v %v %v", acc.H[2][10], acc.H[2][11], acc.H[2][12])
	}
	if acc.H[10][2] != acc.H[2][10] {
		t.Error("top-right not mirrored")
	}
	// Bottom-right upper triangle 1..6.
	if acc.H[10][10] != 1 || acc.H[10][12] != 3 || acc.H[12][12] != 6 || acc.H[12][10] != 3 {
		t.Errorf("bottom-right block wrong")
	}
}

func TestCascadeCountersAfterFinish(t *testing.T) {
	c := newCascade(4)
	for i := 0; i < 2500; i++ {
		c.cur[0] += 1
		c.bump()
	}
	c.flush()
	if c.numIn1 != 0 || c.numIn1k != 0 {
		t.Errorf("lower tier counters not drained: %v %v", c.numIn1, c.numIn1k)
	}
	if c.total() != 2500 {
		t.Errorf("total = %v, want 2500", c.total())
	}
	if c.top[0] != 2500 {
		t.Errorf("top sum = %v, want 2500", c.top[0])
	}
}
