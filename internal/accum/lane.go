// Package accum provides four-lane float32 accumulation kernels for building
// dense symmetric Gauss-Newton systems from per-pixel Jacobian rows.
//
// The kernels mirror 128-bit vector arithmetic: callers submit four residual
// terms at a time and the horizontal reduction happens once, at Finish. All
// running sums use a three-tier cascade so that no single float32 partial sum
// absorbs more than ~1000 additions, which keeps the result stable over
// millions of updates.
package accum

// Lane holds four float32 values processed together, one per SIMD lane.
type Lane [4]float32

// Splat returns a Lane with all four elements set to v.
func Splat(v float32) Lane { return Lane{v, v, v, v} }

// Load returns the four consecutive elements buf[i:i+4] as a Lane.
// Buffers fed to Load must be padded to a multiple of four.
func Load(buf []float32, i int) Lane {
	return Lane{buf[i], buf[i+1], buf[i+2], buf[i+3]}
}

// Add returns the element-wise sum a+b.
func (a Lane) Add(b Lane) Lane {
	return Lane{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}

// Sub returns the element-wise difference a-b.
func (a Lane) Sub(b Lane) Lane {
	return Lane{a[0] - b[0], a[1] - b[1], a[2] - b[2], a[3] - b[3]}
}

// Mul returns the element-wise product a*b.
func (a Lane) Mul(b Lane) Lane {
	return Lane{a[0] * b[0], a[1] * b[1], a[2] * b[2], a[3] * b[3]}
}

// Div returns the element-wise quotient a/b.
func (a Lane) Div(b Lane) Lane {
	return Lane{a[0] / b[0], a[1] / b[1], a[2] / b[2], a[3] / b[3]}
}

// Neg returns the element-wise negation of a.
func (a Lane) Neg() Lane { return Lane{-a[0], -a[1], -a[2], -a[3]} }

// Sum reduces the lane horizontally.
func (a Lane) Sum() float32 { return a[0] + a[1] + a[2] + a[3] }
