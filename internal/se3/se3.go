// Package se3 implements the minimal rigid-body algebra the tracker needs:
// SO(3) exponential/logarithm, right Jacobians, and SE(3) composition with
// exponential-map updates. Matrices are row-major fixed arrays; everything
// is float64 since pose state is double precision throughout.
package se3

import "math"

// smallAngle is the squared-angle threshold below which the closed forms
// switch to their Taylor expansions.
const smallAngle = 1e-10

// Vec3 is a 3-vector.
type Vec3 [3]float64

// Add returns a+b.
func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

// Sub returns a-b.
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

// Scale returns s*a.
func (a Vec3) Scale(s float64) Vec3 { return Vec3{s * a[0], s * a[1], s * a[2]} }

// Dot returns the inner product.
func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

// Cross returns the cross product a x b.
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// Norm returns the Euclidean norm.
func (a Vec3) Norm() float64 { return math.Sqrt(a.Dot(a)) }

// Mat3 is a row-major 3x3 matrix.
type Mat3 [9]float64

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 { return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1} }

// At returns element (r,c).
func (m Mat3) At(r, c int) float64 { return m[3*r+c] }

// Set assigns element (r,c).
func (m *Mat3) Set(r, c int, v float64) { m[3*r+c] = v }

// Mul returns the matrix product m*n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[3*r+c] = m[3*r]*n[c] + m[3*r+1]*n[3+c] + m[3*r+2]*n[6+c]
		}
	}
	return out
}

// MulVec returns m*v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// Transpose returns m^T.
func (m Mat3) Transpose() Mat3 {
	return Mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// Add returns m+n.
func (m Mat3) Add(n Mat3) Mat3 {
	var out Mat3
	for i := range out {
		out[i] = m[i] + n[i]
	}
	return out
}

// Scale returns s*m.
func (m Mat3) Scale(s float64) Mat3 {
	var out Mat3
	for i := range out {
		out[i] = s * m[i]
	}
	return out
}

// Inverse returns m^-1 via the adjugate. A singular matrix does not panic;
// it yields non-finite entries. The tracker only inverts right-Jacobians,
// which stay well conditioned.
func (m Mat3) Inverse() Mat3 {
	c00 := m[4]*m[8] - m[5]*m[7]
	c01 := m[5]*m[6] - m[3]*m[8]
	c02 := m[3]*m[7] - m[4]*m[6]
	det := m[0]*c00 + m[1]*c01 + m[2]*c02
	id := 1 / det
	return Mat3{
		c00 * id, (m[2]*m[7] - m[1]*m[8]) * id, (m[1]*m[5] - m[2]*m[4]) * id,
		c01 * id, (m[0]*m[8] - m[2]*m[6]) * id, (m[2]*m[3] - m[0]*m[5]) * id,
		c02 * id, (m[1]*m[6] - m[0]*m[7]) * id, (m[0]*m[4] - m[1]*m[3]) * id,
	}
}

// Hat returns the skew-symmetric cross-product matrix of v.
func Hat(v Vec3) Mat3 {
	return Mat3{
		0, -v[2], v[1],
		v[2], 0, -v[0],
		-v[1], v[0], 0,
	}
}

// ExpSO3 maps a rotation vector to a rotation matrix (Rodrigues).
func ExpSO3(w Vec3) Mat3 {
	th2 := w.Dot(w)
	W := Hat(w)
	W2 := W.Mul(W)
	if th2 < smallAngle {
		return Identity3().Add(W).Add(W2.Scale(0.5))
	}
	th := math.Sqrt(th2)
	return Identity3().
		Add(W.Scale(math.Sin(th) / th)).
		Add(W2.Scale((1 - math.Cos(th)) / th2))
}

// LogSO3 maps a rotation matrix to its rotation vector.
func LogSO3(R Mat3) Vec3 {
	tr := R[0] + R[4] + R[8]
	cosTh := 0.5 * (tr - 1)
	if cosTh > 1 {
		cosTh = 1
	} else if cosTh < -1 {
		cosTh = -1
	}
	th := math.Acos(cosTh)
	axis := Vec3{R[7] - R[5], R[2] - R[6], R[3] - R[1]}
	if th < 1e-7 {
		return axis.Scale(0.5)
	}
	if math.Pi-th < 1e-5 {
		// Near pi the off-diagonal form degenerates; recover the axis from
		// the diagonal of R = I + 2*sin^2(th/2)*(aa^T - I).
		var a Vec3
		for i := 0; i < 3; i++ {
			a[i] = math.Sqrt(math.Max(0, (R.At(i, i)+1)/2))
		}
		if axis[0] < 0 {
			a[0] = -a[0]
		}
		if axis[1] < 0 {
			a[1] = -a[1]
		}
		if axis[2] < 0 {
			a[2] = -a[2]
		}
		n := a.Norm()
		if n == 0 {
			return Vec3{th, 0, 0}
		}
		return a.Scale(th / n)
	}
	return axis.Scale(0.5 * th / math.Sin(th))
}

// RightJacobianSO3 returns J_r(phi), the right Jacobian of the SO(3)
// exponential at phi.
func RightJacobianSO3(phi Vec3) Mat3 {
	th2 := phi.Dot(phi)
	W := Hat(phi)
	W2 := W.Mul(W)
	if th2 < smallAngle {
		return Identity3().Add(W.Scale(-0.5)).Add(W2.Scale(1.0 / 6.0))
	}
	th := math.Sqrt(th2)
	return Identity3().
		Add(W.Scale(-(1 - math.Cos(th)) / th2)).
		Add(W2.Scale((th - math.Sin(th)) / (th2 * th)))
}

// Transform is a rigid transform: p' = R*p + T.
type Transform struct {
	R Mat3
	T Vec3
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{R: Identity3()}
}

// Mul composes transforms: (a.Mul(b))(p) = a(b(p)).
func (a Transform) Mul(b Transform) Transform {
	return Transform{
		R: a.R.Mul(b.R),
		T: a.R.MulVec(b.T).Add(a.T),
	}
}

// Inverse returns the inverse transform.
func (a Transform) Inverse() Transform {
	rt := a.R.Transpose()
	return Transform{R: rt, T: rt.MulVec(a.T).Scale(-1)}
}

// Apply transforms a point.
func (a Transform) Apply(p Vec3) Vec3 { return a.R.MulVec(p).Add(a.T) }

// Exp maps a twist to a transform. The tangent layout matches the solver
// state: xi[0:3] is the translational part, xi[3:6] the rotational part.
func Exp(xi [6]float64) Transform {
	u := Vec3{xi[0], xi[1], xi[2]}
	w := Vec3{xi[3], xi[4], xi[5]}
	R := ExpSO3(w)

	th2 := w.Dot(w)
	W := Hat(w)
	W2 := W.Mul(W)
	var V Mat3
	if th2 < smallAngle {
		V = Identity3().Add(W.Scale(0.5)).Add(W2.Scale(1.0 / 6.0))
	} else {
		th := math.Sqrt(th2)
		V = Identity3().
			Add(W.Scale((1 - math.Cos(th)) / th2)).
			Add(W2.Scale((th - math.Sin(th)) / (th2 * th)))
	}
	return Transform{R: R, T: V.MulVec(u)}
}

// Log maps a transform to its twist, inverting Exp.
func (a Transform) Log() [6]float64 {
	w := LogSO3(a.R)
	th2 := w.Dot(w)
	W := Hat(w)
	W2 := W.Mul(W)
	var Vinv Mat3
	if th2 < smallAngle {
		Vinv = Identity3().Add(W.Scale(-0.5)).Add(W2.Scale(1.0 / 12.0))
	} else {
		th := math.Sqrt(th2)
		k := (1 - 0.5*th*math.Cos(th/2)/math.Sin(th/2)) / th2
		Vinv = Identity3().Add(W.Scale(-0.5)).Add(W2.Scale(k))
	}
	u := Vinv.MulVec(a.T)
	return [6]float64{u[0], u[1], u[2], w[0], w[1], w[2]}
}
