package se3

import (
	"math"
	"testing"
)

func matClose(t *testing.T, got, want Mat3, tol float64, name string) {
	t.Helper()
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("%s[%d] = %v, want %v", name, i, got[i], want[i])
		}
	}
}

func TestExpSO3Zero(t *testing.T) {
	matClose(t, ExpSO3(Vec3{}), Identity3(), 1e-15, "ExpSO3(0)")
}

func TestExpSO3Orthonormal(t *testing.T) {
	R := ExpSO3(Vec3{0.3, -0.2, 0.7})
	RRt := R.Mul(R.Transpose())
	matClose(t, RRt, Identity3(), 1e-12, "R*R^T")
}

func TestLogExpRoundTrip(t *testing.T) {
	cases := []Vec3{
		{0.1, 0.2, 0.3},
		{-1.2, 0.4, 0.05},
		{1e-9, -2e-9, 3e-9},
		{2.0, -1.0, 0.5},
	}
	for _, w := range cases {
		got := LogSO3(ExpSO3(w))
		for i := 0; i < 3; i++ {
			if math.Abs(got[i]-w[i]) > 1e-9 {
				t.Errorf("LogSO3(ExpSO3(%v)) = %v", w, got)
				break
			}
		}
	}
}

func TestTransformExpLogRoundTrip(t *testing.T) {
	xi := [6]float64{0.1, -0.3, 0.2, 0.05, -0.1, 0.15}
	got := Exp(xi).Log()
	for i := 0; i < 6; i++ {
		if math.Abs(got[i]-xi[i]) > 1e-10 {
			t.Fatalf("Log(Exp(xi)) = %v, want %v", got, xi)
		}
	}
}

func TestTransformInverse(t *testing.T) {
	a := Exp([6]float64{0.4, -0.2, 1.0, 0.3, 0.1, -0.2})
	id := a.Mul(a.Inverse())
	matClose(t, id.R, Identity3(), 1e-12, "a*a^-1 rotation")
	if id.T.Norm() > 1e-12 {
		t.Errorf("a*a^-1 translation = %v", id.T)
	}
}

func TestTransformCompose(t *testing.T) {
	a := Exp([6]float64{0.1, 0, 0, 0, 0, 0.2})
	b := Exp([6]float64{0, 0.3, 0, 0.1, 0, 0})
	p := Vec3{1, 2, 3}
	got := a.Mul(b).Apply(p)
	want := a.Apply(b.Apply(p))
	if got.Sub(want).Norm() > 1e-12 {
		t.Errorf("composition mismatch: %v vs %v", got, want)
	}
}

// The right Jacobian relates additive perturbations of the rotation vector
// to multiplicative perturbations of the rotation:
// Exp(w+dw) ~ Exp(w) * Exp(Jr(w)*dw).
func TestRightJacobianFirstOrder(t *testing.T) {
	w := Vec3{0.4, -0.3, 0.6}
	dw := Vec3{1e-6, -2e-6, 1.5e-6}
	jr := RightJacobianSO3(w)

	lhs := ExpSO3(w.Add(dw))
	rhs := ExpSO3(w).Mul(ExpSO3(jr.MulVec(dw)))
	matClose(t, lhs, rhs, 1e-11, "first-order expansion")
}

func TestMat3Inverse(t *testing.T) {
	m := Mat3{2, 0.5, -1, 0, 1.5, 0.25, 1, -0.5, 3}
	matClose(t, m.Mul(m.Inverse()), Identity3(), 1e-12, "m*m^-1")
}
