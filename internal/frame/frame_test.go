package frame

import (
	"math"
	"testing"
)

func TestInterp33Exact(t *testing.T) {
	w := 4
	img := make([]Pixel, 16)
	for i := range img {
		img[i] = Pixel{I: float32(i), Dx: float32(2 * i), Dy: float32(-i)}
	}

	got := Interp33(img, 2, 1, w)
	want := img[2+1*w]
	if got != want {
		t.Errorf("integer sample = %+v, want %+v", got, want)
	}
}

func TestInterp33Midpoint(t *testing.T) {
	w := 4
	img := make([]Pixel, 16)
	img[1+1*w] = Pixel{I: 10}
	img[2+1*w] = Pixel{I: 20}
	img[1+2*w] = Pixel{I: 30}
	img[2+2*w] = Pixel{I: 40}

	got := Interp33(img, 1.5, 1.5, w)
	if math.Abs(float64(got.I-25)) > 1e-5 {
		t.Errorf("midpoint I = %v, want 25", got.I)
	}
}

func TestInterp33LinearAlongRow(t *testing.T) {
	w := 4
	img := make([]Pixel, 16)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img[x+y*w] = Pixel{I: float32(10 * x)}
		}
	}
	got := Interp33(img, 1.25, 2, w)
	if math.Abs(float64(got.I-12.5)) > 1e-5 {
		t.Errorf("I = %v, want 12.5", got.I)
	}
}

func TestFromToVecExposure(t *testing.T) {
	// Equal states and exposures give the identity mapping.
	ab := FromToVecExposure(10, 10, AffLight{}, AffLight{})
	if ab[0] != 1 || ab[1] != 0 {
		t.Errorf("identity mapping = %v", ab)
	}

	// Zero exposures are treated as 1.
	ab = FromToVecExposure(0, 50, AffLight{}, AffLight{})
	if ab[0] != 1 || ab[1] != 0 {
		t.Errorf("zero-exposure mapping = %v", ab)
	}

	// Exposure ratio scales a.
	ab = FromToVecExposure(10, 20, AffLight{}, AffLight{})
	if math.Abs(ab[0]-2) > 1e-12 {
		t.Errorf("a = %v, want 2", ab[0])
	}

	// b folds the host offset through a.
	ab = FromToVecExposure(10, 10, AffLight{A: 0, B: 5}, AffLight{A: 0, B: 7})
	if math.Abs(ab[1]-(7-ab[0]*5)) > 1e-12 {
		t.Errorf("b = %v", ab[1])
	}
}

func TestPatternShape(t *testing.T) {
	if len(Pattern) != PatternN {
		t.Fatalf("pattern has %d offsets", len(Pattern))
	}
	// The center pixel must be part of the template.
	found := false
	for _, p := range Pattern {
		if p[0] == 0 && p[1] == 0 {
			found = true
		}
	}
	if !found {
		t.Error("pattern does not include the center pixel")
	}
}
