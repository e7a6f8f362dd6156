package resid

import "github.com/meridian-robotics/dvio/internal/accum"

// residReductions computes the residual-side couplings folded into the
// accumulator blocks: the gradient-residual products, the affine-residual
// products and the squared residual sum.
func (j *RawJacobian) residReductions() (jiR [2]float32, jabR [4]float32, rr float32) {
	for k := range j.ResF {
		r := j.ResF[k]
		jiR[0] += j.JIdx[0][k] * r
		jiR[1] += j.JIdx[1][k] * r
		for s := 0; s < 4; s++ {
			jabR[s] += j.JabF[s][k] * r
		}
		rr += r * r
	}
	return
}

// AccumulateAF13 folds one linearized mono residual into the 13-dimensional
// (10 + a,b,res) back-end accumulator.
func AccumulateAF13(acc *accum.Approx, j *RawJacobian) {
	jiR, jabR, rr := j.residReductions()

	acc.Update(j.Jpdc[0][:], j.Jpdxi[0][:], j.Jpdc[1][:], j.Jpdxi[1][:],
		j.JIdx2[0][0], j.JIdx2[0][1], j.JIdx2[1][1])

	acc.UpdateTopRight(j.Jpdc[0][:], j.Jpdxi[0][:], j.Jpdc[1][:], j.Jpdxi[1][:],
		[]float32{j.JabJIdx[0][0], j.JabJIdx[1][0], jiR[0]},
		[]float32{j.JabJIdx[0][1], j.JabJIdx[1][1], jiR[1]})

	acc.UpdateBotRight([]float32{
		j.Jab2[0][0], j.Jab2[0][1], jabR[0],
		j.Jab2[1][1], jabR[1],
		rr,
	})
}

// AccumulateAF15 folds one linearized stereo residual into the
// 15-dimensional (10 + a,b,a_r,b_r,res) back-end accumulator.
func AccumulateAF15(acc *accum.Approx, j *RawJacobian) {
	jiR, jabR, rr := j.residReductions()

	acc.Update(j.Jpdc[0][:], j.Jpdxi[0][:], j.Jpdc[1][:], j.Jpdxi[1][:],
		j.JIdx2[0][0], j.JIdx2[0][1], j.JIdx2[1][1])

	acc.UpdateTopRight(j.Jpdc[0][:], j.Jpdxi[0][:], j.Jpdc[1][:], j.Jpdxi[1][:],
		[]float32{j.JabJIdx[0][0], j.JabJIdx[1][0], j.JabJIdx[2][0], j.JabJIdx[3][0], jiR[0]},
		[]float32{j.JabJIdx[0][1], j.JabJIdx[1][1], j.JabJIdx[2][1], j.JabJIdx[3][1], jiR[1]})

	acc.UpdateBotRight([]float32{
		j.Jab2[0][0], j.Jab2[0][1], j.Jab2[0][2], j.Jab2[0][3], jabR[0],
		j.Jab2[1][1], j.Jab2[1][2], j.Jab2[1][3], jabR[1],
		j.Jab2[2][2], j.Jab2[2][3], jabR[2],
		j.Jab2[3][3], jabR[3],
		rr,
	})
}
