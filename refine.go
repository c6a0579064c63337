package photostereo

import (
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

// shrink is the soft-threshold operator, the proximal operator of the L1
// norm: sign(x) · max(|x|−t, 0).
func shrink(x, t float64) float64 {
	m := math.Abs(x) - t
	if m < 0 {
		m = 0
	}
	if x < 0 {
		return -m
	}
	if x > 0 {
		return m
	}
	return 0
}

// shrinkTo applies shrink elementwise, writing into dst. dst and src must
// share dimensions.
func shrinkTo(dst, src *mat.Dense, t float64) {
	d := dst.RawMatrix()
	s := src.RawMatrix()
	for r := 0; r < s.Rows; r++ {
		for c := 0; c < s.Cols; c++ {
			d.Data[r*d.Stride+c] = shrink(s.Data[r*s.Stride+c], t)
		}
	}
}

type refineResult struct {
	M          *mat.Dense
	converged  bool
	iterations int
}

// robustRefine re-estimates the normal field while absorbing observations
// that disagree with the Lambertian model into a sparse residual matrix.
// Augmented-Lagrangian scheme over L·M = Gray + E with an L1 penalty on E:
// alternate a least-squares M-update, a soft-threshold E-update and a dual
// ascent on the multipliers W, until the normal field stops moving or the
// iteration budget runs out. Budget exhaustion is not an error; the last
// estimate is returned with converged = false.
func robustRefine(sys *lightSystem, gray *mat.Dense, m0 *mat.Dense, opt Options) refineResult {
	n, p := gray.Dims()
	mu := opt.Mu

	M := mat.DenseCopyOf(m0)

	// E starts as the residual of the non-robust estimate, W at zero.
	var E mat.Dense
	E.Mul(sys.L, M)
	E.Sub(&E, gray)
	W := mat.NewDense(n, p, nil)

	var prev, rhs, resid, shifted, dual, diff mat.Dense
	for k := 1; k <= opt.MaxIterations; k++ {
		prev.CloneFrom(M)

		// M-update: least squares against the outlier-corrected image.
		rhs.Scale(1/mu, W)
		rhs.Sub(&E, &rhs)
		rhs.Add(gray, &rhs)
		M.Mul(sys.pinv, &rhs)

		// E-update: soft-threshold the shifted residual.
		resid.Mul(sys.L, M)
		resid.Sub(&resid, gray)
		shifted.Scale(1/mu, W)
		shifted.Add(&resid, &shifted)
		shrinkTo(&E, &shifted, 1/mu)

		// W-update: dual ascent.
		dual.Sub(&resid, &E)
		dual.Scale(mu, &dual)
		W.Add(W, &dual)

		if k > opt.MinIterations {
			diff.Sub(&prev, M)
			denom := mat.Norm(M, 2)
			if denom > 0 && mat.Norm(&diff, 2)/denom < opt.Tolerance {
				return refineResult{M: M, converged: true, iterations: k}
			}
		}
	}

	log.Printf("photometric notice: robust refinement did not converge within %d iterations, returning last estimate", opt.MaxIterations)
	return refineResult{M: M, converged: false, iterations: opt.MaxIterations}
}
