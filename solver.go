package photostereo

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
)

// Singular values below this fraction of the largest one make the light
// matrix rank deficient for solving purposes.
const rankTolerance = 1e-6

var ErrNoObservation = errors.New("observation matrices are missing")

// Options control the normal/albedo solve.
type Options struct {
	// Robust switches the luminance solve to the outlier-tolerant
	// iterative refinement and the albedo estimate to a per-pixel median,
	// which downweights specular highlights and cast shadows.
	Robust bool
	// Penalty weight of the augmented-Lagrangian term.
	Mu float64
	// Convergence tolerance: relative Frobenius-norm change of the normal
	// field between consecutive iterations.
	Tolerance float64
	// Iteration budget of the robust refinement.
	MaxIterations int
	// Iterations to run before the convergence test is consulted.
	// Guards against declaring spurious early convergence.
	MinIterations int
}

func DefaultOptions() Options {
	return Options{
		Mu:            0.1,
		Tolerance:     0.001,
		MaxIterations: 1000,
		MinIterations: 10,
	}
}

// Result carries the dense per-pixel output maps of one solve.
// Normals holds unit vectors (zero for unselected or degenerate pixels),
// Albedo holds channel-wise non-negative reflectance, max-normalized to 1.
// Converged and Iterations describe the robust refinement; a non-robust
// solve reports Converged = true, Iterations = 0.
type Result struct {
	Normals    *VectorMap
	Albedo     *VectorMap
	Converged  bool
	Iterations int
}

// lightSystem is the factorized design matrix: repeated least-squares
// solves against the same lights reduce to one pseudo-inverse multiply.
type lightSystem struct {
	L    *mat.Dense // imageCount × dim
	pinv *mat.Dense // dim × imageCount
}

func newLightSystem(lights *LightModel) (*lightSystem, error) {
	L := lights.Matrix()

	var svd mat.SVD
	if !svd.Factorize(L, mat.SVDThin) {
		return nil, fmt.Errorf("%w: SVD factorization failed", ErrDegenerateLights)
	}
	s := svd.Values(nil)
	if s[0] <= 0 || s[len(s)-1] < rankTolerance*s[0] {
		return nil, fmt.Errorf("%w: singular values span %g..%g", ErrDegenerateLights, s[len(s)-1], s[0])
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	dim := lights.Dim
	inv := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		inv.Set(i, i, 1/s[i])
	}
	var vs, pinv mat.Dense
	vs.Mul(&v, inv)
	pinv.Mul(&vs, u.T())

	return &lightSystem{L: L, pinv: &pinv}, nil
}

// solve computes the minimum-norm least-squares solution of L·X = B.
func (ls *lightSystem) solve(b *mat.Dense) *mat.Dense {
	var x mat.Dense
	x.Mul(ls.pinv, b)
	return &x
}

// Solve recovers per-pixel surface normals and channel-wise albedo from
// the observation matrices. The returned maps are sized to the selection's
// grid; pixels outside the selection keep zero vectors.
func Solve(obs *Observation, lights *LightModel, sel Selection, opt Options) (*Result, error) {
	res := &Result{
		Normals:   NewVectorMap(sel.Rows(), sel.Cols()),
		Albedo:    NewVectorMap(sel.Rows(), sel.Cols()),
		Converged: true,
	}

	p := sel.Count()
	if p == 0 {
		log.Println("photometric warning: empty pixel selection, returning zero maps")
		return res, nil
	}
	if obs == nil || obs.Gray == nil || obs.Color == nil {
		return nil, ErrNoObservation
	}
	n, cols := obs.Gray.Dims()
	if cols != p {
		return nil, fmt.Errorf("observation has %d columns for %d active pixels", cols, p)
	}
	if err := lights.Validate(n); err != nil {
		return nil, err
	}

	sys, err := newLightSystem(lights)
	if err != nil {
		return nil, err
	}

	// Grayscale normal-estimation pass.
	M := sys.solve(obs.Gray)
	if opt.Robust {
		ref := robustRefine(sys, obs.Gray, M, opt)
		M = ref.M
		res.Converged = ref.converged
		res.Iterations = ref.iterations
	}

	// Per-pixel unit normalization. Normalized full-dimension columns are
	// kept for the robust shading prediction; the dense map receives the
	// first three components.
	normals := mat.NewDense(lights.Dim, p, nil)
	degenerate := 0
	colBuf := make([]float64, lights.Dim)
	for j := 0; j < p; j++ {
		mat.Col(colBuf, j, M)
		norm := 0.0
		for _, v := range colBuf {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		idx := sel.PixelIndex(j)
		if norm == 0 {
			degenerate++
			continue
		}
		for d, v := range colBuf {
			normals.Set(d, j, v/norm)
		}
		res.Normals.setIndex(idx, colBuf[0]/norm, colBuf[1]/norm, colBuf[2]/norm)
	}
	if degenerate > 0 {
		log.Printf("photometric warning: %d active pixels solved to zero-norm normals", degenerate)
	}

	if opt.Robust {
		robustAlbedo(sys, obs, normals, sel, res.Albedo)
	} else {
		channelAlbedo(sys, obs, sel, res.Albedo)
	}

	maxA := 0.0
	for _, v := range res.Albedo.Vec {
		if v > maxA {
			maxA = v
		}
	}
	if maxA > 0 {
		for i := range res.Albedo.Vec {
			res.Albedo.Vec[i] /= maxA
		}
	} else {
		log.Println("photometric warning: albedo map has no positive entries, skipping normalization")
	}

	return res, nil
}

// channelMatrix extracts the imageCount × activeCount observation block of
// one color channel from the stacked color matrix.
func channelMatrix(color *mat.Dense, n, p, ch int) *mat.Dense {
	out := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, color.RawRowView(3*i+ch))
	}
	return out
}

// channelAlbedo refits each color channel against the lights and takes the
// per-pixel column norm as the reflectance magnitude. The refit is
// deliberate: each channel's albedo floats independently of the
// luminance-derived normal.
func channelAlbedo(sys *lightSystem, obs *Observation, sel Selection, albedo *VectorMap) {
	n, p := obs.Gray.Dims()
	for ch := 0; ch < 3; ch++ {
		mc := sys.solve(channelMatrix(obs.Color, n, p, ch))
		dim, _ := mc.Dims()
		for j := 0; j < p; j++ {
			norm := 0.0
			for d := 0; d < dim; d++ {
				v := mc.At(d, j)
				norm += v * v
			}
			albedo.Vec[3*sel.PixelIndex(j)+ch] = math.Sqrt(norm)
		}
	}
}

// robustAlbedo estimates each channel's reflectance as the median of the
// per-image observed/predicted-shading ratios, a central tendency that
// individual specular or shadowed captures cannot drag away.
func robustAlbedo(sys *lightSystem, obs *Observation, normals *mat.Dense, sel Selection, albedo *VectorMap) {
	n, p := obs.Gray.Dims()

	// Predicted Lambertian shading for every image/pixel pair.
	var shading mat.Dense
	shading.Mul(sys.L, normals)

	ratios := make([]float64, 0, n)
	skipped := 0
	for ch := 0; ch < 3; ch++ {
		mc := channelMatrix(obs.Color, n, p, ch)
		for j := 0; j < p; j++ {
			ratios = ratios[:0]
			for i := 0; i < n; i++ {
				r := mc.At(i, j) / shading.At(i, j)
				if math.IsNaN(r) || math.IsInf(r, 0) {
					continue
				}
				ratios = append(ratios, r)
			}
			if len(ratios) == 0 {
				skipped++
				continue
			}
			albedo.Vec[3*sel.PixelIndex(j)+ch] = medianOf(ratios)
		}
	}
	if skipped > 0 {
		log.Printf("photometric warning: %d pixel channels had no finite shading ratios, left at zero albedo", skipped)
	}
}

// medianOf returns the middle sorted element, or the average of the two
// middle elements for even-length input. Empty input yields 0.
func medianOf(v []float64) float64 {
	m, err := stats.Median(v)
	if err != nil {
		return 0
	}
	return m
}
