package photostereo

import (
	"errors"
	"fmt"
	"log"

	"gonum.org/v1/gonum/mat"
)

// Relative-luminance weights used to reduce the color observations to a
// single grayscale channel.
const (
	lumR = 0.2126
	lumG = 0.7152
	lumB = 0.0722
)

var ErrNoImages = errors.New("observation needs at least one image")

// Observation holds the per-pixel observation matrices for one solve.
// Color stacks one 3-row block per image (3·imageCount × activeCount),
// Gray holds the luminance reduction (imageCount × activeCount). Columns
// follow the Selection's active-pixel order. Both matrices are normalized
// so their global maximum is 1. A degenerate empty selection leaves both
// matrices nil.
type Observation struct {
	Color *mat.Dense
	Gray  *mat.Dense
}

// BuildObservation assembles the observation matrices from the image stack.
// Image order must match the light-model order. The optional ambient image
// is subtracted channel-wise before intensity scaling; the integer downscale
// factor is applied to every image (and the ambient) first. Inputs are not
// mutated.
func BuildObservation(images []*Image, lights *LightModel, sel Selection, ambient *Image, downscale int) (*Observation, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	if err := lights.Validate(len(images)); err != nil {
		return nil, err
	}

	p := sel.Count()
	if p == 0 {
		log.Println("photometric warning: empty pixel selection, observation matrices are empty")
		return &Observation{}, nil
	}

	var amb *Image
	if ambient != nil {
		amb = ambient.Downscale(downscale)
		if amb.H != sel.Rows() || amb.W != sel.Cols() {
			return nil, fmt.Errorf("ambient image is %dx%d after downscale, selection grid is %dx%d",
				amb.W, amb.H, sel.Cols(), sel.Rows())
		}
	}

	n := len(images)
	obs := &Observation{
		Color: mat.NewDense(3*n, p, nil),
		Gray:  mat.NewDense(n, p, nil),
	}

	for i, src := range images {
		im := src.Downscale(downscale)
		if im.H != sel.Rows() || im.W != sel.Cols() {
			return nil, fmt.Errorf("image %d is %dx%d after downscale, selection grid is %dx%d",
				i, im.W, im.H, sel.Cols(), sel.Rows())
		}

		intensity := lights.Lights[i].Intensity
		for j := 0; j < p; j++ {
			row, col := sel.Coords(j)
			off := pixOffset(im.W, col, row)
			var v [3]float64
			for ch := 0; ch < 3; ch++ {
				v[ch] = im.Pix[off+ch]
				if amb != nil {
					v[ch] -= amb.Pix[off+ch]
				}
				v[ch] /= intensity[ch]
				obs.Color.Set(3*i+ch, j, v[ch])
			}
			obs.Gray.Set(i, j, lumR*v[0]+lumG*v[1]+lumB*v[2])
		}
	}

	normalizeByMax(obs.Color, "color")
	normalizeByMax(obs.Gray, "luminance")
	return obs, nil
}

// normalizeByMax divides the matrix by its global maximum so the largest
// entry becomes 1. A non-positive maximum means the stack carries no usable
// signal; the matrix is left as-is and the solve proceeds on zeros.
func normalizeByMax(m *mat.Dense, name string) {
	max := mat.Max(m)
	if max <= 0 {
		log.Printf("photometric warning: %s observation matrix has no positive entries, skipping normalization", name)
		return
	}
	m.Scale(1/max, m)
}
