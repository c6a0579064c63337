package photostereo

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Light dimensionalities: a plain directional light is a 3-vector,
// a 2nd-order spherical-harmonics light is a 9-vector.
const (
	DimDirectional = 3
	DimHarmonics   = 9
)

var (
	ErrLightCount       = errors.New("light sample count does not match image count")
	ErrLightDimension   = errors.New("light vector dimension mismatch")
	ErrLightIntensity   = errors.New("light intensity must be positive")
	ErrDegenerateLights = errors.New("light matrix is rank deficient")
)

// Light is one capture's lighting sample: the direction (or harmonic
// coefficient) vector and the RGB intensity of that light.
type Light struct {
	Direction []float64 // length Dim of the owning model
	Intensity [3]float64
}

// LightModel is the known lighting configuration for a capture set,
// one sample per input image, in image order.
type LightModel struct {
	Dim    int // 3 or 9, fixed per model
	Lights []Light
}

func NewLightModel(dim int) (*LightModel, error) {
	if dim != DimDirectional && dim != DimHarmonics {
		return nil, fmt.Errorf("%w: got %d, want %d or %d", ErrLightDimension, dim, DimDirectional, DimHarmonics)
	}
	return &LightModel{Dim: dim}, nil
}

// Append adds one light sample. The direction length must match the
// model dimension.
func (lm *LightModel) Append(direction []float64, intensity [3]float64) error {
	if len(direction) != lm.Dim {
		return fmt.Errorf("%w: sample %d has %d components, model dimension is %d",
			ErrLightDimension, len(lm.Lights), len(direction), lm.Dim)
	}
	lm.Lights = append(lm.Lights, Light{Direction: direction, Intensity: intensity})
	return nil
}

// Validate checks the model against the image count it will be solved with.
func (lm *LightModel) Validate(imageCount int) error {
	if len(lm.Lights) != imageCount {
		return fmt.Errorf("%w: %d samples for %d images", ErrLightCount, len(lm.Lights), imageCount)
	}
	if lm.Dim < DimDirectional || imageCount < lm.Dim {
		return fmt.Errorf("%w: %d lights cannot constrain a %d-dimensional solve",
			ErrDegenerateLights, imageCount, lm.Dim)
	}
	for i, l := range lm.Lights {
		if len(l.Direction) != lm.Dim {
			return fmt.Errorf("%w: sample %d has %d components, model dimension is %d",
				ErrLightDimension, i, len(l.Direction), lm.Dim)
		}
		for ch := 0; ch < 3; ch++ {
			if l.Intensity[ch] <= 0 {
				return fmt.Errorf("%w: sample %d channel %d is %g", ErrLightIntensity, i, ch, l.Intensity[ch])
			}
		}
	}
	return nil
}

// Matrix builds the design matrix: one row per image, one column per
// direction/harmonic component.
func (lm *LightModel) Matrix() *mat.Dense {
	n := len(lm.Lights)
	m := mat.NewDense(n, lm.Dim, nil)
	for i, l := range lm.Lights {
		m.SetRow(i, l.Direction)
	}
	return m
}
