package photostereo

// MaskThreshold is the selection cutoff on a [0,1]-normalized mask channel.
const MaskThreshold = 0.7

// Mask is a single-channel floating-point field over image coordinates,
// values in [0,1]. A nil *Mask means "no mask": every pixel participates.
type Mask struct {
	W, H int
	Pix  []float64 // len = W*H, row-major
}

func NewMask(w, h int) *Mask {
	return &Mask{
		W:   w,
		H:   h,
		Pix: make([]float64, w*h),
	}
}

func (m *Mask) At(x, y int) float64 {
	return m.Pix[y*m.W+x]
}

func (m *Mask) Set(x, y int, v float64) {
	m.Pix[y*m.W+x] = v
}

// Downscale box-averages the mask by an integer factor, mirroring
// Image.Downscale so a mask stays aligned with downscaled pictures.
func (m *Mask) Downscale(factor int) *Mask {
	if factor < 1 {
		factor = 1
	}
	if factor == 1 {
		out := NewMask(m.W, m.H)
		copy(out.Pix, m.Pix)
		return out
	}

	nw := m.W / factor
	nh := m.H / factor
	if m.W%factor != 0 {
		nw++
	}
	if m.H%factor != 0 {
		nh++
	}
	out := NewMask(nw, nh)

	for y := 0; y < nh; y++ {
		y0 := y * factor
		y1 := min(y0+factor, m.H)
		for x := 0; x < nw; x++ {
			x0 := x * factor
			x1 := min(x0+factor, m.W)
			sum := 0.0
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					sum += m.Pix[sy*m.W+sx]
				}
			}
			out.Pix[y*nw+x] = sum / float64((y1-y0)*(x1-x0))
		}
	}
	return out
}

// Selection is the ordered set of pixels participating in a solve.
// Linear pixel indices are column-major: index = col*rows + row, the same
// convention VectorMap uses when solver columns are scattered back.
//
// An identity selection (no mask) covers all rows*cols pixels without
// materializing an index list.
type Selection struct {
	rows, cols int
	indexes    []int // nil when identity
	identity   bool
}

// SelectPixels derives the active-pixel selection from an optional mask.
// With a nil mask every pixel of the rows×cols grid is selected.
func SelectPixels(mask *Mask, rows, cols int) Selection {
	if mask == nil {
		return Selection{rows: rows, cols: cols, identity: true}
	}

	var indexes []int
	for x := 0; x < mask.W; x++ {
		for y := 0; y < mask.H; y++ {
			if mask.At(x, y) > MaskThreshold {
				indexes = append(indexes, x*mask.H+y)
			}
		}
	}
	return Selection{rows: mask.H, cols: mask.W, indexes: indexes}
}

func (s Selection) Rows() int { return s.rows }
func (s Selection) Cols() int { return s.cols }

// Count is the number of active pixels.
func (s Selection) Count() int {
	if s.identity {
		return s.rows * s.cols
	}
	return len(s.indexes)
}

// PixelIndex maps the i-th active pixel to its column-major linear index.
func (s Selection) PixelIndex(i int) int {
	if s.identity {
		return i
	}
	return s.indexes[i]
}

// Coords maps the i-th active pixel to its (row, col) position.
func (s Selection) Coords(i int) (row, col int) {
	idx := s.PixelIndex(i)
	return idx % s.rows, idx / s.rows
}
