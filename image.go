package photostereo

// Image is a dense 3-channel floating-point image, interleaved RGB.
// Values are whatever the decoder produced; nothing here assumes [0,1].
type Image struct {
	W, H int
	Pix  []float64 // len = W*H*3
}

func NewImage(w, h int) *Image {
	return &Image{
		W:   w,
		H:   h,
		Pix: make([]float64, w*h*3),
	}
}

func pixOffset(w, x, y int) int {
	return (y*w + x) * 3
}

func (im *Image) At(x, y, ch int) float64 {
	return im.Pix[pixOffset(im.W, x, y)+ch]
}

func (im *Image) Set(x, y, ch int, v float64) {
	im.Pix[pixOffset(im.W, x, y)+ch] = v
}

// Downscale returns a box-averaged copy reduced by an integer factor.
// A factor of 1 still returns a copy so callers can mutate the result
// without touching the source. Border cells that do not cover a full
// factor×factor block average over the pixels that exist.
func (im *Image) Downscale(factor int) *Image {
	if factor < 1 {
		factor = 1
	}
	if factor == 1 {
		out := NewImage(im.W, im.H)
		copy(out.Pix, im.Pix)
		return out
	}

	nw := im.W / factor
	nh := im.H / factor
	if im.W%factor != 0 {
		nw++
	}
	if im.H%factor != 0 {
		nh++
	}
	out := NewImage(nw, nh)

	for y := 0; y < nh; y++ {
		y0 := y * factor
		y1 := min(y0+factor, im.H)
		for x := 0; x < nw; x++ {
			x0 := x * factor
			x1 := min(x0+factor, im.W)
			var sr, sg, sb float64
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					off := pixOffset(im.W, sx, sy)
					sr += im.Pix[off]
					sg += im.Pix[off+1]
					sb += im.Pix[off+2]
				}
			}
			n := float64((y1 - y0) * (x1 - x0))
			off := pixOffset(nw, x, y)
			out.Pix[off] = sr / n
			out.Pix[off+1] = sg / n
			out.Pix[off+2] = sb / n
		}
	}
	return out
}
