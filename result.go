package photostereo

// VectorMap is a dense 2-D field of per-pixel 3-vectors. Pixels are
// addressed column-major, index = col*Rows + row, matching the Selection
// convention, so solver columns scatter straight into place. Unselected
// pixels keep the zero vector.
type VectorMap struct {
	Rows, Cols int
	Vec        []float64 // len = 3*Rows*Cols
}

func NewVectorMap(rows, cols int) *VectorMap {
	return &VectorMap{
		Rows: rows,
		Cols: cols,
		Vec:  make([]float64, 3*rows*cols),
	}
}

func (m *VectorMap) offset(row, col int) int {
	return 3 * (col*m.Rows + row)
}

func (m *VectorMap) At(row, col int) (x, y, z float64) {
	off := m.offset(row, col)
	return m.Vec[off], m.Vec[off+1], m.Vec[off+2]
}

func (m *VectorMap) Set(row, col int, x, y, z float64) {
	off := m.offset(row, col)
	m.Vec[off] = x
	m.Vec[off+1] = y
	m.Vec[off+2] = z
}

// setIndex writes a vector at a column-major linear pixel index.
func (m *VectorMap) setIndex(idx int, x, y, z float64) {
	off := 3 * idx
	m.Vec[off] = x
	m.Vec[off+1] = y
	m.Vec[off+2] = z
}

// atIndex reads the vector at a column-major linear pixel index.
func (m *VectorMap) atIndex(idx int) (x, y, z float64) {
	off := 3 * idx
	return m.Vec[off], m.Vec[off+1], m.Vec[off+2]
}
