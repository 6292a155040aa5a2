package tensor

import (
	"math"
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Linear layers store their weights as [out x in], so a projection of a
// feature vector x is MatVec(dst, w, x).
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Clone returns a deep copy with a compact stride.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Shape returns the matrix dimensions as a safetensors-style shape.
func (m *Mat) Shape() []int {
	return []int{m.R, m.C}
}

// Fill sets every element to v.
func (m *Mat) Fill(v float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = v
		}
	}
}

// FillRand fills the matrix with reproducible pseudo‑random values.  A small
// range around zero is used to avoid overflow in accumulations.  The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// FillNormal fills the matrix with N(0, std²) samples from a seeded source.
func FillNormal(m *Mat, std float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// FillKaimingUniform fills the matrix with U(-b, b), b = 1/sqrt(fan_in), which
// is kaiming_uniform with a=sqrt(5) for a [out x in] weight.
func FillKaimingUniform(m *Mat, seed int64) {
	if m.C == 0 {
		return
	}
	bound := 1 / math.Sqrt(float64(m.C))
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// FillUniform fills dst with U(-bound, bound) samples from a seeded source.
func FillUniform(dst []float32, bound float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// SetIdentity fills the matrix with off and writes diag on its main diagonal.
func (m *Mat) SetIdentity(off, diag float32) {
	m.Fill(off)
	n := min(m.R, m.C)
	for i := 0; i < n; i++ {
		m.Row(i)[i] = diag
	}
}
