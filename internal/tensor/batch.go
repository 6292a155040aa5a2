package tensor

import "math"

// Batch holds activations laid out as [B, T, D]: B sequences of T positions
// with D features each, flattened row-major into Data.
//
// Attention masks use the same type with D == 1 (1 = attend, 0 = padding).
type Batch struct {
	B, T, D int
	Data    []float32
}

// NewBatch allocates a zeroed [b, t, d] batch.
func NewBatch(b, t, d int) Batch {
	if b < 0 || t < 0 || d < 0 {
		panic("negative dimension for batch")
	}
	return Batch{B: b, T: t, D: d, Data: make([]float32, b*t*d)}
}

// NewBatchFromData wraps data as a [b, t, d] batch without copying.
func NewBatchFromData(b, t, d int, data []float32) Batch {
	if b*t*d != len(data) {
		panic("batch data length mismatch")
	}
	return Batch{B: b, T: t, D: d, Data: data}
}

// OnesMask returns a [b, t, 1] mask with every position attended.
func OnesMask(b, t int) Batch {
	m := NewBatch(b, t, 1)
	for i := range m.Data {
		m.Data[i] = 1
	}
	return m
}

// Empty reports whether the batch holds no data.
func (x Batch) Empty() bool {
	return len(x.Data) == 0
}

// Rows is the number of feature rows (B*T).
func (x Batch) Rows() int {
	return x.B * x.T
}

// Row returns the feature vector at (b, t) as a view.
func (x Batch) Row(b, t int) []float32 {
	if b < 0 || b >= x.B || t < 0 || t >= x.T {
		panic("batch index out of range")
	}
	start := (b*x.T + t) * x.D
	return x.Data[start : start+x.D]
}

// FlatRow returns row i of the [B*T, D] view.
func (x Batch) FlatRow(i int) []float32 {
	start := i * x.D
	return x.Data[start : start+x.D]
}

// Seq returns the [T, D] block of sequence b as a view.
func (x Batch) Seq(b int) []float32 {
	n := x.T * x.D
	return x.Data[b*n : (b+1)*n]
}

// Clone returns a deep copy.
func (x Batch) Clone() Batch {
	out := Batch{B: x.B, T: x.T, D: x.D, Data: make([]float32, len(x.Data))}
	copy(out.Data, x.Data)
	return out
}

// SameShape reports whether x and y have identical dimensions.
func (x Batch) SameShape(y Batch) bool {
	return x.B == y.B && x.T == y.T && x.D == y.D
}

// Slice copies sequences [lo, hi) into a new batch.
func (x Batch) Slice(lo, hi int) Batch {
	if lo < 0 || hi > x.B || lo > hi {
		panic("batch slice out of range")
	}
	n := x.T * x.D
	out := NewBatch(hi-lo, x.T, x.D)
	copy(out.Data, x.Data[lo*n:hi*n])
	return out
}

// View returns sequences [lo, hi) sharing x's storage.
func (x Batch) View(lo, hi int) Batch {
	if lo < 0 || hi > x.B || lo > hi {
		panic("batch view out of range")
	}
	n := x.T * x.D
	return Batch{B: hi - lo, T: x.T, D: x.D, Data: x.Data[lo*n : hi*n]}
}

// Concat joins batches along the batch dimension. All parts must agree on T
// and D.
func Concat(parts ...Batch) Batch {
	if len(parts) == 0 {
		return Batch{}
	}
	t, d := parts[0].T, parts[0].D
	b := 0
	for _, p := range parts {
		if p.T != t || p.D != d {
			panic("concat shape mismatch")
		}
		b += p.B
	}
	out := NewBatch(b, t, d)
	off := 0
	for _, p := range parts {
		copy(out.Data[off:], p.Data)
		off += len(p.Data)
	}
	return out
}

// Repeat tiles the batch n times along the batch dimension, so sequence i of
// copy k lands at index k*B+i.
func (x Batch) Repeat(n int) Batch {
	if n < 1 {
		panic("repeat count must be positive")
	}
	out := NewBatch(x.B*n, x.T, x.D)
	for k := 0; k < n; k++ {
		copy(out.Data[k*len(x.Data):], x.Data)
	}
	return out
}

// AddInPlace adds y to x element-wise.
func (x Batch) AddInPlace(y Batch) {
	if !x.SameShape(y) {
		panic("batch add shape mismatch")
	}
	Add(x.Data, y.Data)
}

// Plus returns x + y as a new batch.
func (x Batch) Plus(y Batch) Batch {
	out := x.Clone()
	out.AddInPlace(y)
	return out
}

// Columns copies features [lo, hi) of every row into a new [B, T, hi-lo] batch.
func (x Batch) Columns(lo, hi int) Batch {
	if lo < 0 || hi > x.D || lo > hi {
		panic("column range out of range")
	}
	out := NewBatch(x.B, x.T, hi-lo)
	for i := 0; i < x.Rows(); i++ {
		copy(out.FlatRow(i), x.FlatRow(i)[lo:hi])
	}
	return out
}

// JoinColumns concatenates batches along the feature dimension.
func JoinColumns(parts ...Batch) Batch {
	if len(parts) == 0 {
		return Batch{}
	}
	b, t := parts[0].B, parts[0].T
	d := 0
	for _, p := range parts {
		if p.B != b || p.T != t {
			panic("join columns shape mismatch")
		}
		d += p.D
	}
	out := NewBatch(b, t, d)
	for i := 0; i < out.Rows(); i++ {
		row := out.FlatRow(i)
		off := 0
		for _, p := range parts {
			copy(row[off:], p.FlatRow(i))
			off += p.D
		}
	}
	return out
}

// MaxAbsDiff returns the largest absolute element difference between x and
// y, or +Inf when the shapes differ.
func MaxAbsDiff(x, y Batch) float64 {
	if !x.SameShape(y) {
		return math.Inf(1)
	}
	var maxAbs float64
	for i := range x.Data {
		d := math.Abs(float64(x.Data[i] - y.Data[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}
