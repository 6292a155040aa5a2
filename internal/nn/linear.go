// Package nn is the small module surface the adapter layer consumes from its
// host: projections, normalisation, attention and the residual interception
// point that adapter blocks plug into.
package nn

import (
	"github.com/samcharles93/splice/internal/tensor"
)

// Projector maps the last dimension of a batch from InFeatures to
// OutFeatures. Host sub-modules keep projectors in exported fields so they
// can be replaced in place.
type Projector interface {
	Forward(x tensor.Batch) tensor.Batch
	InFeatures() int
	OutFeatures() int
}

// WeightHolder exposes the dense weight and bias behind a projector.
type WeightHolder interface {
	Weight() *tensor.Mat
	BiasVec() []float32
}

// Param is a named view onto parameter storage. Data aliases the owning
// module's memory.
type Param struct {
	Shape []int
	Data  []float32
}

// Linear is a dense projection y = W x + b with W stored as [out x in].
type Linear struct {
	W tensor.Mat
	B []float32
}

func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{W: tensor.NewMat(out, in)}
	if bias {
		l.B = make([]float32, out)
	}
	return l
}

func (l *Linear) Forward(x tensor.Batch) tensor.Batch {
	return tensor.Project(x, &l.W, l.B)
}

func (l *Linear) InFeatures() int  { return l.W.C }
func (l *Linear) OutFeatures() int { return l.W.R }

func (l *Linear) Weight() *tensor.Mat { return &l.W }
func (l *Linear) BiasVec() []float32  { return l.B }

// Params registers the weight (and bias if present) under prefix.
func (l *Linear) Params(prefix string, dst map[string]Param) {
	dst[prefix+".weight"] = Param{Shape: l.W.Shape(), Data: l.W.Data}
	if l.B != nil {
		dst[prefix+".bias"] = Param{Shape: []int{len(l.B)}, Data: l.B}
	}
}

// ProjectRow applies the projection to a single feature vector.
func (l *Linear) ProjectRow(dst, x []float32) {
	tensor.MatVec(dst, &l.W, x)
	if l.B != nil {
		tensor.Add(dst, l.B)
	}
}
