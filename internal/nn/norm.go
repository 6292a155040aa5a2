package nn

import (
	"github.com/samcharles93/splice/internal/tensor"
)

// DefaultEps matches the layer_norm_eps most BERT-style checkpoints ship.
const DefaultEps = 1e-12

type LayerNorm struct {
	Weight []float32
	Bias   []float32
	Eps    float32
}

// NewLayerNorm returns an identity-initialised norm over d features.
func NewLayerNorm(d int, eps float32) *LayerNorm {
	w := make([]float32, d)
	for i := range w {
		w[i] = 1
	}
	return &LayerNorm{Weight: w, Bias: make([]float32, d), Eps: eps}
}

func (n *LayerNorm) Dim() int { return len(n.Weight) }

// Forward normalises every row of x into a new batch.
func (n *LayerNorm) Forward(x tensor.Batch) tensor.Batch {
	if x.D != len(n.Weight) {
		panic("layernorm shape mismatch")
	}
	out := tensor.NewBatch(x.B, x.T, x.D)
	for i := 0; i < x.Rows(); i++ {
		tensor.LayerNorm(out.FlatRow(i), x.FlatRow(i), n.Weight, n.Bias, n.Eps)
	}
	return out
}

func (n *LayerNorm) Params(prefix string, dst map[string]Param) {
	dst[prefix+".weight"] = Param{Shape: []int{len(n.Weight)}, Data: n.Weight}
	if n.Bias != nil {
		dst[prefix+".bias"] = Param{Shape: []int{len(n.Bias)}, Data: n.Bias}
	}
}
