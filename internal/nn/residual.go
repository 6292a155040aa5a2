package nn

import "github.com/samcharles93/splice/internal/tensor"

// ResidualHook is the interception point at the end of a sub-layer: it
// receives the sub-layer output, the sub-layer input and the norm that
// would normally be applied to their sum.
type ResidualHook interface {
	Residual(p *Pass, hidden, input tensor.Batch, norm *LayerNorm) (tensor.Batch, error)
}

// PlainResidual is the unmodified host behaviour: norm(hidden + input), or
// hidden + input when norm is nil.
type PlainResidual struct{}

func (PlainResidual) Residual(_ *Pass, hidden, input tensor.Batch, norm *LayerNorm) (tensor.Batch, error) {
	return AddNorm(hidden, input, norm), nil
}

// AddNorm is the shared residual kernel.
func AddNorm(hidden, input tensor.Batch, norm *LayerNorm) tensor.Batch {
	out := hidden.Plus(input)
	if norm != nil {
		return norm.Forward(out)
	}
	return out
}

// InputHook sees the embedded inputs of a stack before its first layer and
// may replace them, for example to widen the batch.
type InputHook interface {
	Input(p *Pass, hidden tensor.Batch) (tensor.Batch, error)
}
