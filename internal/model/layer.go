package model

import (
	"fmt"

	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// Layer is one transformer layer. Projections and residual hooks live in
// exported fields so an adapter host can replace them in place.
//
// A post-norm layer computes norm(sub(x) + x) for each sub-layer; a
// pre-norm layer computes sub(norm(x)) + x and hands its residual hook a
// nil norm.
type Layer struct {
	// Index is the layer's position in the model-wide iteration order.
	Index   int
	PreNorm bool

	SelfAttn     *nn.Attention
	SelfNorm     *nn.LayerNorm
	SelfResidual nn.ResidualHook

	// Cross-attention is present on decoder layers only.
	CrossAttn     *nn.Attention
	CrossNorm     *nn.LayerNorm
	CrossResidual nn.ResidualHook

	Intermediate   nn.Projector
	Output         nn.Projector
	OutputNorm     *nn.LayerNorm
	OutputResidual nn.ResidualHook

	Act nn.Activation
}

// newLayer builds a layer for layout. Decoder layers are causal and
// cross-attend to the encoder.
func newLayer(index, hidden, heads, inter int, eps float32, layout Layout, decoder bool, act nn.Activation) *Layer {
	l := &Layer{
		Index:          index,
		PreNorm:        layout.PreNorm,
		SelfAttn:       nn.NewAttention(hidden, heads, true),
		SelfNorm:       nn.NewLayerNorm(hidden, eps),
		SelfResidual:   nn.PlainResidual{},
		Intermediate:   nn.NewLinear(hidden, inter, true),
		Output:         nn.NewLinear(inter, hidden, true),
		OutputNorm:     nn.NewLayerNorm(hidden, eps),
		OutputResidual: nn.PlainResidual{},
		Act:            act,
	}
	l.SelfAttn.LocationKey = "self"
	l.SelfAttn.Causal = decoder
	if layout.NoKeyBias {
		l.SelfAttn.Key.(*nn.Linear).B = nil
	}
	if decoder {
		l.CrossAttn = nn.NewAttention(hidden, heads, true)
		l.CrossAttn.LocationKey = "cross"
		l.CrossNorm = nn.NewLayerNorm(hidden, eps)
		l.CrossResidual = nn.PlainResidual{}
	}
	return l
}

// Forward runs the layer on x. Cross-attention reads p.Encoder.
func (l *Layer) Forward(p *nn.Pass, x tensor.Batch) (tensor.Batch, error) {
	x, err := l.sublayer(p, x, l.SelfNorm, l.SelfResidual, func(h tensor.Batch) (tensor.Batch, error) {
		return l.SelfAttn.Forward(p, h, h, p.KeyMask(h))
	})
	if err != nil {
		return tensor.Batch{}, fmt.Errorf("self-attention: %w", err)
	}
	if l.CrossAttn != nil {
		if p.Encoder.Empty() {
			return tensor.Batch{}, fmt.Errorf("cross-attention without encoder states")
		}
		x, err = l.sublayer(p, x, l.CrossNorm, l.CrossResidual, func(h tensor.Batch) (tensor.Batch, error) {
			return l.CrossAttn.Forward(p, h, p.Encoder, p.CrossMask())
		})
		if err != nil {
			return tensor.Batch{}, fmt.Errorf("cross-attention: %w", err)
		}
	}
	x, err = l.sublayer(p, x, l.OutputNorm, l.OutputResidual, func(h tensor.Batch) (tensor.Batch, error) {
		ff := l.Intermediate.Forward(h)
		l.Act.Apply(ff)
		return l.Output.Forward(ff), nil
	})
	if err != nil {
		return tensor.Batch{}, fmt.Errorf("feed-forward: %w", err)
	}
	return x, nil
}

func (l *Layer) sublayer(p *nn.Pass, x tensor.Batch, norm *nn.LayerNorm, hook nn.ResidualHook, sub func(tensor.Batch) (tensor.Batch, error)) (tensor.Batch, error) {
	if hook == nil {
		hook = nn.PlainResidual{}
	}
	if l.PreNorm {
		h, err := sub(norm.Forward(x))
		if err != nil {
			return tensor.Batch{}, err
		}
		return hook.Residual(p, h, x, nil)
	}
	h, err := sub(x)
	if err != nil {
		return tensor.Batch{}, err
	}
	return hook.Residual(p, h, x, norm)
}

// Stack is an encoder or decoder: an optional input hook, the layers and,
// for pre-norm layouts, a final norm.
type Stack struct {
	Name   string
	Input  nn.InputHook
	Layers []*Layer
	Norm   *nn.LayerNorm
}

// Forward runs the stack. p.Layer is set to each layer's index and the
// auxiliary tensors of p follow the hidden batch size.
func (s *Stack) Forward(p *nn.Pass, x tensor.Batch) (tensor.Batch, error) {
	var err error
	if s.Input != nil {
		if x, err = s.Input.Input(p, x); err != nil {
			return tensor.Batch{}, fmt.Errorf("%s input: %w", s.Name, err)
		}
	}
	for _, l := range s.Layers {
		p.Layer = l.Index
		if err := p.Adjust(x.B); err != nil {
			return tensor.Batch{}, fmt.Errorf("%s layer %d: %w", s.Name, l.Index, err)
		}
		if x, err = l.Forward(p, x); err != nil {
			return tensor.Batch{}, fmt.Errorf("%s layer %d: %w", s.Name, l.Index, err)
		}
	}
	if s.Norm != nil {
		x = s.Norm.Forward(x)
	}
	return x, nil
}
