package modules

import (
	"fmt"
	"math"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

const glowClamp = 5.0

// mlp is Linear, activation, Linear.
type mlp struct {
	In  *nn.Linear
	Out *nn.Linear
	act nn.Activation
}

func newMLP(name, path string, in, mid, out int, act nn.Activation) *mlp {
	m := &mlp{In: nn.NewLinear(in, mid, true), Out: nn.NewLinear(mid, out, true), act: act}
	initDefault(m.In, name, path+".in")
	initDefault(m.Out, name, path+".out")
	return m
}

func (m *mlp) forward(x tensor.Batch) tensor.Batch {
	h := m.In.Forward(x)
	m.act.Apply(h)
	return m.Out.Forward(h)
}

func (m *mlp) params(prefix string, dst map[string]nn.Param) {
	m.In.Params(prefix+".in", dst)
	m.Out.Params(prefix+".out", dst)
}

// Invertible is a NICE or Glow coupling block over the feature dimension.
// Inverse undoes Forward up to float round-off.
type Invertible struct {
	Name   string
	Kind   string
	split1 int
	split2 int

	// NICE: y1 = x1 + F(x2), y2 = x2 + G(y1).
	F, G *mlp
	// Glow: affine couplings whose scale and shift come from S2(x2) and
	// S1(y1).
	S1, S2 *mlp
}

func NewInvertible(name, path string, cfg *config.Invertible, hidden int) (*Invertible, error) {
	if hidden < 2 || hidden%2 != 0 {
		return nil, fmt.Errorf("invertible adapter %q: hidden size %d must be even", name, hidden)
	}
	rf := cfg.ReductionFactor
	split1 := hidden / 2
	split2 := hidden - split1
	if rf <= 0 || split1%rf != 0 {
		return nil, fmt.Errorf("%w: inv_adapter_reduction_factor %d does not divide %d", config.ErrReductionFactor, rf, split1)
	}
	act, err := nn.ParseActivation(cfg.NonLinearity)
	if err != nil {
		return nil, err
	}
	inv := &Invertible{Name: name, Kind: cfg.Kind, split1: split1, split2: split2}
	switch cfg.Kind {
	case "nice":
		inv.F = newMLP(name, path+".f", split2, split1/rf, split1, act)
		inv.G = newMLP(name, path+".g", split1, split2/rf, split2, act)
	case "glow":
		inv.S1 = newMLP(name, path+".s1", split1, split1/rf, 2*split2, act)
		inv.S2 = newMLP(name, path+".s2", split2, split2/rf, 2*split1, act)
	default:
		return nil, fmt.Errorf("%w: invertible adapter kind %q", config.ErrUnsupported, cfg.Kind)
	}
	return inv, nil
}

func (inv *Invertible) Params(prefix string, dst map[string]nn.Param) {
	if inv.F != nil {
		inv.F.params(prefix+".f", dst)
		inv.G.params(prefix+".g", dst)
		return
	}
	inv.S1.params(prefix+".s1", dst)
	inv.S2.params(prefix+".s2", dst)
}

// Forward maps embeddings into the adapter space.
func (inv *Invertible) Forward(x tensor.Batch) tensor.Batch {
	x1, x2 := x.Columns(0, inv.split1), x.Columns(inv.split1, x.D)
	if inv.F != nil {
		y1 := x1.Plus(inv.F.forward(x2))
		y2 := x2.Plus(inv.G.forward(y1))
		return tensor.JoinColumns(y1, y2)
	}
	s2, t2 := splitAffine(inv.S2.forward(x2), inv.split1)
	y1 := affine(x1, s2, t2)
	s1, t1 := splitAffine(inv.S1.forward(y1), inv.split2)
	y2 := affine(x2, s1, t1)
	return tensor.JoinColumns(y1, y2)
}

// Inverse maps adapter-space states back to the embedding space.
func (inv *Invertible) Inverse(y tensor.Batch) tensor.Batch {
	y1, y2 := y.Columns(0, inv.split1), y.Columns(inv.split1, y.D)
	if inv.F != nil {
		x2 := minus(y2, inv.G.forward(y1))
		x1 := minus(y1, inv.F.forward(x2))
		return tensor.JoinColumns(x1, x2)
	}
	s1, t1 := splitAffine(inv.S1.forward(y1), inv.split2)
	x2 := unaffine(y2, s1, t1)
	s2, t2 := splitAffine(inv.S2.forward(x2), inv.split1)
	x1 := unaffine(y1, s2, t2)
	return tensor.JoinColumns(x1, x2)
}

func minus(x, y tensor.Batch) tensor.Batch {
	out := x.Clone()
	tensor.Axpy(out.Data, -1, y.Data)
	return out
}

func splitAffine(r tensor.Batch, n int) (s, t tensor.Batch) {
	return r.Columns(0, n), r.Columns(n, r.D)
}

// glowScale is the soft-clamped exponential exp(c * 0.636 * atan(s / c)).
func glowScale(s float32) float32 {
	return float32(math.Exp(glowClamp * 0.636 * math.Atan(float64(s)/glowClamp)))
}

func affine(x, s, t tensor.Batch) tensor.Batch {
	out := tensor.NewBatch(x.B, x.T, x.D)
	for i, v := range x.Data {
		out.Data[i] = glowScale(s.Data[i])*v + t.Data[i]
	}
	return out
}

func unaffine(y, s, t tensor.Batch) tensor.Batch {
	out := tensor.NewBatch(y.B, y.T, y.D)
	for i, v := range y.Data {
		out.Data[i] = (v - t.Data[i]) / glowScale(s.Data[i])
	}
	return out
}
