package adapters

import (
	"fmt"
	"testing"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// testLayer is a post-LN encoder layer exposing its hook fields.
type testLayer struct {
	Attn     *nn.Attention
	AttnNorm *nn.LayerNorm
	AttnRes  nn.ResidualHook
	Inter    nn.Projector
	Out      nn.Projector
	OutNorm  *nn.LayerNorm
	OutRes   nn.ResidualHook
}

type testModel struct {
	hidden int
	input  nn.InputHook
	layers []*testLayer
}

var testAct = nn.MustActivation("gelu")

func newTestModel(layers, hidden int) *testModel {
	m := &testModel{hidden: hidden}
	for i := range layers {
		l := &testLayer{
			Attn:     nn.NewAttention(hidden, 2, true),
			AttnNorm: nn.NewLayerNorm(hidden, nn.DefaultEps),
			AttnRes:  nn.PlainResidual{},
			Inter:    nn.NewLinear(hidden, 2*hidden, true),
			Out:      nn.NewLinear(2*hidden, hidden, true),
			OutNorm:  nn.NewLayerNorm(hidden, nn.DefaultEps),
			OutRes:   nn.PlainResidual{},
		}
		l.Attn.LocationKey = "self"
		seed := int64(100 * (i + 1))
		for j, p := range []nn.Projector{l.Attn.Query, l.Attn.Key, l.Attn.Value, l.Attn.Out, l.Inter, l.Out} {
			tensor.FillNormal(p.(*nn.Linear).Weight(), 0.3, seed+int64(j))
		}
		m.layers = append(m.layers, l)
	}
	return m
}

func (m *testModel) topology() *Topology {
	top := &Topology{ModelType: "test", Hidden: m.hidden, BaseParams: 10_000}
	top.Inputs = []InputSite{{Stack: "encoder", Invertible: true, Target: &m.input}}
	for i, l := range m.layers {
		top.Layers = append(top.Layers, Layer{Index: i, Name: fmt.Sprintf("encoder.layer.%d", i)})
		top.LoRA = append(top.LoRA,
			LoRASite{Layer: i, Location: config.SelfAttnLoRA, Matrix: config.AttnQ, Target: &l.Attn.Query},
			LoRASite{Layer: i, Location: config.SelfAttnLoRA, Matrix: config.AttnK, Target: &l.Attn.Key},
			LoRASite{Layer: i, Location: config.SelfAttnLoRA, Matrix: config.AttnV, Target: &l.Attn.Value},
			LoRASite{Layer: i, Location: config.IntermediateLoRA, Target: &l.Inter},
			LoRASite{Layer: i, Location: config.OutputLoRA, Target: &l.Out},
		)
		top.Blocks = append(top.Blocks,
			BlockSite{Layer: i, Location: config.MHAdapter, Target: &l.AttnRes},
			BlockSite{Layer: i, Location: config.OutputAdapter, Target: &l.OutRes},
		)
		top.Prefixes = append(top.Prefixes, PrefixSite{Layer: i, Key: "self", Attention: l.Attn})
	}
	return top
}

func (m *testModel) forward(x, mask tensor.Batch) (tensor.Batch, error) {
	p := &nn.Pass{Mask: mask}
	var err error
	if m.input != nil {
		if x, err = m.input.Input(p, x); err != nil {
			return tensor.Batch{}, err
		}
	}
	for i, l := range m.layers {
		p.Layer = i
		if err := p.Adjust(x.B); err != nil {
			return tensor.Batch{}, err
		}
		a, err := l.Attn.Forward(p, x, x, p.KeyMask(x))
		if err != nil {
			return tensor.Batch{}, err
		}
		if x, err = l.AttnRes.Residual(p, a, x, l.AttnNorm); err != nil {
			return tensor.Batch{}, err
		}
		ff := l.Inter.Forward(x)
		testAct.Apply(ff)
		if x, err = l.OutRes.Residual(p, l.Out.Forward(ff), x, l.OutNorm); err != nil {
			return tensor.Batch{}, err
		}
	}
	return x, nil
}

func newTestHost(t *testing.T) (*testModel, *Host) {
	t.Helper()
	m := newTestModel(2, 16)
	h, err := NewHost(m.topology())
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return m, h
}

func mustAdd(t *testing.T, h *Host, name string, cfg any, opts ...AddOption) {
	t.Helper()
	if err := h.AddAdapter(name, cfg, opts...); err != nil {
		t.Fatalf("AddAdapter(%q): %v", name, err)
	}
}

func mustActivate(t *testing.T, h *Host, program any) {
	t.Helper()
	if err := h.SetActive(program); err != nil {
		t.Fatalf("SetActive(%v): %v", program, err)
	}
}

func mustForward(t *testing.T, m *testModel, x, mask tensor.Batch) tensor.Batch {
	t.Helper()
	out, err := m.forward(x, mask)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	return out
}

func randBatch(b, t, d int, seed int64) tensor.Batch {
	m := tensor.NewMat(b*t, d)
	tensor.FillNormal(&m, 1, seed)
	return tensor.NewBatchFromData(b, t, d, m.Data)
}

// perturb overwrites parameters with deterministic non-trivial values.
func perturb(params map[string]nn.Param, scale float32) {
	for _, path := range sortedKeys(params) {
		p := params[path]
		for i := range p.Data {
			p.Data[i] = scale * float32((i*7)%11-5) / 5
		}
	}
}

func closeTo(t *testing.T, what string, got, want tensor.Batch, tol float64) {
	t.Helper()
	if d := tensor.MaxAbsDiff(got, want); d > tol {
		t.Fatalf("%s: max abs diff %g > %g", what, d, tol)
	}
}
