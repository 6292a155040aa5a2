package modules

import (
	"fmt"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// Prefix generates the key/value prefixes of one adapter for every layer
// that shares a prefix location key. The generator output is laid out as
// [P x layers*2*D]: layer l owns columns [2lD, 2lD+D) for keys and the
// following D columns for values.
type Prefix struct {
	Name   string
	Config *config.Prefix
	Layers int
	Hidden int

	// Flat prefixes learn the table directly.
	Table tensor.Mat

	// Otherwise an embedding goes through a tanh MLP.
	Embedding tensor.Mat
	In        *nn.Linear
	Out       *nn.Linear
	act       nn.Activation

	cache tensor.Mat
}

func NewPrefix(name, path string, cfg *config.Prefix, layers, hidden int) (*Prefix, error) {
	if layers <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("prefix %q: need at least one layer and a positive width", name)
	}
	p := &Prefix{Name: name, Config: cfg, Layers: layers, Hidden: hidden}
	width := layers * 2 * hidden
	if cfg.Flat {
		p.Table = tensor.NewMat(cfg.PrefixLength, width)
		tensor.FillNormal(&p.Table, 1, Seed(name, path+".table"))
		return p, nil
	}
	act, err := nn.ParseActivation(cfg.NonLinearity)
	if err != nil {
		return nil, err
	}
	p.act = act
	p.Embedding = tensor.NewMat(cfg.PrefixLength, hidden)
	tensor.FillNormal(&p.Embedding, 1, Seed(name, path+".wte"))
	p.In = nn.NewLinear(hidden, cfg.BottleneckSize, true)
	p.Out = nn.NewLinear(cfg.BottleneckSize, width, true)
	initDefault(p.In, name, path+".mlp_in")
	initDefault(p.Out, name, path+".mlp_out")
	return p, nil
}

func (p *Prefix) Params(prefix string, dst map[string]nn.Param) {
	if p.Config.Flat {
		dst[prefix+".table"] = nn.Param{Shape: p.Table.Shape(), Data: p.Table.Data}
		return
	}
	dst[prefix+".wte"] = nn.Param{Shape: p.Embedding.Shape(), Data: p.Embedding.Data}
	p.In.Params(prefix+".mlp_in", dst)
	p.Out.Params(prefix+".mlp_out", dst)
}

// Invalidate drops the cached generator output. Call it after the
// parameters were changed in place.
func (p *Prefix) Invalidate() {
	p.cache = tensor.Mat{}
}

func (p *Prefix) generate() *tensor.Mat {
	if p.cache.Data != nil {
		return &p.cache
	}
	if p.Config.Flat {
		p.cache = p.Table.Clone()
		return &p.cache
	}
	emb := tensor.NewBatchFromData(1, p.Embedding.R, p.Embedding.C, p.Embedding.Data)
	h := p.In.Forward(emb)
	p.act.Apply(h)
	out := p.Out.Forward(h)
	p.cache = tensor.NewMatFromData(out.T, out.D, out.Data)
	return &p.cache
}

// KV returns the [1, P, D] key and value prefixes for a layer ordinal.
func (p *Prefix) KV(ordinal int) (key, value tensor.Batch, err error) {
	if ordinal < 0 || ordinal >= p.Layers {
		return tensor.Batch{}, tensor.Batch{}, fmt.Errorf("prefix %q: layer ordinal %d out of range [0, %d)", p.Name, ordinal, p.Layers)
	}
	g := generatorBatch(p.generate())
	lo := ordinal * 2 * p.Hidden
	return g.Columns(lo, lo+p.Hidden), g.Columns(lo+p.Hidden, lo+2*p.Hidden), nil
}

func generatorBatch(m *tensor.Mat) tensor.Batch {
	return tensor.NewBatchFromData(1, m.R, m.C, m.Data[:m.R*m.C])
}
