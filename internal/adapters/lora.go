package adapters

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/splice/internal/adapters/composition"
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/adapters/modules"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// LoRALinear wraps a projection with the LoRA updates of every adapter
// placed at its site. It reports the same feature counts as the projection
// it wraps.
type LoRALinear struct {
	Base nn.Projector
	Site LoRASite

	host   *Host
	loras  *orderedmap.OrderedMap[string, *modules.LoRA]
	merged string
}

func newLoRALinear(orig nn.Projector, site LoRASite, h *Host) (*LoRALinear, error) {
	if site.Location.Kind() != config.LoRAPoint {
		return nil, config.Errorf("wrap lora", site.Location.String(), config.ErrLocation, "not a LoRA location")
	}
	if site.Location == config.SelfAttnLoRA {
		if _, err := config.ParseAttnMatrix(string(site.Matrix)); err != nil {
			return nil, err
		}
	}
	return &LoRALinear{Base: orig, Site: site, host: h, loras: orderedmap.New[string, *modules.LoRA]()}, nil
}

func (l *LoRALinear) path() string {
	p := fmt.Sprintf("layers.%d.", l.Site.Layer)
	if l.Site.Module != "" {
		p += l.Site.Module + "."
	}
	p += l.Site.Location.String()
	if l.Site.Matrix != config.AttnNone {
		p += "." + string(l.Site.Matrix)
	}
	return p
}

// Projector is the projection to install at the site: the wrapper when it
// holds any LoRA, the base projection otherwise.
func (l *LoRALinear) Projector() nn.Projector {
	if l.loras.Len() == 0 {
		return l.Base
	}
	return l
}

// Unwrap returns the wrapped projection.
func (l *LoRALinear) Unwrap() nn.Projector { return l.Base }

func (l *LoRALinear) InFeatures() int  { return l.Base.InFeatures() }
func (l *LoRALinear) OutFeatures() int { return l.Base.OutFeatures() }

// LoRA returns the factors of the named adapter at this site.
func (l *LoRALinear) LoRA(name string) (*modules.LoRA, bool) {
	return l.loras.Get(name)
}

func (l *LoRALinear) build(e *config.Entry) *modules.LoRA {
	c := e.Config.LoRA
	if c == nil || !c.At(l.Site.Location, l.Site.Matrix, l.Site.Layer) {
		return nil
	}
	return modules.NewLoRA(e.Name, l.path(), c, l.InFeatures(), l.OutFeatures())
}

func (l *LoRALinear) remove(name string) {
	l.loras.Delete(name)
}

func (l *LoRALinear) Forward(x tensor.Batch) tensor.Batch {
	out := l.Base.Forward(x)
	if l.merged != "" {
		return out
	}
	prog := l.host.reg.Active()
	if prog == nil {
		return out
	}
	ctx := l.host.state()
	if err := l.apply(ctx, prog, out, x); err != nil {
		ctx.fail(err)
	}
	return out
}

func (l *LoRALinear) apply(ctx *forwardContext, node composition.Block, out, x tensor.Batch) error {
	switch n := node.(type) {
	case composition.Name:
		m, ok := l.loras.Get(string(n))
		if !ok {
			return nil
		}
		gate := m.Apply(out, x)
		ctx.recordGate(ScoreKey{Name: m.Name, Layer: l.Site.Layer, Location: l.Site.Location}, gate)
		return nil
	case *composition.Stack:
		for _, c := range n.Blocks {
			if err := l.apply(ctx, c, out, x); err != nil {
				return err
			}
		}
		return nil
	case *composition.Fuse:
		for _, name := range n.Flatten() {
			if _, ok := l.loras.Get(name); ok {
				return config.Errorf("lora forward", n.String(), config.ErrUnsupported, "LoRA adapters cannot be fused")
			}
		}
		return nil
	case *composition.Parallel:
		k := len(n.Blocks)
		if !ctx.parallelized || x.B%k != 0 {
			return &config.Error{
				Op:   "lora forward",
				Name: n.String(),
				Err:  fmt.Errorf("%w: batch of %d is not replicated into %d channels", config.ErrComposition, x.B, k),
			}
		}
		size := x.B / k
		for i, c := range n.Blocks {
			lo, hi := i*size, (i+1)*size
			if err := l.apply(ctx, c, out.View(lo, hi), x.View(lo, hi)); err != nil {
				return err
			}
		}
		return nil
	case *composition.BatchSplit:
		total := 0
		for _, size := range n.Sizes {
			total += size
		}
		if total != x.B {
			return config.Errorf("lora forward", n.String(), config.ErrBatchSplit, "sizes sum to %d, batch has %d", total, x.B)
		}
		lo := 0
		for i, c := range n.Blocks {
			hi := lo + n.Sizes[i]
			if err := l.apply(ctx, c, out.View(lo, hi), x.View(lo, hi)); err != nil {
				return err
			}
			lo = hi
		}
		return nil
	}
	return nil
}

// weights returns the dense storage behind the base projection, needed to
// merge.
func (l *LoRALinear) weights() (*tensor.Mat, []float32, error) {
	wh, ok := l.Base.(nn.WeightHolder)
	if !ok {
		return nil, nil, fmt.Errorf("lora site %s: base projection %T has no dense weights", l.path(), l.Base)
	}
	return wh.Weight(), wh.BiasVec(), nil
}

func (l *LoRALinear) merge(name string) error {
	m, ok := l.loras.Get(name)
	if !ok {
		return nil
	}
	w, bias, err := l.weights()
	if err != nil {
		return err
	}
	if err := m.Merge(w, bias); err != nil {
		return err
	}
	l.merged = name
	return nil
}

func (l *LoRALinear) reset() {
	if l.merged == "" {
		return
	}
	if m, ok := l.loras.Get(l.merged); ok {
		w, bias, err := l.weights()
		if err == nil {
			m.Unmerge(w, bias)
		}
	}
	l.merged = ""
}
