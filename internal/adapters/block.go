package adapters

import (
	"fmt"
	"slices"

	"github.com/samcharles93/splice/internal/adapters/composition"
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/adapters/modules"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// Block is the residual hook installed at one insertion point. With no
// active program, or none of its adapters placed here, it computes exactly
// what nn.PlainResidual does.
type Block struct {
	Layer    int
	Location config.Location

	host    *Host
	units   map[string]*modules.Bottleneck
	fusions map[string]*modules.Fusion
}

func newBlock(h *Host, site BlockSite) *Block {
	return &Block{
		Layer:    site.Layer,
		Location: site.Location,
		host:     h,
		units:    make(map[string]*modules.Bottleneck),
		fusions:  make(map[string]*modules.Fusion),
	}
}

func (b *Block) path() string {
	return fmt.Sprintf("layers.%d.%s", b.Layer, b.Location)
}

// Unit returns the bottleneck of the named adapter at this point.
func (b *Block) Unit(name string) (*modules.Bottleneck, bool) {
	u, ok := b.units[name]
	return u, ok
}

// branch is the outcome of running part of a program.
type branch struct {
	hidden tensor.Batch
	// up is the last adapter's up-projection, the value a Fuse collects.
	up   tensor.Batch
	last *modules.Bottleneck
	// placed is false when no adapter of the part lives here.
	placed bool
	// lasts is set by splits and holds the last adapter of every batch
	// item, nil where none ran. Each item gets its own post-forward.
	lasts []*modules.Bottleneck
}

// itemLasts returns the last adapter of every batch item.
func (res branch) itemLasts() []*modules.Bottleneck {
	if res.lasts != nil {
		return res.lasts
	}
	out := make([]*modules.Bottleneck, res.hidden.B)
	if res.placed {
		for i := range out {
			out[i] = res.last
		}
	}
	return out
}

// branchInputs travels alongside the hidden states: input is the sub-layer
// input and subLayer the unmodified sub-layer output.
type branchInputs struct {
	input    tensor.Batch
	subLayer tensor.Batch
}

func (in branchInputs) view(lo, hi int) branchInputs {
	return branchInputs{input: in.input.View(lo, hi), subLayer: in.subLayer.View(lo, hi)}
}

func (in branchInputs) repeat(n int) branchInputs {
	return branchInputs{input: in.input.Repeat(n), subLayer: in.subLayer.Repeat(n)}
}

func (b *Block) Residual(p *nn.Pass, hidden, input tensor.Batch, norm *nn.LayerNorm) (tensor.Batch, error) {
	ctx := b.host.state()
	if ctx.err != nil {
		return tensor.Batch{}, ctx.err
	}
	prog := b.host.reg.Active()
	if prog == nil || !b.anyPlaced(prog) {
		return nn.AddNorm(hidden, input, norm), nil
	}
	res, in, err := b.run(ctx, prog, hidden, branchInputs{input: input, subLayer: hidden}, norm)
	if err != nil {
		return tensor.Batch{}, err
	}
	return b.finish(res, in, norm), nil
}

func (b *Block) anyPlaced(prog composition.Block) bool {
	for _, name := range prog.Flatten() {
		if _, ok := b.units[name]; ok {
			return true
		}
	}
	return false
}

// finish applies the host residual once, after the whole program.
func (b *Block) finish(res branch, in branchInputs, norm *nn.LayerNorm) tensor.Batch {
	if res.lasts == nil {
		if !res.placed {
			return post(nil, res.hidden, in, norm)
		}
		return post(res.last, res.hidden, in, norm)
	}
	out := tensor.NewBatch(res.hidden.B, res.hidden.T, res.hidden.D)
	for lo := 0; lo < len(res.lasts); {
		hi := lo + 1
		for hi < len(res.lasts) && res.lasts[hi] == res.lasts[lo] {
			hi++
		}
		y := post(res.lasts[lo], res.hidden.View(lo, hi), in.view(lo, hi), norm)
		copy(out.View(lo, hi).Data, y.Data)
		lo = hi
	}
	return out
}

func post(last *modules.Bottleneck, hidden tensor.Batch, in branchInputs, norm *nn.LayerNorm) tensor.Batch {
	if last == nil {
		return nn.AddNorm(hidden, in.input, norm)
	}
	return last.PostForward(hidden, in.subLayer, in.input, norm)
}

func (b *Block) run(ctx *forwardContext, node composition.Block, hidden tensor.Batch, in branchInputs, norm *nn.LayerNorm) (branch, branchInputs, error) {
	switch n := node.(type) {
	case composition.Name:
		return b.stack(ctx, []composition.Block{n}, hidden, in, norm)
	case *composition.Stack:
		return b.stack(ctx, n.Blocks, hidden, in, norm)
	case *composition.Fuse:
		res, err := b.fuse(ctx, n, hidden, in, norm)
		return res, in, err
	case *composition.Parallel:
		return b.parallel(ctx, n, hidden, in, norm)
	case *composition.BatchSplit:
		res, err := b.batchSplit(ctx, n, hidden, in, norm)
		return res, in, err
	}
	return branch{}, in, fmt.Errorf("%w: unexpected %T", config.ErrComposition, node)
}

// unit resolves a leaf. Leaves unknown to the registry are errors; known
// adapters without a unit here are skipped.
func (b *Block) unit(name string) (*modules.Bottleneck, error) {
	if !b.host.reg.Has(name) {
		return nil, &config.Error{Op: "forward", Name: name, Err: config.ErrUnknownAdapter, Hint: config.Closest(name, b.host.reg.Names())}
	}
	return b.units[name], nil
}

func (b *Block) key(name string) ScoreKey {
	return ScoreKey{Name: name, Layer: b.Layer, Location: b.Location}
}

func (b *Block) stack(ctx *forwardContext, children []composition.Block, hidden tensor.Batch, in branchInputs, norm *nn.LayerNorm) (branch, branchInputs, error) {
	res := branch{hidden: hidden}
	for _, child := range children {
		switch c := child.(type) {
		case composition.Name:
			u, err := b.unit(string(c))
			if err != nil {
				return branch{}, in, err
			}
			if u == nil {
				continue
			}
			h, _, residual := u.PreForward(res.hidden, in.input, norm, nil)
			out := u.Forward(h, residual)
			ctx.recordGate(b.key(u.Name), out.Gate)
			res = branch{hidden: out.Hidden, up: out.Up, last: u, placed: true}
		case *composition.Fuse:
			fr, err := b.fuse(ctx, c, res.hidden, in, norm)
			if err != nil {
				return branch{}, in, err
			}
			if fr.placed {
				res = fr
			}
		default:
			prev := res.itemLasts()
			sub, next, err := b.run(ctx, c, res.hidden, in, norm)
			if err != nil {
				return branch{}, in, err
			}
			in = next
			if n := sub.hidden.B / max(len(prev), 1); n > 1 {
				prev = slices.Repeat(prev, n)
			}
			if sub.placed {
				// Items the split left untouched keep the adapter before it.
				for i, l := range sub.lasts {
					if l == nil {
						sub.lasts[i] = prev[i]
					}
				}
				res = sub
				continue
			}
			res.hidden = sub.hidden
			if res.lasts != nil {
				res.lasts = prev
			}
		}
	}
	return res, in, nil
}

func (b *Block) fuse(ctx *forwardContext, f *composition.Fuse, hidden tensor.Batch, in branchInputs, norm *nn.LayerNorm) (branch, error) {
	name := f.FusionName()
	fe, ok := b.host.reg.GetFusion(name)
	if !ok {
		return branch{}, &config.Error{Op: "forward", Name: name, Err: config.ErrUnknownFusion}
	}
	fusion, ok := b.fusions[name]
	if !ok {
		return branch{hidden: hidden}, nil
	}
	last, err := b.unit(f.Last())
	if err != nil {
		return branch{}, err
	}
	if last == nil {
		return branch{hidden: hidden}, nil
	}

	h, query, residual := last.PreForward(hidden, in.input, norm, fe.Config)
	var ups []tensor.Batch
	for _, child := range f.Blocks {
		switch c := child.(type) {
		case composition.Name:
			u, err := b.unit(string(c))
			if err != nil {
				return branch{}, err
			}
			if u == nil {
				continue
			}
			out := u.Forward(h, residual)
			ctx.recordGate(b.key(u.Name), out.Gate)
			ups = append(ups, out.Up)
		case *composition.Stack:
			sub, _, err := b.stack(ctx, c.Blocks, h, in, norm)
			if err != nil {
				return branch{}, err
			}
			if sub.placed {
				ups = append(ups, sub.up)
			}
		default:
			return branch{}, fmt.Errorf("%w: %T inside Fuse", config.ErrComposition, child)
		}
	}
	if len(ups) == 0 {
		return branch{hidden: h, last: last, placed: true}, nil
	}
	out, weights, err := fusion.Forward(query, ups, residual, ctx.opts.OutputFusion)
	if err != nil {
		return branch{}, err
	}
	ctx.recordFusion(b.key(name), weights)
	return branch{hidden: out, last: last, placed: true}, nil
}

func (b *Block) parallel(ctx *forwardContext, p *composition.Parallel, hidden tensor.Batch, in branchInputs, norm *nn.LayerNorm) (branch, branchInputs, error) {
	n := len(p.Blocks)
	if !ctx.parallelized {
		hidden = hidden.Repeat(n)
		in = in.repeat(n)
		ctx.parallelized = true
		ctx.channels = n
	} else if hidden.B%n != 0 {
		return branch{}, in, &config.Error{
			Op:   "forward",
			Name: p.String(),
			Err:  fmt.Errorf("%w: batch of %d cannot be split into %d parallel channels", config.ErrComposition, hidden.B, n),
		}
	}
	size := hidden.B / n
	outs := make([]tensor.Batch, n)
	res := branch{}
	for i, child := range p.Blocks {
		lo, hi := i*size, (i+1)*size
		sub, _, err := b.run(ctx, child, hidden.View(lo, hi), in.view(lo, hi), norm)
		if err != nil {
			return branch{}, in, err
		}
		outs[i] = sub.hidden
		res.lasts = append(res.lasts, sub.itemLasts()...)
		res.placed = res.placed || sub.placed
	}
	res.hidden = tensor.Concat(outs...)
	return res, in, nil
}

func (b *Block) batchSplit(ctx *forwardContext, s *composition.BatchSplit, hidden tensor.Batch, in branchInputs, norm *nn.LayerNorm) (branch, error) {
	total := 0
	for _, size := range s.Sizes {
		total += size
	}
	if total != hidden.B {
		return branch{}, config.Errorf("forward", s.String(), config.ErrBatchSplit, "sizes sum to %d, batch has %d", total, hidden.B)
	}
	outs := make([]tensor.Batch, len(s.Blocks))
	res := branch{}
	lo := 0
	for i, child := range s.Blocks {
		hi := lo + s.Sizes[i]
		sub, _, err := b.run(ctx, child, hidden.View(lo, hi), in.view(lo, hi), norm)
		if err != nil {
			return branch{}, err
		}
		outs[i] = sub.hidden
		res.lasts = append(res.lasts, sub.itemLasts()...)
		res.placed = res.placed || sub.placed
		lo = hi
	}
	res.hidden = tensor.Concat(outs...)
	return res, nil
}
