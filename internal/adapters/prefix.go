package adapters

import (
	"fmt"

	"github.com/samcharles93/splice/internal/adapters/composition"
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/adapters/modules"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// PrefixShim prepends the prefixes of the active prefix-tuning adapters to
// the keys and values of one attention module. Ordinal is the module's
// position among the sites sharing its key and indexes the prefix
// generators.
type PrefixShim struct {
	Site     PrefixSite
	Location config.Location
	Ordinal  int

	host *Host
}

// Extend implements nn.KVHook.
func (s *PrefixShim) Extend(p *nn.Pass, key, value, mask tensor.Batch) (tensor.Batch, tensor.Batch, tensor.Batch, error) {
	prog := s.host.reg.Active()
	if prog == nil {
		return key, value, mask, nil
	}
	if !key.SameShape(value) || mask.B != key.B || mask.T != key.T {
		return tensor.Batch{}, tensor.Batch{}, tensor.Batch{}, fmt.Errorf("prefix %s: key [%d %d %d], value [%d %d %d], mask [%d %d]",
			s.Site.Key, key.B, key.T, key.D, value.B, value.T, value.D, mask.B, mask.T)
	}
	ctx := s.host.state()
	perItem := make([][]*modules.Prefix, key.B)
	if err := s.collect(ctx, prog, 0, key.B, perItem); err != nil {
		return tensor.Batch{}, tensor.Batch{}, tensor.Batch{}, err
	}
	longest := 0
	for _, pools := range perItem {
		n := 0
		for _, pool := range pools {
			n += pool.Config.PrefixLength
		}
		longest = max(longest, n)
	}
	if longest == 0 {
		return key, value, mask, nil
	}

	k := tensor.NewBatch(key.B, longest+key.T, key.D)
	v := tensor.NewBatch(value.B, longest+value.T, value.D)
	m := tensor.NewBatch(mask.B, longest+mask.T, 1)
	for b, pools := range perItem {
		n := 0
		for _, pool := range pools {
			n += pool.Config.PrefixLength
		}
		// Shorter prefix lists are left-padded with masked zeros.
		t := longest - n
		for _, pool := range pools {
			pk, pv, err := pool.KV(s.Ordinal)
			if err != nil {
				return tensor.Batch{}, tensor.Batch{}, tensor.Batch{}, err
			}
			for i := 0; i < pk.T; i++ {
				copy(k.Row(b, t), pk.Row(0, i))
				copy(v.Row(b, t), pv.Row(0, i))
				m.Row(b, t)[0] = 1
				t++
			}
		}
		for i := 0; i < key.T; i++ {
			copy(k.Row(b, longest+i), key.Row(b, i))
			copy(v.Row(b, longest+i), value.Row(b, i))
			m.Row(b, longest+i)[0] = mask.Row(b, i)[0]
		}
	}
	return k, v, m, nil
}

// collect assigns prefix generators to the batch items [lo, hi).
func (s *PrefixShim) collect(ctx *forwardContext, node composition.Block, lo, hi int, perItem [][]*modules.Prefix) error {
	switch n := node.(type) {
	case composition.Name:
		pool := s.host.prefixPool(string(n), s.Site.Key)
		if pool == nil || !s.host.reg.Match(string(n), s.Location, s.Site.Layer) {
			return nil
		}
		for b := lo; b < hi; b++ {
			perItem[b] = append(perItem[b], pool)
		}
		return nil
	case *composition.Stack:
		for _, c := range n.Blocks {
			if err := s.collect(ctx, c, lo, hi, perItem); err != nil {
				return err
			}
		}
		return nil
	case *composition.Fuse:
		for _, name := range n.Flatten() {
			if s.host.prefixPool(name, s.Site.Key) != nil {
				return config.Errorf("prefix forward", n.String(), config.ErrUnsupported, "prefix tuning adapters cannot be fused")
			}
		}
		return nil
	case *composition.Parallel:
		k := len(n.Blocks)
		if !ctx.parallelized || (hi-lo)%k != 0 {
			return &config.Error{
				Op:   "prefix forward",
				Name: n.String(),
				Err:  fmt.Errorf("%w: batch of %d is not replicated into %d channels", config.ErrComposition, hi-lo, k),
			}
		}
		size := (hi - lo) / k
		for i, c := range n.Blocks {
			if err := s.collect(ctx, c, lo+i*size, lo+(i+1)*size, perItem); err != nil {
				return err
			}
		}
		return nil
	case *composition.BatchSplit:
		total := 0
		for _, size := range n.Sizes {
			total += size
		}
		if total != hi-lo {
			return config.Errorf("prefix forward", n.String(), config.ErrBatchSplit, "sizes sum to %d, batch has %d", total, hi-lo)
		}
		start := lo
		for i, c := range n.Blocks {
			if err := s.collect(ctx, c, start, start+n.Sizes[i], perItem); err != nil {
				return err
			}
			start += n.Sizes[i]
		}
		return nil
	}
	return nil
}
