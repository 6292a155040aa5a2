package nn

import (
	"fmt"

	"github.com/samcharles93/splice/internal/tensor"
)

// Pass carries the per-layer side channel of one forward call: the layer
// ordinal and the auxiliary tensors whose batch dimension must follow the
// hidden states.
type Pass struct {
	Layer int

	// Mask is the [B, T, 1] key mask of the current stack (1 = attend).
	Mask tensor.Batch

	// Encoder and EncoderMask are set for decoder stacks with
	// cross-attention.
	Encoder     tensor.Batch
	EncoderMask tensor.Batch
}

// Adjust replicates the auxiliary tensors so their batch dimension matches
// a hidden batch of size b. Tensors already at b are left alone.
func (p *Pass) Adjust(b int) error {
	for _, t := range []*tensor.Batch{&p.Mask, &p.Encoder, &p.EncoderMask} {
		if t.Empty() || t.B == b {
			continue
		}
		if t.B == 0 || t.B > b || b%t.B != 0 {
			return fmt.Errorf("cannot expand auxiliary batch of %d to %d", t.B, b)
		}
		*t = t.Repeat(b / t.B)
	}
	return nil
}

// KeyMask returns the mask for self-attention over x, defaulting to all
// ones when none was provided.
func (p *Pass) KeyMask(x tensor.Batch) tensor.Batch {
	if p == nil || p.Mask.Empty() {
		return tensor.OnesMask(x.B, x.T)
	}
	return p.Mask
}

// CrossMask is KeyMask for the encoder states.
func (p *Pass) CrossMask() tensor.Batch {
	if p.EncoderMask.Empty() {
		return tensor.OnesMask(p.Encoder.B, p.Encoder.T)
	}
	return p.EncoderMask
}
