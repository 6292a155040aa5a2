package adapters

import (
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/tensor"
)

// ForwardOptions selects what a forward pass records.
type ForwardOptions struct {
	OutputGating bool
	OutputFusion bool
	// InvertOutput also maps the final hidden states back through the
	// active invertible adapter, for heads tied to the word embeddings.
	InvertOutput bool
}

// ScoreKey identifies where a gating score or fusion weight was recorded.
// Name is the adapter or fusion name.
type ScoreKey struct {
	Name     string
	Layer    int
	Location config.Location
}

// Capture holds what a forward pass recorded.
type Capture struct {
	// Gating holds one score per batch item.
	Gating map[ScoreKey][]float32
	// Fusion holds [B, T, n] attention weights over the fused adapters.
	Fusion map[ScoreKey]tensor.Batch
	// Channels is the number of parallel copies of the input batch, 1 when
	// nothing was replicated.
	Channels int
}

// forwardContext is the state of one forward call.
type forwardContext struct {
	opts         ForwardOptions
	parallelized bool
	channels     int
	capture      Capture
	err          error
	// implicit contexts are created on demand and replaced at the next
	// stack entry.
	implicit bool
}

func newForwardContext(opts ForwardOptions) *forwardContext {
	return &forwardContext{
		opts:     opts,
		channels: 1,
		capture: Capture{
			Gating: make(map[ScoreKey][]float32),
			Fusion: make(map[ScoreKey]tensor.Batch),
		},
	}
}

func (c *forwardContext) recordGate(key ScoreKey, gate []float32) {
	if !c.opts.OutputGating || gate == nil {
		return
	}
	c.capture.Gating[key] = append(c.capture.Gating[key], gate...)
}

func (c *forwardContext) recordFusion(key ScoreKey, weights tensor.Batch) {
	if !c.opts.OutputFusion || weights.Empty() {
		return
	}
	if prev, ok := c.capture.Fusion[key]; ok && prev.T == weights.T && prev.D == weights.D {
		weights = tensor.Concat(prev, weights)
	}
	c.capture.Fusion[key] = weights
}

// fail keeps the first error raised where no error can be returned.
func (c *forwardContext) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Begin starts a forward pass. Calls without Begin run in an implicit
// context that records nothing.
func (h *Host) Begin(opts ForwardOptions) {
	h.ctx = newForwardContext(opts)
}

// End finishes the forward pass and returns what it recorded, together
// with the first error raised inside a projection shim.
func (h *Host) End() (*Capture, error) {
	ctx := h.state()
	h.ctx = nil
	capture := ctx.capture
	capture.Channels = ctx.channels
	return &capture, ctx.err
}

func (h *Host) state() *forwardContext {
	if h.ctx == nil {
		h.ctx = newForwardContext(ForwardOptions{})
		h.ctx.implicit = true
	}
	return h.ctx
}

// restart replaces an implicit context at the start of a forward call.
func (h *Host) restart() *forwardContext {
	if h.ctx != nil && h.ctx.implicit {
		h.ctx = nil
	}
	return h.state()
}
