package modules

import (
	"fmt"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// Bottleneck is a down-project, activate, up-project adapter with the
// residual and normalisation policy of its config.
type Bottleneck struct {
	Name    string
	Config  *config.Bottleneck
	Scaling float32

	LNBefore *nn.LayerNorm
	Down     *nn.Linear
	Up       *nn.Linear
	LNAfter  *nn.LayerNorm
	Gate     *nn.Linear

	act nn.Activation
}

// BottleneckOutput is the result of one bottleneck forward.
type BottleneckOutput struct {
	Hidden tensor.Batch
	Down   tensor.Batch
	// Up is the scaled up-projection before any residual, the value fused
	// by Fusion.
	Up tensor.Batch
	// Gate holds one gating score per batch item when gating is enabled.
	Gate []float32
}

// NewBottleneck builds the unit placed at a layer with the given width.
// path is the parameter prefix and seeds the initial weights.
func NewBottleneck(name, path string, cfg *config.Bottleneck, hidden, layer int) (*Bottleneck, error) {
	rf := cfg.ReductionFactor.At(layer)
	if rf <= 0 || hidden%rf != 0 {
		return nil, fmt.Errorf("%w: %d does not divide hidden size %d", config.ErrReductionFactor, rf, hidden)
	}
	act, err := nn.ParseActivation(cfg.NonLinearity)
	if err != nil {
		return nil, err
	}
	down := hidden / rf
	b := &Bottleneck{
		Name:    name,
		Config:  cfg,
		Scaling: float32(cfg.Scaling),
		Down:    nn.NewLinear(hidden, down, true),
		Up:      nn.NewLinear(down, hidden, true),
		act:     act,
	}
	if cfg.LNBefore {
		b.LNBefore = nn.NewLayerNorm(hidden, 1e-5)
	}
	if cfg.LNAfter {
		b.LNAfter = nn.NewLayerNorm(hidden, 1e-5)
	}
	if cfg.UseGating {
		b.Gate = nn.NewLinear(hidden, 1, true)
		initBERT(b.Gate, name, path+".gate")
	}
	switch cfg.InitWeights {
	case "mam_adapter":
		tensor.FillKaimingUniform(&b.Down.W, Seed(name, path+".down.weight"))
	default:
		initBERT(b.Down, name, path+".down")
		initBERT(b.Up, name, path+".up")
	}
	return b, nil
}

// Params registers the unit's parameters under prefix.
func (b *Bottleneck) Params(prefix string, dst map[string]nn.Param) {
	if b.LNBefore != nil {
		b.LNBefore.Params(prefix+".ln_before", dst)
	}
	b.Down.Params(prefix+".down", dst)
	b.Up.Params(prefix+".up", dst)
	if b.LNAfter != nil {
		b.LNAfter.Params(prefix+".ln_after", dst)
	}
	if b.Gate != nil {
		b.Gate.Params(prefix+".gate", dst)
	}
}

// PreForward prepares the adapter input. hidden is the sub-layer output,
// input the sub-layer input and norm the host norm that would follow their
// sum. It returns the adapter input, the fusion query (empty unless fusion
// is given) and the residual the adapter output is added to.
func (b *Bottleneck) PreForward(hidden, input tensor.Batch, norm *nn.LayerNorm, fusion *config.Fusion) (h, query, residual tensor.Batch) {
	if b.Config.IsParallel {
		return input, input, input
	}
	if b.Config.ResidualBeforeLN {
		residual = hidden
	}
	if fusion != nil && fusion.QueryBeforeLN {
		query = hidden
	}
	if b.Config.OriginalLNBefore {
		hidden = nn.AddNorm(hidden, input, norm)
	}
	if !b.Config.ResidualBeforeLN {
		residual = hidden
	}
	if fusion != nil && !fusion.QueryBeforeLN {
		query = hidden
	}
	return hidden, query, residual
}

// Forward runs the bottleneck on x. Sequential adapters add residual to
// their output; parallel adapters return the scaled up-projection alone.
func (b *Bottleneck) Forward(x, residual tensor.Batch) BottleneckOutput {
	in := x
	if b.LNBefore != nil {
		in = b.LNBefore.Forward(in)
	}
	down := b.Down.Forward(in)
	b.act.Apply(down)
	up := b.Up.Forward(down)
	if b.Scaling != 1 {
		tensor.Scale(up.Data, b.Scaling)
	}
	out := BottleneckOutput{Down: down, Up: up}
	output := up.Clone()
	if b.Gate != nil {
		out.Gate = meanGate(b.Gate, x)
		scaleSeqs(output, out.Gate)
	}
	if b.Config.IsParallel {
		out.Hidden = output
		return out
	}
	if b.Config.AdapterResidualBeforeLN {
		output.AddInPlace(residual)
	}
	if b.LNAfter != nil {
		output = b.LNAfter.Forward(output)
	}
	if !b.Config.AdapterResidualBeforeLN {
		output.AddInPlace(residual)
	}
	out.Hidden = output
	return out
}

// PostForward applies the host residual and norm after the adapter.
// subLayer is the original sub-layer output, which a parallel adapter adds
// back to its own output.
func (b *Bottleneck) PostForward(hidden, subLayer, input tensor.Batch, norm *nn.LayerNorm) tensor.Batch {
	if b.Config.IsParallel {
		hidden = hidden.Plus(subLayer)
	}
	if b.Config.OriginalLNAfter {
		return nn.AddNorm(hidden, input, norm)
	}
	return hidden
}
