package modules

import (
	"fmt"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

const (
	fusionStartTemperature = 50.0
	valueInitOffDiagonal   = 1e-6
)

// Fusion attends over the outputs of several bottleneck adapters. The
// query is the layer state; keys and values are the adapters' outputs.
type Fusion struct {
	Name   string
	Config *config.Fusion

	Query *nn.Linear
	Key   *nn.Linear
	Value *nn.Linear

	// T is the softmax temperature. With temperature enabled it starts at
	// 50 and decays by T0/1000 per call down to 1.
	T         float64
	reduction float64
}

func NewFusion(name, path string, cfg *config.Fusion, hidden int) *Fusion {
	f := &Fusion{Name: name, Config: cfg, T: 1}
	if cfg.Query {
		f.Query = nn.NewLinear(hidden, hidden, true)
		initBERT(f.Query, name, path+".query")
	}
	if cfg.Key {
		f.Key = nn.NewLinear(hidden, hidden, true)
		initBERT(f.Key, name, path+".key")
	}
	if cfg.Value {
		f.Value = nn.NewLinear(hidden, hidden, true)
		if cfg.ValueInitialized {
			f.Value.W.SetIdentity(valueInitOffDiagonal, 1)
		} else {
			initBERT(f.Value, name, path+".value")
		}
	}
	if cfg.Temperature {
		f.T = fusionStartTemperature
		f.reduction = f.T / 1000
	}
	return f
}

func (f *Fusion) Params(prefix string, dst map[string]nn.Param) {
	if f.Query != nil {
		f.Query.Params(prefix+".query", dst)
	}
	if f.Key != nil {
		f.Key.Params(prefix+".key", dst)
	}
	if f.Value != nil {
		f.Value.Params(prefix+".value", dst)
	}
}

// Forward combines the adapter outputs ups (each shaped like query) into
// one state. When weights is true the attention weights are returned as a
// [B, T, n] batch.
func (f *Fusion) Forward(query tensor.Batch, ups []tensor.Batch, residual tensor.Batch, weights bool) (tensor.Batch, tensor.Batch, error) {
	n := len(ups)
	if n == 0 {
		return tensor.Batch{}, tensor.Batch{}, fmt.Errorf("fusion %q: no adapter outputs", f.Name)
	}
	for _, u := range ups {
		if !u.SameShape(query) || !residual.SameShape(query) {
			return tensor.Batch{}, tensor.Batch{}, fmt.Errorf("fusion %q: adapter output shape [%d %d %d] does not match query [%d %d %d]",
				f.Name, u.B, u.T, u.D, query.B, query.T, query.D)
		}
	}

	values := make([]tensor.Batch, n)
	keys := make([]tensor.Batch, n)
	for i, u := range ups {
		v := u
		if f.Config.ResidualBefore {
			v = u.Plus(residual)
		}
		keys[i] = v
		if f.Key != nil {
			keys[i] = f.Key.Forward(v)
		}
		values[i] = v
		if f.Value != nil && f.Config.ValueBeforeSoftmax {
			values[i] = f.Value.Forward(v)
		}
	}
	q := query
	if f.Query != nil {
		q = f.Query.Forward(query)
	}

	ctx := tensor.NewBatch(query.B, query.T, query.D)
	var probs tensor.Batch
	if weights {
		probs = tensor.NewBatch(query.B, query.T, n)
	}
	scores := make([]float32, n)
	invT := float32(1 / f.T)
	for b := 0; b < query.B; b++ {
		for t := 0; t < query.T; t++ {
			qr := q.Row(b, t)
			for i := range n {
				scores[i] = tensor.Dot(qr, keys[i].Row(b, t)) * invT
			}
			tensor.Softmax(scores)
			out := ctx.Row(b, t)
			for i := range n {
				tensor.Axpy(out, scores[i], values[i].Row(b, t))
			}
			if weights {
				copy(probs.Row(b, t), scores)
			}
		}
	}
	f.T = max(f.T-f.reduction, 1)

	if f.Value != nil && !f.Config.ValueBeforeSoftmax {
		ctx = f.Value.Forward(ctx)
	}
	if !f.Config.ResidualBefore {
		ctx.AddInPlace(residual)
	}
	return ctx, probs, nil
}
