package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/splice/internal/tensor"
)

const maskedScore = -1e9

// KVHook may rewrite the projected keys and values (and their mask) before
// attention scores are computed.
type KVHook interface {
	Extend(p *Pass, key, value, mask tensor.Batch) (tensor.Batch, tensor.Batch, tensor.Batch, error)
}

// Attention is multi-head scaled dot-product attention. LocationKey names
// the role of this module (self, cross, encoder) for hooks that specialise
// on it.
type Attention struct {
	Heads       int
	Query       Projector
	Key         Projector
	Value       Projector
	Out         Projector
	Causal      bool
	LocationKey string
	KV          KVHook
}

func NewAttention(hidden, heads int, bias bool) *Attention {
	return &Attention{
		Heads: heads,
		Query: NewLinear(hidden, hidden, bias),
		Key:   NewLinear(hidden, hidden, bias),
		Value: NewLinear(hidden, hidden, bias),
		Out:   NewLinear(hidden, hidden, bias),
	}
}

// Forward attends from x to src. mask is the [B, S, 1] key mask for src.
func (a *Attention) Forward(p *Pass, x, src, mask tensor.Batch) (tensor.Batch, error) {
	q := a.Query.Forward(x)
	k := a.Key.Forward(src)
	v := a.Value.Forward(src)
	if a.KV != nil {
		var err error
		k, v, mask, err = a.KV.Extend(p, k, v, mask)
		if err != nil {
			return tensor.Batch{}, err
		}
	}
	if q.B != k.B || k.B != v.B || k.T != v.T || mask.B != k.B || mask.T != k.T {
		return tensor.Batch{}, fmt.Errorf("attention %s: query batch %d, key [%d %d], value [%d %d], mask [%d %d]",
			a.LocationKey, q.B, k.B, k.T, v.B, v.T, mask.B, mask.T)
	}
	if q.D%a.Heads != 0 {
		return tensor.Batch{}, fmt.Errorf("attention %s: width %d not divisible by %d heads", a.LocationKey, q.D, a.Heads)
	}

	ctx := tensor.NewBatch(q.B, q.T, q.D)
	headDim := q.D / a.Heads
	scale := float32(1 / math.Sqrt(float64(headDim)))
	scores := make([]float32, k.T)
	offset := k.T - q.T
	for b := 0; b < q.B; b++ {
		for h := 0; h < a.Heads; h++ {
			lo, hi := h*headDim, (h+1)*headDim
			for t := 0; t < q.T; t++ {
				qr := q.Row(b, t)[lo:hi]
				for s := 0; s < k.T; s++ {
					if mask.Row(b, s)[0] == 0 || (a.Causal && s > offset+t) {
						scores[s] = maskedScore
						continue
					}
					scores[s] = tensor.Dot(qr, k.Row(b, s)[lo:hi]) * scale
				}
				tensor.Softmax(scores)
				out := ctx.Row(b, t)[lo:hi]
				for s := 0; s < k.T; s++ {
					tensor.Axpy(out, scores[s], v.Row(b, s)[lo:hi])
				}
			}
		}
	}
	return a.Out.Forward(ctx), nil
}
