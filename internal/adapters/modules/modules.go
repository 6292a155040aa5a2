// Package modules holds the parameterised adapter units: bottleneck
// adapters, invertible coupling blocks, fusion attention, LoRA factors and
// prefix generators. Units are built from a typed config and the width of
// the features they see; wiring them into a host is the caller's job.
package modules

import (
	"hash/fnv"
	"math"

	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// BERTInitStd is the standard deviation of the normal init used for
// "bert" style weights.
const BERTInitStd = 0.02

// Seed derives a deterministic init seed from the adapter name and the
// parameter path, so the same adapter always starts from the same weights.
func Seed(name, path string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	return int64(h.Sum64() >> 1)
}

func initBERT(l *nn.Linear, name, path string) {
	tensor.FillNormal(&l.W, BERTInitStd, Seed(name, path+".weight"))
	clear(l.B)
}

// initDefault mirrors a freshly constructed torch Linear: kaiming-uniform
// weights and a uniform bias bounded by 1/sqrt(fan_in).
func initDefault(l *nn.Linear, name, path string) {
	tensor.FillKaimingUniform(&l.W, Seed(name, path+".weight"))
	if l.B != nil && l.W.C > 0 {
		tensor.FillUniform(l.B, 1/math.Sqrt(float64(l.W.C)), Seed(name, path+".bias"))
	}
}

// meanGate evaluates sigmoid(gate(x)) per position and averages it over
// the sequence, giving one gate value per batch item.
func meanGate(gate *nn.Linear, x tensor.Batch) []float32 {
	out := make([]float32, x.B)
	var score [1]float32
	for b := 0; b < x.B; b++ {
		var sum float64
		for t := 0; t < x.T; t++ {
			gate.ProjectRow(score[:], x.Row(b, t))
			sum += float64(tensor.Sigmoid(score[0]))
		}
		if x.T > 0 {
			out[b] = float32(sum / float64(x.T))
		}
	}
	return out
}

// scaleSeqs multiplies every row of sequence b by g[b].
func scaleSeqs(x tensor.Batch, g []float32) {
	for b := 0; b < x.B; b++ {
		tensor.Scale(x.Seq(b), g[b])
	}
}
