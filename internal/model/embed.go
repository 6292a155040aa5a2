package model

import (
	"fmt"

	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// Embeddings turns a model input into the first hidden states of a stack.
// Token inputs look up Word; patch and frame inputs go through Project.
// Empty tables are skipped.
type Embeddings struct {
	Word      tensor.Mat
	Position  tensor.Mat
	TokenType tensor.Mat

	// FeatureNorm normalizes raw frames before Project.
	FeatureNorm *nn.LayerNorm
	Project     *nn.Linear
	// CLS is prepended to projected patches.
	CLS []float32

	Norm *nn.LayerNorm

	// PositionOffset shifts position ids, as learned BART positions do.
	PositionOffset int
	// Scale multiplies token embeddings when non-zero.
	Scale float32
}

// Tokens embeds a batch of equal-length id sequences. types may be nil.
func (e *Embeddings) Tokens(ids, types [][]int) (tensor.Batch, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return tensor.Batch{}, fmt.Errorf("empty token batch")
	}
	if e.Word.R == 0 {
		return tensor.Batch{}, fmt.Errorf("model takes no token input")
	}
	seqLen := len(ids[0])
	out := tensor.NewBatch(len(ids), seqLen, e.Word.C)
	for b, seq := range ids {
		if len(seq) != seqLen {
			return tensor.Batch{}, fmt.Errorf("sequence %d has length %d, want %d", b, len(seq), seqLen)
		}
		if types != nil && len(types[b]) != seqLen {
			return tensor.Batch{}, fmt.Errorf("token types %d have length %d, want %d", b, len(types[b]), seqLen)
		}
		for t, id := range seq {
			if id < 0 || id >= e.Word.R {
				return tensor.Batch{}, fmt.Errorf("token id %d out of range [0, %d)", id, e.Word.R)
			}
			row := out.Row(b, t)
			copy(row, e.Word.Row(id))
			if e.Scale != 0 {
				tensor.Scale(row, e.Scale)
			}
			if e.Position.R > 0 {
				pos := t + e.PositionOffset
				if pos >= e.Position.R {
					return tensor.Batch{}, fmt.Errorf("sequence length %d exceeds %d positions", seqLen, e.Position.R-e.PositionOffset)
				}
				tensor.Add(row, e.Position.Row(pos))
			}
			if e.TokenType.R > 0 {
				tt := 0
				if types != nil {
					tt = types[b][t]
				}
				if tt < 0 || tt >= e.TokenType.R {
					return tensor.Batch{}, fmt.Errorf("token type %d out of range [0, %d)", tt, e.TokenType.R)
				}
				tensor.Add(row, e.TokenType.Row(tt))
			}
		}
	}
	return e.norm(out), nil
}

// Features embeds patch or frame vectors of shape [B, T, in].
func (e *Embeddings) Features(x tensor.Batch) (tensor.Batch, error) {
	if e.Project == nil {
		return tensor.Batch{}, fmt.Errorf("model takes no feature input")
	}
	if x.Empty() {
		return tensor.Batch{}, fmt.Errorf("empty feature batch")
	}
	if x.D != e.Project.InFeatures() {
		return tensor.Batch{}, fmt.Errorf("feature width %d, want %d", x.D, e.Project.InFeatures())
	}
	if e.FeatureNorm != nil {
		x = e.FeatureNorm.Forward(x)
	}
	h := e.Project.Forward(x)
	if e.CLS != nil {
		withCLS := tensor.NewBatch(h.B, h.T+1, h.D)
		for b := 0; b < h.B; b++ {
			copy(withCLS.Row(b, 0), e.CLS)
			copy(withCLS.Seq(b)[h.D:], h.Seq(b))
		}
		h = withCLS
	}
	if e.Position.R > 0 {
		if h.T > e.Position.R {
			return tensor.Batch{}, fmt.Errorf("%d positions exceed %d", h.T, e.Position.R)
		}
		for b := 0; b < h.B; b++ {
			for t := 0; t < h.T; t++ {
				tensor.Add(h.Row(b, t), e.Position.Row(t))
			}
		}
	}
	return e.norm(h), nil
}

func (e *Embeddings) norm(x tensor.Batch) tensor.Batch {
	if e.Norm == nil {
		return x
	}
	return e.Norm.Forward(x)
}
