// Package model holds the host transformers adapters are injected into:
// post-norm and pre-norm encoders and a BART-style encoder-decoder, built
// from a Hugging Face config.json with random or safetensors weights.
package model

import (
	"fmt"

	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// InputKind is what the first stack consumes.
type InputKind int

const (
	TokenInput InputKind = iota
	// PatchInput takes flattened image patches.
	PatchInput
	// FrameInput takes pre-extracted audio frames.
	FrameInput
)

func (k InputKind) String() string {
	switch k {
	case TokenInput:
		return "tokens"
	case PatchInput:
		return "patches"
	case FrameInput:
		return "frames"
	default:
		return fmt.Sprintf("InputKind(%d)", int(k))
	}
}

// Layout is the structural description of a host architecture.
type Layout struct {
	Input   InputKind
	PreNorm bool
	// Decoder adds a causal decoder stack with cross-attention.
	Decoder bool

	// TokenTypes adds a token type table when the config sizes one.
	TokenTypes  bool
	NoPosition  bool
	EmbedNorm   bool
	FeatureNorm bool
	CLS         bool
	NoKeyBias   bool
	// PositionOffset is added to position ids; PositionExtra rows are
	// allocated beyond max_position_embeddings to hold the offset.
	PositionOffset int
	PositionExtra  int
	// FinalNorm closes every stack with a norm.
	FinalNorm bool

	// Eps is used when the config carries no layer_norm_eps.
	Eps float64
}

// Model is a host transformer.
type Model struct {
	Config *Config
	Layout Layout

	Embed   *Embeddings
	Encoder *Stack

	DecoderEmbed *Embeddings
	Decoder      *Stack
}

// Input is one batch. Token models read IDs (and TokenTypes when the
// layout has them); vision and audio models read Features. Masks are
// [B, T, 1] with 1 for positions to attend and may be left empty.
type Input struct {
	IDs        [][]int
	TokenTypes [][]int
	Features   tensor.Batch
	Mask       tensor.Batch

	DecoderIDs  [][]int
	DecoderMask tensor.Batch
}

// Output holds the last hidden states. For encoder-decoder models Hidden
// is the decoder output and Encoder the encoder output.
type Output struct {
	Hidden  tensor.Batch
	Encoder tensor.Batch
}

// New builds a model with zero projections and identity norms.
func New(cfg *Config, layout Layout) (*Model, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := cfg.validate(layout); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.ModelType, err)
	}
	actName := cfg.HiddenAct
	if actName == "" {
		actName = "gelu"
	}
	act, err := nn.ParseActivation(actName)
	if err != nil {
		return nil, err
	}
	eps := cfg.LayerNormEps
	if eps == 0 {
		eps = layout.Eps
	}
	if eps == 0 {
		eps = nn.DefaultEps
	}

	hidden := cfg.HiddenSize
	m := &Model{Config: cfg, Layout: layout}
	m.Embed = newEmbeddings(cfg, layout, float32(eps))

	m.Encoder = &Stack{Name: "encoder"}
	for i := range cfg.NumHiddenLayers {
		m.Encoder.Layers = append(m.Encoder.Layers,
			newLayer(i, hidden, cfg.NumAttentionHeads, cfg.IntermediateSize, float32(eps), layout, false, act))
	}
	if layout.FinalNorm {
		m.Encoder.Norm = nn.NewLayerNorm(hidden, float32(eps))
	}

	if layout.Decoder {
		// The decoder shares the token table with the encoder.
		m.DecoderEmbed = newEmbeddings(cfg, layout, float32(eps))
		m.DecoderEmbed.Word = m.Embed.Word
		m.Decoder = &Stack{Name: "decoder"}
		offset := cfg.NumHiddenLayers
		for i := range cfg.DecoderLayers {
			m.Decoder.Layers = append(m.Decoder.Layers,
				newLayer(offset+i, hidden, cfg.DecoderAttentionHeads, cfg.DecoderFFNDim, float32(eps), layout, true, act))
		}
		if layout.FinalNorm {
			m.Decoder.Norm = nn.NewLayerNorm(hidden, float32(eps))
		}
	}
	return m, nil
}

func newEmbeddings(cfg *Config, layout Layout, eps float32) *Embeddings {
	hidden := cfg.HiddenSize
	e := &Embeddings{PositionOffset: layout.PositionOffset}
	switch layout.Input {
	case TokenInput:
		e.Word = tensor.NewMat(cfg.VocabSize, hidden)
		if !layout.NoPosition {
			e.Position = tensor.NewMat(cfg.MaxPosition+layout.PositionExtra, hidden)
		}
		if layout.TokenTypes && cfg.TypeVocabSize > 0 {
			e.TokenType = tensor.NewMat(cfg.TypeVocabSize, hidden)
		}
		if cfg.ScaleEmbedding {
			e.Scale = sqrtf(float32(hidden))
		}
	case PatchInput:
		e.Project = nn.NewLinear(cfg.PatchDim(), hidden, true)
		positions := cfg.NumPatches()
		if layout.CLS {
			e.CLS = make([]float32, hidden)
			positions++
		}
		if !layout.NoPosition {
			e.Position = tensor.NewMat(positions, hidden)
		}
	case FrameInput:
		frame := cfg.FrameDim()
		if layout.FeatureNorm {
			e.FeatureNorm = nn.NewLayerNorm(frame, eps)
		}
		e.Project = nn.NewLinear(frame, hidden, true)
	}
	if layout.EmbedNorm {
		e.Norm = nn.NewLayerNorm(hidden, eps)
	}
	return e
}

// Hidden is the model width.
func (m *Model) Hidden() int { return m.Config.HiddenSize }

// Layers returns every layer in iteration order: encoder first, then
// decoder.
func (m *Model) Layers() []*Layer {
	out := append([]*Layer(nil), m.Encoder.Layers...)
	if m.Decoder != nil {
		out = append(out, m.Decoder.Layers...)
	}
	return out
}

// Forward runs the model on one batch.
func (m *Model) Forward(in Input) (*Output, error) {
	x, err := m.embed(in)
	if err != nil {
		return nil, err
	}
	if err := checkMask("mask", in.Mask, x); err != nil {
		return nil, err
	}
	p := &nn.Pass{Mask: in.Mask}
	enc, err := m.Encoder.Forward(p, x)
	if err != nil {
		return nil, err
	}
	if m.Decoder == nil {
		return &Output{Hidden: enc}, nil
	}

	if len(in.DecoderIDs) == 0 {
		return nil, fmt.Errorf("%s: decoder input ids are required", m.Config.ModelType)
	}
	y, err := m.DecoderEmbed.Tokens(in.DecoderIDs, nil)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	if err := checkMask("decoder mask", in.DecoderMask, y); err != nil {
		return nil, err
	}
	dp := &nn.Pass{Mask: in.DecoderMask, Encoder: enc, EncoderMask: p.Mask}
	dec, err := m.Decoder.Forward(dp, y)
	if err != nil {
		return nil, err
	}
	return &Output{Hidden: dec, Encoder: enc}, nil
}

func (m *Model) embed(in Input) (tensor.Batch, error) {
	switch m.Layout.Input {
	case TokenInput:
		if in.TokenTypes != nil && len(in.TokenTypes) != len(in.IDs) {
			return tensor.Batch{}, fmt.Errorf("%d token type rows for %d sequences", len(in.TokenTypes), len(in.IDs))
		}
		return m.Embed.Tokens(in.IDs, in.TokenTypes)
	default:
		return m.Embed.Features(in.Features)
	}
}

func checkMask(what string, mask, x tensor.Batch) error {
	if mask.Empty() {
		return nil
	}
	if mask.B != x.B || mask.T != x.T || mask.D != 1 {
		return fmt.Errorf("%s shape [%d %d %d] does not fit inputs [%d %d]", what, mask.B, mask.T, mask.D, x.B, x.T)
	}
	return nil
}
