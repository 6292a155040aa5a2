package model

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Config is the subset of a Hugging Face config.json the host layouts read.
// Encoder-decoder and vision/audio checkpoints spell some fields
// differently; Normalize folds them onto the common names.
type Config struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	LayerNormEps      float64 `json:"layer_norm_eps"`
	HiddenAct         string  `json:"hidden_act"`
	VocabSize         int     `json:"vocab_size"`
	MaxPosition       int     `json:"max_position_embeddings"`
	TypeVocabSize     int     `json:"type_vocab_size"`
	EmbeddingSize     int     `json:"embedding_size"`

	// BART family.
	DModel                int    `json:"d_model"`
	EncoderLayers         int    `json:"encoder_layers"`
	DecoderLayers         int    `json:"decoder_layers"`
	EncoderAttentionHeads int    `json:"encoder_attention_heads"`
	DecoderAttentionHeads int    `json:"decoder_attention_heads"`
	EncoderFFNDim         int    `json:"encoder_ffn_dim"`
	DecoderFFNDim         int    `json:"decoder_ffn_dim"`
	ActivationFunction    string `json:"activation_function"`
	ScaleEmbedding        bool   `json:"scale_embedding"`

	// Vision.
	ImageSize   int `json:"image_size"`
	PatchSize   int `json:"patch_size"`
	NumChannels int `json:"num_channels"`

	// Audio. ConvDim's last entry is the width of the extracted frames.
	ConvDim           []int `json:"conv_dim"`
	DoStableLayerNorm bool  `json:"do_stable_layer_norm"`
}

// LoadConfig reads a config.json from disk.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes config.json bytes and normalizes them.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := mergeTextConfigMissing(&cfg, raw); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// mergeTextConfigMissing fills missing size fields from a nested
// text_config object, as multimodal wrappers ship them.
func mergeTextConfigMissing(dst *Config, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 {
		return nil
	}
	var text Config
	if err := json.Unmarshal(textRaw, &text); err != nil {
		return fmt.Errorf("text_config: %w", err)
	}

	fill := func(dst *int, src int) {
		if *dst == 0 && src > 0 {
			*dst = src
		}
	}
	fill(&dst.HiddenSize, text.HiddenSize)
	fill(&dst.IntermediateSize, text.IntermediateSize)
	fill(&dst.NumHiddenLayers, text.NumHiddenLayers)
	fill(&dst.NumAttentionHeads, text.NumAttentionHeads)
	fill(&dst.VocabSize, text.VocabSize)
	fill(&dst.MaxPosition, text.MaxPosition)
	fill(&dst.TypeVocabSize, text.TypeVocabSize)
	if dst.LayerNormEps == 0 && text.LayerNormEps > 0 {
		dst.LayerNormEps = text.LayerNormEps
	}
	if dst.HiddenAct == "" {
		dst.HiddenAct = text.HiddenAct
	}
	return nil
}

// Normalize folds the encoder-decoder spellings onto the common fields and
// lowercases the model type.
func (c *Config) Normalize() {
	c.ModelType = strings.ToLower(strings.TrimSpace(c.ModelType))
	if c.HiddenSize == 0 {
		c.HiddenSize = c.DModel
	}
	if c.NumHiddenLayers == 0 {
		c.NumHiddenLayers = c.EncoderLayers
	}
	if c.NumAttentionHeads == 0 {
		c.NumAttentionHeads = c.EncoderAttentionHeads
	}
	if c.IntermediateSize == 0 {
		c.IntermediateSize = c.EncoderFFNDim
	}
	if c.HiddenAct == "" {
		c.HiddenAct = c.ActivationFunction
	}
	if c.DecoderAttentionHeads == 0 {
		c.DecoderAttentionHeads = c.NumAttentionHeads
	}
	if c.DecoderFFNDim == 0 {
		c.DecoderFFNDim = c.IntermediateSize
	}
}

// FrameDim is the width of pre-extracted audio frames.
func (c *Config) FrameDim() int {
	if len(c.ConvDim) > 0 {
		return c.ConvDim[len(c.ConvDim)-1]
	}
	return 512
}

// NumPatches is the patch count of one image.
func (c *Config) NumPatches() int {
	if c.PatchSize <= 0 {
		return 0
	}
	side := c.ImageSize / c.PatchSize
	return side * side
}

// PatchDim is the flattened width of one patch.
func (c *Config) PatchDim() int {
	ch := c.NumChannels
	if ch == 0 {
		ch = 3
	}
	return ch * c.PatchSize * c.PatchSize
}

func (c *Config) validate(l Layout) error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be set")
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be set")
	case c.NumAttentionHeads <= 0:
		return fmt.Errorf("num_attention_heads must be set")
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden_size %d is not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("intermediate_size must be set")
	case c.EmbeddingSize > 0 && c.EmbeddingSize != c.HiddenSize:
		return fmt.Errorf("embedding_size %d differs from hidden_size %d", c.EmbeddingSize, c.HiddenSize)
	}
	switch l.Input {
	case TokenInput:
		if c.VocabSize <= 0 {
			return fmt.Errorf("vocab_size must be set")
		}
		if c.MaxPosition <= 0 {
			return fmt.Errorf("max_position_embeddings must be set")
		}
	case PatchInput:
		if c.PatchSize <= 0 || c.ImageSize < c.PatchSize {
			return fmt.Errorf("image_size %d and patch_size %d do not form a grid", c.ImageSize, c.PatchSize)
		}
	}
	if l.Decoder {
		if c.DecoderLayers <= 0 {
			return fmt.Errorf("decoder_layers must be set")
		}
		if c.DecoderAttentionHeads <= 0 || c.HiddenSize%c.DecoderAttentionHeads != 0 {
			return fmt.Errorf("d_model %d is not divisible by %d decoder heads", c.HiddenSize, c.DecoderAttentionHeads)
		}
	}
	return nil
}
