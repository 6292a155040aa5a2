package arch

import (
	"fmt"

	"github.com/samcharles93/splice/internal/model"
)

func hubertNames(root string) model.Names {
	return model.Names{
		Embedding: func(_, part string) string {
			switch part {
			case model.PartFeatureNorm:
				return join(root, "feature_projection.layer_norm")
			case model.PartProject:
				return join(root, "feature_projection.projection")
			case model.PartNorm:
				return join(root, "encoder.layer_norm")
			}
			return ""
		},
		Layer: func(_ string, layer int, module string) string {
			p := join(root, fmt.Sprintf("encoder.layers.%d", layer))
			switch module {
			case model.ModQuery:
				return p + ".attention.q_proj"
			case model.ModKey:
				return p + ".attention.k_proj"
			case model.ModValue:
				return p + ".attention.v_proj"
			case model.ModAttnOut:
				return p + ".attention.out_proj"
			case model.ModSelfNorm:
				return p + ".layer_norm"
			case model.ModIntermediate:
				return p + ".feed_forward.intermediate_dense"
			case model.ModOutput:
				return p + ".feed_forward.output_dense"
			case model.ModOutputNorm:
				return p + ".final_layer_norm"
			}
			return ""
		},
		Norm: func(string) string { return join(root, "encoder.layer_norm") },
	}
}

// hubertSpec covers HuBERT, WavLM and MERT over pre-extracted frames; the
// convolutional feature encoder and positional convolution run upstream.
// encoder.layer_norm normalizes the embeddings of post-norm checkpoints and
// closes the stack of stable-layer-norm ones.
//
// Prefix tuning is not wired for these models.
func hubertSpec(name string) *Spec {
	root := "hubert"
	switch name {
	case "wavlm":
		root = "wavlm"
	case "mert_model":
		root = ""
	}
	return &Spec{
		Name: name,
		Layout: func(cfg *model.Config) model.Layout {
			if cfg.DoStableLayerNorm {
				return model.Layout{Input: model.FrameInput, PreNorm: true, FeatureNorm: true, FinalNorm: true, Eps: 1e-5}
			}
			return model.Layout{Input: model.FrameInput, FeatureNorm: true, EmbedNorm: true, Eps: 1e-5}
		},
		Roots: []string{root, ""},
		Names: hubertNames,
	}
}
