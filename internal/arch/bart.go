package arch

import (
	"fmt"

	"github.com/samcharles93/splice/internal/model"
)

func bartNames(root string) model.Names {
	return model.Names{
		Embedding: func(stack, part string) string {
			switch part {
			case model.PartWord:
				return join(root, "shared.weight")
			case model.PartPosition:
				return join(root, stack+".embed_positions.weight")
			case model.PartNorm:
				return join(root, stack+".layernorm_embedding")
			}
			return ""
		},
		Layer: func(stack string, layer int, module string) string {
			p := join(root, fmt.Sprintf("%s.layers.%d", stack, layer))
			switch module {
			case model.ModQuery:
				return p + ".self_attn.q_proj"
			case model.ModKey:
				return p + ".self_attn.k_proj"
			case model.ModValue:
				return p + ".self_attn.v_proj"
			case model.ModAttnOut:
				return p + ".self_attn.out_proj"
			case model.ModSelfNorm:
				return p + ".self_attn_layer_norm"
			case model.ModCrossQuery:
				return p + ".encoder_attn.q_proj"
			case model.ModCrossKey:
				return p + ".encoder_attn.k_proj"
			case model.ModCrossValue:
				return p + ".encoder_attn.v_proj"
			case model.ModCrossOut:
				return p + ".encoder_attn.out_proj"
			case model.ModCrossNorm:
				return p + ".encoder_attn_layer_norm"
			case model.ModIntermediate:
				return p + ".fc1"
			case model.ModOutput:
				return p + ".fc2"
			case model.ModOutputNorm:
				return p + ".final_layer_norm"
			}
			return ""
		},
		Norm: func(stack string) string { return join(root, stack+".layer_norm") },
	}
}

// bartSpec is post-norm with learned positions offset by two.
func bartSpec() *Spec {
	return &Spec{
		Name: "bart",
		Layout: func(*model.Config) model.Layout {
			return model.Layout{Decoder: true, EmbedNorm: true, PositionOffset: 2, PositionExtra: 2, Eps: 1e-5}
		},
		Roots:      []string{"model", ""},
		Names:      bartNames,
		Prefix:     true,
		Invertible: true,
	}
}

// mbartSpec is the pre-norm variant closing each stack with a norm.
func mbartSpec() *Spec {
	return &Spec{
		Name: "mbart",
		Layout: func(*model.Config) model.Layout {
			return model.Layout{Decoder: true, PreNorm: true, EmbedNorm: true, FinalNorm: true, PositionOffset: 2, PositionExtra: 2, Eps: 1e-5}
		},
		Roots:      []string{"model", ""},
		Names:      bartNames,
		Prefix:     true,
		Invertible: true,
	}
}
