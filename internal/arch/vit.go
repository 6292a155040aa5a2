package arch

import (
	"fmt"

	"github.com/samcharles93/splice/internal/model"
)

func vitNames(root string, final string) model.Names {
	return model.Names{
		Embedding: func(_, part string) string {
			switch part {
			case model.PartCLS:
				return join(root, "embeddings.cls_token")
			case model.PartPosition:
				return join(root, "embeddings.position_embeddings")
			case model.PartProject:
				return join(root, "embeddings.patch_embeddings.projection")
			}
			return ""
		},
		Layer: func(_ string, layer int, module string) string {
			p := join(root, fmt.Sprintf("encoder.layer.%d", layer))
			switch module {
			case model.ModQuery:
				return p + ".attention.attention.query"
			case model.ModKey:
				return p + ".attention.attention.key"
			case model.ModValue:
				return p + ".attention.attention.value"
			case model.ModAttnOut:
				return p + ".attention.output.dense"
			case model.ModSelfNorm:
				return p + ".layernorm_before"
			case model.ModIntermediate:
				return p + ".intermediate.dense"
			case model.ModOutput:
				return p + ".output.dense"
			case model.ModOutputNorm:
				return p + ".layernorm_after"
			}
			return ""
		},
		Norm: func(string) string { return join(root, final) },
	}
}

func vitSpec() *Spec {
	return &Spec{
		Name: "vit",
		Layout: func(*model.Config) model.Layout {
			return model.Layout{Input: model.PatchInput, PreNorm: true, CLS: true, FinalNorm: true, Eps: 1e-12}
		},
		Roots:  []string{"vit", ""},
		Names:  func(root string) model.Names { return vitNames(root, "layernorm") },
		Prefix: true,
	}
}

// beitSpec hosts BEiT without layer scale or relative position bias. The
// key projection has no bias and the closing norm is the pooler's.
func beitSpec() *Spec {
	return &Spec{
		Name: "beit",
		Layout: func(*model.Config) model.Layout {
			return model.Layout{Input: model.PatchInput, PreNorm: true, CLS: true, NoPosition: true, NoKeyBias: true, FinalNorm: true, Eps: 1e-12}
		},
		Roots:  []string{"beit", ""},
		Names:  func(root string) model.Names { return vitNames(root, "pooler.layernorm") },
		Prefix: true,
	}
}
