package arch

import (
	"fmt"

	"github.com/samcharles93/splice/internal/model"
)

// bertNames follows the BertModel checkpoint layout, which RoBERTa, ELECTRA
// and BertGeneration share.
func bertNames(root string) model.Names {
	return bertStyleNames(root, "query", "key", "value")
}

func bertStyleNames(root, q, k, v string) model.Names {
	return model.Names{
		Embedding: func(_, part string) string {
			switch part {
			case model.PartWord:
				return join(root, "embeddings.word_embeddings.weight")
			case model.PartPosition:
				return join(root, "embeddings.position_embeddings.weight")
			case model.PartTokenType:
				return join(root, "embeddings.token_type_embeddings.weight")
			case model.PartNorm:
				return join(root, "embeddings.LayerNorm")
			}
			return ""
		},
		Layer: func(_ string, layer int, module string) string {
			p := join(root, fmt.Sprintf("encoder.layer.%d", layer))
			switch module {
			case model.ModQuery:
				return p + ".attention.self." + q
			case model.ModKey:
				return p + ".attention.self." + k
			case model.ModValue:
				return p + ".attention.self." + v
			case model.ModAttnOut:
				return p + ".attention.output.dense"
			case model.ModSelfNorm:
				return p + ".attention.output.LayerNorm"
			case model.ModIntermediate:
				return p + ".intermediate.dense"
			case model.ModOutput:
				return p + ".output.dense"
			case model.ModOutputNorm:
				return p + ".output.LayerNorm"
			}
			return ""
		},
		Norm: func(string) string { return "" },
	}
}

func bertLayout(*model.Config) model.Layout {
	return model.Layout{TokenTypes: true, EmbedNorm: true, Eps: 1e-12}
}

func bertSpec() *Spec {
	return &Spec{
		Name:       "bert",
		Layout:     bertLayout,
		Roots:      []string{"bert", ""},
		Names:      bertNames,
		Prefix:     true,
		Invertible: true,
	}
}

// robertaSpec covers RoBERTa and XLM-RoBERTa. Position ids start after the
// padding index, so the first two rows of the position table are unused.
func robertaSpec(name string) *Spec {
	return &Spec{
		Name: name,
		Layout: func(*model.Config) model.Layout {
			return model.Layout{TokenTypes: true, EmbedNorm: true, PositionOffset: 2, Eps: 1e-5}
		},
		Roots:      []string{"roberta", ""},
		Names:      bertNames,
		Prefix:     true,
		Invertible: true,
	}
}

func electraSpec() *Spec {
	return &Spec{
		Name:       "electra",
		Layout:     bertLayout,
		Roots:      []string{"electra", ""},
		Names:      bertNames,
		Prefix:     true,
		Invertible: true,
	}
}

func bertGenerationSpec() *Spec {
	return &Spec{
		Name: "bert-generation",
		Layout: func(*model.Config) model.Layout {
			return model.Layout{EmbedNorm: true, Eps: 1e-12}
		},
		Roots:      []string{"bert", ""},
		Names:      bertNames,
		Prefix:     true,
		Invertible: true,
	}
}

// debertaSpec hosts DeBERTa with plain scaled dot-product attention: the
// disentangled relative-position terms are not part of the host layout and
// their tensors are not read. Version 1 checkpoints fuse the query, key and
// value projections into one in_proj tensor, so only random weights are
// available for it.
func debertaSpec(name string) *Spec {
	names := func(root string) model.Names { return bertStyleNames(root, "query_proj", "key_proj", "value_proj") }
	if name == "deberta" {
		names = nil
	}
	return &Spec{
		Name: name,
		Layout: func(*model.Config) model.Layout {
			return model.Layout{TokenTypes: true, NoPosition: true, EmbedNorm: true, Eps: 1e-7}
		},
		Roots:      []string{"deberta", ""},
		Names:      names,
		Prefix:     true,
		Invertible: true,
	}
}

func join(root, name string) string {
	if root == "" {
		return name
	}
	return root + "." + name
}
