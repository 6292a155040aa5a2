package model

import "fmt"

// Embedding parts.
const (
	PartWord        = "word"
	PartPosition    = "position"
	PartTokenType   = "token_type"
	PartCLS         = "cls"
	PartFeatureNorm = "feature_norm"
	PartProject     = "project"
	PartNorm        = "norm"
)

// Layer modules.
const (
	ModQuery        = "q"
	ModKey          = "k"
	ModValue        = "v"
	ModAttnOut      = "o"
	ModSelfNorm     = "self_norm"
	ModCrossQuery   = "cross_q"
	ModCrossKey     = "cross_k"
	ModCrossValue   = "cross_v"
	ModCrossOut     = "cross_o"
	ModCrossNorm    = "cross_norm"
	ModIntermediate = "intermediate"
	ModOutput       = "output"
	ModOutputNorm   = "output_norm"
)

// Names maps a model's modules to checkpoint tensor names. Tables (word,
// position, token_type, cls) are named in full; modules are named by
// prefix and get ".weight" and ".bias" appended. Layer receives the
// stack-local layer number. A function returning "" leaves that tensor
// out of the checkpoint.
type Names struct {
	Embedding func(stack, part string) string
	Layer     func(stack string, layer int, module string) string
	Norm      func(stack string) string
}

// DefaultNames is the naming scheme used when an architecture declares
// none.
func DefaultNames() Names {
	return Names{
		Embedding: func(stack, part string) string {
			switch part {
			case PartWord, PartPosition, PartTokenType, PartCLS:
				return fmt.Sprintf("%s.embeddings.%s.weight", stack, part)
			}
			return fmt.Sprintf("%s.embeddings.%s", stack, part)
		},
		Layer: func(stack string, layer int, module string) string {
			return fmt.Sprintf("%s.layers.%d.%s", stack, layer, module)
		},
		Norm: func(stack string) string {
			return stack + ".norm"
		},
	}
}
