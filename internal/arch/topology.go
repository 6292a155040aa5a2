package arch

import (
	"fmt"

	"github.com/samcharles93/splice/internal/adapters"
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/model"
)

// Topology lists the adapter sites of a host model built for spec. Every
// layer gets LoRA on the query, key and value of its attention modules
// (cross-attention included, under the "selfattn" location) and on both
// feed-forward projections, bottleneck blocks after attention and
// feed-forward (and cross-attention on decoder layers), and prefix sites
// on each attention module when the architecture hosts prefix tuning.
//
// Encoder self-attention of an encoder-decoder is keyed "encoder" so
// prefix configs can tell it from decoder self-attention.
func Topology(spec *Spec, m *model.Model) *adapters.Topology {
	top := &adapters.Topology{
		ModelType:  spec.Name,
		Hidden:     m.Hidden(),
		BaseParams: m.NumParams(),
	}
	encoderLayers := len(m.Encoder.Layers)
	for _, l := range m.Layers() {
		stack, local, selfKey := "encoder", l.Index, "self"
		if l.CrossAttn != nil {
			stack, local = "decoder", l.Index-encoderLayers
		} else if m.Decoder != nil {
			selfKey = "encoder"
		}
		l.SelfAttn.LocationKey = selfKey

		top.Layers = append(top.Layers, adapters.Layer{Index: l.Index, Name: fmt.Sprintf("%s.layer.%d", stack, local)})
		top.LoRA = append(top.LoRA,
			adapters.LoRASite{Layer: l.Index, Location: config.SelfAttnLoRA, Matrix: config.AttnQ, Target: &l.SelfAttn.Query},
			adapters.LoRASite{Layer: l.Index, Location: config.SelfAttnLoRA, Matrix: config.AttnK, Target: &l.SelfAttn.Key},
			adapters.LoRASite{Layer: l.Index, Location: config.SelfAttnLoRA, Matrix: config.AttnV, Target: &l.SelfAttn.Value},
			adapters.LoRASite{Layer: l.Index, Location: config.IntermediateLoRA, Target: &l.Intermediate},
			adapters.LoRASite{Layer: l.Index, Location: config.OutputLoRA, Target: &l.Output},
		)
		if l.CrossAttn != nil {
			top.LoRA = append(top.LoRA,
				adapters.LoRASite{Layer: l.Index, Location: config.SelfAttnLoRA, Matrix: config.AttnQ, Module: "cross_attn", Target: &l.CrossAttn.Query},
				adapters.LoRASite{Layer: l.Index, Location: config.SelfAttnLoRA, Matrix: config.AttnK, Module: "cross_attn", Target: &l.CrossAttn.Key},
				adapters.LoRASite{Layer: l.Index, Location: config.SelfAttnLoRA, Matrix: config.AttnV, Module: "cross_attn", Target: &l.CrossAttn.Value},
			)
		}
		top.Blocks = append(top.Blocks,
			adapters.BlockSite{Layer: l.Index, Location: config.MHAdapter, Target: &l.SelfResidual},
			adapters.BlockSite{Layer: l.Index, Location: config.OutputAdapter, Target: &l.OutputResidual},
		)
		if l.CrossAttn != nil {
			top.Blocks = append(top.Blocks,
				adapters.BlockSite{Layer: l.Index, Location: config.CrossAdapter, Target: &l.CrossResidual})
		}
		if spec.Prefix {
			top.Prefixes = append(top.Prefixes, adapters.PrefixSite{Layer: l.Index, Key: selfKey, Attention: l.SelfAttn})
			if l.CrossAttn != nil {
				top.Prefixes = append(top.Prefixes, adapters.PrefixSite{Layer: l.Index, Key: "cross", Attention: l.CrossAttn})
			}
		}
	}

	top.Inputs = append(top.Inputs, adapters.InputSite{
		Stack:      "encoder",
		Invertible: spec.Invertible && m.Layout.Input == model.TokenInput,
		Target:     &m.Encoder.Input,
	})
	if m.Decoder != nil {
		top.Inputs = append(top.Inputs, adapters.InputSite{Stack: "decoder", Decoder: true, Target: &m.Decoder.Input})
	}
	return top
}
