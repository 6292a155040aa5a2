package config

import (
	"maps"
	"slices"
)

// Dict is the raw, dictionary form of an adapter or fusion configuration.
type Dict map[string]any

// DefaultPreset is used when an adapter is added without a configuration
// and no per-type default was set.
const DefaultPreset = "pfeiffer"

// AdapterType tags an adapter with the kind of task it serves.
type AdapterType string

const (
	TextTask   AdapterType = "text_task"
	TextLang   AdapterType = "text_lang"
	VisionTask AdapterType = "vision_task"
)

func (t AdapterType) Valid() bool {
	switch t {
	case TextTask, TextLang, VisionTask:
		return true
	}
	return false
}

var pfeiffer = Dict{
	"LN_after":                   false,
	"LN_before":                  false,
	"MH_Adapter":                 false,
	"Output_Adapter":             true,
	"adapter_residual_before_ln": false,
	"attention_type":             "sent-lvl-dynamic",
	"new_attention_norm":         false,
	"non_linearity":              "relu",
	"original_ln_after":          true,
	"original_ln_before":         true,
	"reduction_factor":           16,
	"residual_before_ln":         true,
}

var houlsby = Dict{
	"architecture":               "bottleneck",
	"mh_adapter":                 true,
	"output_adapter":             true,
	"reduction_factor":           16,
	"non_linearity":              "swish",
	"original_ln_before":         false,
	"original_ln_after":          true,
	"residual_before_ln":         true,
	"adapter_residual_before_ln": false,
	"ln_before":                  false,
	"ln_after":                   false,
}

var parallelAdapter = Dict{
	"architecture":       "bottleneck",
	"mh_adapter":         false,
	"output_adapter":     true,
	"reduction_factor":   2,
	"non_linearity":      "relu",
	"original_ln_before": false,
	"original_ln_after":  true,
	"residual_before_ln": true,
	"is_parallel":        true,
	"scaling":            4.0,
	"init_weights":       "mam_adapter",
}

var lora = Dict{
	"architecture":      "lora",
	"selfattn_lora":     true,
	"intermediate_lora": false,
	"output_lora":       false,
	"r":                 8,
	"alpha":             8,
	"dropout":           0.0,
	"attn_matrices":     []any{"q", "v"},
	"composition_mode":  "add",
	"init_weights":      "lora",
	"use_gating":        false,
}

var ia3 = Dict{
	"architecture":      "lora",
	"selfattn_lora":     true,
	"intermediate_lora": true,
	"output_lora":       false,
	"r":                 1,
	"alpha":             1,
	"dropout":           0.0,
	"attn_matrices":     []any{"k", "v"},
	"composition_mode":  "scale",
	"init_weights":      "ia3",
	"use_gating":        false,
}

var prefixTuning = Dict{
	"architecture":    "prefix_tuning",
	"encoder_prefix":  true,
	"cross_prefix":    true,
	"flat":            false,
	"prefix_length":   30,
	"bottleneck_size": 512,
	"non_linearity":   "tanh",
	"dropout":         0.0,
	"use_gating":      false,
}

func withInvertible(d Dict) Dict {
	out := clone(d)
	out["inv_adapter"] = "nice"
	out["inv_adapter_reduction_factor"] = 2
	return out
}

func withKeys(d Dict, kv Dict) Dict {
	out := clone(d)
	maps.Copy(out, kv)
	return out
}

var presets = map[string]Dict{
	"pfeiffer":           pfeiffer,
	"houlsby":            houlsby,
	"pfeiffer+inv":       withInvertible(pfeiffer),
	"houlsby+inv":        withInvertible(houlsby),
	"parallel":           parallelAdapter,
	"lora":               lora,
	"ia3":                ia3,
	"prefix_tuning":      prefixTuning,
	"prefix_tuning_flat": withKeys(prefixTuning, Dict{"flat": true}),
	"mam": {
		"architecture": "union",
		"configs": []any{
			withKeys(prefixTuning, Dict{"bottleneck_size": 800}),
			parallelAdapter,
		},
	},
}

var fusionPresets = map[string]Dict{
	"dynamic": {
		"key":                  true,
		"query":                true,
		"value":                true,
		"query_before_ln":      false,
		"regularization":       true,
		"residual_before":      false,
		"temperature":          false,
		"value_before_softmax": true,
		"value_initialized":    true,
	},
	"static": {
		"key":                  false,
		"query":                false,
		"value":                false,
		"query_before_ln":      false,
		"regularization":       false,
		"residual_before":      false,
		"temperature":          false,
		"value_before_softmax": true,
		"value_initialized":    false,
	},
}

// Presets lists the adapter preset names in sorted order.
func Presets() []string {
	return slices.Sorted(maps.Keys(presets))
}

// FusionPresets lists the fusion preset names in sorted order.
func FusionPresets() []string {
	return slices.Sorted(maps.Keys(fusionPresets))
}

// Preset returns a copy of the named preset.
func Preset(name string) (Dict, bool) {
	d, ok := presets[name]
	if !ok {
		return nil, false
	}
	return clone(d), true
}

func clone(d Dict) Dict {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(Dict)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Dict:
		out := make(Dict, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(Dict, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
