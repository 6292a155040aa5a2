package api

import "github.com/samcharles93/splice/internal/adapters"

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type AddAdapterRequest struct {
	Name string `json:"name"`
	// Config is a preset name, a config file path or a config object.
	Config    any    `json:"config,omitempty"`
	Type      string `json:"type,omitempty"`
	Activate  bool   `json:"activate,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

type AddFusionRequest struct {
	Adapters  []string `json:"adapters"`
	Config    any      `json:"config,omitempty"`
	Activate  bool     `json:"activate,omitempty"`
	Overwrite bool     `json:"overwrite,omitempty"`
}

type SetActiveRequest struct {
	// Program is a composition string such as "Stack(a, Fuse(b, c))" or a
	// list of names. Null deactivates.
	Program any `json:"program"`
}

type LoadAdapterRequest struct {
	Path     string `json:"path"`
	Name     string `json:"name,omitempty"`
	Activate bool   `json:"activate,omitempty"`
}

type SaveAdapterRequest struct {
	Path string `json:"path,omitempty"`
}

type AdapterInfo struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind,omitempty"`
	Params  int     `json:"params"`
	Percent float64 `json:"percent"`
	Active  bool    `json:"active"`
	Merged  bool    `json:"merged"`
}

type AdapterList struct {
	Object   string        `json:"object"`
	Model    string        `json:"model"`
	Active   string        `json:"active,omitempty"`
	Merged   string        `json:"merged,omitempty"`
	Adapters []AdapterInfo `json:"data"`
	Fusions  []string      `json:"fusions,omitempty"`
}

type StatusResponse struct {
	Object string `json:"object"`
	Name   string `json:"name,omitempty"`
	Path   string `json:"path,omitempty"`
	Active string `json:"active,omitempty"`
	OK     bool   `json:"ok"`
}

type ForwardRequest struct {
	InputIDs     [][]int       `json:"input_ids,omitempty"`
	TokenTypeIDs [][]int       `json:"token_type_ids,omitempty"`
	Features     [][][]float32 `json:"features,omitempty"`
	Mask         [][]float32   `json:"attention_mask,omitempty"`

	DecoderInputIDs [][]int     `json:"decoder_input_ids,omitempty"`
	DecoderMask     [][]float32 `json:"decoder_attention_mask,omitempty"`

	// Active runs this request under a different program and restores the
	// previous one afterwards.
	Active *string `json:"active,omitempty"`

	OutputGating bool `json:"output_gating,omitempty"`
	OutputFusion bool `json:"output_fusion,omitempty"`
	Store        bool `json:"store,omitempty"`
}

type Score struct {
	Name     string        `json:"name"`
	Layer    int           `json:"layer"`
	Location string        `json:"location"`
	Gating   []float32     `json:"gating,omitempty"`
	Fusion   [][][]float32 `json:"fusion,omitempty"`
}

type ForwardResponse struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	CreatedAt int64         `json:"created_at"`
	Active    string        `json:"active,omitempty"`
	Shape     []int         `json:"shape"`
	Hidden    [][][]float32 `json:"hidden"`
	Channels  int           `json:"channels"`
	Gating    []Score       `json:"gating,omitempty"`
	Fusion    []Score       `json:"fusion,omitempty"`
}

func adapterInfo(r adapters.SummaryRow) AdapterInfo {
	return AdapterInfo{
		Name:    r.Name,
		Kind:    r.Kind,
		Params:  r.Params,
		Percent: r.Percent,
		Active:  r.Active,
		Merged:  r.Merged,
	}
}
