package config

import (
	"bytes"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/splice/internal/nn"
)

// Kind names an adapter method.
type Kind string

const (
	KindBottleneck Kind = "bottleneck"
	KindLoRA       Kind = "lora"
	KindPrefix     Kind = "prefix_tuning"
	KindInvertible Kind = "invertible"
	KindFusion     Kind = "fusion"
	KindUnion      Kind = "union"
)

// ReductionFactor is the bottleneck reduction, either one value for every
// layer or a default with per-layer overrides.
type ReductionFactor struct {
	Default  int
	PerLayer map[int]int
}

// At returns the factor used at layer.
func (rf ReductionFactor) At(layer int) int {
	if v, ok := rf.PerLayer[layer]; ok {
		return v
	}
	return rf.Default
}

func (rf ReductionFactor) MarshalJSON() ([]byte, error) {
	if len(rf.PerLayer) == 0 {
		return json.Marshal(rf.Default)
	}
	m := make(map[string]int, len(rf.PerLayer)+1)
	if rf.Default != 0 {
		m["default"] = rf.Default
	}
	for l, v := range rf.PerLayer {
		m[strconv.Itoa(l)] = v
	}
	return json.Marshal(m)
}

func parseReductionFactor(v any) (ReductionFactor, error) {
	switch t := v.(type) {
	case Dict:
		return parseReductionFactor(map[string]any(t))
	case map[string]any:
		rf := ReductionFactor{PerLayer: map[int]int{}}
		for k, e := range t {
			n, err := integer(e)
			if err != nil {
				return ReductionFactor{}, fmt.Errorf("%w: %q: %w", ErrReductionFactor, k, err)
			}
			if k == "default" {
				rf.Default = n
				continue
			}
			layer, err := strconv.Atoi(k)
			if err != nil || layer < 0 {
				return ReductionFactor{}, fmt.Errorf("%w: key %q is neither \"default\" nor a layer index", ErrReductionFactor, k)
			}
			rf.PerLayer[layer] = n
		}
		return rf, nil
	}
	n, err := integer(v)
	if err != nil {
		return ReductionFactor{}, fmt.Errorf("%w: %w", ErrReductionFactor, err)
	}
	return ReductionFactor{Default: n}, nil
}

func integer(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return int(t), nil
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), nil
		}
	}
	return 0, fmt.Errorf("%v is not an integer", v)
}

// Bottleneck configures a down/up projection adapter inserted at the
// residual points of a layer.
type Bottleneck struct {
	MHAdapter               bool            `json:"mh_adapter"`
	OutputAdapter           bool            `json:"output_adapter"`
	CrossAdapter            bool            `json:"cross_adapter"`
	ReductionFactor         ReductionFactor `json:"reduction_factor"`
	NonLinearity            string          `json:"non_linearity"`
	OriginalLNBefore        bool            `json:"original_ln_before"`
	OriginalLNAfter         bool            `json:"original_ln_after"`
	ResidualBeforeLN        bool            `json:"residual_before_ln"`
	AdapterResidualBeforeLN bool            `json:"adapter_residual_before_ln"`
	LNBefore                bool            `json:"ln_before"`
	LNAfter                 bool            `json:"ln_after"`
	InitWeights             string          `json:"init_weights"`
	IsParallel              bool            `json:"is_parallel"`
	Scaling                 float64         `json:"scaling"`
	UseGating               bool            `json:"use_gating"`
	LeaveOut                []int           `json:"leave_out"`
	PHMLayer                bool            `json:"phm_layer"`

	// Legacy fusion hints carried by older configs. Kept for round trips.
	AttentionType    string `json:"attention_type"`
	NewAttentionNorm bool   `json:"new_attention_norm"`
}

func defaultBottleneck() Bottleneck {
	return Bottleneck{
		OutputAdapter:    true,
		ReductionFactor:  ReductionFactor{Default: 16},
		NonLinearity:     "relu",
		OriginalLNBefore: true,
		OriginalLNAfter:  true,
		ResidualBeforeLN: true,
		InitWeights:      "bert",
		Scaling:          1,
	}
}

// At reports whether the bottleneck has a unit at loc in layer.
func (b *Bottleneck) At(loc Location, layer int) bool {
	if slices.Contains(b.LeaveOut, layer) {
		return false
	}
	switch loc {
	case MHAdapter:
		return b.MHAdapter
	case OutputAdapter:
		return b.OutputAdapter
	case CrossAdapter:
		return b.CrossAdapter
	}
	return false
}

// LoRA configures low-rank updates of attention and feed-forward
// projections.
type LoRA struct {
	SelfAttnLoRA     bool     `json:"selfattn_lora"`
	IntermediateLoRA bool     `json:"intermediate_lora"`
	OutputLoRA       bool     `json:"output_lora"`
	R                int      `json:"r"`
	Alpha            float64  `json:"alpha"`
	Dropout          float64  `json:"dropout"`
	AttnMatrices     []string `json:"attn_matrices"`
	CompositionMode  string   `json:"composition_mode"`
	InitWeights      string   `json:"init_weights"`
	UseGating        bool     `json:"use_gating"`
	LeaveOut         []int    `json:"leave_out"`
}

func defaultLoRA() LoRA {
	return LoRA{
		SelfAttnLoRA:    true,
		R:               8,
		Alpha:           8,
		AttnMatrices:    []string{"q", "v"},
		CompositionMode: "add",
		InitWeights:     "lora",
	}
}

// Scaling is alpha / r.
func (l *LoRA) Scaling() float32 {
	return float32(l.Alpha / float64(l.R))
}

// ScaleMode reports whether the update multiplies instead of adds.
func (l *LoRA) ScaleMode() bool {
	return l.CompositionMode == "scale"
}

// At reports whether the LoRA updates the projection selected by loc and
// attn in layer. attn is only consulted for self-attention, where AttnNone
// matches any matrix.
func (l *LoRA) At(loc Location, attn AttnMatrix, layer int) bool {
	if slices.Contains(l.LeaveOut, layer) {
		return false
	}
	return l.Covers(loc, attn)
}

// Covers is At without the layer filter.
func (l *LoRA) Covers(loc Location, attn AttnMatrix) bool {
	switch loc {
	case SelfAttnLoRA:
		return l.SelfAttnLoRA && (attn == AttnNone || slices.Contains(l.AttnMatrices, string(attn)))
	case IntermediateLoRA:
		return l.IntermediateLoRA
	case OutputLoRA:
		return l.OutputLoRA
	}
	return false
}

// Prefix configures prefix tuning of attention keys and values.
type Prefix struct {
	EncoderPrefix  bool    `json:"encoder_prefix"`
	CrossPrefix    bool    `json:"cross_prefix"`
	LeaveOut       []int   `json:"leave_out"`
	Flat           bool    `json:"flat"`
	PrefixLength   int     `json:"prefix_length"`
	BottleneckSize int     `json:"bottleneck_size"`
	NonLinearity   string  `json:"non_linearity"`
	Dropout        float64 `json:"dropout"`
	UseGating      bool    `json:"use_gating"`
	SharedGating   bool    `json:"shared_gating"`
}

func defaultPrefix() Prefix {
	return Prefix{
		EncoderPrefix:  true,
		CrossPrefix:    true,
		PrefixLength:   30,
		BottleneckSize: 512,
		NonLinearity:   "tanh",
	}
}

// At reports whether the prefix applies at loc in layer. Self-attention
// prefixes always apply.
func (p *Prefix) At(loc Location, layer int) bool {
	if slices.Contains(p.LeaveOut, layer) {
		return false
	}
	switch loc {
	case SelfPrefix:
		return true
	case CrossPrefix:
		return p.CrossPrefix
	case EncoderPrefix:
		return p.EncoderPrefix
	}
	return false
}

// Invertible configures the coupling block applied after the embeddings.
type Invertible struct {
	Kind            string `json:"kind"`
	ReductionFactor int    `json:"reduction_factor"`
	NonLinearity    string `json:"non_linearity"`
}

// Fusion configures attention over the outputs of several bottleneck
// adapters.
type Fusion struct {
	Key                bool `json:"key"`
	Query              bool `json:"query"`
	Value              bool `json:"value"`
	QueryBeforeLN      bool `json:"query_before_ln"`
	Regularization     bool `json:"regularization"`
	ResidualBefore     bool `json:"residual_before"`
	Temperature        bool `json:"temperature"`
	ValueBeforeSoftmax bool `json:"value_before_softmax"`
	ValueInitialized   bool `json:"value_initialized"`
}

// AdapterConfig is a parsed adapter configuration. Any subset of the
// method configs may be set; a plain bottleneck sets only Bottleneck.
type AdapterConfig struct {
	Bottleneck *Bottleneck `json:"bottleneck,omitempty"`
	LoRA       *LoRA       `json:"lora,omitempty"`
	Prefix     *Prefix     `json:"prefix_tuning,omitempty"`
	Invertible *Invertible `json:"invertible,omitempty"`
}

// Kinds lists the methods the config combines.
func (c *AdapterConfig) Kinds() []Kind {
	var out []Kind
	if c.Bottleneck != nil {
		out = append(out, KindBottleneck)
	}
	if c.Invertible != nil {
		out = append(out, KindInvertible)
	}
	if c.LoRA != nil {
		out = append(out, KindLoRA)
	}
	if c.Prefix != nil {
		out = append(out, KindPrefix)
	}
	return out
}

// Kind is the single method of the config, or KindUnion.
func (c *AdapterConfig) Kind() Kind {
	kinds := c.Kinds()
	if len(kinds) == 1 {
		return kinds[0]
	}
	return KindUnion
}

// Placed reports whether the adapter owns a unit at loc in layer.
func (c *AdapterConfig) Placed(loc Location, layer int) bool {
	switch loc.Kind() {
	case BlockPoint:
		return c.Bottleneck != nil && c.Bottleneck.At(loc, layer)
	case PrefixPoint:
		return c.Prefix != nil && c.Prefix.At(loc, layer)
	case LoRAPoint:
		return c.LoRA != nil && c.LoRA.At(loc, AttnNone, layer)
	}
	return false
}

// Check validates the parts of the config that depend on the host: the
// hidden size and the number of layers.
func (c *AdapterConfig) Check(hidden, layers int) error {
	const op = "check config"
	if b := c.Bottleneck; b != nil {
		for layer := range layers {
			if slices.Contains(b.LeaveOut, layer) {
				continue
			}
			rf := b.ReductionFactor.At(layer)
			if rf <= 0 || hidden%rf != 0 {
				return Errorf(op, "", ErrReductionFactor,
					"reduction factor %d at layer %d does not divide hidden size %d", rf, layer, hidden)
			}
		}
	}
	if inv := c.Invertible; inv != nil {
		if hidden < 2 || hidden%2 != 0 {
			return Errorf(op, "", ErrConfig, "invertible adapter needs an even hidden size, got %d", hidden)
		}
		if inv.ReductionFactor <= 0 || (hidden/2)%inv.ReductionFactor != 0 {
			return Errorf(op, "", ErrReductionFactor,
				"inv_adapter_reduction_factor %d does not divide %d", inv.ReductionFactor, hidden/2)
		}
	}
	if p := c.Prefix; p != nil && !p.Flat && p.BottleneckSize <= 0 {
		return Errorf(op, "", ErrConfig, "bottleneck_size must be positive")
	}
	return nil
}

var legacyKeys = map[string]string{
	"LN_after":       "ln_after",
	"LN_before":      "ln_before",
	"MH_Adapter":     "mh_adapter",
	"Output_Adapter": "output_adapter",
}

// Normalize returns a copy of d with legacy key spellings replaced by the
// modern ones. d is not modified.
func Normalize(d Dict) (Dict, error) {
	out := clone(d)
	for _, old := range slices.Sorted(maps.Keys(legacyKeys)) {
		v, ok := out[old]
		if !ok {
			continue
		}
		modern := legacyKeys[old]
		if cur, ok := out[modern]; ok && fmt.Sprint(cur) != fmt.Sprint(v) {
			return nil, Errorf("normalize config", "", ErrConfig, "%s=%v conflicts with %s=%v", old, v, modern, cur)
		}
		out[modern] = v
		delete(out, old)
	}
	return out, nil
}

// Parse decodes a configuration dict into its typed form. Legacy keys are
// accepted; unknown keys are rejected.
func Parse(d Dict) (*AdapterConfig, error) {
	const op = "parse config"
	if d == nil {
		return nil, Errorf(op, "", ErrConfig, "empty config")
	}
	arch, _ := d["architecture"].(string)
	switch strings.ToLower(arch) {
	case "", "bottleneck", "pfeiffer", "houlsby":
		return parseBottleneck(d)
	case "lora":
		l := defaultLoRA()
		if err := decode(op, d, &l); err != nil {
			return nil, err
		}
		if err := l.validate(); err != nil {
			return nil, err
		}
		return &AdapterConfig{LoRA: &l}, nil
	case "prefix_tuning":
		p := defaultPrefix()
		if err := decode(op, d, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return &AdapterConfig{Prefix: &p}, nil
	case "invertible":
		inv, err := parseInvertible(d, "nice", "relu")
		if err != nil {
			return nil, err
		}
		if inv == nil {
			return nil, Errorf(op, "", ErrConfig, "inv_adapter is required")
		}
		for k := range d {
			switch k {
			case "architecture", "inv_adapter", "inv_adapter_reduction_factor", "non_linearity":
			default:
				return nil, Errorf(op, "", ErrUnsupported, "unknown key %q", k)
			}
		}
		return &AdapterConfig{Invertible: inv}, nil
	case "union":
		return parseUnion(d)
	}
	kinds := []string{"bottleneck", "lora", "prefix_tuning", "invertible", "union"}
	return nil, &Error{Op: op, Name: arch, Err: ErrUnsupported, Hint: Closest(arch, kinds)}
}

func parseBottleneck(d Dict) (*AdapterConfig, error) {
	const op = "parse config"
	n, err := Normalize(d)
	if err != nil {
		return nil, err
	}
	b := defaultBottleneck()
	if v, ok := n["reduction_factor"]; ok {
		rf, err := parseReductionFactor(v)
		if err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		b.ReductionFactor = rf
	}
	nonLin, _ := n["non_linearity"].(string)
	if nonLin == "" {
		nonLin = b.NonLinearity
	}
	inv, err := parseInvertible(n, "", nonLin)
	if err != nil {
		return nil, err
	}
	for _, k := range []string{"reduction_factor", "inv_adapter", "inv_adapter_reduction_factor"} {
		delete(n, k)
	}
	if err := decode(op, n, &b); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &AdapterConfig{Bottleneck: &b, Invertible: inv}, nil
}

func parseInvertible(d Dict, kind, nonLin string) (*Invertible, error) {
	const op = "parse config"
	if v, ok := d["inv_adapter"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, Errorf(op, "", ErrConfig, "inv_adapter must be a string, got %T", v)
		}
		kind = s
	}
	if kind == "" {
		return nil, nil
	}
	kind = strings.ToLower(kind)
	if kind != "nice" && kind != "glow" {
		return nil, &Error{Op: op, Name: kind, Err: fmt.Errorf("%w: invertible adapter kind", ErrUnsupported), Hint: Closest(kind, []string{"nice", "glow"})}
	}
	inv := &Invertible{Kind: kind, ReductionFactor: 2, NonLinearity: nonLin}
	if s, ok := d["non_linearity"].(string); ok && s != "" {
		inv.NonLinearity = s
	}
	if v, ok := d["inv_adapter_reduction_factor"]; ok {
		n, err := integer(v)
		if err != nil || n <= 0 {
			return nil, Errorf(op, "", ErrReductionFactor, "inv_adapter_reduction_factor %v", v)
		}
		inv.ReductionFactor = n
	}
	if _, err := nn.ParseActivation(inv.NonLinearity); err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrUnsupported, err)}
	}
	return inv, nil
}

func parseUnion(d Dict) (*AdapterConfig, error) {
	const op = "parse config"
	list, ok := d["configs"].([]any)
	if !ok || len(list) == 0 {
		return nil, Errorf(op, "", ErrConfig, "union needs a non-empty configs list")
	}
	out := &AdapterConfig{}
	for i, item := range list {
		var sub Dict
		switch t := item.(type) {
		case Dict:
			sub = t
		case map[string]any:
			sub = Dict(t)
		default:
			return nil, Errorf(op, "", ErrConfig, "configs[%d] is %T, not a dict", i, item)
		}
		if a, _ := sub["architecture"].(string); a == string(KindUnion) {
			return nil, Errorf(op, "", ErrConfig, "configs[%d]: unions cannot nest", i)
		}
		c, err := Parse(sub)
		if err != nil {
			return nil, err
		}
		if err := out.merge(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *AdapterConfig) merge(o *AdapterConfig) error {
	dup := func(k Kind) error {
		return Errorf("parse config", "", ErrConfig, "union holds more than one %s config", k)
	}
	if o.Bottleneck != nil {
		if c.Bottleneck != nil {
			return dup(KindBottleneck)
		}
		c.Bottleneck = o.Bottleneck
	}
	if o.Invertible != nil {
		if c.Invertible != nil {
			return dup(KindInvertible)
		}
		c.Invertible = o.Invertible
	}
	if o.LoRA != nil {
		if c.LoRA != nil {
			return dup(KindLoRA)
		}
		c.LoRA = o.LoRA
	}
	if o.Prefix != nil {
		if c.Prefix != nil {
			return dup(KindPrefix)
		}
		c.Prefix = o.Prefix
	}
	return nil
}

func (b *Bottleneck) validate() error {
	const op = "parse config"
	if _, err := nn.ParseActivation(b.NonLinearity); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrUnsupported, err)}
	}
	if b.PHMLayer {
		return Errorf(op, "", ErrUnsupported, "phm_layer")
	}
	switch b.InitWeights {
	case "bert", "mam_adapter":
	default:
		return &Error{Op: op, Name: b.InitWeights, Err: fmt.Errorf("%w: init_weights", ErrUnsupported), Hint: Closest(b.InitWeights, []string{"bert", "mam_adapter"})}
	}
	rf := b.ReductionFactor
	if rf.Default < 0 || rf.Default == 0 && len(rf.PerLayer) == 0 {
		return Errorf(op, "", ErrReductionFactor, "reduction factor must be positive, got %d", rf.Default)
	}
	for l, v := range rf.PerLayer {
		if v <= 0 {
			return Errorf(op, "", ErrReductionFactor, "reduction factor %d at layer %d", v, l)
		}
	}
	return nil
}

func (l *LoRA) validate() error {
	const op = "parse config"
	if l.R < 1 {
		return Errorf(op, "", ErrConfig, "r must be at least 1, got %d", l.R)
	}
	switch l.CompositionMode {
	case "add":
	case "scale":
		if l.R != 1 {
			return Errorf(op, "", ErrConfig, "composition_mode scale requires r=1, got %d", l.R)
		}
	default:
		return &Error{Op: op, Name: l.CompositionMode, Err: fmt.Errorf("%w: composition_mode", ErrUnsupported), Hint: Closest(l.CompositionMode, []string{"add", "scale"})}
	}
	switch l.InitWeights {
	case "lora", "bert", "ia3":
	default:
		return &Error{Op: op, Name: l.InitWeights, Err: fmt.Errorf("%w: init_weights", ErrUnsupported), Hint: Closest(l.InitWeights, []string{"lora", "bert", "ia3"})}
	}
	for _, m := range l.AttnMatrices {
		if _, err := ParseAttnMatrix(m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prefix) validate() error {
	const op = "parse config"
	if p.PrefixLength < 1 {
		return Errorf(op, "", ErrConfig, "prefix_length must be at least 1, got %d", p.PrefixLength)
	}
	if !p.Flat && p.BottleneckSize < 1 {
		return Errorf(op, "", ErrConfig, "bottleneck_size must be at least 1, got %d", p.BottleneckSize)
	}
	if p.UseGating {
		return Errorf(op, "", ErrUnsupported, "gated prefix tuning")
	}
	if _, err := nn.ParseActivation(p.NonLinearity); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrUnsupported, err)}
	}
	return nil
}

// ParseFusion decodes a fusion configuration dict. Missing keys take the
// "dynamic" preset's values.
func ParseFusion(d Dict) (*Fusion, error) {
	f := Fusion{}
	if err := decode("parse fusion config", fusionPresets["dynamic"], &f); err != nil {
		return nil, err
	}
	if err := decode("parse fusion config", d, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// decode overlays d onto dst, which already holds the defaults. The
// architecture key selects the target type and is not a field.
func decode(op string, d Dict, dst any) error {
	body := make(Dict, len(d))
	for k, v := range d {
		if k != "architecture" {
			body[k] = v
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Errorf(op, "", ErrConfig, "%v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return Errorf(op, "", ErrUnsupported, "%v", err)
	}
	return nil
}
