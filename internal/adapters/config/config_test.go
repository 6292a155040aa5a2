package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/splice/internal/adapters/composition"
)

func TestResolvePfeifferIsFixedDict(t *testing.T) {
	t.Parallel()

	got, err := Resolve("pfeiffer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := Dict{
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
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("pfeiffer preset mismatch (-want +got):\n%s", diff)
	}

	// Resolving returns a copy; edits must not leak into the preset.
	got["reduction_factor"] = 2
	again, _ := Resolve("pfeiffer")
	if again["reduction_factor"] != 16 {
		t.Fatalf("preset was mutated through a resolved copy")
	}
}

func TestResolveDictPassesThrough(t *testing.T) {
	t.Parallel()

	in := map[string]any{"reduction_factor": 4}
	got, err := Resolve(in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reflect.ValueOf(got).Pointer() != reflect.ValueOf(in).Pointer() {
		t.Fatalf("dict was copied, want the same map back")
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		hint string
	}{
		{name: "typo", in: "pfeifer", hint: "pfeiffer"},
		{name: "missing path", in: filepath.Join(t.TempDir(), "nope.json")},
		{name: "number", in: 42},
		{name: "nil", in: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(tt.in)
			if !errors.Is(err, ErrUnknownPreset) || !errors.Is(err, ErrConfig) {
				t.Fatalf("Resolve(%v) err = %v, want ErrUnknownPreset and ErrConfig", tt.in, err)
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("error is %T, want *Error", err)
			}
			if cerr.Hint != tt.hint {
				t.Fatalf("hint = %q, want %q", cerr.Hint, tt.hint)
			}
		})
	}
}

func TestResolveOverrides(t *testing.T) {
	t.Parallel()

	got, err := Resolve("houlsby[reduction_factor=8, non_linearity=relu, ln_after=true]")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got["reduction_factor"] != 8 || got["non_linearity"] != "relu" || got["ln_after"] != true {
		t.Fatalf("overrides not applied: %v", got)
	}
	if got["mh_adapter"] != true {
		t.Fatalf("preset keys lost: %v", got)
	}
	if _, err := Resolve("houlsby[reduction_factor]"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("malformed override err = %v", err)
	}
}

func TestResolveFiles(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"a.json": `{"architecture": "bottleneck", "reduction_factor": 8, "non_linearity": "gelu", "mh_adapter": true}`,
		"a.yaml": "architecture: bottleneck\nreduction_factor: 8\nnon_linearity: gelu\nmh_adapter: true\n",
		"a.toml": "architecture = \"bottleneck\"\nreduction_factor = 8\nnon_linearity = \"gelu\"\nmh_adapter = true\n",
		"a.cfg":  `{"architecture": "bottleneck", "reduction_factor": 8, "non_linearity": "gelu", "mh_adapter": true}`,
	}
	want := Dict{"architecture": "bottleneck", "reduction_factor": 8, "non_linearity": "gelu", "mh_adapter": true}
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		got, err := Resolve(path)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s decoded differently (-want +got):\n%s", name, diff)
		}
		if _, err := Parse(got); err != nil {
			t.Fatalf("Parse(%s): %v", name, err)
		}
	}
}

func TestParseLegacyKeys(t *testing.T) {
	t.Parallel()

	d, _ := Resolve("pfeiffer")
	c, err := Parse(d)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b := c.Bottleneck
	if b == nil || c.Kind() != KindBottleneck {
		t.Fatalf("kind = %v, want bottleneck", c.Kinds())
	}
	if b.MHAdapter || !b.OutputAdapter || b.LNAfter || b.LNBefore {
		t.Fatalf("legacy flags not mapped: %+v", b)
	}
	if b.ReductionFactor.Default != 16 || b.NonLinearity != "relu" || !b.ResidualBeforeLN {
		t.Fatalf("unexpected bottleneck: %+v", b)
	}
	if _, ok := d["LN_after"]; !ok {
		t.Fatalf("Parse modified its input")
	}

	conflict := Dict{"MH_Adapter": true, "mh_adapter": false}
	if _, err := Parse(conflict); !errors.Is(err, ErrConfig) {
		t.Fatalf("conflicting legacy key err = %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Dict
		want error
	}{
		{"unknown key", Dict{"reduction_facter": 16}, ErrUnsupported},
		{"fractional factor", Dict{"reduction_factor": 2.5}, ErrReductionFactor},
		{"zero factor", Dict{"reduction_factor": 0}, ErrReductionFactor},
		{"bad activation", Dict{"non_linearity": "softplusplus"}, ErrUnsupported},
		{"phm", Dict{"phm_layer": true}, ErrUnsupported},
		{"unknown architecture", Dict{"architecture": "loar"}, ErrUnsupported},
		{"scale needs rank one", Dict{"architecture": "lora", "composition_mode": "scale", "r": 4}, ErrConfig},
		{"bad attn matrix", Dict{"architecture": "lora", "attn_matrices": []any{"o"}}, ErrLocation},
		{"gated prefix", Dict{"architecture": "prefix_tuning", "use_gating": true}, ErrUnsupported},
		{"bad invertible", Dict{"inv_adapter": "real-nvp"}, ErrUnsupported},
		{"nested union", Dict{"architecture": "union", "configs": []any{Dict{"architecture": "union"}}}, ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse(tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("Parse(%v) err = %v, want %v", tt.in, err, tt.want)
			}
		})
	}
}

func TestParsePresets(t *testing.T) {
	t.Parallel()

	kinds := map[string][]Kind{
		"pfeiffer":           {KindBottleneck},
		"houlsby":            {KindBottleneck},
		"pfeiffer+inv":       {KindBottleneck, KindInvertible},
		"houlsby+inv":        {KindBottleneck, KindInvertible},
		"parallel":           {KindBottleneck},
		"lora":               {KindLoRA},
		"ia3":                {KindLoRA},
		"prefix_tuning":      {KindPrefix},
		"prefix_tuning_flat": {KindPrefix},
		"mam":                {KindBottleneck, KindPrefix},
	}
	for _, name := range Presets() {
		d, _ := Preset(name)
		c, err := Parse(d)
		if err != nil {
			t.Fatalf("Parse(%s): %v", name, err)
		}
		if diff := cmp.Diff(kinds[name], c.Kinds()); diff != "" {
			t.Fatalf("%s kinds (-want +got):\n%s", name, diff)
		}
	}

	c, _ := Parse(presets["houlsby+inv"])
	if c.Invertible.NonLinearity != "swish" || c.Invertible.Kind != "nice" {
		t.Fatalf("invertible = %+v", c.Invertible)
	}
	c, _ = Parse(presets["ia3"])
	if !c.LoRA.ScaleMode() || c.LoRA.Scaling() != 1 {
		t.Fatalf("ia3 = %+v", c.LoRA)
	}
}

func TestCheckReductionFactor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		rf     any
		hidden int
		ok     bool
	}{
		{"divides", 16, 64, true},
		{"does not divide", 16, 40, false},
		{"per layer", map[string]any{"default": 16, "1": 8}, 64, true},
		{"per layer bad", map[string]any{"default": 16, "1": 3}, 64, false},
		{"per layer without default", map[string]any{"0": 8}, 64, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := Parse(Dict{"reduction_factor": tt.rf})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			err = c.Check(tt.hidden, 2)
			if tt.ok && err != nil {
				t.Fatalf("Check: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrReductionFactor) {
				t.Fatalf("Check err = %v, want ErrReductionFactor", err)
			}
		})
	}

	c, _ := Parse(Dict{"reduction_factor": 16, "leave_out": []any{1}})
	if err := c.Check(16, 3); err != nil {
		t.Fatalf("Check: %v", err)
	}
	c.Bottleneck.ReductionFactor.PerLayer = map[int]int{1: 5}
	if err := c.Check(16, 3); err != nil {
		t.Fatalf("left-out layer was checked: %v", err)
	}
}

func TestPlacement(t *testing.T) {
	t.Parallel()

	c, err := Parse(Dict{"mh_adapter": true, "output_adapter": false, "leave_out": []any{2}})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tests := []struct {
		loc   Location
		layer int
		want  bool
	}{
		{MHAdapter, 0, true},
		{OutputAdapter, 0, false},
		{MHAdapter, 2, false},
		{CrossAdapter, 0, false},
		{SelfAttnLoRA, 0, false},
	}
	for _, tt := range tests {
		if got := c.Placed(tt.loc, tt.layer); got != tt.want {
			t.Fatalf("Placed(%v, %d) = %v, want %v", tt.loc, tt.layer, got, tt.want)
		}
	}

	l, _ := Parse(presets["lora"])
	if !l.LoRA.At(SelfAttnLoRA, AttnQ, 0) || l.LoRA.At(SelfAttnLoRA, AttnK, 0) {
		t.Fatalf("lora attn matrices not honoured")
	}
	p, _ := Parse(Dict{"architecture": "prefix_tuning", "cross_prefix": false})
	if !p.Placed(SelfPrefix, 0) || p.Placed(CrossPrefix, 0) || !p.Placed(EncoderPrefix, 0) {
		t.Fatalf("prefix placement wrong: %+v", p.Prefix)
	}
}

func TestRegistryDuplicateAdd(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first, err := r.Add("a", TextTask, "pfeiffer")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Add("a", TextTask, "houlsby"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate add err = %v", err)
	}
	got, _ := r.Get("a")
	if got != first || r.Len() != 1 {
		t.Fatalf("duplicate add mutated the registry")
	}
	if _, err := r.Add("b", TextTask, "nonsense"); err == nil || r.Has("b") {
		t.Fatalf("failed add left an entry behind")
	}
}

func TestRegistryTypes(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.SetTypeConfig(TextLang, "houlsby"); err != nil {
		t.Fatalf("SetTypeConfig: %v", err)
	}
	if _, err := r.Add("en", TextLang, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Add("sst", "", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	en, _ := r.Get("en")
	if !en.Config.Bottleneck.MHAdapter {
		t.Fatalf("type config not used: %+v", en.Config.Bottleneck)
	}
	sst, _ := r.Get("sst")
	if sst.Type != TextTask || sst.Config.Bottleneck.MHAdapter {
		t.Fatalf("default config not pfeiffer: %+v", sst)
	}
	if err := r.SetTypeConfig(TextLang, "pfeiffer"); !errors.Is(err, ErrConfig) {
		t.Fatalf("SetTypeConfig after add err = %v", err)
	}
	if diff := cmp.Diff([]string{"en"}, r.List(TextLang)); diff != "" {
		t.Fatalf("List (-want +got):\n%s", diff)
	}
}

func TestRegistrySetActive(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, n := range []string{"a", "b", "c"} {
		if _, err := r.Add(n, TextTask, nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	err := r.SetActive(composition.MustParse("Stack(a, bb)"))
	var cerr *Error
	if !errors.Is(err, ErrUnknownAdapter) || !errors.As(err, &cerr) || cerr.Name != "bb" || cerr.Hint != "b" {
		t.Fatalf("unknown leaf err = %v", err)
	}
	if r.Active() != nil {
		t.Fatalf("failed SetActive changed the program")
	}

	if err := r.SetActive(composition.MustParse("Fuse(a, b)")); !errors.Is(err, ErrUnknownFusion) {
		t.Fatalf("missing fusion err = %v", err)
	}
	if _, err := r.AddFusion([]string{"a", "b"}, nil); err != nil {
		t.Fatalf("AddFusion: %v", err)
	}
	if err := r.SetActive(composition.MustParse("Stack(c, Fuse(a, b))")); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := r.SetActive(composition.MustParse("Fuse(Parallel(a, b))")); !errors.Is(err, ErrComposition) {
		t.Fatalf("bad nesting err = %v", err)
	}

	fusions, deactivated, err := r.Delete("a")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if diff := cmp.Diff([]string{"a,b"}, fusions); diff != "" || !deactivated {
		t.Fatalf("Delete returned %v %v", fusions, deactivated)
	}
	if r.Active() != nil || len(r.Fusions()) != 0 {
		t.Fatalf("delete left references behind")
	}
}

func TestRegistryJSONRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.SetTypeConfig(TextLang, "houlsby"); err != nil {
		t.Fatalf("SetTypeConfig: %v", err)
	}
	mustAdd := func(name string, typ AdapterType, cfg any) {
		t.Helper()
		if _, err := r.Add(name, typ, cfg); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}
	mustAdd("de", TextLang, nil)
	mustAdd("ner", TextTask, Dict{"reduction_factor": map[string]any{"default": 16, "3": 8}})
	mustAdd("lo", TextTask, "lora")
	mustAdd("pos", TextTask, nil)
	if _, err := r.AddFusion([]string{"ner", "pos"}, "static"); err != nil {
		t.Fatalf("AddFusion: %v", err)
	}
	if err := r.SetActive(composition.MustParse("Stack(de, Fuse(ner, pos))")); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	back := NewRegistry()
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v\n%s", err, data)
	}
	if diff := cmp.Diff(r.Names(), back.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(r.Fusions(), back.Fusions()); diff != "" {
		t.Fatalf("fusions (-want +got):\n%s", diff)
	}
	if back.Active().String() != r.Active().String() {
		t.Fatalf("active = %s, want %s", back.Active(), r.Active())
	}
	for _, e := range r.Entries() {
		got, _ := back.Get(e.Name)
		if diff := cmp.Diff(e.Config, got.Config); diff != "" {
			t.Fatalf("%s config (-want +got):\n%s", e.Name, diff)
		}
		if got.Type != e.Type {
			t.Fatalf("%s type = %s, want %s", e.Name, got.Type, e.Type)
		}
	}
	if back.TypeConfig(TextLang) != "houlsby" {
		t.Fatalf("config_map lost: %v", back.TypeConfig(TextLang))
	}
}

func TestLocations(t *testing.T) {
	t.Parallel()

	for l := MHAdapter; l <= EncoderPrefix; l++ {
		got, err := ParseLocation(l.String())
		if err != nil || got != l {
			t.Fatalf("ParseLocation(%s) = %v, %v", l, got, err)
		}
	}
	if l, _ := ParseLocation("cross"); l != CrossAdapter {
		t.Fatalf("cross = %v", l)
	}
	if l, _ := PrefixLocation("encoder"); l != EncoderPrefix || l.Kind() != PrefixPoint {
		t.Fatalf("PrefixLocation(encoder) = %v", l)
	}
	_, err := ParseLocation("output_adaptr")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Hint != "output_adapter" {
		t.Fatalf("ParseLocation typo err = %v", err)
	}
}

func TestParsedConfigJSON(t *testing.T) {
	t.Parallel()
	c, err := Parse(Dict{
		"architecture":     "bottleneck",
		"reduction_factor": map[string]any{"default": 8, "0": 2},
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := got["lora"]; ok {
		t.Fatalf("unset method was encoded: %s", raw)
	}
	want := map[string]any{"default": float64(8), "0": float64(2)}
	if diff := cmp.Diff(want, got["bottleneck"]["reduction_factor"]); diff != "" {
		t.Fatalf("reduction_factor mismatch (-want +got):\n%s", diff)
	}
}
