package model

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/safetensors"
	"github.com/samcharles93/splice/internal/tensor"
)

// Source is a checkpoint the model can load from. *safetensors.File
// satisfies it.
type Source interface {
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
	Tensor(name string) (safetensors.TensorInfo, bool)
}

type entry struct {
	name  string
	param nn.Param
	norm  bool
}

type walker struct {
	names   Names
	entries []entry
	seen    map[string]bool
	err     error
}

func (w *walker) add(name string, p nn.Param, norm bool) {
	if name == "" || w.err != nil {
		return
	}
	if w.seen[name] {
		w.err = fmt.Errorf("tensor %s named twice", name)
		return
	}
	w.seen[name] = true
	w.entries = append(w.entries, entry{name: name, param: p, norm: norm})
}

func (w *walker) table(name string, m *tensor.Mat) {
	if m.R == 0 {
		return
	}
	w.add(name, nn.Param{Shape: m.Shape(), Data: m.Data}, false)
}

func (w *walker) linear(prefix string, p nn.Projector) {
	if prefix == "" || w.err != nil {
		return
	}
	l, ok := baseLinear(p)
	if !ok {
		w.err = fmt.Errorf("%s: projector %T has no dense weights", prefix, p)
		return
	}
	w.add(prefix+".weight", nn.Param{Shape: l.W.Shape(), Data: l.W.Data}, false)
	if l.B != nil {
		w.add(prefix+".bias", nn.Param{Shape: []int{len(l.B)}, Data: l.B}, false)
	}
}

func (w *walker) norm(prefix string, n *nn.LayerNorm) {
	if prefix == "" || n == nil {
		return
	}
	w.add(prefix+".weight", nn.Param{Shape: []int{len(n.Weight)}, Data: n.Weight}, true)
	if n.Bias != nil {
		w.add(prefix+".bias", nn.Param{Shape: []int{len(n.Bias)}, Data: n.Bias}, true)
	}
}

func (w *walker) embeddings(stack string, e *Embeddings, shared bool) {
	name := func(part string) string { return w.names.Embedding(stack, part) }
	if !shared {
		w.table(name(PartWord), &e.Word)
	}
	w.table(name(PartPosition), &e.Position)
	w.table(name(PartTokenType), &e.TokenType)
	if e.CLS != nil {
		w.add(name(PartCLS), nn.Param{Shape: []int{len(e.CLS)}, Data: e.CLS}, false)
	}
	w.norm(name(PartFeatureNorm), e.FeatureNorm)
	if e.Project != nil {
		w.linear(name(PartProject), e.Project)
	}
	w.norm(name(PartNorm), e.Norm)
}

func (w *walker) stack(s *Stack) {
	for i, l := range s.Layers {
		name := func(module string) string { return w.names.Layer(s.Name, i, module) }
		w.linear(name(ModQuery), l.SelfAttn.Query)
		w.linear(name(ModKey), l.SelfAttn.Key)
		w.linear(name(ModValue), l.SelfAttn.Value)
		w.linear(name(ModAttnOut), l.SelfAttn.Out)
		w.norm(name(ModSelfNorm), l.SelfNorm)
		if l.CrossAttn != nil {
			w.linear(name(ModCrossQuery), l.CrossAttn.Query)
			w.linear(name(ModCrossKey), l.CrossAttn.Key)
			w.linear(name(ModCrossValue), l.CrossAttn.Value)
			w.linear(name(ModCrossOut), l.CrossAttn.Out)
			w.norm(name(ModCrossNorm), l.CrossNorm)
		}
		w.linear(name(ModIntermediate), l.Intermediate)
		w.linear(name(ModOutput), l.Output)
		w.norm(name(ModOutputNorm), l.OutputNorm)
	}
	if s.Norm != nil {
		w.norm(w.names.Norm(s.Name), s.Norm)
	}
}

// baseLinear finds the dense projection behind p, looking through
// wrappers that expose Unwrap.
func baseLinear(p nn.Projector) (*nn.Linear, bool) {
	for {
		switch v := p.(type) {
		case *nn.Linear:
			return v, true
		case interface{ Unwrap() nn.Projector }:
			p = v.Unwrap()
		default:
			return nil, false
		}
	}
}

func (m *Model) walk(names Names) ([]entry, error) {
	if names.Embedding == nil || names.Layer == nil || names.Norm == nil {
		return nil, fmt.Errorf("incomplete tensor names")
	}
	w := &walker{names: names, seen: make(map[string]bool)}
	w.embeddings(m.Encoder.Name, m.Embed, false)
	w.stack(m.Encoder)
	if m.Decoder != nil {
		w.embeddings(m.Decoder.Name, m.DecoderEmbed, true)
		w.stack(m.Decoder)
	}
	return w.entries, w.err
}

// Params returns the model's parameters keyed by checkpoint name. The
// values alias the model's storage.
func (m *Model) Params(names Names) (map[string]nn.Param, error) {
	entries, err := m.walk(names)
	if err != nil {
		return nil, err
	}
	out := make(map[string]nn.Param, len(entries))
	for _, e := range entries {
		out[e.name] = e.param
	}
	return out, nil
}

// NumParams counts the model's weights. Shared tables count once.
func (m *Model) NumParams() int {
	entries, err := m.walk(DefaultNames())
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		n += len(e.param.Data)
	}
	return n
}

// NewRandom builds a model and fills it with Randomize.
func NewRandom(cfg *Config, layout Layout, seed int64) (*Model, error) {
	m, err := New(cfg, layout)
	if err != nil {
		return nil, err
	}
	if err := m.Randomize(seed); err != nil {
		return nil, err
	}
	return m, nil
}

// Randomize draws every weight matrix and table from N(0, 0.02²), leaving
// biases at zero and norms at identity. The same seed always gives the
// same model.
func (m *Model) Randomize(seed int64) error {
	entries, err := m.walk(DefaultNames())
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.norm || strings.HasSuffix(e.name, ".bias") {
			continue
		}
		mat := tensor.NewMatFromData(1, len(e.param.Data), e.param.Data)
		tensor.FillNormal(&mat, 0.02, seed+int64(i))
	}
	return nil
}

// Load copies every named tensor from src. All tensors must be present
// with matching shapes. Leading unit dimensions in the checkpoint are
// ignored, and trailing dimensions may be flattened, which is how a
// patch convolution kernel [out, c, h, w] loads into a [out, c*h*w]
// projection.
func (m *Model) Load(src Source, names Names) error {
	entries, err := m.walk(names)
	if err != nil {
		return err
	}
	var missing []string
	for _, e := range entries {
		if _, ok := src.Tensor(e.name); !ok {
			missing = append(missing, e.name)
		}
	}
	if len(missing) > 0 {
		shown := missing
		if len(shown) > 5 {
			shown = shown[:5]
		}
		return fmt.Errorf("checkpoint is missing %d tensors: %s", len(missing), strings.Join(shown, ", "))
	}
	for _, e := range entries {
		data, info, err := src.ReadTensorF32(e.name)
		if err != nil {
			return err
		}
		if !compatible(info.Shape, e.param.Shape) {
			return fmt.Errorf("%s: shape %v does not match %v", e.name, info.Shape, e.param.Shape)
		}
		copy(e.param.Data, data)
	}
	return nil
}

// CheckpointPath resolves a weights argument: a safetensors file as is, a
// directory to the model.safetensors inside it.
func CheckpointPath(path string) string {
	if filepath.Ext(path) == ".safetensors" {
		return path
	}
	return filepath.Join(path, "model.safetensors")
}

// LoadSafetensors loads weights from the checkpoint at path.
func (m *Model) LoadSafetensors(path string, names Names) error {
	path = CheckpointPath(path)
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	if err := m.Load(f, names); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// SaveSafetensors writes the model's weights under names.
func (m *Model) SaveSafetensors(path string, names Names, dtype string) error {
	entries, err := m.walk(names)
	if err != nil {
		return err
	}
	tensors := make([]safetensors.Tensor, 0, len(entries))
	for _, e := range entries {
		tensors = append(tensors, safetensors.Tensor{Name: e.name, Shape: e.param.Shape, Data: e.param.Data})
	}
	return safetensors.Write(path, tensors, safetensors.WriteOptions{
		DType:    dtype,
		Metadata: map[string]string{"format": "pt"},
	})
}

func compatible(stored, want []int) bool {
	for len(stored) > len(want) && stored[0] == 1 {
		stored = stored[1:]
	}
	if slices.Equal(stored, want) {
		return true
	}
	if len(want) != 2 || len(stored) <= 2 || stored[0] != want[0] {
		return false
	}
	n := 1
	for _, d := range stored[1:] {
		n *= d
	}
	return n == want[1]
}

func sqrtf(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
