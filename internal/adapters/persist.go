package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/splice/internal/adapters/composition"
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/safetensors"
	"github.com/samcharles93/splice/internal/version"
)

// Files of a saved adapter or fusion directory.
const (
	AdapterConfigFile  = "adapter_config.json"
	AdapterWeightsFile = "adapter_model.safetensors"
	FusionConfigFile   = "adapter_fusion_config.json"
	FusionWeightsFile  = "adapter_fusion.safetensors"
)

// ErrWeights reports a weights file that does not match the parameters of
// the adapter it is loaded into.
var ErrWeights = errors.New("adapter weights do not match")

// SavedAdapter is the content of adapter_config.json.
type SavedAdapter struct {
	Name       string             `json:"name"`
	Type       config.AdapterType `json:"type"`
	Kind       config.Kind        `json:"kind"`
	Kinds      []config.Kind      `json:"kinds"`
	Config     json.RawMessage    `json:"config"`
	ModelType  string             `json:"model_type"`
	HiddenSize int                `json:"hidden_size"`
	NumLayers  int                `json:"num_layers"`
	AdapterID  string             `json:"adapter_id"`
	Version    string             `json:"version"`
}

// SavedFusion is the content of adapter_fusion_config.json.
type SavedFusion struct {
	Name       string          `json:"name"`
	Adapters   []string        `json:"adapters"`
	Config     json.RawMessage `json:"config"`
	ModelType  string          `json:"model_type"`
	HiddenSize int             `json:"hidden_size"`
	FusionID   string          `json:"fusion_id"`
	Version    string          `json:"version"`
}

// SaveAdapter writes the named adapter's config and parameters to dir.
func (h *Host) SaveAdapter(dir, name string) error {
	e, ok := h.reg.Get(name)
	if !ok {
		return &config.Error{Op: "save adapter", Name: name, Err: config.ErrUnknownAdapter, Hint: config.Closest(name, h.reg.Names())}
	}
	raw, err := json.Marshal(e.Dict)
	if err != nil {
		return fmt.Errorf("save adapter %q: %w", name, err)
	}
	id := uuid.NewString()
	meta := SavedAdapter{
		Name:       name,
		Type:       e.Type,
		Kind:       e.Config.Kind(),
		Kinds:      e.Config.Kinds(),
		Config:     raw,
		ModelType:  h.top.ModelType,
		HiddenSize: h.top.Hidden,
		NumLayers:  len(h.top.Layers),
		AdapterID:  id,
		Version:    version.String(),
	}
	if err := writeSaved(dir, AdapterConfigFile, AdapterWeightsFile, meta, h.AdapterParams(name), map[string]string{
		"format":     "splice",
		"adapter":    name,
		"adapter_id": id,
	}); err != nil {
		return fmt.Errorf("save adapter %q: %w", name, err)
	}
	h.log.Info("adapter saved", "name", name, "dir", dir, "adapter_id", id)
	return nil
}

// SaveFusion writes a fusion's config and parameters to dir. The adapters
// it fuses are saved separately.
func (h *Host) SaveFusion(dir, name string) error {
	fe, ok := h.reg.GetFusion(name)
	if !ok {
		return &config.Error{Op: "save fusion", Name: name, Err: config.ErrUnknownFusion}
	}
	raw, err := json.Marshal(fe.Dict)
	if err != nil {
		return fmt.Errorf("save fusion %q: %w", name, err)
	}
	id := uuid.NewString()
	meta := SavedFusion{
		Name:       fe.Name,
		Adapters:   fe.Adapters,
		Config:     raw,
		ModelType:  h.top.ModelType,
		HiddenSize: h.top.Hidden,
		FusionID:   id,
		Version:    version.String(),
	}
	if err := writeSaved(dir, FusionConfigFile, FusionWeightsFile, meta, h.FusionParams(name), map[string]string{
		"format":    "splice",
		"fusion":    name,
		"fusion_id": id,
	}); err != nil {
		return fmt.Errorf("save fusion %q: %w", name, err)
	}
	h.log.Info("fusion saved", "name", name, "dir", dir)
	return nil
}

func writeSaved(dir, configFile, weightsFile string, meta any, params map[string]nn.Param, tags map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tensors := make([]safetensors.Tensor, 0, len(params))
	for _, path := range sortedKeys(params) {
		p := params[path]
		tensors = append(tensors, safetensors.Tensor{Name: path, Shape: p.Shape, Data: p.Data})
	}
	if err := safetensors.Write(filepath.Join(dir, weightsFile), tensors, safetensors.WriteOptions{Metadata: tags}); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFile), append(data, '\n'), 0o644)
}

// savedWeights is a weights file read into memory.
type savedWeights struct {
	shapes map[string][]int
	data   map[string][]float32
}

func readWeights(path string) (*savedWeights, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	w := &savedWeights{shapes: make(map[string][]int), data: make(map[string][]float32)}
	for _, name := range f.Names() {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		w.shapes[name] = info.Shape
		w.data[name] = data
	}
	return w, nil
}

// assign copies w into params. Both sides must name exactly the same
// tensors with the same shapes; nothing is written otherwise.
func (w *savedWeights) assign(params map[string]nn.Param) error {
	var missing, unexpected []string
	for path := range params {
		if _, ok := w.data[path]; !ok {
			missing = append(missing, path)
		}
	}
	for path := range w.data {
		if _, ok := params[path]; !ok {
			unexpected = append(unexpected, path)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		slices.Sort(missing)
		slices.Sort(unexpected)
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrWeights, missing, unexpected)
	}
	for path, p := range params {
		if !slices.Equal(w.shapes[path], p.Shape) {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrWeights, path, w.shapes[path], p.Shape)
		}
	}
	for path, p := range params {
		copy(p.Data, w.data[path])
	}
	return nil
}

// loaded is a saved adapter read from disk but not yet installed.
type loaded struct {
	dir     string
	meta    SavedAdapter
	dict    config.Dict
	weights *savedWeights
}

// ReadAdapter reads an adapter directory without touching any host.
func ReadAdapter(dir string) (*SavedAdapter, error) {
	l, err := readAdapter(dir)
	if err != nil {
		return nil, err
	}
	return &l.meta, nil
}

func readAdapter(dir string) (*loaded, error) {
	data, err := os.ReadFile(filepath.Join(dir, AdapterConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read adapter %s: %w", dir, err)
	}
	var meta SavedAdapter
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("read adapter %s: %w", dir, err)
	}
	dict, err := config.DecodeDict(meta.Config)
	if err != nil {
		return nil, fmt.Errorf("read adapter %s: %w", dir, err)
	}
	w, err := readWeights(filepath.Join(dir, AdapterWeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read adapter %s: %w", dir, err)
	}
	return &loaded{dir: dir, meta: meta, dict: dict, weights: w}, nil
}

// LoadName renames an adapter or fusion on load.
func LoadName(name string) AddOption {
	return func(o *addOptions) { o.name = name }
}

// LoadAdapter adds the adapter saved in dir and copies its weights. The
// saved config is used as is; the host must have the same hidden size. It
// returns the name the adapter was registered under.
func (h *Host) LoadAdapter(dir string, opts ...AddOption) (string, error) {
	l, err := readAdapter(dir)
	if err != nil {
		return "", err
	}
	return h.addLoaded(l, opts...)
}

func (h *Host) addLoaded(l *loaded, opts ...AddOption) (string, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	name := l.meta.Name
	if o.name != "" {
		name = o.name
	}
	if l.meta.HiddenSize != h.top.Hidden {
		return "", config.Errorf("load adapter", name, config.ErrConfig, "saved for hidden size %d, model has %d", l.meta.HiddenSize, h.top.Hidden)
	}
	if l.meta.ModelType != h.top.ModelType {
		h.log.Warn("adapter saved for a different model type", "name", name, "saved", l.meta.ModelType, "model", h.top.ModelType)
	}
	add := []AddOption{AsType(l.meta.Type)}
	if o.overwrite {
		add = append(add, Overwrite())
	}
	if err := h.AddAdapter(name, l.dict, add...); err != nil {
		return "", err
	}
	if err := l.weights.assign(h.AdapterParams(name)); err != nil {
		_ = h.DeleteAdapter(name)
		return "", fmt.Errorf("load adapter %q from %s: %w", name, l.dir, err)
	}
	h.invalidate(name)
	h.log.Info("adapter loaded", "name", name, "dir", l.dir, "adapter_id", l.meta.AdapterID)
	if o.activate {
		if err := h.SetActive(composition.Name(name)); err != nil {
			return name, err
		}
	}
	return name, nil
}

// LoadAdapters reads several adapter directories in parallel and then adds
// them in argument order. When one fails, the adapters added by this call
// are removed again.
func (h *Host) LoadAdapters(ctx context.Context, dirs ...string) ([]string, error) {
	read := make([]*loaded, len(dirs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, dir := range dirs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l, err := readAdapter(dir)
			if err != nil {
				return err
			}
			read[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(read))
	for _, l := range read {
		name, err := h.addLoaded(l)
		if err != nil {
			for _, n := range names {
				_ = h.DeleteAdapter(n)
			}
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// LoadFusion adds the fusion saved in dir. The adapters it fuses must
// already be loaded.
func (h *Host) LoadFusion(dir string, opts ...AddOption) (string, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, err := os.ReadFile(filepath.Join(dir, FusionConfigFile))
	if err != nil {
		return "", fmt.Errorf("read fusion %s: %w", dir, err)
	}
	var meta SavedFusion
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("read fusion %s: %w", dir, err)
	}
	dict, err := config.DecodeDict(meta.Config)
	if err != nil {
		return "", fmt.Errorf("read fusion %s: %w", dir, err)
	}
	w, err := readWeights(filepath.Join(dir, FusionWeightsFile))
	if err != nil {
		return "", fmt.Errorf("read fusion %s: %w", dir, err)
	}
	if meta.HiddenSize != h.top.Hidden {
		return "", config.Errorf("load fusion", meta.Name, config.ErrConfig, "saved for hidden size %d, model has %d", meta.HiddenSize, h.top.Hidden)
	}
	add := []AddOption{}
	if o.overwrite {
		add = append(add, Overwrite())
	}
	if err := h.AddFusion(meta.Adapters, dict, add...); err != nil {
		return "", err
	}
	name := composition.FusionName(meta.Adapters)
	if err := w.assign(h.FusionParams(name)); err != nil {
		_ = h.DeleteFusion(name)
		return "", fmt.Errorf("load fusion %q from %s: %w", name, dir, err)
	}
	h.log.Info("fusion loaded", "name", name, "dir", dir)
	if o.activate {
		if err := h.SetActive(composition.NewFuse(meta.Adapters...)); err != nil {
			return name, err
		}
	}
	return name, nil
}
