package arch

import (
	"fmt"

	"github.com/samcharles93/splice/internal/adapters"
	"github.com/samcharles93/splice/internal/logger"
	"github.com/samcharles93/splice/internal/model"
	"github.com/samcharles93/splice/internal/safetensors"
	"github.com/samcharles93/splice/internal/tensor"
)

// Model is a host model with its adapter Host installed.
type Model struct {
	Spec *Spec
	Base *model.Model
	Host *adapters.Host

	weights string
}

type options struct {
	log     logger.Logger
	seed    int64
	weights string
}

// Option configures New.
type Option func(*options)

func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSeed sets the seed of random weights.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithWeights loads weights from a safetensors file or a directory holding
// model.safetensors instead of drawing them at random.
func WithWeights(path string) Option {
	return func(o *options) { o.weights = path }
}

// New detects the architecture of cfg, builds the host model and installs
// an adapter Host on it.
func New(cfg *model.Config, opts ...Option) (*Model, error) {
	o := options{log: logger.Discard(), seed: 1}
	for _, opt := range opts {
		opt(&o)
	}
	spec, err := Detect(cfg)
	if err != nil {
		return nil, err
	}
	layout := spec.Layout(cfg)

	var base *model.Model
	if o.weights == "" {
		base, err = model.NewRandom(cfg, layout, o.seed)
	} else {
		base, err = model.New(cfg, layout)
		if err == nil {
			err = loadWeights(spec, base, o.weights)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	host, err := adapters.NewHost(Topology(spec, base), adapters.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	weights := o.weights
	if weights == "" {
		weights = "random"
	}
	o.log.Info("model ready",
		"arch", spec.Name,
		"layers", len(base.Layers()),
		"hidden", base.Hidden(),
		"params", host.Topology().BaseParams,
		"weights", weights,
	)
	return &Model{Spec: spec, Base: base, Host: host, weights: weights}, nil
}

// loadWeights reads a checkpoint under whichever root prefix matches the
// most tensors.
func loadWeights(spec *Spec, base *model.Model, path string) error {
	if spec.Names == nil {
		return fmt.Errorf("no checkpoint layout is declared for %s", spec.Name)
	}
	path = model.CheckpointPath(path)
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	var best model.Names
	bestHits := -1
	for _, root := range spec.Roots {
		names := spec.Names(root)
		params, err := base.Params(names)
		if err != nil {
			return err
		}
		hits := 0
		for name := range params {
			if _, ok := f.Tensor(name); ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = names, hits
		}
	}
	if err := base.Load(f, best); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Weights is the checkpoint the model was loaded from, or "random".
func (m *Model) Weights() string { return m.weights }

// Output is the result of one forward pass.
type Output struct {
	Hidden  tensor.Batch
	Encoder tensor.Batch
	// Inverted is Hidden passed through the inverse of the active
	// invertible adapter; set only with ForwardOptions.InvertOutput.
	Inverted tensor.Batch
	Capture  *adapters.Capture
}

// Forward runs the host model with the active adapter program.
func (m *Model) Forward(in model.Input, opts adapters.ForwardOptions) (*Output, error) {
	m.Host.Begin(opts)
	out, err := m.Base.Forward(in)
	var inverted tensor.Batch
	if err == nil && opts.InvertOutput {
		// Before End, which drops the replication state.
		inverted = m.Host.InvertOutput(out.Hidden)
	}
	capture, endErr := m.Host.End()
	if err != nil {
		return nil, err
	}
	if endErr != nil {
		return nil, endErr
	}
	return &Output{Hidden: out.Hidden, Encoder: out.Encoder, Inverted: inverted, Capture: capture}, nil
}

// SaveWeights writes the host weights under the architecture's first root. Merged
// LoRA updates are included.
func (m *Model) SaveWeights(path string) error {
	if m.Spec.Names == nil {
		return fmt.Errorf("no checkpoint layout is declared for %s", m.Spec.Name)
	}
	return m.Base.SaveSafetensors(path, m.Spec.Names(m.Spec.Roots[0]), "")
}
