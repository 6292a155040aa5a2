package nn

import (
	"fmt"
	"strings"

	"github.com/samcharles93/splice/internal/tensor"
)

// Activation is an element-wise non-linearity resolved from its config name.
type Activation struct {
	name string
	fn   func(float32) float32
}

func identity(x float32) float32 { return x }

var activations = map[string]func(float32) float32{
	"relu":      tensor.Relu,
	"gelu":      tensor.Gelu,
	"gelu_new":  tensor.GeluTanh,
	"gelu_fast": tensor.GeluTanh,
	"tanh":      tensor.Tanh,
	"swish":     tensor.Silu,
	"silu":      tensor.Silu,
	"sigmoid":   tensor.Sigmoid,
	"linear":    identity,
	"identity":  identity,
}

// ParseActivation resolves an activation by name. Names are case
// insensitive; an empty name is the identity.
func ParseActivation(name string) (Activation, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "linear"
	}
	fn, ok := activations[key]
	if !ok {
		return Activation{}, fmt.Errorf("unknown activation %q", name)
	}
	return Activation{name: key, fn: fn}, nil
}

// MustActivation is ParseActivation for names known at compile time.
func MustActivation(name string) Activation {
	a, err := ParseActivation(name)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Activation) Name() string { return a.name }

// Apply transforms x in place.
func (a Activation) Apply(x tensor.Batch) {
	fn := a.fn
	if fn == nil {
		return
	}
	for i, v := range x.Data {
		x.Data[i] = fn(v)
	}
}

func (a Activation) Scalar(v float32) float32 {
	if a.fn == nil {
		return v
	}
	return a.fn(v)
}
