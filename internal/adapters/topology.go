// Package adapters installs adapter methods into a host transformer and
// runs the active composition program at every insertion point.
//
// An architecture describes where adapters can go with a Topology. A Host
// walks it once, replacing LoRA-capable projections, installing a Block at
// every residual point and a PrefixShim on every attention module, and
// from then on keeps those sites in sync with its Registry.
package adapters

import (
	"fmt"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/nn"
)

// Layer is one entry of an architecture's layer iteration order.
type Layer struct {
	Index int
	Name  string
}

// LoRASite is a projection that LoRA may wrap. Target points at the field
// holding the projection so it can be replaced in place. Module names the
// attention module when a layer has more than one, e.g. "cross_attn".
type LoRASite struct {
	Layer    int
	Location config.Location
	Matrix   config.AttnMatrix
	Module   string
	Target   *nn.Projector
}

// BlockSite is a residual point where bottleneck adapters run.
type BlockSite struct {
	Layer    int
	Location config.Location
	Target   *nn.ResidualHook
}

// PrefixSite is an attention module that prefix tuning may extend. Key is
// the attention role (self, cross or encoder).
type PrefixSite struct {
	Layer     int
	Key       string
	Attention *nn.Attention
}

// InputSite is the entry of a layer stack. Invertible adapters run at the
// encoder entry when the architecture supports them; decoder entries widen
// their batch to match the encoder states.
type InputSite struct {
	Stack      string
	Decoder    bool
	Invertible bool
	Target     *nn.InputHook
}

// Topology is everything the adapter layer needs to know about a host
// model.
type Topology struct {
	ModelType string
	Hidden    int
	Layers    []Layer
	// BaseParams is the host model's parameter count, for summaries.
	BaseParams int

	LoRA     []LoRASite
	Blocks   []BlockSite
	Prefixes []PrefixSite
	Inputs   []InputSite
}

// Validate checks the sites against each other.
func (t *Topology) Validate() error {
	if t.Hidden <= 0 {
		return fmt.Errorf("topology %s: hidden size %d", t.ModelType, t.Hidden)
	}
	layers := make(map[int]bool, len(t.Layers))
	for _, l := range t.Layers {
		if layers[l.Index] {
			return fmt.Errorf("topology %s: layer %d listed twice", t.ModelType, l.Index)
		}
		layers[l.Index] = true
	}
	for _, s := range t.LoRA {
		if s.Location.Kind() != config.LoRAPoint || s.Target == nil || !layers[s.Layer] {
			return fmt.Errorf("topology %s: bad LoRA site %s at layer %d", t.ModelType, s.Location, s.Layer)
		}
	}
	for _, s := range t.Blocks {
		if s.Location.Kind() != config.BlockPoint || s.Target == nil || !layers[s.Layer] {
			return fmt.Errorf("topology %s: bad block site %s at layer %d", t.ModelType, s.Location, s.Layer)
		}
	}
	for _, s := range t.Prefixes {
		if _, err := config.PrefixLocation(s.Key); err != nil || s.Attention == nil || !layers[s.Layer] {
			return fmt.Errorf("topology %s: bad prefix site %q at layer %d", t.ModelType, s.Key, s.Layer)
		}
	}
	for _, s := range t.Inputs {
		if s.Target == nil {
			return fmt.Errorf("topology %s: input site %s has no target", t.ModelType, s.Stack)
		}
	}
	return nil
}

// SupportsInvertible reports whether any stack entry runs invertible
// adapters.
func (t *Topology) SupportsInvertible() bool {
	for _, s := range t.Inputs {
		if s.Invertible {
			return true
		}
	}
	return false
}

// SupportsPrefix reports whether the topology has prefix sites.
func (t *Topology) SupportsPrefix() bool {
	return len(t.Prefixes) > 0
}
