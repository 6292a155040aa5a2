// Package arch declares where adapters go in each supported host
// architecture and bundles a host model with its adapter Host.
package arch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/model"
)

// ErrUnknownArch is returned when no spec matches a config.
var ErrUnknownArch = errors.New("unsupported architecture")

// Spec is everything architecture specific: the host layout, checkpoint
// tensor names and which adapter methods the architecture hosts.
type Spec struct {
	Name string
	// Layout may depend on the config, as HuBERT's norm placement does.
	Layout func(cfg *model.Config) model.Layout
	// Roots are checkpoint name prefixes to try, in order. Task heads
	// save under the base model's prefix; bare models save without one.
	Roots []string
	Names func(root string) model.Names

	Prefix     bool
	Invertible bool
}

// detectOrder maps model_type fragments to specs. Children come before
// the parents whose names they contain.
var detectOrder = []struct {
	match string
	spec  func() *Spec
}{
	{"xlm-roberta", func() *Spec { return robertaSpec("xlm-roberta") }},
	{"roberta", func() *Spec { return robertaSpec("roberta") }},
	{"bert-generation", bertGenerationSpec},
	{"deberta-v2", func() *Spec { return debertaSpec("deberta-v2") }},
	{"deberta", func() *Spec { return debertaSpec("deberta") }},
	{"electra", electraSpec},
	{"bert", bertSpec},
	{"mbart", mbartSpec},
	{"bart", bartSpec},
	{"beit", beitSpec},
	{"vit", vitSpec},
	{"wavlm", func() *Spec { return hubertSpec("wavlm") }},
	{"mert_model", func() *Spec { return hubertSpec("mert_model") }},
	{"hubert", func() *Spec { return hubertSpec("hubert") }},
}

// ModelTypes lists the model types that can be detected, in match order.
func ModelTypes() []string {
	out := make([]string, len(detectOrder))
	for i, d := range detectOrder {
		out[i] = d.match
	}
	return out
}

// Detect picks the spec for a config. An exact model_type match wins;
// otherwise model_type and the architectures list are searched for each
// known fragment in order.
func Detect(cfg *model.Config) (*Spec, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	modelType := strings.ToLower(strings.TrimSpace(cfg.ModelType))
	for _, d := range detectOrder {
		if d.match == modelType {
			return d.spec(), nil
		}
	}

	archs := make([]string, 0, len(cfg.Architectures))
	for _, a := range cfg.Architectures {
		archs = append(archs, strings.ToLower(a))
	}
	hasArch := func(substr string) bool {
		if strings.Contains(modelType, substr) {
			return true
		}
		// Class names drop separators: XLMRobertaModel, DebertaV2Model.
		flat := strings.NewReplacer("-", "", "_", "").Replace(substr)
		for _, a := range archs {
			if strings.Contains(a, flat) {
				return true
			}
		}
		return false
	}
	for _, d := range detectOrder {
		if hasArch(d.match) {
			return d.spec(), nil
		}
	}
	return nil, &config.Error{
		Op:   "detect architecture",
		Name: cfg.ModelType,
		Err:  fmt.Errorf("%w: model_type %q (architectures=%v)", ErrUnknownArch, cfg.ModelType, cfg.Architectures),
		Hint: config.Closest(modelType, ModelTypes()),
	}
}
