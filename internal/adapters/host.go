package adapters

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/samcharles93/splice/internal/adapters/composition"
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/adapters/modules"
	"github.com/samcharles93/splice/internal/logger"
	"github.com/samcharles93/splice/internal/nn"
	"github.com/samcharles93/splice/internal/tensor"
)

// Host binds a Registry to the sites of one model. It is not safe for
// concurrent use; a forward pass and a mutation must not overlap.
type Host struct {
	log logger.Logger
	reg *config.Registry
	top *Topology

	blocks   []*Block
	loras    []*LoRALinear
	prefixes []*PrefixShim
	inputs   []*inputHook

	prefixOrdinals map[string]int
	prefixPools    map[string]map[string]*modules.Prefix
	invertible     map[string]*modules.Invertible

	merged string
	ctx    *forwardContext
}

type Option func(*Host)

func WithLogger(log logger.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithRegistry starts the host from an existing registry, for example one
// restored from a saved model config. Units are initialised for every
// adapter and fusion it holds.
func WithRegistry(reg *config.Registry) Option {
	return func(h *Host) { h.reg = reg }
}

// NewHost validates the topology and installs the host's hooks.
func NewHost(top *Topology, opts ...Option) (*Host, error) {
	h := &Host{top: top}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.Discard()
	}
	if h.reg == nil {
		h.reg = config.NewRegistry()
	}
	if err := h.Init(); err != nil {
		return nil, err
	}
	return h, nil
}

// Init walks the topology and (re)installs every hook: LoRA wrappers,
// residual blocks, prefix shims and stack entry hooks. Adapter units are
// rebuilt from the registry, so weights return to their initial values.
func (h *Host) Init() error {
	if err := h.top.Validate(); err != nil {
		return err
	}
	h.ResetLoRA()
	h.ctx = nil
	h.blocks = h.blocks[:0]
	h.loras = h.loras[:0]
	h.prefixes = h.prefixes[:0]
	h.inputs = h.inputs[:0]
	h.prefixOrdinals = make(map[string]int)
	h.prefixPools = make(map[string]map[string]*modules.Prefix)
	h.invertible = make(map[string]*modules.Invertible)

	for _, site := range h.top.LoRA {
		base := *site.Target
		if prev, ok := base.(*LoRALinear); ok {
			base = prev.Base
		}
		l, err := newLoRALinear(base, site, h)
		if err != nil {
			return err
		}
		h.loras = append(h.loras, l)
		*site.Target = l.Projector()
	}
	for _, site := range h.top.Blocks {
		b := newBlock(h, site)
		h.blocks = append(h.blocks, b)
		*site.Target = b
	}
	for _, site := range h.top.Prefixes {
		loc, _ := config.PrefixLocation(site.Key)
		shim := &PrefixShim{Site: site, Location: loc, Ordinal: h.prefixOrdinals[site.Key], host: h}
		h.prefixOrdinals[site.Key]++
		h.prefixes = append(h.prefixes, shim)
		site.Attention.KV = shim
	}
	for _, site := range h.top.Inputs {
		in := &inputHook{host: h, site: site}
		h.inputs = append(h.inputs, in)
		*site.Target = in
	}

	for _, e := range h.reg.Entries() {
		st, err := h.build(e)
		if err != nil {
			return fmt.Errorf("init adapter %q: %w", e.Name, err)
		}
		h.install(e.Name, st)
	}
	for _, name := range h.reg.Fusions() {
		fe, _ := h.reg.GetFusion(name)
		h.installFusion(fe.Name, h.buildFusion(fe))
	}
	h.log.Debug("adapter host initialised",
		"model_type", h.top.ModelType,
		"lora_sites", len(h.loras),
		"block_sites", len(h.blocks),
		"prefix_sites", len(h.prefixes),
		"adapters", h.reg.Len(),
	)
	return nil
}

// Registry exposes the host's registry for inspection. Mutate adapters
// through the host so its sites stay in sync.
func (h *Host) Registry() *config.Registry { return h.reg }

func (h *Host) Topology() *Topology { return h.top }

// IterLayers yields the model's layers in architecture order.
func (h *Host) IterLayers() iter.Seq2[int, Layer] {
	return func(yield func(int, Layer) bool) {
		for i, l := range h.top.Layers {
			if !yield(i, l) {
				return
			}
		}
	}
}

// staged holds the units of one adapter before they are installed.
type staged struct {
	blocks map[*Block]*modules.Bottleneck
	loras  map[*LoRALinear]*modules.LoRA
	pools  map[string]*modules.Prefix
	inv    *modules.Invertible
}

func (h *Host) build(e *config.Entry) (*staged, error) {
	c := e.Config
	if err := c.Check(h.top.Hidden, len(h.top.Layers)); err != nil {
		return nil, err
	}
	if c.Invertible != nil && !h.top.SupportsInvertible() {
		return nil, config.Errorf("add adapter", e.Name, config.ErrUnsupported, "%s has no invertible adapter support", h.top.ModelType)
	}
	if c.Prefix != nil && !h.top.SupportsPrefix() {
		return nil, config.Errorf("add adapter", e.Name, config.ErrUnsupported, "%s has no prefix tuning support", h.top.ModelType)
	}

	st := &staged{
		blocks: make(map[*Block]*modules.Bottleneck),
		loras:  make(map[*LoRALinear]*modules.LoRA),
		pools:  make(map[string]*modules.Prefix),
	}
	if c.Bottleneck != nil {
		for _, b := range h.blocks {
			if !c.Placed(b.Location, b.Layer) {
				continue
			}
			u, err := modules.NewBottleneck(e.Name, b.path(), c.Bottleneck, h.top.Hidden, b.Layer)
			if err != nil {
				return nil, err
			}
			st.blocks[b] = u
		}
	}
	for _, l := range h.loras {
		if m := l.build(e); m != nil {
			st.loras[l] = m
		}
	}
	if c.Prefix != nil {
		for key, n := range h.prefixOrdinals {
			if !h.prefixPlaced(c, key) {
				continue
			}
			pool, err := modules.NewPrefix(e.Name, "prefix."+key, c.Prefix, n, h.top.Hidden)
			if err != nil {
				return nil, err
			}
			st.pools[key] = pool
		}
	}
	if c.Invertible != nil {
		inv, err := modules.NewInvertible(e.Name, "invertible", c.Invertible, h.top.Hidden)
		if err != nil {
			return nil, err
		}
		st.inv = inv
	}
	return st, nil
}

func (h *Host) install(name string, st *staged) {
	for b, u := range st.blocks {
		b.units[name] = u
	}
	for _, l := range h.loras {
		if m, ok := st.loras[l]; ok {
			l.loras.Set(name, m)
			*l.Site.Target = l.Projector()
		}
	}
	if len(st.pools) > 0 {
		h.prefixPools[name] = st.pools
	}
	if st.inv != nil {
		h.invertible[name] = st.inv
	}
}

func (h *Host) uninstall(name string) {
	for _, b := range h.blocks {
		delete(b.units, name)
	}
	for _, l := range h.loras {
		if _, ok := l.loras.Get(name); ok {
			l.remove(name)
			*l.Site.Target = l.Projector()
		}
	}
	delete(h.prefixPools, name)
	delete(h.invertible, name)
}

// prefixPlaced reports whether c places a prefix at any site of key.
func (h *Host) prefixPlaced(c *config.AdapterConfig, key string) bool {
	for _, s := range h.prefixes {
		if s.Site.Key == key && c.Placed(s.Location, s.Site.Layer) {
			return true
		}
	}
	return false
}

func (h *Host) prefixPool(name, key string) *modules.Prefix {
	return h.prefixPools[name][key]
}

type addOptions struct {
	typ       config.AdapterType
	activate  bool
	overwrite bool
	// name renames on load.
	name string
}

// AddOption customises AddAdapter and AddFusion.
type AddOption func(*addOptions)

// AsType tags the adapter with a type; its config defaults to the type's
// config.
func AsType(typ config.AdapterType) AddOption {
	return func(o *addOptions) { o.typ = typ }
}

// Activate makes the new adapter (or fusion) the active program.
func Activate() AddOption {
	return func(o *addOptions) { o.activate = true }
}

// Overwrite replaces an existing adapter of the same name.
func Overwrite() AddOption {
	return func(o *addOptions) { o.overwrite = true }
}

// AddAdapter registers an adapter and creates its units at every site it
// is placed at. cfg is anything config.Resolve accepts, or nil for the
// type default. Apart from an Overwrite removal, nothing changes when it
// fails.
func (h *Host) AddAdapter(name string, cfg any, opts ...AddOption) error {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.overwrite && h.reg.Has(name) {
		if err := h.DeleteAdapter(name); err != nil {
			return err
		}
	}
	e, err := h.reg.Prepare(name, o.typ, cfg)
	if err != nil {
		return err
	}
	st, err := h.build(e)
	if err != nil {
		var cerr *config.Error
		if errors.As(err, &cerr) && cerr.Name == "" {
			cp := *cerr
			cp.Name = name
			return &cp
		}
		return err
	}
	if err := h.reg.Insert(e); err != nil {
		return err
	}
	h.install(name, st)
	h.log.Info("adapter added",
		"name", name,
		"kind", string(e.Config.Kind()),
		"type", string(e.Type),
		"params", countParams(h.AdapterParams(name)),
	)
	if o.activate {
		return h.SetActive(composition.Name(name))
	}
	return nil
}

// DeleteAdapter removes an adapter, the fusions that use it and all of its
// units. A merged LoRA is unmerged first; an active program that refers to
// the adapter is deactivated.
func (h *Host) DeleteAdapter(name string) error {
	if h.merged == name {
		h.ResetLoRA()
	}
	program := ""
	if active := h.reg.Active(); active != nil {
		program = active.String()
	}
	fusions, deactivated, err := h.reg.Delete(name)
	if err != nil {
		return err
	}
	h.uninstall(name)
	for _, f := range fusions {
		h.uninstallFusion(f)
	}
	h.log.Info("adapter deleted", "name", name, "fusions_removed", len(fusions))
	if deactivated {
		h.log.Warn("active adapters deactivated", "program", program, "deleted", name)
	}
	return nil
}

func (h *Host) buildFusion(fe *config.FusionEntry) map[*Block]*modules.Fusion {
	out := make(map[*Block]*modules.Fusion)
	for _, b := range h.blocks {
		all := true
		for _, a := range fe.Adapters {
			if _, ok := b.units[a]; !ok {
				all = false
				break
			}
		}
		if all {
			out[b] = modules.NewFusion(fe.Name, b.path()+".fusion", fe.Config, h.top.Hidden)
		}
	}
	return out
}

func (h *Host) installFusion(name string, units map[*Block]*modules.Fusion) {
	for b, f := range units {
		b.fusions[name] = f
	}
}

func (h *Host) uninstallFusion(name string) {
	for _, b := range h.blocks {
		delete(b.fusions, name)
	}
}

// AddFusion registers a fusion over adapters. Fusion layers are created
// at every residual point where all of the adapters are placed.
func (h *Host) AddFusion(adapters []string, cfg any, opts ...AddOption) error {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	name := composition.FusionName(adapters)
	if o.overwrite {
		if _, ok := h.reg.GetFusion(name); ok {
			if err := h.DeleteFusion(name); err != nil {
				return err
			}
		}
	}
	fe, err := h.reg.PrepareFusion(adapters, cfg)
	if err != nil {
		return err
	}
	units := h.buildFusion(fe)
	if len(units) == 0 {
		return config.Errorf("add fusion", fe.Name, config.ErrConfig, "the adapters share no insertion point")
	}
	if err := h.reg.InsertFusion(fe); err != nil {
		return err
	}
	h.installFusion(fe.Name, units)
	h.log.Info("fusion added", "name", fe.Name, "layers", len(units))
	if o.activate {
		return h.SetActive(composition.NewFuse(adapters...))
	}
	return nil
}

// DeleteFusion removes a fusion by its comma-joined name.
func (h *Host) DeleteFusion(name string) error {
	deactivated, err := h.reg.DeleteFusion(name)
	if err != nil {
		return err
	}
	h.uninstallFusion(name)
	h.log.Info("fusion deleted", "name", name)
	if deactivated {
		h.log.Warn("active adapters deactivated", "deleted_fusion", name)
	}
	return nil
}

// SetActive installs the active program. v may be a composition.Block, a
// program string such as "Stack(a, Fuse(b, c))", a list of names (a
// Stack) or nil to deactivate.
func (h *Host) SetActive(v any) error {
	var b composition.Block
	switch t := v.(type) {
	case nil:
	case composition.Block:
		b = t
	case string:
		if t != "" {
			parsed, err := composition.Parse(t)
			if err != nil {
				return &config.Error{Op: "set active adapters", Name: t, Err: err}
			}
			b = parsed
		}
	case []string:
		if len(t) > 0 {
			b = composition.NewStack(t...)
		}
	default:
		return config.Errorf("set active adapters", "", config.ErrComposition, "unsupported program value %T", v)
	}
	if err := h.reg.SetActive(b); err != nil {
		return err
	}
	if b == nil {
		h.log.Info("adapters deactivated")
		return nil
	}
	h.log.Info("active adapters set", "program", b.String())
	return nil
}

// Deactivate clears the active program; the model then behaves exactly
// as without adapters.
func (h *Host) Deactivate() {
	_ = h.SetActive(nil)
}

func (h *Host) Active() composition.Block {
	return h.reg.Active()
}

// MergeLoRA folds the named LoRA adapter into the base weights. Only one
// adapter can be merged at a time; until ResetLoRA the wrapped projections
// run on the base weights alone.
func (h *Host) MergeLoRA(name string) error {
	const op = "merge lora"
	e, ok := h.reg.Get(name)
	if !ok {
		return &config.Error{Op: op, Name: name, Err: config.ErrUnknownAdapter, Hint: config.Closest(name, h.reg.Names())}
	}
	if e.Config.LoRA == nil {
		return config.Errorf(op, name, config.ErrConfig, "not a LoRA adapter")
	}
	if h.merged == name {
		return nil
	}
	if h.merged != "" {
		return config.Errorf(op, name, config.ErrConfig, "%q is already merged, reset it first", h.merged)
	}
	if e.Config.LoRA.UseGating {
		return &config.Error{Op: op, Name: name, Err: modules.ErrGatedMerge}
	}
	var done []*LoRALinear
	for _, l := range h.loras {
		if _, ok := l.loras.Get(name); !ok {
			continue
		}
		if err := l.merge(name); err != nil {
			for _, m := range done {
				m.reset()
			}
			return &config.Error{Op: op, Name: name, Err: err}
		}
		done = append(done, l)
	}
	h.merged = name
	h.log.Info("lora merged", "name", name, "sites", len(done))
	return nil
}

// ResetLoRA undoes MergeLoRA.
func (h *Host) ResetLoRA() {
	if h.merged == "" {
		return
	}
	for _, l := range h.loras {
		l.reset()
	}
	h.log.Info("lora reset", "name", h.merged)
	h.merged = ""
}

// Merged returns the name of the merged LoRA adapter, or "".
func (h *Host) Merged() string { return h.merged }

// AdjustTensorsForParallel widens the pass's auxiliary tensors to the
// batch of hidden.
func (h *Host) AdjustTensorsForParallel(p *nn.Pass, hidden tensor.Batch) error {
	return p.Adjust(hidden.B)
}

// invertibleSpan is a batch range and the invertible unit applied to it.
type invertibleSpan struct {
	lo, hi int
	unit   *modules.Invertible
}

// invertibleSpans picks the invertible adapter for every part of the
// batch: the program's first adapter, or each branch's first adapter when
// the program is a replicated Parallel.
func (h *Host) invertibleSpans(batch int) []invertibleSpan {
	prog := h.reg.Active()
	if prog == nil || len(h.invertible) == 0 {
		return nil
	}
	if p, ok := prog.(*composition.Parallel); ok && h.state().parallelized && batch%len(p.Blocks) == 0 {
		size := batch / len(p.Blocks)
		var spans []invertibleSpan
		for i, c := range p.Blocks {
			if u := h.invertible[c.First()]; u != nil {
				spans = append(spans, invertibleSpan{lo: i * size, hi: (i + 1) * size, unit: u})
			}
		}
		return spans
	}
	if u := h.invertible[prog.First()]; u != nil {
		return []invertibleSpan{{lo: 0, hi: batch, unit: u}}
	}
	return nil
}

// ApplyInvertible runs the active invertible adapter on embeddings.
func (h *Host) ApplyInvertible(hidden tensor.Batch) tensor.Batch {
	return h.applyInvertible(hidden, false)
}

// InvertOutput maps final hidden states back through the inverse of the
// active invertible adapter, for output heads tied to the embeddings.
func (h *Host) InvertOutput(hidden tensor.Batch) tensor.Batch {
	return h.applyInvertible(hidden, true)
}

func (h *Host) applyInvertible(hidden tensor.Batch, inverse bool) tensor.Batch {
	spans := h.invertibleSpans(hidden.B)
	if len(spans) == 0 {
		return hidden
	}
	out := hidden.Clone()
	for _, s := range spans {
		part := hidden.View(s.lo, s.hi)
		var y tensor.Batch
		if inverse {
			y = s.unit.Inverse(part)
		} else {
			y = s.unit.Forward(part)
		}
		copy(out.View(s.lo, s.hi).Data, y.Data)
	}
	return out
}

// inputHook runs at the entry of a layer stack.
type inputHook struct {
	host *Host
	site InputSite
}

func (in *inputHook) Input(p *nn.Pass, hidden tensor.Batch) (tensor.Batch, error) {
	h := in.host
	if in.site.Decoder {
		if !p.Encoder.Empty() && p.Encoder.B != hidden.B {
			if hidden.B == 0 || p.Encoder.B%hidden.B != 0 {
				return tensor.Batch{}, fmt.Errorf("%s: encoder batch %d is not a multiple of decoder batch %d", in.site.Stack, p.Encoder.B, hidden.B)
			}
			hidden = hidden.Repeat(p.Encoder.B / hidden.B)
		}
		return hidden, h.AdjustTensorsForParallel(p, hidden)
	}
	ctx := h.restart()
	if n := composition.ParallelChannels(h.reg.Active()); n > 1 && !ctx.parallelized {
		hidden = hidden.Repeat(n)
		ctx.parallelized = true
		ctx.channels = n
		h.log.Debug("batch replicated for parallel composition", "stack", in.site.Stack, "channels", n)
	}
	if in.site.Invertible {
		hidden = h.ApplyInvertible(hidden)
	}
	return hidden, h.AdjustTensorsForParallel(p, hidden)
}

// AdapterParams enumerates the parameters of an adapter under their
// persistence paths.
func (h *Host) AdapterParams(name string) map[string]nn.Param {
	out := make(map[string]nn.Param)
	for _, b := range h.blocks {
		if u, ok := b.units[name]; ok {
			u.Params(b.path(), out)
		}
	}
	for _, l := range h.loras {
		if m, ok := l.loras.Get(name); ok {
			m.Params(l.path(), out)
		}
	}
	for key, pool := range h.prefixPools[name] {
		pool.Params("prefix."+key, out)
	}
	if inv := h.invertible[name]; inv != nil {
		inv.Params("invertible", out)
	}
	return out
}

// FusionParams enumerates the parameters of a fusion.
func (h *Host) FusionParams(name string) map[string]nn.Param {
	out := make(map[string]nn.Param)
	for _, b := range h.blocks {
		if f, ok := b.fusions[name]; ok {
			f.Params(b.path()+".fusion", out)
		}
	}
	return out
}

func countParams(params map[string]nn.Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}

// invalidate drops derived state after parameters changed in place.
func (h *Host) invalidate(name string) {
	for _, pool := range h.prefixPools[name] {
		pool.Invalidate()
	}
}

// sortedKeys is used where parameter order must be stable.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
