package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/splice/internal/adapters/composition"
)

// Entry is one registered adapter.
type Entry struct {
	Name   string
	Type   AdapterType
	Dict   Dict
	Config *AdapterConfig
}

// FusionEntry is one registered fusion over a set of adapters.
type FusionEntry struct {
	Name     string
	Adapters []string
	Dict     Dict
	Config   *Fusion
}

// Registry maps adapter and fusion names to their configurations in
// insertion order and holds the active composition program. It is not
// safe for concurrent use.
type Registry struct {
	adapters    *orderedmap.OrderedMap[string, *Entry]
	fusions     *orderedmap.OrderedMap[string, *FusionEntry]
	typeConfigs map[AdapterType]any
	active      composition.Block
}

func NewRegistry() *Registry {
	return &Registry{
		adapters:    orderedmap.New[string, *Entry](),
		fusions:     orderedmap.New[string, *FusionEntry](),
		typeConfigs: make(map[AdapterType]any),
	}
}

// Prepare resolves and parses a config for a new adapter without touching
// the registry. A nil cfg falls back to the type's default config and then
// to DefaultPreset.
func (r *Registry) Prepare(name string, typ AdapterType, cfg any) (*Entry, error) {
	const op = "add adapter"
	if name == "" {
		return nil, Errorf(op, name, ErrConfig, "adapter name is empty")
	}
	if strings.ContainsAny(name, ",()[]= ") {
		return nil, Errorf(op, name, ErrConfig, "adapter names may not contain separators")
	}
	if _, ok := r.adapters.Get(name); ok {
		return nil, &Error{Op: op, Name: name, Err: ErrDuplicate}
	}
	if typ == "" {
		typ = TextTask
	}
	if !typ.Valid() {
		return nil, Errorf(op, name, ErrUnsupported, "adapter type %q", typ)
	}
	if cfg == nil {
		cfg = r.TypeConfig(typ)
	}
	d, err := Resolve(cfg)
	if err != nil {
		return nil, withName(err, name)
	}
	c, err := Parse(d)
	if err != nil {
		return nil, withName(err, name)
	}
	return &Entry{Name: name, Type: typ, Dict: clone(d), Config: c}, nil
}

// Insert stores a prepared entry.
func (r *Registry) Insert(e *Entry) error {
	if _, ok := r.adapters.Get(e.Name); ok {
		return &Error{Op: "add adapter", Name: e.Name, Err: ErrDuplicate}
	}
	r.adapters.Set(e.Name, e)
	return nil
}

// Add is Prepare followed by Insert.
func (r *Registry) Add(name string, typ AdapterType, cfg any) (*Entry, error) {
	e, err := r.Prepare(name, typ, cfg)
	if err != nil {
		return nil, err
	}
	return e, r.Insert(e)
}

func (r *Registry) Get(name string) (*Entry, bool) {
	return r.adapters.Get(name)
}

func (r *Registry) Has(name string) bool {
	_, ok := r.adapters.Get(name)
	return ok
}

// Delete removes an adapter together with every fusion that uses it. When
// the active program references the adapter it is deactivated.
func (r *Registry) Delete(name string) (fusions []string, deactivated bool, err error) {
	if !r.Has(name) {
		return nil, false, r.unknown("delete adapter", name)
	}
	for pair := r.fusions.Oldest(); pair != nil; pair = pair.Next() {
		if slices.Contains(pair.Value.Adapters, name) {
			fusions = append(fusions, pair.Key)
		}
	}
	for _, f := range fusions {
		r.fusions.Delete(f)
	}
	r.adapters.Delete(name)
	if composition.Contains(r.active, name) {
		r.active = nil
		deactivated = true
	}
	return fusions, deactivated, nil
}

// Names returns the adapter names in insertion order.
func (r *Registry) Names() []string {
	out := make([]string, 0, r.adapters.Len())
	for pair := r.adapters.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// List returns the names of the adapters tagged typ, in insertion order.
func (r *Registry) List(typ AdapterType) []string {
	var out []string
	for pair := r.adapters.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Type == typ {
			out = append(out, pair.Key)
		}
	}
	return out
}

func (r *Registry) Len() int { return r.adapters.Len() }

// TypeOf returns the type tag of a registered adapter.
func (r *Registry) TypeOf(name string) (AdapterType, bool) {
	e, ok := r.adapters.Get(name)
	if !ok {
		return "", false
	}
	return e.Type, true
}

// SetTypeConfig sets the default config for adapters of typ. It can only
// be changed while no adapter of that type is registered.
func (r *Registry) SetTypeConfig(typ AdapterType, cfg any) error {
	const op = "set type config"
	if !typ.Valid() {
		return Errorf(op, string(typ), ErrUnsupported, "adapter type")
	}
	if n := len(r.List(typ)); n > 0 {
		return Errorf(op, string(typ), ErrConfig, "%d adapters of this type are already added", n)
	}
	d, err := Resolve(cfg)
	if err != nil {
		return err
	}
	if _, err := Parse(d); err != nil {
		return err
	}
	r.typeConfigs[typ] = cfg
	return nil
}

// TypeConfig returns the default config reference for typ.
func (r *Registry) TypeConfig(typ AdapterType) any {
	if cfg, ok := r.typeConfigs[typ]; ok {
		return cfg
	}
	return DefaultPreset
}

// PrepareFusion resolves a fusion config over adapters without touching
// the registry.
func (r *Registry) PrepareFusion(adapters []string, cfg any) (*FusionEntry, error) {
	const op = "add fusion"
	name := composition.FusionName(adapters)
	if len(adapters) < 2 {
		return nil, Errorf(op, name, ErrConfig, "fusion needs at least two adapters")
	}
	if _, ok := r.fusions.Get(name); ok {
		return nil, &Error{Op: op, Name: name, Err: ErrDuplicate}
	}
	for _, a := range adapters {
		e, ok := r.adapters.Get(a)
		if !ok {
			return nil, r.unknown(op, a)
		}
		if e.Config.Bottleneck == nil {
			return nil, Errorf(op, a, ErrConfig, "only bottleneck adapters can be fused")
		}
	}
	if cfg == nil {
		cfg = "dynamic"
	}
	d, err := ResolveFusion(cfg)
	if err != nil {
		return nil, withName(err, name)
	}
	f, err := ParseFusion(d)
	if err != nil {
		return nil, withName(err, name)
	}
	return &FusionEntry{Name: name, Adapters: slices.Clone(adapters), Dict: clone(d), Config: f}, nil
}

func (r *Registry) InsertFusion(e *FusionEntry) error {
	if _, ok := r.fusions.Get(e.Name); ok {
		return &Error{Op: "add fusion", Name: e.Name, Err: ErrDuplicate}
	}
	r.fusions.Set(e.Name, e)
	return nil
}

func (r *Registry) AddFusion(adapters []string, cfg any) (*FusionEntry, error) {
	e, err := r.PrepareFusion(adapters, cfg)
	if err != nil {
		return nil, err
	}
	return e, r.InsertFusion(e)
}

// GetFusion looks a fusion up by its comma-joined name.
func (r *Registry) GetFusion(name string) (*FusionEntry, bool) {
	return r.fusions.Get(name)
}

// DeleteFusion removes a fusion, deactivating the program if it uses it.
func (r *Registry) DeleteFusion(name string) (deactivated bool, err error) {
	if _, ok := r.fusions.Get(name); !ok {
		return false, Errorf("delete fusion", name, ErrUnknownFusion, "")
	}
	r.fusions.Delete(name)
	for _, f := range composition.Fusions(r.active) {
		if f.FusionName() == name {
			r.active = nil
			return true, nil
		}
	}
	return false, nil
}

// Fusions returns the fusion names in insertion order.
func (r *Registry) Fusions() []string {
	out := make([]string, 0, r.fusions.Len())
	for pair := r.fusions.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// SetActive validates and installs the active program. A nil program
// deactivates all adapters.
func (r *Registry) SetActive(b composition.Block) error {
	const op = "set active adapters"
	if b == nil {
		r.active = nil
		return nil
	}
	for _, name := range b.Flatten() {
		if !r.Has(name) {
			return r.unknown(op, name)
		}
	}
	if err := composition.Validate(b); err != nil {
		return &Error{Op: op, Name: b.String(), Err: err}
	}
	for _, f := range composition.Fusions(b) {
		if _, ok := r.fusions.Get(f.FusionName()); !ok {
			return &Error{Op: op, Name: f.FusionName(), Err: ErrUnknownFusion, Hint: Closest(f.FusionName(), r.Fusions())}
		}
	}
	r.active = b
	return nil
}

// Active returns the active program, or nil.
func (r *Registry) Active() composition.Block {
	return r.active
}

// Match reports whether the named adapter owns a unit at loc in layer.
func (r *Registry) Match(name string, loc Location, layer int) bool {
	e, ok := r.adapters.Get(name)
	return ok && e.Config.Placed(loc, layer)
}

// Entries returns the registered adapters in insertion order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, r.adapters.Len())
	for pair := r.adapters.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (r *Registry) unknown(op, name string) error {
	return &Error{Op: op, Name: name, Err: ErrUnknownAdapter, Hint: Closest(name, r.Names())}
}

func withName(err error, name string) error {
	if e, ok := err.(*Error); ok && e.Name == "" {
		cp := *e
		cp.Name = name
		return &cp
	}
	return err
}

type registryJSON struct {
	Adapters  []adapterJSON       `json:"adapters"`
	Fusions   []fusionJSON        `json:"fusions,omitempty"`
	ConfigMap map[AdapterType]any `json:"config_map,omitempty"`
	Active    composition.Program `json:"active"`
}

type adapterJSON struct {
	Name   string      `json:"name"`
	Type   AdapterType `json:"type"`
	Config Dict        `json:"config"`
}

type fusionJSON struct {
	Adapters []string `json:"adapters"`
	Config   Dict     `json:"config"`
}

func (r *Registry) MarshalJSON() ([]byte, error) {
	doc := registryJSON{
		Adapters:  []adapterJSON{},
		ConfigMap: r.typeConfigs,
		Active:    composition.Program{Block: r.active},
	}
	for _, e := range r.Entries() {
		doc.Adapters = append(doc.Adapters, adapterJSON{Name: e.Name, Type: e.Type, Config: e.Dict})
	}
	for pair := r.fusions.Oldest(); pair != nil; pair = pair.Next() {
		doc.Fusions = append(doc.Fusions, fusionJSON{Adapters: pair.Value.Adapters, Config: pair.Value.Dict})
	}
	return json.Marshal(doc)
}

// UnmarshalJSON rebuilds the registry through Add, AddFusion and
// SetActive, so a document that would not validate is rejected.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var doc registryJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode adapter registry: %w", err)
	}
	fresh := NewRegistry()
	for typ, cfg := range doc.ConfigMap {
		if err := fresh.SetTypeConfig(typ, normalizeValue(cfg)); err != nil {
			return err
		}
	}
	for _, a := range doc.Adapters {
		if _, err := fresh.Add(a.Name, a.Type, Dict(normalizeValue(map[string]any(a.Config)).(map[string]any))); err != nil {
			return err
		}
	}
	for _, f := range doc.Fusions {
		if _, err := fresh.AddFusion(f.Adapters, Dict(normalizeValue(map[string]any(f.Config)).(map[string]any))); err != nil {
			return err
		}
	}
	if err := fresh.SetActive(doc.Active.Block); err != nil {
		return err
	}
	*r = *fresh
	return nil
}
