// Package composition describes how active adapters combine at an
// insertion point: a tree of Stack, Parallel, BatchSplit and Fuse nodes over
// adapter names.
package composition

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrInvalid marks a structurally invalid program.
	ErrInvalid = errors.New("invalid composition")
	// ErrUnknownAdapter marks a program leaf that names no registered adapter.
	ErrUnknownAdapter = errors.New("unknown adapter")
)

// Block is one node of a composition program.
type Block interface {
	Children() []Block
	// Flatten returns the leaf names in program order.
	Flatten() []string
	First() string
	Last() string
	String() string
	isBlock()
}

// Name is a leaf referencing one adapter.
type Name string

func (Name) Children() []Block    { return nil }
func (n Name) Flatten() []string  { return []string{string(n)} }
func (n Name) First() string      { return string(n) }
func (n Name) Last() string       { return string(n) }
func (n Name) String() string     { return string(n) }
func (Name) isBlock()             {}

// Stack feeds each child the output of the previous one.
type Stack struct{ Blocks []Block }

// Parallel replicates the batch and runs one child per replica.
type Parallel struct{ Blocks []Block }

// Fuse combines its children's outputs with a learned attention.
type Fuse struct{ Blocks []Block }

// BatchSplit routes consecutive batch slices of the given sizes to its
// children.
type BatchSplit struct {
	Blocks []Block
	Sizes  []int
}

func (s *Stack) Children() []Block      { return s.Blocks }
func (p *Parallel) Children() []Block   { return p.Blocks }
func (f *Fuse) Children() []Block       { return f.Blocks }
func (b *BatchSplit) Children() []Block { return b.Blocks }

func (*Stack) isBlock()      {}
func (*Parallel) isBlock()   {}
func (*Fuse) isBlock()       {}
func (*BatchSplit) isBlock() {}

func (s *Stack) Flatten() []string      { return flatten(s.Blocks) }
func (p *Parallel) Flatten() []string   { return flatten(p.Blocks) }
func (f *Fuse) Flatten() []string       { return flatten(f.Blocks) }
func (b *BatchSplit) Flatten() []string { return flatten(b.Blocks) }

func (s *Stack) First() string      { return first(s.Blocks) }
func (p *Parallel) First() string   { return first(p.Blocks) }
func (f *Fuse) First() string       { return first(f.Blocks) }
func (b *BatchSplit) First() string { return first(b.Blocks) }

func (s *Stack) Last() string      { return last(s.Blocks) }
func (p *Parallel) Last() string   { return last(p.Blocks) }
func (f *Fuse) Last() string       { return last(f.Blocks) }
func (b *BatchSplit) Last() string { return last(b.Blocks) }

func (s *Stack) String() string    { return format("Stack", s.Blocks, nil) }
func (p *Parallel) String() string { return format("Parallel", p.Blocks, nil) }
func (f *Fuse) String() string     { return format("Fuse", f.Blocks, nil) }
func (b *BatchSplit) String() string {
	return format("BatchSplit", b.Blocks, b.Sizes)
}

// FusionName is the key of the fusion module serving this node: the
// children's last adapter names joined by commas.
func (f *Fuse) FusionName() string {
	names := make([]string, len(f.Blocks))
	for i, c := range f.Blocks {
		names[i] = c.Last()
	}
	return strings.Join(names, ",")
}

// FusionName joins adapter names into the fusion key used by Fuse.
func FusionName(adapters []string) string {
	return strings.Join(adapters, ",")
}

func flatten(blocks []Block) []string {
	var out []string
	for _, b := range blocks {
		out = append(out, b.Flatten()...)
	}
	return out
}

func first(blocks []Block) string {
	if len(blocks) == 0 {
		return ""
	}
	return blocks[0].First()
}

func last(blocks []Block) string {
	if len(blocks) == 0 {
		return ""
	}
	return blocks[len(blocks)-1].Last()
}

func format(kind string, blocks []Block, sizes []int) string {
	var sb strings.Builder
	sb.WriteString(kind)
	sb.WriteByte('(')
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.String())
	}
	if sizes != nil {
		sb.WriteString(", sizes=[")
		for i, s := range sizes {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Itoa(s))
		}
		sb.WriteByte(']')
	}
	sb.WriteByte(')')
	return sb.String()
}

// NewStack builds a Stack of leaf names.
func NewStack(names ...string) *Stack {
	return &Stack{Blocks: leaves(names)}
}

// NewParallel builds a Parallel of leaf names.
func NewParallel(names ...string) *Parallel {
	return &Parallel{Blocks: leaves(names)}
}

// NewFuse builds a Fuse of leaf names.
func NewFuse(names ...string) *Fuse {
	return &Fuse{Blocks: leaves(names)}
}

// NewBatchSplit builds a BatchSplit of leaf names.
func NewBatchSplit(sizes []int, names ...string) *BatchSplit {
	return &BatchSplit{Blocks: leaves(names), Sizes: sizes}
}

func leaves(names []string) []Block {
	out := make([]Block, len(names))
	for i, n := range names {
		out[i] = Name(n)
	}
	return out
}

// Normalize turns a bare leaf into a single-element Stack so callers can
// evaluate every program as a composite.
func Normalize(b Block) Block {
	if n, ok := b.(Name); ok {
		return &Stack{Blocks: []Block{n}}
	}
	return b
}

// Contains reports whether name appears anywhere in the program.
func Contains(b Block, name string) bool {
	if b == nil {
		return false
	}
	for _, n := range b.Flatten() {
		if n == name {
			return true
		}
	}
	return false
}

// ParallelChannels is the widest Parallel node in the program, or 1 when
// the program has none.
func ParallelChannels(b Block) int {
	if b == nil {
		return 1
	}
	n := 1
	if p, ok := b.(*Parallel); ok {
		n = len(p.Blocks)
	}
	for _, c := range b.Children() {
		n = max(n, ParallelChannels(c))
	}
	return n
}

// Fusions returns every Fuse node of the program, outermost first.
func Fusions(b Block) []*Fuse {
	if b == nil {
		return nil
	}
	var out []*Fuse
	if f, ok := b.(*Fuse); ok {
		out = append(out, f)
	}
	for _, c := range b.Children() {
		out = append(out, Fusions(c)...)
	}
	return out
}
