package composition

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Encode converts a program into its JSON value form: a bare string for a
// leaf, {"stack": [...]}, {"parallel": [...]}, {"fuse": [...]} or
// {"batch_split": [...], "sizes": [...]}.
func Encode(b Block) any {
	switch n := b.(type) {
	case nil:
		return nil
	case Name:
		return string(n)
	case *Stack:
		return map[string]any{"stack": encodeAll(n.Blocks)}
	case *Parallel:
		return map[string]any{"parallel": encodeAll(n.Blocks)}
	case *Fuse:
		return map[string]any{"fuse": encodeAll(n.Blocks)}
	case *BatchSplit:
		return map[string]any{"batch_split": encodeAll(n.Blocks), "sizes": n.Sizes}
	}
	return nil
}

func encodeAll(blocks []Block) []any {
	out := make([]any, len(blocks))
	for i, b := range blocks {
		out[i] = Encode(b)
	}
	return out
}

// Decode is the inverse of Encode. Strings go through Parse, so the
// textual form is accepted as well; a JSON array is a Stack.
func Decode(v any) (Block, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return Parse(t)
	case []any:
		children, err := decodeAll(t)
		if err != nil {
			return nil, err
		}
		return &Stack{Blocks: children}, nil
	case map[string]any:
		return decodeObject(t)
	}
	return nil, fmt.Errorf("%w: cannot decode %T", ErrInvalid, v)
}

func decodeObject(m map[string]any) (Block, error) {
	for _, key := range []string{"stack", "parallel", "fuse", "batch_split"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q must be a list", ErrInvalid, key)
		}
		children, err := decodeAll(list)
		if err != nil {
			return nil, err
		}
		switch key {
		case "stack":
			return &Stack{Blocks: children}, nil
		case "parallel":
			return &Parallel{Blocks: children}, nil
		case "fuse":
			return &Fuse{Blocks: children}, nil
		}
		sizes, err := decodeSizes(m["sizes"])
		if err != nil {
			return nil, err
		}
		return &BatchSplit{Blocks: children, Sizes: sizes}, nil
	}
	return nil, fmt.Errorf("%w: object has no composition key", ErrInvalid)
}

func decodeAll(list []any) ([]Block, error) {
	out := make([]Block, 0, len(list))
	for _, item := range list {
		var (
			b   Block
			err error
		)
		if s, ok := item.(string); ok {
			b = Name(s)
		} else {
			b, err = Decode(item)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeSizes(v any) ([]int, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: batch_split needs a sizes list", ErrInvalid)
	}
	out := make([]int, len(list))
	for i, item := range list {
		f, ok := item.(float64)
		if !ok || f != float64(int(f)) {
			return nil, fmt.Errorf("%w: batch size %v is not an integer", ErrInvalid, item)
		}
		out[i] = int(f)
	}
	return out, nil
}

// Program wraps a Block for embedding in JSON documents. A nil Block
// encodes as null.
type Program struct {
	Block Block
}

func (p Program) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encode(p.Block))
}

func (p *Program) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	b, err := Decode(v)
	if err != nil {
		return err
	}
	p.Block = b
	return nil
}
