package composition

import "fmt"

// Validate checks the nesting rules of a program:
//
//	Stack      may hold names, Fuse, Parallel and BatchSplit
//	Fuse       may hold names and Stack
//	Parallel   may hold names, Stack and BatchSplit
//	BatchSplit may hold names, Stack and BatchSplit
//
// Parallel may only be reached from the root through Stack nodes, since
// it replicates the whole batch. BatchSplit needs one positive size per
// child.
func Validate(b Block) error {
	if b == nil {
		return fmt.Errorf("%w: empty program", ErrInvalid)
	}
	return validate(b, nil, true)
}

func validate(b, parent Block, spine bool) error {
	if parent != nil && !allowed(parent, b) {
		return fmt.Errorf("%w: %s cannot be nested in %s", ErrInvalid, kindOf(b), kindOf(parent))
	}
	switch n := b.(type) {
	case Name:
		if n == "" {
			return fmt.Errorf("%w: empty adapter name", ErrInvalid)
		}
		return nil
	case *Parallel:
		if !spine {
			return fmt.Errorf("%w: Parallel must not be nested below %s", ErrInvalid, kindOf(parent))
		}
	case *BatchSplit:
		if len(n.Sizes) != len(n.Blocks) {
			return fmt.Errorf("%w: BatchSplit has %d children but %d sizes", ErrInvalid, len(n.Blocks), len(n.Sizes))
		}
		for _, s := range n.Sizes {
			if s <= 0 {
				return fmt.Errorf("%w: BatchSplit size %d must be positive", ErrInvalid, s)
			}
		}
	}
	children := b.Children()
	if len(children) == 0 {
		return fmt.Errorf("%w: %s has no children", ErrInvalid, kindOf(b))
	}
	_, isStack := b.(*Stack)
	for _, c := range children {
		if err := validate(c, b, spine && isStack); err != nil {
			return err
		}
	}
	return nil
}

func allowed(parent, child Block) bool {
	switch parent.(type) {
	case *Stack:
		switch child.(type) {
		case Name, *Fuse, *Parallel, *BatchSplit:
			return true
		}
	case *Fuse:
		switch child.(type) {
		case Name, *Stack:
			return true
		}
	case *Parallel:
		switch child.(type) {
		case Name, *Stack, *BatchSplit:
			return true
		}
	case *BatchSplit:
		switch child.(type) {
		case Name, *Stack, *BatchSplit:
			return true
		}
	}
	return false
}

func kindOf(b Block) string {
	switch b.(type) {
	case Name:
		return "adapter"
	case *Stack:
		return "Stack"
	case *Parallel:
		return "Parallel"
	case *Fuse:
		return "Fuse"
	case *BatchSplit:
		return "BatchSplit"
	case nil:
		return "root"
	}
	return fmt.Sprintf("%T", b)
}
