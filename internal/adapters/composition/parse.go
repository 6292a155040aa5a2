package composition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse reads the textual program form:
//
//	a
//	a,b                        (Stack)
//	Stack(a, b)
//	Parallel(a, Stack(b, c))
//	Fuse(a, b)
//	BatchSplit(a, b, sizes=[2, 3])
//
// Composite names are case insensitive. Anything else is an adapter name.
func Parse(s string) (Block, error) {
	p := &parser{src: s}
	blocks, _, err := p.args(false)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected %q", p.src[p.pos:])
	}
	switch len(blocks) {
	case 0:
		return nil, fmt.Errorf("%w: empty program", ErrInvalid)
	case 1:
		return blocks[0], nil
	default:
		return &Stack{Blocks: blocks}, nil
	}
}

// MustParse is Parse for programs known to be valid.
func MustParse(s string) Block {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: at offset %d: %s", ErrInvalid, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func isIdent(c byte) bool {
	return c == '_' || c == '-' || c == '.' || c == '/' || c == '+' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && isIdent(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

// args parses comma separated items until ')' or end of input. Inside a
// BatchSplit a sizes=[...] argument is returned separately.
func (p *parser) args(allowSizes bool) ([]Block, []int, error) {
	var (
		blocks []Block
		sizes  []int
	)
	for {
		c := p.peek()
		if c == 0 || c == ')' {
			return blocks, sizes, nil
		}
		if len(blocks) > 0 || sizes != nil {
			if c != ',' {
				return nil, nil, p.errorf("expected ',' or ')'")
			}
			p.pos++
		}
		save := p.pos
		id := p.ident()
		if id == "" {
			return nil, nil, p.errorf("expected adapter name")
		}
		if p.peek() == '=' {
			if !allowSizes || (id != "sizes" && id != "batch_sizes") {
				p.pos = save
				return nil, nil, p.errorf("unexpected argument %q", id)
			}
			if sizes != nil {
				return nil, nil, p.errorf("sizes given twice")
			}
			p.pos++
			s, err := p.intList()
			if err != nil {
				return nil, nil, err
			}
			sizes = s
			continue
		}
		b, err := p.item(id)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, b)
	}
}

func (p *parser) item(id string) (Block, error) {
	if p.peek() != '(' {
		return Name(id), nil
	}
	p.pos++
	kind := strings.ToLower(id)
	children, sizes, err := p.args(kind == "batchsplit")
	if err != nil {
		return nil, err
	}
	if p.peek() != ')' {
		return nil, p.errorf("missing ')' for %s", id)
	}
	p.pos++
	switch kind {
	case "stack":
		return &Stack{Blocks: children}, nil
	case "parallel":
		return &Parallel{Blocks: children}, nil
	case "fuse":
		return &Fuse{Blocks: children}, nil
	case "batchsplit":
		if sizes == nil {
			return nil, p.errorf("BatchSplit needs sizes=[...]")
		}
		return &BatchSplit{Blocks: children, Sizes: sizes}, nil
	default:
		return nil, p.errorf("unknown composition %q", id)
	}
}

func (p *parser) intList() ([]int, error) {
	if p.peek() != '[' {
		return nil, p.errorf("expected '['")
	}
	p.pos++
	out := []int{}
	for {
		c := p.peek()
		if c == ']' {
			p.pos++
			return out, nil
		}
		if len(out) > 0 {
			if c != ',' {
				return nil, p.errorf("expected ',' or ']'")
			}
			p.pos++
			p.skipSpace()
		}
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		if start == p.pos {
			return nil, p.errorf("expected integer")
		}
		n, err := strconv.Atoi(p.src[start:p.pos])
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		out = append(out, n)
	}
}
