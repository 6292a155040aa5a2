package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/samcharles93/splice/internal/adapters/composition"
)

var (
	// ErrConfig is the root of every configuration error.
	ErrConfig = errors.New("adapter configuration error")

	ErrUnknownAdapter  = composition.ErrUnknownAdapter
	ErrComposition     = composition.ErrInvalid
	ErrUnknownFusion   = errors.New("unknown fusion")
	ErrDuplicate       = errors.New("already added")
	ErrUnknownPreset   = errors.New("unable to identify adapter config")
	ErrReductionFactor = errors.New("invalid reduction factor")
	ErrBatchSplit      = errors.New("batch split sizes do not match batch size")
	ErrLocation        = errors.New("unknown location")
	ErrUnsupported     = errors.New("unsupported option")
)

// Error is a configuration failure tied to an operation and, usually, an
// adapter name. It matches ErrConfig and its cause with errors.Is.
type Error struct {
	Op   string
	Name string
	Err  error
	Hint string
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Name != "" {
		fmt.Fprintf(&sb, " %q", e.Name)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	if e.Hint != "" {
		fmt.Fprintf(&sb, " (did you mean %q?)", e.Hint)
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// Errorf builds an Error whose cause wraps sentinel with extra detail.
func Errorf(op, name string, sentinel error, format string, args ...any) *Error {
	err := sentinel
	if format != "" {
		err = fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
	}
	return &Error{Op: op, Name: name, Err: err}
}

// Closest returns the candidate nearest to name by edit distance, or "" if
// nothing is close enough to be a plausible typo.
func Closest(name string, candidates []string) string {
	best, score := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(c))
		if score < 0 || d < score {
			best, score = c, d
		}
	}
	if score < 0 || score > max(2, len(name)/3) {
		return ""
	}
	return best
}
