package config

import "fmt"

// Location identifies an insertion point role. Block, LoRA and prefix
// locations form disjoint groups; Kind tells them apart.
type Location uint8

const (
	NoLocation Location = iota

	MHAdapter
	OutputAdapter
	CrossAdapter

	SelfAttnLoRA
	IntermediateLoRA
	OutputLoRA

	SelfPrefix
	CrossPrefix
	EncoderPrefix
)

type LocationKind uint8

const (
	BlockPoint LocationKind = iota + 1
	LoRAPoint
	PrefixPoint
)

var locationNames = [...]string{
	NoLocation:       "",
	MHAdapter:        "mh_adapter",
	OutputAdapter:    "output_adapter",
	CrossAdapter:     "cross_adapter",
	SelfAttnLoRA:     "selfattn",
	IntermediateLoRA: "intermediate",
	OutputLoRA:       "output",
	SelfPrefix:       "self_prefix",
	CrossPrefix:      "cross_prefix",
	EncoderPrefix:    "encoder_prefix",
}

func (l Location) String() string {
	if int(l) < len(locationNames) {
		return locationNames[l]
	}
	return fmt.Sprintf("Location(%d)", l)
}

func (l Location) Kind() LocationKind {
	switch l {
	case MHAdapter, OutputAdapter, CrossAdapter:
		return BlockPoint
	case SelfAttnLoRA, IntermediateLoRA, OutputLoRA:
		return LoRAPoint
	case SelfPrefix, CrossPrefix, EncoderPrefix:
		return PrefixPoint
	}
	return 0
}

func (l Location) MarshalText() ([]byte, error) {
	if l == NoLocation || int(l) >= len(locationNames) {
		return nil, fmt.Errorf("%w: %d", ErrLocation, l)
	}
	return []byte(l.String()), nil
}

func (l *Location) UnmarshalText(b []byte) error {
	v, err := ParseLocation(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLocation resolves a location tag. "cross" is accepted for
// cross_adapter.
func ParseLocation(s string) (Location, error) {
	if s == "cross" {
		return CrossAdapter, nil
	}
	for i, name := range locationNames {
		if i > 0 && name == s {
			return Location(i), nil
		}
	}
	return NoLocation, &Error{Op: "parse location", Name: s, Err: ErrLocation, Hint: Closest(s, locationNames[1:])}
}

// PrefixLocation maps an attention module's location key (self, cross,
// encoder) to the prefix location it serves.
func PrefixLocation(key string) (Location, error) {
	return ParseLocation(key + "_prefix")
}

// AttnMatrix selects one of the attention input projections.
type AttnMatrix string

const (
	AttnNone AttnMatrix = ""
	AttnQ    AttnMatrix = "q"
	AttnK    AttnMatrix = "k"
	AttnV    AttnMatrix = "v"
)

func ParseAttnMatrix(s string) (AttnMatrix, error) {
	switch AttnMatrix(s) {
	case AttnQ, AttnK, AttnV:
		return AttnMatrix(s), nil
	}
	return AttnNone, Errorf("parse attention matrix", s, ErrLocation, "expected one of q, k, v")
}
