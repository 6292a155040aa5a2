package composition

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Block
	}{
		{"a", Name("a")},
		{"a,b", NewStack("a", "b")},
		{" a , b ,c", NewStack("a", "b", "c")},
		{"Stack(a, b)", NewStack("a", "b")},
		{"parallel(a,b)", NewParallel("a", "b")},
		{"Fuse(x-1, y.2)", NewFuse("x-1", "y.2")},
		{"BatchSplit(a, b, sizes=[2, 3])", NewBatchSplit([]int{2, 3}, "a", "b")},
		{"BatchSplit(a, batch_sizes=[1])", NewBatchSplit([]int{1}, "a")},
		{
			"Stack(a, Parallel(b, Stack(c, d)))",
			&Stack{Blocks: []Block{
				Name("a"),
				&Parallel{Blocks: []Block{Name("b"), NewStack("c", "d")}},
			}},
		},
		{
			"a, Fuse(b, c)",
			&Stack{Blocks: []Block{Name("a"), NewFuse("b", "c")}},
		},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("Parse(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"Stack(a, b",
		"a)",
		"Unknown(a)",
		"BatchSplit(a, b)",
		"Stack(a, sizes=[1])",
		"BatchSplit(a, sizes=[x])",
		"a,,b",
	} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"Stack(a, b)",
		"Parallel(a, Stack(b, c))",
		"Fuse(a, b)",
		"BatchSplit(a, BatchSplit(b, c, sizes=[1, 1]), sizes=[3, 2])",
	} {
		b := MustParse(in)
		if got := b.String(); got != in {
			t.Fatalf("String() = %q, want %q", got, in)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := []string{
		"a",
		"Stack(a, b)",
		"Stack(a, Fuse(b, c), Parallel(d, e))",
		"Fuse(a, Stack(b, c))",
		"Parallel(a, BatchSplit(b, c, sizes=[1, 1]))",
		"BatchSplit(Stack(a, b), BatchSplit(c, d, sizes=[1, 1]), sizes=[2, 2])",
	}
	for _, in := range valid {
		if err := Validate(MustParse(in)); err != nil {
			t.Fatalf("Validate(%q): %v", in, err)
		}
	}

	invalid := []Block{
		&Stack{Blocks: []Block{NewStack("a", "b")}},
		&Fuse{Blocks: []Block{NewParallel("a", "b")}},
		&Fuse{Blocks: []Block{NewFuse("a", "b")}},
		&Parallel{Blocks: []Block{NewFuse("a", "b")}},
		&BatchSplit{Blocks: []Block{NewFuse("a", "b")}, Sizes: []int{1}},
		&Parallel{Blocks: []Block{&Stack{Blocks: []Block{NewParallel("a", "b")}}}},
		&Fuse{Blocks: []Block{&Stack{Blocks: []Block{NewParallel("a", "b")}}}},
		NewBatchSplit([]int{1}, "a", "b"),
		NewBatchSplit([]int{1, 0}, "a", "b"),
		&Stack{},
		Name(""),
	}
	for _, b := range invalid {
		if err := Validate(b); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Validate(%s) err = %v, want ErrInvalid", b, err)
		}
	}
}

func TestFlattenFirstLast(t *testing.T) {
	t.Parallel()

	b := MustParse("Stack(a, Fuse(b, Stack(c, d)), Parallel(e, f))")
	if diff := cmp.Diff([]string{"a", "b", "c", "d", "e", "f"}, b.Flatten()); diff != "" {
		t.Fatalf("Flatten mismatch (-want +got):\n%s", diff)
	}
	if b.First() != "a" || b.Last() != "f" {
		t.Fatalf("First/Last = %s/%s", b.First(), b.Last())
	}
	fuses := Fusions(b)
	if len(fuses) != 1 || fuses[0].FusionName() != "b,d" {
		t.Fatalf("Fusions = %v", fuses)
	}
	if !Contains(b, "d") || Contains(b, "z") {
		t.Fatal("Contains mismatch")
	}
}

func TestParallelChannels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"a", 1},
		{"Stack(a, b)", 1},
		{"Parallel(a, b)", 2},
		{"Stack(a, Parallel(b, c, d))", 3},
	}
	for _, tt := range tests {
		if got := ParallelChannels(MustParse(tt.in)); got != tt.want {
			t.Fatalf("ParallelChannels(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if got := ParallelChannels(nil); got != 1 {
		t.Fatalf("ParallelChannels(nil) = %d", got)
	}
}

func TestProgramJSON(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"a",
		"Stack(a, b)",
		"Stack(a, Parallel(b, Stack(c, d)))",
		"Fuse(a, b)",
		"BatchSplit(a, b, sizes=[2, 3])",
	} {
		want := MustParse(in)
		data, err := json.Marshal(Program{Block: want})
		if err != nil {
			t.Fatalf("Marshal(%q): %v", in, err)
		}
		var got Program
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if diff := cmp.Diff(want, got.Block); diff != "" {
			t.Fatalf("round trip of %s mismatch (-want +got):\n%s", data, diff)
		}
	}

	var p Program
	if err := json.Unmarshal([]byte(`null`), &p); err != nil || p.Block != nil {
		t.Fatalf("null program = %v, %v", p.Block, err)
	}
	if err := json.Unmarshal([]byte(`"Parallel(a, b)"`), &p); err != nil {
		t.Fatalf("string program: %v", err)
	}
	if diff := cmp.Diff(Block(NewParallel("a", "b")), p.Block); diff != "" {
		t.Fatalf("string program mismatch:\n%s", diff)
	}
}
