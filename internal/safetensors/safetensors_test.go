package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// rawFile writes a safetensors file with a hand-written header.
func rawFile(t *testing.T, header string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter_model.safetensors")
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func f32Bytes(v ...float32) []byte {
	var b []byte
	for _, x := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(x))
	}
	return b
}

func TestOpen(t *testing.T) {
	t.Parallel()

	header := `{"__metadata__":{"adapter":"sst2","kind":"bottleneck"},` +
		`"layer.0.down.weight":{"dtype":"F32","shape":[2,1],"data_offsets":[0,8]},` +
		`"layer.0.down.bias":{"dtype":"F32","shape":[1],"data_offsets":[8,12]}}`
	path := rawFile(t, header, f32Bytes(1, 2, 3))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.DataStart != int64(8+len(header)) {
		t.Fatalf("DataStart = %d", f.DataStart)
	}
	if f.Metadata["adapter"] != "sst2" || f.Metadata["kind"] != "bottleneck" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
	if _, ok := f.Tensor(metadataKey); ok {
		t.Fatal("metadata entry listed as a tensor")
	}
	if got := f.Names(); len(got) != 2 || got[0] != "layer.0.down.bias" {
		t.Fatalf("Names = %v", got)
	}
	info, ok := f.Tensor("layer.0.down.weight")
	if !ok || info.DType != DTypeF32 || info.Start != 0 || info.End != 8 {
		t.Fatalf("Tensor = %+v, %v", info, ok)
	}
	w, _, err := f.ReadTensorF32("layer.0.down.weight")
	if err != nil || len(w) != 2 || w[0] != 1 || w[1] != 2 {
		t.Fatalf("weight = %v, %v", w, err)
	}
	b, _, err := f.ReadTensorF32("layer.0.down.bias")
	if err != nil || len(b) != 1 || b[0] != 3 {
		t.Fatalf("bias = %v, %v", b, err)
	}
}

func TestOpenRejectsMalformedFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }},
		{"truncated length", func(t *testing.T) string {
			path := filepath.Join(t.TempDir(), "short")
			if err := os.WriteFile(path, []byte{1, 2, 3, 4}, 0o644); err != nil {
				t.Fatal(err)
			}
			return path
		}},
		{"header past end", func(t *testing.T) string {
			path := filepath.Join(t.TempDir(), "long")
			buf := binary.LittleEndian.AppendUint64(nil, 100)
			if err := os.WriteFile(path, append(buf, "{}"...), 0o644); err != nil {
				t.Fatal(err)
			}
			return path
		}},
		{"bad json", func(t *testing.T) string { return rawFile(t, "{not json", nil) }},
		{"bad metadata", func(t *testing.T) string { return rawFile(t, `{"__metadata__":{"n":1}}`, nil) }},
		{"bad tensor entry", func(t *testing.T) string { return rawFile(t, `{"w":"x"}`, nil) }},
		{"one offset", func(t *testing.T) string {
			return rawFile(t, `{"w":{"dtype":"F32","shape":[1],"data_offsets":[0]}}`, f32Bytes(1))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Open(tt.path(t)); err == nil {
				t.Fatal("Open succeeded")
			}
		})
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()

	header := `{"inverted":{"dtype":"F32","shape":[1],"data_offsets":[4,0]},` +
		`"past_end":{"dtype":"F32","shape":[4],"data_offsets":[0,16]},` +
		`"int8":{"dtype":"I8","shape":[4],"data_offsets":[0,4]},` +
		`"short":{"dtype":"F32","shape":[3],"data_offsets":[0,8]},` +
		`"scalar":{"dtype":"F32","shape":[],"data_offsets":[0,4]},` +
		`"zero_dim":{"dtype":"F32","shape":[2,0],"data_offsets":[0,0]}}`
	f, err := Open(rawFile(t, header, f32Bytes(1, 2)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tests := []struct {
		name string
		want string
	}{
		{"absent", "not found"},
		{"inverted", "invalid offsets"},
		{"past_end", "read tensor"},
		{"int8", "unsupported dtype"},
		{"short", "data size"},
		{"scalar", "empty shape"},
		{"zero_dim", "invalid dim"},
	}
	for _, tt := range tests {
		_, _, err := f.ReadTensorF32(tt.name)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("ReadTensorF32(%s) error = %v, want it to mention %q", tt.name, err, tt.want)
		}
	}
}

func TestDecodeHalfPrecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dtype string
		bits  []uint16
		want  []float32
	}{
		{DTypeBF16, []uint16{0x3F80, 0xC000, 0x0000, 0x3E80}, []float32{1, -2, 0, 0.25}},
		{DTypeF16, []uint16{0x3C00, 0xC000, 0x8000, 0x3400}, []float32{1, -2, 0, 0.25}},
	}
	for _, tt := range tests {
		raw := make([]byte, 0, 2*len(tt.bits))
		for _, b := range tt.bits {
			raw = binary.LittleEndian.AppendUint16(raw, b)
		}
		got := make([]float32, len(tt.bits))
		decode(got, raw, tt.dtype)
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s decode[%d] = %g, want %g", tt.dtype, i, got[i], tt.want[i])
			}
		}

		back := make([]byte, len(raw))
		encode(back, got, tt.dtype)
		for i, b := range tt.bits {
			// -0 and +0 may differ only in sign.
			if got := binary.LittleEndian.Uint16(back[2*i:]); got&0x7FFF != b&0x7FFF {
				t.Fatalf("%s encode[%d] = 0x%04X, want 0x%04X", tt.dtype, i, got, b)
			}
		}
	}
}

func TestF32ToBF16Rounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   uint32
		want uint16
	}{
		{0x3F800000, 0x3F80}, // 1.0
		{0x3F808000, 0x3F80}, // halfway, even stays
		{0x3F818000, 0x3F82}, // halfway, odd rounds up
		{0x3F80C000, 0x3F81}, // above halfway
		{0x7F800000, 0x7F80}, // +inf
	}
	for _, tt := range tests {
		if got := f32ToBF16(math.Float32frombits(tt.in)); got != tt.want {
			t.Errorf("f32ToBF16(0x%08X) = 0x%04X, want 0x%04X", tt.in, got, tt.want)
		}
	}
	if nan := f32ToBF16(float32(math.NaN())); !math.IsNaN(float64(bf16ToF32(nan))) {
		t.Errorf("NaN did not survive bf16 round trip: 0x%04X", nan)
	}
}
