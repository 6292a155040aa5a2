package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

// Tensor is one named entry to be written.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// WriteOptions controls how a file is written. The zero value writes F32
// with no metadata.
type WriteOptions struct {
	DType    string
	Metadata map[string]string
}

// Write stores tensors at path. Entries are laid out in name order so the
// same inputs always produce the same bytes. The file is written to a
// temporary sibling and renamed into place.
func Write(path string, tensors []Tensor, opts WriteOptions) error {
	dtype := opts.DType
	if dtype == "" {
		dtype = DTypeF32
	}
	width, err := elementSize(dtype)
	if err != nil {
		return err
	}

	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b Tensor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	header := make(map[string]any, len(sorted)+1)
	if len(opts.Metadata) > 0 {
		header[metadataKey] = opts.Metadata
	}
	var offset int64
	for i, t := range sorted {
		if i > 0 && sorted[i-1].Name == t.Name {
			return fmt.Errorf("duplicate tensor %s", t.Name)
		}
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		size := int64(n * width)
		header[t.Name] = tensorHeader{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// Pad so the data section starts 8-byte aligned.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = tmp.Close()
		return err
	}
	var buf []byte
	for _, t := range sorted {
		need := len(t.Data) * width
		if cap(buf) < need {
			buf = make([]byte, need)
		}
		buf = buf[:need]
		encode(buf, t.Data, dtype)
		if _, err := w.Write(buf); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
