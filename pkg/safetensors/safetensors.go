// Package safetensors reads and writes the flat tensor container used for
// pretrained weight artifacts: an 8-byte little-endian header size, a JSON
// header mapping tensor names to dtype/shape/offsets, then the raw buffer.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/convnets/zoo/pkg/tensor"
)

const (
	dtypeF32 = "F32"

	// Headers beyond this size indicate a corrupt or hostile file.
	maxHeaderSize = 100 * 1024 * 1024
)

type entry struct {
	Dtype   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// Load reads every tensor in the file, keyed by name.
func Load(path string) (map[string]*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a container from r.
func Read(r io.Reader) (map[string]*tensor.Tensor, error) {
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("reading header size: %w", err)
	}
	headerSize := binary.LittleEndian.Uint64(sizeBuf[:])
	if headerSize == 0 || headerSize > maxHeaderSize {
		return nil, fmt.Errorf("implausible header size %d", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var header map[string]entry
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	delete(header, "__metadata__")

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading tensor buffer: %w", err)
	}

	tensors := make(map[string]*tensor.Tensor, len(header))
	for name, e := range header {
		if e.Dtype != dtypeF32 {
			return nil, fmt.Errorf("tensor %q: unsupported dtype %q", name, e.Dtype)
		}
		begin, end := e.Offsets[0], e.Offsets[1]
		if begin < 0 || end > len(buf) || begin > end {
			return nil, fmt.Errorf("tensor %q: offsets [%d, %d] outside buffer of %d bytes", name, begin, end, len(buf))
		}
		n := tensor.Numel(e.Shape)
		if end-begin != n*4 {
			return nil, fmt.Errorf("tensor %q: %d bytes does not fit shape %v", name, end-begin, e.Shape)
		}
		data := make([]float64, n)
		for i := range data {
			bits := binary.LittleEndian.Uint32(buf[begin+i*4:])
			data[i] = float64(math.Float32frombits(bits))
		}
		t, err := tensor.NewWithData(data, e.Shape...)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		tensors[name] = t
	}
	return tensors, nil
}

// Save writes tensors to path as a container. Used by the weight publishing
// tooling and by tests to fabricate artifacts.
func Save(path string, tensors map[string]*tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, tensors)
}

// Write encodes tensors to w with names in sorted order.
func Write(w io.Writer, tensors map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]entry, len(tensors))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		size := t.Numel() * 4
		header[name] = entry{
			Dtype:   dtypeF32,
			Shape:   append([]int(nil), t.Shape...),
			Offsets: [2]int{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	var scratch [4]byte
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(float32(v)))
			if _, err := w.Write(scratch[:]); err != nil {
				return err
			}
		}
	}
	return nil
}
