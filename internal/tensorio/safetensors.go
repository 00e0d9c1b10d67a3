// Package tensorio reads and writes model checkpoints in the safetensors
// format and provides the load, save, and finalize tasks the planner
// wires into the merge graph. Readers decode every supported dtype to
// float32; the writer encodes back to the configured output dtype and
// splits the result into size-bounded shards.
package tensorio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/Protekly/mergekit/internal/tensor"
	"github.com/Protekly/mergekit/pkg/core"
)

// IndexFile is the standard sharded-checkpoint index filename.
const IndexFile = "model.safetensors.index.json"

// SingleFile is the standard filename for an unsharded checkpoint.
const SingleFile = "model.safetensors"

// Headers are JSON and small in practice; cap them so a corrupt length
// prefix cannot drive a huge allocation.
const maxHeaderSize = 256 << 20

// tensorMeta is one entry of a safetensors header. Offsets are relative
// to the start of the data region.
type tensorMeta struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// dtypeCode maps a merge dtype to its safetensors header code.
func dtypeCode(d core.DType) (string, error) {
	switch d {
	case core.DTypeFloat32:
		return "F32", nil
	case core.DTypeFloat16:
		return "F16", nil
	case core.DTypeBFloat16:
		return "BF16", nil
	default:
		return "", fmt.Errorf("dtype %q has no safetensors encoding", d)
	}
}

// File provides random access to the tensors of a single safetensors
// file. The underlying file stays open; ReadAt is safe for concurrent
// use, so one File may serve parallel load tasks.
type File struct {
	Path      string
	f         *os.File
	dataStart int64
	tensors   map[string]tensorMeta
}

// OpenFile opens and parses the header of one .safetensors file.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: file too small: %s", path)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: header too large (%d bytes): %s", headerLen, path)
	}
	if int64(8+headerLen) > size {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: header exceeds file size: %s", path)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		_ = f.Close()
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: parse header of %s: %w", path, err)
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	tensors := make(map[string]tensorMeta, len(raw))
	for name, msg := range raw {
		var meta tensorMeta
		if err := json.Unmarshal(msg, &meta); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: parse tensor %q in %s: %w", name, path, err)
		}
		if len(meta.DataOffsets) != 2 {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: tensor %q in %s: invalid data_offsets", name, path)
		}
		start, end := meta.DataOffsets[0], meta.DataOffsets[1]
		if start < 0 || end < start || dataStart+end > size {
			_ = f.Close()
			return nil, fmt.Errorf("safetensors: tensor %q in %s: out-of-bounds data range", name, path)
		}
		tensors[name] = meta
	}

	return &File{Path: path, f: f, dataStart: dataStart, tensors: tensors}, nil
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// HasTensor reports whether the file carries the named tensor.
func (f *File) HasTensor(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

// TensorNames returns all tensor names in the file, sorted.
func (f *File) TensorNames() []string {
	out := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadTensor reads one tensor and decodes it to float32.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	meta, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	if f.f == nil {
		return nil, fmt.Errorf("safetensors: file closed: %s", f.Path)
	}

	raw := make([]byte, meta.DataOffsets[1]-meta.DataOffsets[0])
	if _, err := f.f.ReadAt(raw, f.dataStart+meta.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("safetensors: read tensor %q: %w", name, err)
	}

	data, err := decode(raw, meta.DType, numElements(meta.Shape))
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}
	shape := make([]int, len(meta.Shape))
	copy(shape, meta.Shape)
	return tensor.New(shape, data)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// decode converts raw little-endian tensor bytes to float32.
func decode(raw []byte, code string, n int) ([]float32, error) {
	switch code {
	case "F32":
		if len(raw) != n*4 {
			return nil, fmt.Errorf("have %d bytes, want %d for %d f32 elements", len(raw), n*4, n)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = f32FromBits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("have %d bytes, want %d for %d f16 elements", len(raw), n*2, n)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("have %d bytes, want %d for %d bf16 elements", len(raw), n*2, n)
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", code)
	}
}

// Model is a unified view over a checkpoint directory: either a single
// model.safetensors file or shards resolved through the standard index.
type Model struct {
	Dir     string
	files   map[string]*File // shard filename -> open file
	tensors map[string]*File // tensor name -> owning shard
}

// OpenModel opens a checkpoint directory. A model.safetensors.index.json
// takes precedence; otherwise the directory must hold exactly one
// .safetensors file.
func OpenModel(dir string) (*Model, error) {
	if dir == "" {
		return nil, fmt.Errorf("safetensors: empty checkpoint path")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("safetensors: checkpoint path is not a directory: %s", dir)
	}

	idxPath := filepath.Join(dir, IndexFile)
	if _, err := os.Stat(idxPath); err == nil {
		return openShardedModel(dir, idxPath)
	}

	single, err := findSingleShard(dir)
	if err != nil {
		return nil, err
	}
	f, err := OpenFile(single)
	if err != nil {
		return nil, err
	}
	m := &Model{
		Dir:     dir,
		files:   map[string]*File{filepath.Base(single): f},
		tensors: make(map[string]*File, len(f.tensors)),
	}
	for name := range f.tensors {
		m.tensors[name] = f
	}
	return m, nil
}

// shardIndex is the JSON layout of model.safetensors.index.json.
type shardIndex struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

func openShardedModel(dir, idxPath string) (*Model, error) {
	data, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("safetensors: parse index %s: %w", idxPath, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("safetensors: index has empty weight_map: %s", idxPath)
	}

	m := &Model{
		Dir:     dir,
		files:   make(map[string]*File),
		tensors: make(map[string]*File, len(idx.WeightMap)),
	}
	for name, shard := range idx.WeightMap {
		f, ok := m.files[shard]
		if !ok {
			f, err = OpenFile(filepath.Join(dir, shard))
			if err != nil {
				_ = m.Close()
				return nil, err
			}
			m.files[shard] = f
		}
		if !f.HasTensor(name) {
			_ = m.Close()
			return nil, fmt.Errorf("safetensors: tensor %q not found in shard %q", name, shard)
		}
		m.tensors[name] = f
	}
	return m, nil
}

func findSingleShard(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("safetensors: no .safetensors file and no %s in %s", IndexFile, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("safetensors: %d .safetensors files but no %s in %s", len(matches), IndexFile, dir)
	}
}

// Close releases every open shard.
func (m *Model) Close() error {
	var first error
	for _, f := range m.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// HasTensor reports whether any shard carries the named tensor.
func (m *Model) HasTensor(name string) bool {
	_, ok := m.tensors[name]
	return ok
}

// ReadTensor reads one tensor from its owning shard, decoded to float32.
func (m *Model) ReadTensor(name string) (*tensor.Tensor, error) {
	f, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	return f.ReadTensor(name)
}

// TensorNames returns every tensor name in the checkpoint, sorted.
func (m *Model) TensorNames() []string {
	out := make([]string, 0, len(m.tensors))
	for name := range m.tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
