package tensorio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/Protekly/mergekit/internal/tensor"
	"github.com/Protekly/mergekit/pkg/core"
)

// ConfigCopyFile is the provenance copy of the merge configuration
// written next to the output checkpoint.
const ConfigCopyFile = "mergekit_config.yml"

// Writer accumulates merged tensors and writes them out as size-bounded
// safetensors shards. Shards get temporary names while the total count is
// unknown; Finalize renames them to the standard
// model-%05d-of-%05d.safetensors form and writes the weight index, or to
// a single model.safetensors when everything fit in one shard.
//
// Writer is safe for concurrent use; save tasks from one execution level
// funnel through its mutex.
type Writer struct {
	mu sync.Mutex

	dir          string
	dtype        core.DType
	maxShardSize int64
	configYAML   []byte

	pending     []shardEntry
	pendingSize int64
	shards      []string       // temporary shard filenames, in write order
	shardOf     map[string]int // tensor name -> index into shards
	totalSize   int64
	finalized   bool
}

type shardEntry struct {
	name  string
	code  string
	shape []int
	data  []byte
}

// NewWriter creates the output directory and a writer targeting it.
// maxShardSize <= 0 disables sharding. configYAML, when non-nil, is
// written as the provenance copy during Finalize.
func NewWriter(dir string, dtype core.DType, maxShardSize int64, configYAML []byte) (*Writer, error) {
	if _, err := dtypeCode(dtype); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &Writer{
		dir:          dir,
		dtype:        dtype,
		maxShardSize: maxShardSize,
		configYAML:   configYAML,
		shardOf:      make(map[string]int),
	}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// WriteTensor encodes one tensor into the current shard, flushing the
// shard first when the tensor would push it past the size limit.
func (w *Writer) WriteTensor(name string, t *tensor.Tensor) error {
	code, err := dtypeCode(w.dtype)
	if err != nil {
		return err
	}
	data := encode(t.Data, w.dtype)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return fmt.Errorf("write of %q after finalize", name)
	}
	if _, dup := w.shardOf[name]; dup {
		return fmt.Errorf("duplicate tensor %q", name)
	}

	size := int64(len(data))
	if w.maxShardSize > 0 && w.pendingSize > 0 && w.pendingSize+size > w.maxShardSize {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	w.pending = append(w.pending, shardEntry{name: name, code: code, shape: shape, data: data})
	w.pendingSize += size
	w.totalSize += size
	w.shardOf[name] = len(w.shards)
	return nil
}

// flushLocked writes the pending tensors as the next shard under a
// temporary name. Caller holds the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}

	header := make(map[string]tensorMeta, len(w.pending))
	var offset int64
	for _, e := range w.pending {
		end := offset + int64(len(e.data))
		header[e.name] = tensorMeta{
			DType:       e.code,
			Shape:       e.shape,
			DataOffsets: []int64{offset, end},
		}
		offset = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding shard header: %w", err)
	}

	name := fmt.Sprintf("model-%05d.safetensors", len(w.shards)+1)
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return fmt.Errorf("creating shard: %w", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing shard %s: %w", name, err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing shard %s: %w", name, err)
	}
	for _, e := range w.pending {
		if _, err := f.Write(e.data); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing shard %s: %w", name, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing shard %s: %w", name, err)
	}

	w.shards = append(w.shards, name)
	w.pending = nil
	w.pendingSize = 0
	return nil
}

// Finalize flushes the last shard, renames all shards to their final
// names, writes the weight index for sharded output, and writes the
// provenance copy of the merge configuration.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return fmt.Errorf("writer already finalized")
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.finalized = true
	if len(w.shards) == 0 {
		return fmt.Errorf("no tensors written to %s", w.dir)
	}

	finalNames := make([]string, len(w.shards))
	if len(w.shards) == 1 {
		finalNames[0] = SingleFile
	} else {
		for i := range w.shards {
			finalNames[i] = fmt.Sprintf("model-%05d-of-%05d.safetensors", i+1, len(w.shards))
		}
	}
	for i, tmp := range w.shards {
		if tmp == finalNames[i] {
			continue
		}
		if err := os.Rename(filepath.Join(w.dir, tmp), filepath.Join(w.dir, finalNames[i])); err != nil {
			return fmt.Errorf("renaming shard: %w", err)
		}
	}

	if len(w.shards) > 1 {
		idx := shardIndex{
			Metadata:  map[string]any{"total_size": w.totalSize},
			WeightMap: make(map[string]string, len(w.shardOf)),
		}
		for name, shard := range w.shardOf {
			idx.WeightMap[name] = finalNames[shard]
		}
		data, err := json.MarshalIndent(idx, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding shard index: %w", err)
		}
		if err := os.WriteFile(filepath.Join(w.dir, IndexFile), data, 0o644); err != nil {
			return fmt.Errorf("writing shard index: %w", err)
		}
	}

	if len(w.configYAML) > 0 {
		if err := os.WriteFile(filepath.Join(w.dir, ConfigCopyFile), w.configYAML, 0o644); err != nil {
			return fmt.Errorf("writing config copy: %w", err)
		}
	}
	return nil
}

// encode narrows float32 data to the writer dtype, little-endian.
func encode(data []float32, d core.DType) []byte {
	out := make([]byte, len(data)*d.ByteSize())
	switch d {
	case core.DTypeFloat32:
		for i, v := range data {
			binary.LittleEndian.PutUint32(out[i*4:], bitsFromF32(v))
		}
	case core.DTypeFloat16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], f16FromF32(v))
		}
	case core.DTypeBFloat16:
		for i, v := range data {
			binary.LittleEndian.PutUint16(out[i*2:], bf16FromF32(v))
		}
	}
	return out
}
