package tensorio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
	"github.com/Protekly/mergekit/pkg/core"
)

// LoaderCache shares open checkpoints across load tasks so each model's
// shard headers are parsed once per run.
type LoaderCache struct {
	mu     sync.Mutex
	models map[core.ModelRef]*Model
}

// NewLoaderCache creates an empty cache.
func NewLoaderCache() *LoaderCache {
	return &LoaderCache{models: make(map[core.ModelRef]*Model)}
}

// Open returns the checkpoint for ref, opening it on first use.
func (c *LoaderCache) Open(ref core.ModelRef) (*Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[ref]; ok {
		return m, nil
	}
	m, err := OpenModel(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("opening model %s: %w", ref, err)
	}
	c.models[ref] = m
	return m, nil
}

// Close releases every cached checkpoint.
func (c *LoaderCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for ref, m := range c.models {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.models, ref)
	}
	return first
}

// LoadTensor reads one tensor from one model, decoded to float32. The
// merge dtype and alias list are part of the task's identity, so two
// logically equal loads collapse into one graph node and one read. A
// missing optional tensor yields a nil value, which downstream gathers
// drop.
type LoadTensor struct {
	cache    *LoaderCache
	model    core.ModelRef
	name     string
	dtype    core.DType
	aliases  []string
	optional bool
}

// NewLoadTensor builds the load task for one weight of one model.
func NewLoadTensor(cache *LoaderCache, model core.ModelRef, w core.WeightInfo, dtype core.DType) *LoadTensor {
	return &LoadTensor{
		cache:    cache,
		model:    model,
		name:     w.Name,
		dtype:    dtype,
		aliases:  w.Aliases,
		optional: w.Optional,
	}
}

func (t *LoadTensor) Key() string {
	key := fmt.Sprintf("load(model=%s,tensor=%s,dtype=%s", t.model, t.name, t.dtype)
	if len(t.aliases) > 0 {
		key += ",aliases=[" + strings.Join(t.aliases, ",") + "]"
	}
	return key + ")"
}

func (t *LoadTensor) Inputs() []graph.Task {
	return nil
}

func (t *LoadTensor) Run(ctx context.Context, _ []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := t.cache.Open(t.model)
	if err != nil {
		return nil, err
	}
	for _, name := range append([]string{t.name}, t.aliases...) {
		if m.HasTensor(name) {
			out, err := m.ReadTensor(name)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", t.model, err)
			}
			return out, nil
		}
	}
	if t.optional {
		return nil, nil
	}
	return nil, fmt.Errorf("model %s has no tensor %q", t.model, t.name)
}

// Model returns the model the task loads from.
func (t *LoadTensor) Model() core.ModelRef {
	return t.model
}

// TensorName returns the canonical tensor name.
func (t *LoadTensor) TensorName() string {
	return t.name
}

// WriterTask materializes the shard writer for the output checkpoint.
// Save and finalize tasks consume its value, so nothing writes before the
// output directory exists.
type WriterTask struct {
	outPath      string
	dtype        core.DType
	maxShardSize int64
	configYAML   []byte
}

// NewWriterTask creates the writer task for one output path.
func NewWriterTask(outPath string, dtype core.DType, maxShardSize int64, configYAML []byte) *WriterTask {
	return &WriterTask{
		outPath:      outPath,
		dtype:        dtype,
		maxShardSize: maxShardSize,
		configYAML:   configYAML,
	}
}

func (t *WriterTask) Key() string {
	return fmt.Sprintf("tensor-writer(%s,dtype=%s)", t.outPath, t.dtype)
}

func (t *WriterTask) Inputs() []graph.Task {
	return nil
}

func (t *WriterTask) Run(ctx context.Context, _ []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewWriter(t.outPath, t.dtype, t.maxShardSize, t.configYAML)
}

// OutPath returns the output directory the writer targets.
func (t *WriterTask) OutPath() string {
	return t.outPath
}

// SaveTensor hands one merged tensor to the shard writer under its
// canonical output name. A nil tensor value (an optional weight absent
// from every input) is skipped and yields a nil task value; a written
// tensor yields its name. The clone flag copies the tensor before
// encoding, so the write never shares a buffer with another task.
type SaveTensor struct {
	name   string
	tensor graph.Task
	writer *WriterTask
	clone  bool
}

// NewSaveTensor builds the save task for one output tensor.
func NewSaveTensor(name string, tensorTask graph.Task, writer *WriterTask, clone bool) *SaveTensor {
	return &SaveTensor{name: name, tensor: tensorTask, writer: writer, clone: clone}
}

func (t *SaveTensor) Key() string {
	return fmt.Sprintf("save(%s,clone=%t)[%s]", t.name, t.clone, t.tensor.Key())
}

func (t *SaveTensor) Inputs() []graph.Task {
	return []graph.Task{t.writer, t.tensor}
}

func (t *SaveTensor) Run(_ context.Context, values []any) (any, error) {
	w, ok := values[0].(*Writer)
	if !ok {
		return nil, fmt.Errorf("save %s: expected writer, got %T", t.name, values[0])
	}
	if values[1] == nil {
		return nil, nil
	}
	v, ok := values[1].(*tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("save %s: expected tensor, got %T", t.name, values[1])
	}
	if t.clone {
		v = v.Clone()
	}
	if err := w.WriteTensor(t.name, v); err != nil {
		return nil, fmt.Errorf("save %s: %w", t.name, err)
	}
	return t.name, nil
}

// TensorName returns the output tensor name being saved.
func (t *SaveTensor) TensorName() string {
	return t.name
}

// FinalizeModel flushes the last shard, renames shards to their final
// names, and writes the weight index and provenance files. It depends on
// every save task, so it runs strictly after the last write.
type FinalizeModel struct {
	writer *WriterTask
	saves  []graph.Task
}

// NewFinalizeModel builds the finalize task over every save task of the
// plan.
func NewFinalizeModel(writer *WriterTask, saves []graph.Task) *FinalizeModel {
	return &FinalizeModel{writer: writer, saves: saves}
}

func (t *FinalizeModel) Key() string {
	return fmt.Sprintf("finalize[%s,saves=%d]", t.writer.Key(), len(t.saves))
}

func (t *FinalizeModel) Inputs() []graph.Task {
	return append([]graph.Task{t.writer}, t.saves...)
}

func (t *FinalizeModel) Run(_ context.Context, values []any) (any, error) {
	w, ok := values[0].(*Writer)
	if !ok {
		return nil, fmt.Errorf("finalize: expected writer, got %T", values[0])
	}
	if err := w.Finalize(); err != nil {
		return nil, fmt.Errorf("finalizing %s: %w", w.Dir(), err)
	}
	return nil, nil
}
