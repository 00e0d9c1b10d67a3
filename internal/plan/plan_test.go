package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protekly/mergekit/internal/config"
	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensorio"
	"github.com/Protekly/mergekit/pkg/core"
)

// writeModel lays out a checkpoint directory with just the config.json
// planning reads. Tensor files are never touched at plan time.
func writeModel(t *testing.T, layers int) core.ModelRef {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
  "model_type": "llama",
  "architectures": ["LlamaForCausalLM"],
  "num_hidden_layers": %d,
  "hidden_size": 8,
  "vocab_size": 16
}`, layers)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0o644))
	return core.ModelRef{Path: dir}
}

func outDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "merged")
}

func weightOne() config.ParamSet {
	return config.ParamSet{"weight": []config.ParamSetting{{Value: config.ScalarValue(1)}}}
}

func planConfig(t *testing.T, cfg *config.MergeConfig) *Plan {
	t.Helper()
	p, err := NewPlanner(cfg, Options{OutPath: outDir(t)})
	require.NoError(t, err)
	pl, err := p.Plan()
	require.NoError(t, err)
	return pl
}

func saveFor(t *testing.T, pl *Plan, name string) *tensorio.SaveTensor {
	t.Helper()
	for _, task := range pl.Tasks {
		if s, ok := task.(*tensorio.SaveTensor); ok && s.TensorName() == name {
			return s
		}
	}
	t.Fatalf("no save task for %s", name)
	return nil
}

func computeOf(t *testing.T, s *tensorio.SaveTensor) graph.Task {
	t.Helper()
	ins := s.Inputs()
	require.Len(t, ins, 2, "save depends on writer and compute")
	return ins[1]
}

func gatherOf(t *testing.T, s *tensorio.SaveTensor) *graph.Gather {
	t.Helper()
	ins := computeOf(t, s).Inputs()
	require.NotEmpty(t, ins)
	g, ok := ins[0].(*graph.Gather)
	require.True(t, ok, "expected gather, got %T", ins[0])
	return g
}

// keyParam parses one %g-formatted parameter out of a compute task key.
func keyParam(t *testing.T, key, marker string) float64 {
	t.Helper()
	i := strings.Index(key, marker)
	require.GreaterOrEqual(t, i, 0, "no %q in %s", marker, key)
	rest := key[i+len(marker):]
	end := strings.IndexAny(rest, ",})")
	require.Greater(t, end, 0)
	v, err := strconv.ParseFloat(rest[:end], 64)
	require.NoError(t, err)
	return v
}

func TestBothFormsRejected(t *testing.T) {
	a := writeModel(t, 4)
	cfg := &config.MergeConfig{
		Models:      []config.ModelDef{{Model: a}},
		Slices:      []config.OutputSlice{{Sources: []config.InputSlice{{Model: a, Range: core.LayerRange{Start: 0, End: 4}}}}},
		MergeMethod: "linear",
	}
	_, err := NewPlanner(cfg, Options{OutPath: outDir(t)})
	require.ErrorIs(t, err, config.ErrBothModelsAndSlices)
}

func TestNormalizeShorthand(t *testing.T) {
	base := writeModel(t, 4)
	chat := writeModel(t, 4)
	code := writeModel(t, 4)
	cfg := &config.MergeConfig{
		Models:      []config.ModelDef{{Model: chat}, {Model: base}, {Model: code}},
		MergeMethod: "linear",
		BaseModel:   base,
		Parameters:  weightOne(),
	}
	_, err := NewPlanner(cfg, Options{OutPath: outDir(t)})
	require.NoError(t, err)

	require.Nil(t, cfg.Models)
	require.Len(t, cfg.Slices, 1)
	sources := cfg.Slices[0].Sources
	require.Len(t, sources, 3)
	assert.Equal(t, base, sources[0].Model, "base model is forced to position 0")
	assert.Equal(t, chat, sources[1].Model)
	assert.Equal(t, code, sources[2].Model)
	for _, src := range sources {
		assert.Equal(t, core.LayerRange{Start: 0, End: 4}, src.Range)
	}

	first, err := cfg.CanonicalYAML()
	require.NoError(t, err)
	require.NoError(t, Normalize(cfg, nil))
	second, err := cfg.CanonicalYAML()
	require.NoError(t, err)
	assert.Equal(t, first, second, "normalization is idempotent")
}

func TestNormalizeSynthesizesUnlistedBase(t *testing.T) {
	base := writeModel(t, 4)
	chat := writeModel(t, 4)
	cfg := &config.MergeConfig{
		Models:      []config.ModelDef{{Model: chat}},
		MergeMethod: "linear",
		BaseModel:   base,
		Parameters:  weightOne(),
	}
	_, err := NewPlanner(cfg, Options{OutPath: outDir(t)})
	require.NoError(t, err)

	sources := cfg.Slices[0].Sources
	require.Len(t, sources, 2)
	assert.Equal(t, base, sources[0].Model)
	assert.Equal(t, core.LayerRange{Start: 0, End: 4}, sources[0].Range)
	assert.Equal(t, chat, sources[1].Model)
}

func TestTwoModelFourLayerScenario(t *testing.T) {
	a := writeModel(t, 4)
	b := writeModel(t, 4)
	cfg := &config.MergeConfig{
		Models:      []config.ModelDef{{Model: a}, {Model: b}},
		MergeMethod: "linear",
		Parameters: config.ParamSet{
			"weight":    []config.ParamSetting{{Value: config.ScalarValue(1)}},
			"normalize": []config.ParamSetting{{Value: config.GradientValue([]float64{0, 1})}},
		},
	}
	p, err := NewPlanner(cfg, Options{OutPath: outDir(t)})
	require.NoError(t, err)
	pl, err := p.Plan()
	require.NoError(t, err)

	assert.Equal(t, 4, p.OutputArch().LayerCount())

	// 1 pre + 4 layers x 9 weights + 2 post, then finalize
	require.Len(t, pl.Tasks, 40)
	assert.Same(t, pl.Finalize, pl.Tasks[39], "finalize is the last task")
	assert.Nil(t, pl.Tokenizer)

	finalizeInputs := pl.Finalize.Inputs()
	require.Len(t, finalizeInputs, 40, "writer plus every save")
	deps := make(map[string]bool, len(finalizeInputs))
	for _, in := range finalizeInputs {
		deps[in.Key()] = true
	}
	for _, task := range pl.Tasks[:39] {
		assert.True(t, deps[task.Key()], "finalize misses %s", task.Key())
	}

	// the normalize gradient makes each compute key expose its t
	for layer, want := range []float64{0, 1.0 / 3.0, 2.0 / 3.0, 1} {
		name := fmt.Sprintf("model.layers.%d.input_layernorm.weight", layer)
		key := computeOf(t, saveFor(t, pl, name)).Key()
		assert.Equal(t, want, keyParam(t, key, "normalize="), "t at layer %d", layer)
	}
	preKey := computeOf(t, saveFor(t, pl, "model.embed_tokens.weight")).Key()
	assert.Equal(t, 0.0, keyParam(t, preKey, "normalize="), "pre weights plan at t=0")
	postKey := computeOf(t, saveFor(t, pl, "model.norm.weight")).Key()
	assert.Equal(t, 1.0, keyParam(t, postKey, "normalize="), "post weights plan at t=1")

	// listing order is preserved when no base model is declared
	assert.Equal(t, []core.ModelRef{a, b}, gatherOf(t, saveFor(t, pl, "model.norm.weight")).Models())
}

func TestSingleLayerSliceSitsAtFarEnd(t *testing.T) {
	a := writeModel(t, 1)
	cfg := &config.MergeConfig{
		Models:      []config.ModelDef{{Model: a}},
		MergeMethod: "linear",
		Parameters: config.ParamSet{
			"weight":    []config.ParamSetting{{Value: config.ScalarValue(1)}},
			"normalize": []config.ParamSetting{{Value: config.GradientValue([]float64{0, 1})}},
		},
	}
	pl := planConfig(t, cfg)
	key := computeOf(t, saveFor(t, pl, "model.layers.0.input_layernorm.weight")).Key()
	assert.Equal(t, 1.0, keyParam(t, key, "normalize="), "a single-layer slice plans at t=1, not the midpoint")
}

func TestSliceLengthMismatch(t *testing.T) {
	a := writeModel(t, 4)
	b := writeModel(t, 4)
	cfg := &config.MergeConfig{
		Slices: []config.OutputSlice{{Sources: []config.InputSlice{
			{Model: a, Range: core.LayerRange{Start: 0, End: 2}},
			{Model: b, Range: core.LayerRange{Start: 0, End: 3}},
		}}},
		MergeMethod: "linear",
		Parameters:  weightOne(),
	}
	p, err := NewPlanner(cfg, Options{OutPath: outDir(t)})
	require.NoError(t, err)

	_, err = p.Plan()
	var sliceErr *SliceLengthError
	require.ErrorAs(t, err, &sliceErr)
	assert.Equal(t, 0, sliceErr.Slice)
	assert.Contains(t, err.Error(), "[0:2)")
	assert.Contains(t, err.Error(), "[0:3)")
}

func TestBaseModelParameterExemption(t *testing.T) {
	base := writeModel(t, 2)
	chat := writeModel(t, 2)

	missing := &config.MergeConfig{
		Models:      []config.ModelDef{{Model: base}, {Model: chat}},
		MergeMethod: "task_arithmetic",
		BaseModel:   base,
	}
	p, err := NewPlanner(missing, Options{OutPath: outDir(t)})
	require.NoError(t, err)
	_, err = p.Plan()
	var missingErr *config.MissingParameterError
	require.ErrorAs(t, err, &missingErr, "non-base model with no weight anywhere fails")
	assert.Equal(t, "weight", missingErr.Parameter)
	assert.Equal(t, chat.String(), missingErr.Model)

	resolved := &config.MergeConfig{
		Models: []config.ModelDef{
			{Model: base},
			{Model: chat, Parameters: config.ParamSet{"weight": []config.ParamSetting{{Value: config.ScalarValue(0.5)}}}},
		},
		MergeMethod: "task_arithmetic",
		BaseModel:   base,
	}
	pl := planConfig(t, resolved)
	key := computeOf(t, saveFor(t, pl, "model.embed_tokens.weight")).Key()
	assert.Contains(t, key, chat.String()+":{weight=0.5", "chat's weight resolves")
	assert.NotContains(t, key, base.String()+":{", "the exempted base resolves no tensor parameters")
}

func TestTokenizerMethodRouting(t *testing.T) {
	base := writeModel(t, 2)
	chat := writeModel(t, 2)

	plain := &config.MergeConfig{
		Models:      []config.ModelDef{{Model: base}, {Model: chat}},
		MergeMethod: "linear",
		BaseModel:   base,
		Parameters:  weightOne(),
	}
	pl := planConfig(t, plain)
	assert.Nil(t, pl.Tokenizer)
	embedKey := computeOf(t, saveFor(t, pl, "model.embed_tokens.weight")).Key()
	assert.True(t, strings.HasPrefix(embedKey, "linear("), "without a tokenizer merge the configured method applies: %s", embedKey)

	routed := &config.MergeConfig{
		Models:          []config.ModelDef{{Model: base}, {Model: chat}},
		MergeMethod:     "linear",
		BaseModel:       base,
		TokenizerSource: "union",
		Parameters:      weightOne(),
	}
	pl = planConfig(t, routed)
	require.NotNil(t, pl.Tokenizer)
	assert.Same(t, pl.Tokenizer, pl.Tasks[len(pl.Tasks)-1], "tokenizer build is appended last")

	routes := []struct {
		name    string
		permute bool
	}{
		{"model.embed_tokens.weight", true},
		{"lm_head.weight", true},
		{"model.layers.0.input_layernorm.weight", false},
		{"model.layers.1.post_attention_layernorm.weight", false},
		{"model.norm.weight", false},
	}
	for _, tc := range routes {
		key := computeOf(t, saveFor(t, pl, tc.name)).Key()
		if tc.permute {
			assert.True(t, strings.HasPrefix(key, "tokenizer_permute("), "%s should route to tokenizer_permute: %s", tc.name, key)
		} else {
			assert.True(t, strings.HasPrefix(key, "linear("), "%s should keep the configured method: %s", tc.name, key)
		}
	}

	roots := pl.Roots()
	require.Len(t, roots, 2)
	assert.Same(t, pl.Finalize, roots[0])
	assert.Same(t, pl.Tokenizer, roots[1])
}

func TestIdenticalLoadsShareOneKey(t *testing.T) {
	chat := writeModel(t, 4)
	cfg := &config.MergeConfig{
		Slices: []config.OutputSlice{
			{Sources: []config.InputSlice{{Model: chat, Range: core.LayerRange{Start: 0, End: 1}}}},
			{Sources: []config.InputSlice{{Model: chat, Range: core.LayerRange{Start: 0, End: 1}}}},
		},
		MergeMethod: "passthrough",
	}
	p, err := NewPlanner(cfg, Options{OutPath: outDir(t)})
	require.NoError(t, err)
	pl, err := p.Plan()
	require.NoError(t, err)

	assert.Equal(t, 2, p.OutputArch().LayerCount())

	g0 := gatherOf(t, saveFor(t, pl, "model.layers.0.input_layernorm.weight"))
	g1 := gatherOf(t, saveFor(t, pl, "model.layers.1.input_layernorm.weight"))
	require.Len(t, g0.Inputs(), 1)
	require.Len(t, g1.Inputs(), 1)
	assert.Equal(t, g0.Inputs()[0].Key(), g1.Inputs()[0].Key(),
		"both output layers read the same source tensor through one load identity")

	built, err := graph.Build(pl.Roots())
	require.NoError(t, err)
	// 12 loads, 12 gathers, 12 computes, 21 saves, writer, finalize:
	// the two output layers collapse onto the same loads and computes
	assert.Equal(t, 59, built.TaskCount())
}

func TestExplicitSlicesKeepListingOrder(t *testing.T) {
	base := writeModel(t, 2)
	chat := writeModel(t, 2)
	code := writeModel(t, 2)
	cfg := &config.MergeConfig{
		Slices: []config.OutputSlice{{Sources: []config.InputSlice{
			{Model: chat, Range: core.LayerRange{Start: 0, End: 2}},
			{Model: base, Range: core.LayerRange{Start: 0, End: 2}},
			{Model: code, Range: core.LayerRange{Start: 0, End: 2}},
		}}},
		MergeMethod: "linear",
		BaseModel:   base,
		Parameters:  weightOne(),
	}
	pl := planConfig(t, cfg)
	g := gatherOf(t, saveFor(t, pl, "model.layers.0.self_attn.q_proj.weight"))
	assert.Equal(t, []core.ModelRef{chat, base, code}, g.Models(),
		"explicit slices are never reordered, even around a base model")
}

func TestPrePostUseFirstAndLastSliceSources(t *testing.T) {
	chat := writeModel(t, 2)
	code := writeModel(t, 2)
	cfg := &config.MergeConfig{
		Slices: []config.OutputSlice{
			{Sources: []config.InputSlice{{Model: chat, Range: core.LayerRange{Start: 0, End: 2}}}},
			{Sources: []config.InputSlice{{Model: code, Range: core.LayerRange{Start: 0, End: 2}}}},
		},
		MergeMethod: "passthrough",
	}
	pl := planConfig(t, cfg)

	pre := gatherOf(t, saveFor(t, pl, "model.embed_tokens.weight"))
	assert.Equal(t, []core.ModelRef{chat}, pre.Models())
	post := gatherOf(t, saveFor(t, pl, "model.norm.weight"))
	assert.Equal(t, []core.ModelRef{code}, post.Models())

	// the second slice reads the source model's own depth
	g := gatherOf(t, saveFor(t, pl, "model.layers.3.mlp.down_proj.weight"))
	load := g.Inputs()[0]
	assert.Contains(t, load.Key(), "model.layers.1.mlp.down_proj.weight",
		"output layer 3 maps back to the source's layer 1")
}
