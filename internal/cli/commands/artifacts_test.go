package commands

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intconfig "github.com/Protekly/mergekit/internal/config"
	"github.com/Protekly/mergekit/internal/plan"
	"github.com/Protekly/mergekit/internal/tokenizer"
	"github.com/Protekly/mergekit/pkg/core"
)

func writeFixtureModel(t *testing.T, layers int) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"model_type":        "llama",
		"architectures":     []string{"LlamaForCausalLM"},
		"num_hidden_layers": layers,
		"hidden_size":       8,
		"vocab_size":        16,
		"rope_theta":        10000.0,
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))
	return dir
}

func TestWriteModelConfigPatchesLayerCount(t *testing.T) {
	modelA := writeFixtureModel(t, 4)
	modelB := writeFixtureModel(t, 4)
	outDir := t.TempDir()

	cfg := &intconfig.MergeConfig{
		Slices: []intconfig.OutputSlice{
			{Sources: []intconfig.InputSlice{
				{Model: core.ModelRef{Path: modelA}, Range: core.LayerRange{Start: 0, End: 4}},
				{Model: core.ModelRef{Path: modelB}, Range: core.LayerRange{Start: 0, End: 4}},
			}},
			{Sources: []intconfig.InputSlice{
				{Model: core.ModelRef{Path: modelA}, Range: core.LayerRange{Start: 0, End: 4}},
				{Model: core.ModelRef{Path: modelB}, Range: core.LayerRange{Start: 0, End: 4}},
			}},
		},
		MergeMethod: "linear",
		Parameters: intconfig.ParamSet{
			"weight": []intconfig.ParamSetting{{Value: intconfig.ScalarValue(1)}},
		},
	}

	planner, err := plan.NewPlanner(cfg, plan.Options{OutPath: outDir})
	require.NoError(t, err)
	defer planner.Close()

	require.NoError(t, writeModelConfig(planner, outDir, nil))

	raw, err := readJSONFile(filepath.Join(outDir, "config.json"))
	require.NoError(t, err)
	// Two stacked four-layer slices make an eight-layer output.
	assert.EqualValues(t, 8, raw["num_hidden_layers"])
	assert.Equal(t, "llama", raw["model_type"])
	assert.EqualValues(t, 10000.0, raw["rope_theta"])
}

func TestWriteModelConfigPatchesVocabSize(t *testing.T) {
	modelA := writeFixtureModel(t, 2)
	outDir := t.TempDir()

	cfg := &intconfig.MergeConfig{
		Models:      []intconfig.ModelDef{{Model: core.ModelRef{Path: modelA}}},
		MergeMethod: "passthrough",
	}
	planner, err := plan.NewPlanner(cfg, plan.Options{OutPath: outDir})
	require.NoError(t, err)
	defer planner.Close()

	perms := &tokenizer.Permutations{Vocab: map[string]int{"a": 0, "b": 1, "c": 2}}
	require.NoError(t, writeModelConfig(planner, outDir, perms))

	raw, err := readJSONFile(filepath.Join(outDir, "config.json"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, raw["vocab_size"])
}

func TestExportTokenizerCopiesDonorFiles(t *testing.T) {
	donor := t.TempDir()
	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(donor, "tokenizer.json"),
		[]byte(`{"model":{"vocab":{"a":0}}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(donor, "tokenizer_config.json"),
		[]byte(`{"model_max_length":2048}`), 0o644))

	cfg := &intconfig.MergeConfig{BaseModel: core.ModelRef{Path: donor}}
	logger := slog.New(slog.DiscardHandler)
	require.NoError(t, exportTokenizer(cfg, outDir, nil, logger))

	copied, err := os.ReadFile(filepath.Join(outDir, "tokenizer.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":{"vocab":{"a":0}}}`, string(copied))

	_, err = os.Stat(filepath.Join(outDir, "tokenizer_config.json"))
	assert.NoError(t, err)
}

func TestExportTokenizerRewritesVocab(t *testing.T) {
	donor := t.TempDir()
	outDir := t.TempDir()
	donorTok := `{
  "version": "1.0",
  "model": {"type": "BPE", "vocab": {"a": 0, "b": 1}},
  "added_tokens": [
    {"id": 1, "content": "b", "special": true},
    {"id": 9, "content": "dropped", "special": true}
  ]
}`
	require.NoError(t, os.WriteFile(filepath.Join(donor, "tokenizer.json"), []byte(donorTok), 0o644))

	cfg := &intconfig.MergeConfig{
		BaseModel:       core.ModelRef{Path: donor},
		TokenizerSource: "union",
	}
	perms := &tokenizer.Permutations{Vocab: map[string]int{"a": 0, "b": 1, "c": 2}}
	logger := slog.New(slog.DiscardHandler)
	require.NoError(t, exportTokenizer(cfg, outDir, perms, logger))

	raw, err := readJSONFile(filepath.Join(outDir, "tokenizer.json"))
	require.NoError(t, err)

	model := raw["model"].(map[string]any)
	assert.Equal(t, "BPE", model["type"])
	vocab := model["vocab"].(map[string]any)
	assert.Len(t, vocab, 3)
	assert.EqualValues(t, 2, vocab["c"])

	added := raw["added_tokens"].([]any)
	require.Len(t, added, 1)
	entry := added[0].(map[string]any)
	assert.Equal(t, "b", entry["content"])
	assert.EqualValues(t, 1, entry["id"])
	assert.Equal(t, true, entry["special"])
}

func TestTokenizerDonorSelection(t *testing.T) {
	base := core.ModelRef{Path: "/models/base"}
	other := core.ModelRef{Path: "/models/other"}

	cfg := &intconfig.MergeConfig{
		Models:    []intconfig.ModelDef{{Model: other}},
		BaseModel: base,
	}
	assert.Equal(t, base, tokenizerDonor(cfg))

	cfg.TokenizerSource = "union"
	assert.Equal(t, base, tokenizerDonor(cfg))

	cfg.TokenizerSource = "model:/models/other"
	assert.Equal(t, other, tokenizerDonor(cfg))

	noBase := &intconfig.MergeConfig{Models: []intconfig.ModelDef{{Model: other}}}
	assert.Equal(t, other, tokenizerDonor(noBase))
}

func TestTaskKind(t *testing.T) {
	assert.Equal(t, "load", taskKind("load(/m/a,model.norm.weight,dtype=float16)"))
	assert.Equal(t, "save", taskKind("save(model.norm.weight,clone=false)[x]"))
	assert.Equal(t, "finalize", taskKind("finalize[tensor-writer(out,dtype=float16),saves=3]"))
	assert.Equal(t, "linear", taskKind("linear(normalize=1,)[gather(...)]"))
}

func TestFormatParams(t *testing.T) {
	def := 0.5
	params := []paramInfo{
		{Name: "weight", Required: true},
		{Name: "density", Default: &def},
	}
	assert.Equal(t, "weight (required), density=0.5", formatParams(params))
	assert.Equal(t, "-", formatParams(nil))
}
