package arch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protekly/mergekit/pkg/core"
)

func TestResolveByArchitectureName(t *testing.T) {
	def, err := Resolve(&ModelConfig{Architectures: []string{"LlamaForCausalLM"}})
	require.NoError(t, err)
	assert.Equal(t, "llama", def.ModelType)
}

func TestResolveByModelType(t *testing.T) {
	def, err := Resolve(&ModelConfig{ModelType: "gpt2"})
	require.NoError(t, err)
	assert.Equal(t, "gpt2", def.ModelType)
}

func TestResolveUnsupported(t *testing.T) {
	_, err := Resolve(&ModelConfig{ModelType: "mamba", Architectures: []string{"MambaForCausalLM"}})
	require.Error(t, err)

	var unsupported *UnsupportedArchitectureError
	require.True(t, errors.As(err, &unsupported))
	assert.Contains(t, unsupported.Available, "llama")
}

func TestInfoLayerWeights(t *testing.T) {
	def, err := Resolve(&ModelConfig{ModelType: "llama"})
	require.NoError(t, err)

	info, err := NewInfo(def, &ModelConfig{ModelType: "llama", NumHiddenLayers: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, info.LayerCount())

	weights := info.LayerWeights(2)
	require.NotEmpty(t, weights)
	assert.Equal(t, "model.layers.2.input_layernorm.weight", weights[0].Name)

	var qProj core.WeightInfo
	for _, w := range weights {
		if w.Name == "model.layers.2.self_attn.q_proj.weight" {
			qProj = w
		}
	}
	require.NotEmpty(t, qProj.Name)
	assert.Equal(t, "residual", qProj.InputSpace)
	assert.Equal(t, "attn_qk_2", qProj.OutputSpace)

	// same logical shape at every index
	assert.Equal(t, len(info.LayerWeights(0)), len(info.LayerWeights(3)))
}

func TestInfoPrePostWeights(t *testing.T) {
	def, err := Resolve(&ModelConfig{ModelType: "llama"})
	require.NoError(t, err)
	info, err := NewInfo(def, &ModelConfig{NumHiddenLayers: 2})
	require.NoError(t, err)

	pre := info.PreWeights()
	require.Len(t, pre, 1)
	assert.True(t, pre[0].IsEmbed)
	assert.Equal(t, "model.embed_tokens.weight", pre[0].Name)

	post := info.PostWeights()
	require.Len(t, post, 2)
	head := post[1]
	assert.True(t, head.IsLMHead)
	assert.True(t, head.Optional)
	assert.Equal(t, []string{"model.embed_tokens.weight"}, head.Aliases)
}

func TestNewInfoRejectsZeroLayers(t *testing.T) {
	def, err := Resolve(&ModelConfig{ModelType: "llama"})
	require.NoError(t, err)
	_, err = NewInfo(def, &ModelConfig{NumHiddenLayers: 0})
	require.Error(t, err)
}

func TestWithLayerCount(t *testing.T) {
	def, err := Resolve(&ModelConfig{ModelType: "llama"})
	require.NoError(t, err)
	info, err := NewInfo(def, &ModelConfig{NumHiddenLayers: 8})
	require.NoError(t, err)

	out, err := info.WithLayerCount(12)
	require.NoError(t, err)
	assert.Equal(t, 12, out.LayerCount())
	assert.Equal(t, 8, info.LayerCount(), "original must be untouched")
}

func TestGPT2UsesNLayerKey(t *testing.T) {
	def, err := Resolve(&ModelConfig{ModelType: "gpt2"})
	require.NoError(t, err)
	info, err := NewInfo(def, &ModelConfig{NLayer: 12})
	require.NoError(t, err)
	assert.Equal(t, 12, info.LayerCount())

	weights := info.LayerWeights(0)
	assert.Equal(t, "h.0.ln_1.weight", weights[0].Name)
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"model_type": "llama", "architectures": ["LlamaForCausalLM"], "num_hidden_layers": 6, "vocab_size": 32000}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "llama", cfg.ModelType)
	assert.Equal(t, 6, cfg.NumHiddenLayers)
	assert.Equal(t, 32000, cfg.VocabSize)

	_, err = LoadModelConfig(t.TempDir())
	require.Error(t, err)
}

func TestInfoForReadsCheckpointDir(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"model_type": "mistral", "architectures": ["MistralForCausalLM"], "num_hidden_layers": 2}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	info, err := InfoFor(core.ModelRef{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, "mistral", info.Definition().ModelType)
	assert.Equal(t, 2, info.LayerCount())
}
