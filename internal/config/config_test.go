package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protekly/mergekit/pkg/core"
)

const sampleYAML = `
merge_method: ties
base_model: base/model
dtype: bfloat16
tokenizer_source: union
models:
  - model: base/model
  - model: org/alpha@main
    parameters:
      weight: 0.5
      density: [0.3, 0.7]
      normalize: true
  - model: org/beta
    parameters:
      weight:
        - filter: self_attn
          value: 0.9
        - value: 0.1
parameters:
  lambda: 1.0
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "ties", cfg.MergeMethod)
	assert.Equal(t, core.ModelRef{Path: "base/model"}, cfg.BaseModel)
	assert.Equal(t, core.DTypeBFloat16, cfg.DType)
	assert.Equal(t, "union", cfg.TokenizerSource)
	assert.Equal(t, DefaultShardSize, cfg.OutShardSize)
	require.Len(t, cfg.Models, 3)

	alpha := cfg.Models[1]
	assert.Equal(t, core.ModelRef{Path: "org/alpha", Revision: "main"}, alpha.Model)

	weight := alpha.Parameters["weight"]
	require.Len(t, weight, 1)
	assert.Equal(t, 0.5, weight[0].Value.At(0))

	density := alpha.Parameters["density"]
	require.Len(t, density, 1)
	assert.True(t, density[0].Value.IsGradient())
	assert.InDelta(t, 0.3, density[0].Value.At(0), 1e-9)
	assert.InDelta(t, 0.7, density[0].Value.At(1), 1e-9)

	normalize := alpha.Parameters["normalize"]
	require.Len(t, normalize, 1)
	assert.Equal(t, 1.0, normalize[0].Value.At(0))

	beta := cfg.Models[2].Parameters["weight"]
	require.Len(t, beta, 2)
	assert.Equal(t, "self_attn", beta[0].Filter)
	assert.Equal(t, 0.9, beta[0].Value.At(0))
	assert.Equal(t, "", beta[1].Filter)
}

func TestLoadBytesSlices(t *testing.T) {
	yaml := `
merge_method: passthrough
slices:
  - sources:
      - model: org/alpha
        layer_range: [0, 16]
  - sources:
      - model: org/beta
        layer_range: [8, 24]
`
	cfg, err := LoadBytes([]byte(yaml))
	require.NoError(t, err)
	require.Len(t, cfg.Slices, 2)
	assert.Equal(t, core.LayerRange{Start: 0, End: 16}, cfg.Slices[0].Sources[0].Range)
	assert.Equal(t, core.LayerRange{Start: 8, End: 24}, cfg.Slices[1].Sources[0].Range)
}

func TestValidateRejectsBothForms(t *testing.T) {
	cfg := &MergeConfig{
		MergeMethod: "linear",
		Models:      []ModelDef{{Model: core.ModelRef{Path: "a"}}},
		Slices:      []OutputSlice{{Sources: []InputSlice{{Model: core.ModelRef{Path: "a"}}}}},
	}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBothModelsAndSlices))
}

func TestValidateRejectsEmpty(t *testing.T) {
	cfg := &MergeConfig{MergeMethod: "linear"}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoInputs))
}

func TestValidateTokenizerSource(t *testing.T) {
	base := func() *MergeConfig {
		cfg := &MergeConfig{
			MergeMethod: "linear",
			Models:      []ModelDef{{Model: core.ModelRef{Path: "a"}}},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	cfg := base()
	cfg.TokenizerSource = "model:org/alpha"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.TokenizerSource = "nonsense"
	assert.Error(t, cfg.Validate())
}

func TestValidateAlignRequiresBase(t *testing.T) {
	cfg := &MergeConfig{
		MergeMethod:  "linear",
		AlignWeights: true,
		Models:       []ModelDef{{Model: core.ModelRef{Path: "a"}}},
	}
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())

	cfg.BaseModel = core.ModelRef{Path: "a"}
	assert.NoError(t, cfg.Validate())
}

func TestReferencedModelsBaseFirst(t *testing.T) {
	cfg := &MergeConfig{
		BaseModel: core.ModelRef{Path: "base"},
		Models: []ModelDef{
			{Model: core.ModelRef{Path: "alpha"}},
			{Model: core.ModelRef{Path: "base"}},
			{Model: core.ModelRef{Path: "beta"}},
		},
	}
	refs := cfg.ReferencedModels()
	require.Len(t, refs, 3)
	assert.Equal(t, "base", refs[0].Path)
	assert.Equal(t, "alpha", refs[1].Path)
	assert.Equal(t, "beta", refs[2].Path)
}

func TestGradientInterpolation(t *testing.T) {
	v := GradientValue([]float64{0, 1, 0})
	assert.InDelta(t, 0.0, v.At(0), 1e-9)
	assert.InDelta(t, 1.0, v.At(0.5), 1e-9)
	assert.InDelta(t, 0.0, v.At(1), 1e-9)
	assert.InDelta(t, 0.5, v.At(0.25), 1e-9)

	single := GradientValue([]float64{0.4})
	assert.Equal(t, 0.4, single.At(0.7))
}

func TestCanonicalYAMLRoundTrip(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)

	data, err := cfg.CanonicalYAML()
	require.NoError(t, err)

	again, err := LoadBytes(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	// canonical form is stable
	data2, err := again.CanonicalYAML()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(data2))
}
