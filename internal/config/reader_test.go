package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protekly/mergekit/pkg/core"
)

func precedenceFixture() (*MergeConfig, *OutputSlice, core.ModelRef) {
	model := core.ModelRef{Path: "org/alpha"}
	slice := OutputSlice{
		Sources: []InputSlice{
			{
				Model: model,
				Range: core.LayerRange{Start: 0, End: 4},
				Parameters: ParamSet{
					"weight": {
						{Filter: "mlp", Value: ScalarValue(0.9)},
						{Value: ScalarValue(0.5)},
					},
				},
			},
		},
	}
	cfg := &MergeConfig{
		MergeMethod: "linear",
		Slices:      []OutputSlice{slice},
		Parameters: ParamSet{
			"weight": {
				{Filter: "embed", Value: ScalarValue(0.2)},
				{Value: ScalarValue(0.1)},
			},
		},
	}
	return cfg, &cfg.Slices[0], model
}

func TestParameterPrecedence(t *testing.T) {
	cfg, slice, model := precedenceFixture()
	r := Reader{Config: cfg, Slice: slice}

	// per-tensor-per-model beats everything
	v, ok, err := r.ForTensor("model.layers.0.mlp.up_proj.weight").Parameter("weight", model, true, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.9, v)

	// per-tensor (filtered global) beats per-model
	v, ok, err = r.ForTensor("model.embed_tokens.weight").Parameter("weight", model, true, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.2, v)

	// per-model beats unfiltered global
	v, ok, err = r.ForTensor("model.norm.weight").Parameter("weight", model, true, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.5, v)

	// global for a model with no slice entry
	other := core.ModelRef{Path: "org/other"}
	v, ok, err = r.ForTensor("model.norm.weight").Parameter("weight", other, true, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.1, v)
}

func TestParameterDefaultAndRequired(t *testing.T) {
	cfg := &MergeConfig{MergeMethod: "linear"}
	r := Reader{Config: cfg}

	// optional falls through to the default, reported as not configured
	v, ok, err := r.ForTensor("x").Parameter("density", core.ModelRef{Path: "m"}, false, 0.33)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0.33, v)

	// required with no value anywhere fails with full context
	_, ok, err = r.ForTensor("model.norm.weight").Parameter("density", core.ModelRef{Path: "m"}, true, 0)
	require.Error(t, err)
	assert.False(t, ok)

	var missing *MissingParameterError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "density", missing.Parameter)
	assert.Equal(t, "model.norm.weight", missing.Tensor)
	assert.Equal(t, "m", missing.Model)
}

func TestParameterGradientUsesT(t *testing.T) {
	cfg := &MergeConfig{
		MergeMethod: "linear",
		Parameters: ParamSet{
			"weight": {{Value: GradientValue([]float64{0, 1})}},
		},
	}
	r := Reader{Config: cfg}

	v, _, err := r.WithT(0.25).Parameter("weight", core.ModelRef{}, false, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-9)

	v, _, err = r.WithT(1).Parameter("weight", core.ModelRef{}, false, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-9)
}

func TestReaderCopiesAreIndependent(t *testing.T) {
	cfg, slice, _ := precedenceFixture()
	r := Reader{Config: cfg, Slice: slice}

	scoped := r.ForTensor("a").WithT(0.5)
	assert.Equal(t, "", r.Tensor)
	assert.Equal(t, 0.0, r.T)
	assert.Equal(t, "a", scoped.Tensor)
	assert.Equal(t, 0.5, scoped.T)
}
