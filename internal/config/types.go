// Package config defines the declarative merge configuration, its YAML
// loading, and scoped parameter resolution.
package config

import (
	"fmt"
	"strings"

	"github.com/Protekly/mergekit/pkg/core"
)

// Sentinel configuration errors.
var (
	// ErrBothModelsAndSlices means the config sets the shorthand model
	// list and the explicit slice list at the same time.
	ErrBothModelsAndSlices = fmt.Errorf("must specify either models to merge or output slices, not both")
	// ErrNoInputs means the config specifies nothing to merge.
	ErrNoInputs = fmt.Errorf("no models or output slices specified")
)

// DefaultShardSize is the output shard size target in bytes.
const DefaultShardSize = int64(5_000_000_000)

// ModelDef is one entry of the shorthand "models" list: a model merged at
// its full depth, with optional parameter overrides.
type ModelDef struct {
	Model      core.ModelRef `koanf:"model"`
	Parameters ParamSet      `koanf:"parameters"`
}

// InputSlice selects a contiguous layer range from one source model.
type InputSlice struct {
	Model      core.ModelRef   `koanf:"model"`
	Range      core.LayerRange `koanf:"layer_range"`
	Parameters ParamSet        `koanf:"parameters"`
}

// OutputSlice is one contiguous run of output layers, produced by merging
// the aligned layer ranges of its sources.
type OutputSlice struct {
	Sources []InputSlice `koanf:"sources"`
}

// MergeConfig is the root of a merge configuration. Exactly one of
// Models and Slices must be set; normalization rewrites Models into a
// single full-depth output slice.
type MergeConfig struct {
	Models          []ModelDef    `koanf:"models"`
	Slices          []OutputSlice `koanf:"slices"`
	MergeMethod     string        `koanf:"merge_method"`
	BaseModel       core.ModelRef `koanf:"base_model"`
	TokenizerSource string        `koanf:"tokenizer_source"`
	AlignWeights    bool          `koanf:"align_weights"`
	DType           core.DType    `koanf:"dtype"`
	OutShardSize    int64         `koanf:"out_shard_size"`
	Parameters      ParamSet      `koanf:"parameters"`
}

// ApplyDefaults fills unset fields with their default values.
func (c *MergeConfig) ApplyDefaults() {
	if c.DType == "" {
		c.DType = core.DTypeFloat16
	}
	if c.OutShardSize <= 0 {
		c.OutShardSize = DefaultShardSize
	}
}

// Validate checks structural validity. It does not resolve parameters and
// does not touch any checkpoint.
func (c *MergeConfig) Validate() error {
	if len(c.Models) > 0 && len(c.Slices) > 0 {
		return ErrBothModelsAndSlices
	}
	if len(c.Models) == 0 && len(c.Slices) == 0 {
		return ErrNoInputs
	}
	if c.MergeMethod == "" {
		return fmt.Errorf("merge_method is required")
	}
	if !c.DType.Valid() {
		return fmt.Errorf("invalid dtype %q", c.DType)
	}
	for i, m := range c.Models {
		if m.Model.IsZero() {
			return fmt.Errorf("models entry %d has no model", i)
		}
	}
	for i, s := range c.Slices {
		if len(s.Sources) == 0 {
			return fmt.Errorf("output slice %d has no sources", i)
		}
		for j, src := range s.Sources {
			if src.Model.IsZero() {
				return fmt.Errorf("output slice %d source %d has no model", i, j)
			}
			if err := src.Range.Validate(); err != nil {
				return fmt.Errorf("output slice %d source %d: %w", i, j, err)
			}
		}
	}
	if err := validateTokenizerSource(c.TokenizerSource); err != nil {
		return err
	}
	if c.AlignWeights && c.BaseModel.IsZero() {
		return fmt.Errorf("align_weights requires base_model")
	}
	return nil
}

func validateTokenizerSource(s string) error {
	switch {
	case s == "" || s == "union" || s == "base":
		return nil
	case strings.HasPrefix(s, "model:"):
		if _, err := core.ParseModelRef(strings.TrimPrefix(s, "model:")); err != nil {
			return fmt.Errorf("tokenizer_source: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("invalid tokenizer_source %q (want union, base, or model:<ref>)", s)
	}
}

// ReferencedModels returns every model the config mentions, deduplicated,
// with the base model first when one is declared. Non-base models keep
// their listing order.
func (c *MergeConfig) ReferencedModels() []core.ModelRef {
	var out []core.ModelRef
	seen := make(map[core.ModelRef]bool)
	add := func(m core.ModelRef) {
		if m.IsZero() || seen[m] {
			return
		}
		seen[m] = true
		out = append(out, m)
	}
	add(c.BaseModel)
	for _, m := range c.Models {
		add(m.Model)
	}
	for _, s := range c.Slices {
		for _, src := range s.Sources {
			add(src.Model)
		}
	}
	return out
}
