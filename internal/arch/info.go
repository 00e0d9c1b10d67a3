package arch

import (
	"fmt"

	"github.com/Protekly/mergekit/pkg/core"
)

// Info binds an architecture definition to a concrete model config,
// yielding the ordered weight lists for that model's actual depth.
type Info struct {
	def *Definition
	cfg *ModelConfig
}

// NewInfo validates the binding. Layer count must be positive.
func NewInfo(def *Definition, cfg *ModelConfig) (*Info, error) {
	if def == nil || cfg == nil {
		return nil, fmt.Errorf("architecture info requires a definition and a model config")
	}
	if cfg.layerCount(def.NumLayersKey) <= 0 {
		return nil, fmt.Errorf("model config for %s has no positive layer count under %q",
			def.ModelType, def.NumLayersKey)
	}
	return &Info{def: def, cfg: cfg}, nil
}

// InfoFor loads a checkpoint's config.json and binds it to its matching
// architecture definition. The ref's path is the checkpoint directory.
func InfoFor(ref core.ModelRef) (*Info, error) {
	cfg, err := LoadModelConfig(ref.Path)
	if err != nil {
		return nil, err
	}
	def, err := Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", ref, err)
	}
	return NewInfo(def, cfg)
}

// Definition returns the underlying architecture definition.
func (i *Info) Definition() *Definition {
	return i.def
}

// Config returns the bound model config.
func (i *Info) Config() *ModelConfig {
	return i.cfg
}

// LayerCount returns the model's hidden layer count.
func (i *Info) LayerCount() int {
	return i.cfg.layerCount(i.def.NumLayersKey)
}

// WithLayerCount returns a copy of the info bound to a config whose layer
// count is n. The planner uses this to synthesize the output
// architecture, whose depth is the sum of the output slice lengths.
func (i *Info) WithLayerCount(n int) (*Info, error) {
	if n <= 0 {
		return nil, fmt.Errorf("output layer count must be positive, got %d", n)
	}
	cfg := *i.cfg
	cfg.setLayerCount(i.def.NumLayersKey, n)
	return &Info{def: i.def, cfg: &cfg}, nil
}

// PreWeights returns the weights preceding the layer stack.
func (i *Info) PreWeights() []core.WeightInfo {
	return toWeightInfos(i.def.PreWeights, -1)
}

// LayerWeights returns the weights of one layer, with names expanded for
// the given layer index.
func (i *Info) LayerWeights(index int) []core.WeightInfo {
	return toWeightInfos(i.def.LayerWeights, index)
}

// PostWeights returns the weights following the layer stack.
func (i *Info) PostWeights() []core.WeightInfo {
	return toWeightInfos(i.def.PostWeights, -1)
}

// ProceduralSpaces returns the alignment spaces the architecture declares
// independently of any single weight.
func (i *Info) ProceduralSpaces() []string {
	return i.def.ProceduralSpaces
}

// AllWeightNames returns the canonical name of every tensor the bound
// model is expected to carry.
func (i *Info) AllWeightNames() []string {
	var names []string
	for _, w := range i.PreWeights() {
		names = append(names, w.Name)
	}
	for l := 0; l < i.LayerCount(); l++ {
		for _, w := range i.LayerWeights(l) {
			names = append(names, w.Name)
		}
	}
	for _, w := range i.PostWeights() {
		names = append(names, w.Name)
	}
	return names
}

func toWeightInfos(defs []WeightDef, layer int) []core.WeightInfo {
	out := make([]core.WeightInfo, len(defs))
	for i, d := range defs {
		out[i] = d.toWeightInfo(layer)
	}
	return out
}
