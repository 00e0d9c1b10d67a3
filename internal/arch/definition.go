// Package arch maps model checkpoints to the ordered weight lists the
// planner iterates. Architecture definitions are data: JSON documents
// embedded in the binary, matched against a checkpoint's config.json.
package arch

import (
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/Protekly/mergekit/pkg/core"
)

//go:embed defs/*.json
var defFS embed.FS

// layerVar is the template variable substituted with the layer index.
const layerVar = "${layer}"

// WeightDef is one weight template in an architecture definition.
type WeightDef struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases"`
	IsEmbed     bool     `json:"is_embed"`
	IsLMHead    bool     `json:"is_lm_head"`
	Optional    bool     `json:"optional"`
	InputSpace  string   `json:"input_space"`
	OutputSpace string   `json:"output_space"`
}

// Definition describes one supported architecture family.
type Definition struct {
	ModelType        string      `json:"model_type"`
	Architectures    []string    `json:"architectures"`
	NumLayersKey     string      `json:"num_layers_key"`
	PreWeights       []WeightDef `json:"pre_weights"`
	LayerWeights     []WeightDef `json:"layer_weights"`
	PostWeights      []WeightDef `json:"post_weights"`
	ProceduralSpaces []string    `json:"procedural_spaces"`
}

var loadDefinitions = sync.OnceValues(func() ([]*Definition, error) {
	entries, err := defFS.ReadDir("defs")
	if err != nil {
		return nil, fmt.Errorf("reading embedded architecture definitions: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		data, err := defFS.ReadFile("defs/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		if def.ModelType == "" || len(def.LayerWeights) == 0 {
			return nil, fmt.Errorf("definition %s is incomplete", name)
		}
		defs = append(defs, &def)
	}
	return defs, nil
})

// UnsupportedArchitectureError reports a checkpoint whose architecture no
// embedded definition covers.
type UnsupportedArchitectureError struct {
	Architectures []string
	ModelType     string
	Available     []string
}

func (e *UnsupportedArchitectureError) Error() string {
	name := e.ModelType
	if len(e.Architectures) > 0 {
		name = strings.Join(e.Architectures, ", ")
	}
	return fmt.Sprintf("unsupported model architecture %q (supported: %s)",
		name, strings.Join(e.Available, ", "))
}

// Resolve matches a model config to a definition: by architecture name
// first, then by model_type.
func Resolve(cfg *ModelConfig) (*Definition, error) {
	defs, err := loadDefinitions()
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		for _, a := range def.Architectures {
			for _, b := range cfg.Architectures {
				if a == b {
					return def, nil
				}
			}
		}
	}
	if cfg.ModelType != "" {
		for _, def := range defs {
			if def.ModelType == cfg.ModelType {
				return def, nil
			}
		}
	}
	available := make([]string, 0, len(defs))
	for _, def := range defs {
		available = append(available, def.ModelType)
	}
	return nil, &UnsupportedArchitectureError{
		Architectures: cfg.Architectures,
		ModelType:     cfg.ModelType,
		Available:     available,
	}
}

// SupportedModelTypes lists every embedded architecture by model_type.
func SupportedModelTypes() ([]string, error) {
	defs, err := loadDefinitions()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(defs))
	for _, def := range defs {
		out = append(out, def.ModelType)
	}
	return out, nil
}

func expand(s string, layer int) string {
	return strings.ReplaceAll(s, layerVar, strconv.Itoa(layer))
}

func (d WeightDef) toWeightInfo(layer int) core.WeightInfo {
	w := core.WeightInfo{
		Name:        d.Name,
		IsEmbed:     d.IsEmbed,
		IsLMHead:    d.IsLMHead,
		Optional:    d.Optional,
		InputSpace:  d.InputSpace,
		OutputSpace: d.OutputSpace,
	}
	if layer >= 0 {
		w.Name = expand(w.Name, layer)
		w.InputSpace = expand(w.InputSpace, layer)
		w.OutputSpace = expand(w.OutputSpace, layer)
	}
	if len(d.Aliases) > 0 {
		w.Aliases = make([]string, len(d.Aliases))
		for i, a := range d.Aliases {
			w.Aliases[i] = a
			if layer >= 0 {
				w.Aliases[i] = expand(a, layer)
			}
		}
	}
	return w
}
