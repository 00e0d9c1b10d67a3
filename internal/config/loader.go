package config

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/Protekly/mergekit/pkg/core"
)

// Load reads a merge configuration from a YAML file, applies defaults,
// and validates it.
func Load(path string) (*MergeConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error reading merge config %s: %w", path, err)
	}
	return unmarshal(k)
}

// LoadBytes parses a merge configuration from raw YAML.
func LoadBytes(data []byte) (*MergeConfig, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error parsing merge config: %w", err)
	}
	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (*MergeConfig, error) {
	var cfg MergeConfig
	conf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				modelRefHook(),
				layerRangeHook(),
				paramSettingsHook(),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, conf); err != nil {
		return nil, fmt.Errorf("unable to decode merge config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// modelRefHook decodes "path@revision" strings into core.ModelRef.
func modelRefHook() mapstructure.DecodeHookFuncType {
	refType := reflect.TypeOf(core.ModelRef{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != refType || from.Kind() != reflect.String {
			return data, nil
		}
		s, _ := data.(string)
		if s == "" {
			return core.ModelRef{}, nil
		}
		return core.ParseModelRef(s)
	}
}

// layerRangeHook decodes two-element [start, end] lists into core.LayerRange.
func layerRangeHook() mapstructure.DecodeHookFuncType {
	rangeType := reflect.TypeOf(core.LayerRange{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != rangeType || from.Kind() != reflect.Slice {
			return data, nil
		}
		raw, ok := data.([]any)
		if !ok || len(raw) != 2 {
			return nil, fmt.Errorf("layer_range must be a [start, end] pair")
		}
		start, err := toFloat(raw[0])
		if err != nil {
			return nil, fmt.Errorf("layer_range start: %w", err)
		}
		end, err := toFloat(raw[1])
		if err != nil {
			return nil, fmt.Errorf("layer_range end: %w", err)
		}
		return core.LayerRange{Start: int(start), End: int(end)}, nil
	}
}

// paramSettingsHook accepts the flexible parameter forms: a bare scalar
// or bool, a numeric gradient list, or a list of {filter, value} entries.
func paramSettingsHook() mapstructure.DecodeHookFuncType {
	settingsType := reflect.TypeOf([]ParamSetting(nil))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != settingsType {
			return data, nil
		}
		return parseSettings(data)
	}
}

func parseSettings(data any) ([]ParamSetting, error) {
	if v, err := toParamValue(data); err == nil {
		return []ParamSetting{{Value: v}}, nil
	}
	list, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("unsupported parameter value of type %T", data)
	}
	out := make([]ParamSetting, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter entry %d: expected {filter, value} mapping, got %T", i, item)
		}
		var s ParamSetting
		if f, ok := entry["filter"]; ok && f != nil {
			filter, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("parameter entry %d: filter must be a string", i)
			}
			s.Filter = filter
		}
		rawValue, ok := entry["value"]
		if !ok {
			return nil, fmt.Errorf("parameter entry %d: missing value", i)
		}
		v, err := toParamValue(rawValue)
		if err != nil {
			return nil, fmt.Errorf("parameter entry %d: %w", i, err)
		}
		s.Value = v
		out = append(out, s)
	}
	return out, nil
}

// toParamValue converts a scalar, bool, or numeric list. Booleans coerce
// to 1 and 0 so flags like "normalize: true" resolve numerically.
func toParamValue(data any) (ParamValue, error) {
	if b, ok := data.(bool); ok {
		if b {
			return ScalarValue(1), nil
		}
		return ScalarValue(0), nil
	}
	if x, err := toFloat(data); err == nil {
		return ScalarValue(x), nil
	}
	if list, ok := data.([]any); ok {
		knots := make([]float64, len(list))
		for i, item := range list {
			x, err := toFloat(item)
			if err != nil {
				return ParamValue{}, fmt.Errorf("gradient element %d: %w", i, err)
			}
			knots[i] = x
		}
		if len(knots) == 0 {
			return ParamValue{}, fmt.Errorf("empty gradient")
		}
		return GradientValue(knots), nil
	}
	return ParamValue{}, fmt.Errorf("unsupported parameter value of type %T", data)
}

func toFloat(data any) (float64, error) {
	switch n := data.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", data)
	}
}

// CanonicalYAML renders the config in its explicit normalized form. The
// merge command writes this next to the merged weights so an output
// records exactly what produced it.
func (c *MergeConfig) CanonicalYAML() ([]byte, error) {
	doc := map[string]any{
		"merge_method":   c.MergeMethod,
		"dtype":          c.DType.String(),
		"out_shard_size": c.OutShardSize,
	}
	if !c.BaseModel.IsZero() {
		doc["base_model"] = c.BaseModel.String()
	}
	if c.TokenizerSource != "" {
		doc["tokenizer_source"] = c.TokenizerSource
	}
	if c.AlignWeights {
		doc["align_weights"] = true
	}
	if len(c.Parameters) > 0 {
		doc["parameters"] = paramsToYAML(c.Parameters)
	}
	if len(c.Models) > 0 {
		models := make([]any, len(c.Models))
		for i, m := range c.Models {
			entry := map[string]any{"model": m.Model.String()}
			if len(m.Parameters) > 0 {
				entry["parameters"] = paramsToYAML(m.Parameters)
			}
			models[i] = entry
		}
		doc["models"] = models
	}
	if len(c.Slices) > 0 {
		slices := make([]any, len(c.Slices))
		for i, s := range c.Slices {
			sources := make([]any, len(s.Sources))
			for j, src := range s.Sources {
				entry := map[string]any{
					"model":       src.Model.String(),
					"layer_range": []int{src.Range.Start, src.Range.End},
				}
				if len(src.Parameters) > 0 {
					entry["parameters"] = paramsToYAML(src.Parameters)
				}
				sources[j] = entry
			}
			slices[i] = map[string]any{"sources": sources}
		}
		doc["slices"] = slices
	}
	return yamlv3.Marshal(doc)
}

func paramsToYAML(p ParamSet) map[string]any {
	out := make(map[string]any, len(p))
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		settings := p[name]
		// collapse the common single-unfiltered form back to its shorthand
		if len(settings) == 1 && settings[0].Filter == "" {
			out[name] = valueToYAML(settings[0].Value)
			continue
		}
		entries := make([]any, len(settings))
		for i, s := range settings {
			entry := map[string]any{"value": valueToYAML(s.Value)}
			if s.Filter != "" {
				entry["filter"] = s.Filter
			}
			entries[i] = entry
		}
		out[name] = entries
	}
	return out
}

func valueToYAML(v ParamValue) any {
	if v.IsGradient() {
		return v.Gradient
	}
	return v.Scalar
}
