package arch

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// ModelConfig is the subset of a checkpoint's config.json the planner
// needs. Fields outside this subset are ignored.
type ModelConfig struct {
	ModelType         string   `json:"model_type"`
	Architectures     []string `json:"architectures"`
	NumHiddenLayers   int      `json:"num_hidden_layers"`
	NLayer            int      `json:"n_layer"`
	HiddenSize        int      `json:"hidden_size"`
	VocabSize         int      `json:"vocab_size"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
}

// LoadModelConfig reads config.json from a checkpoint directory.
func LoadModelConfig(dir string) (*ModelConfig, error) {
	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model config %s: %w", path, err)
	}
	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing model config %s: %w", path, err)
	}
	return &cfg, nil
}

// layerCount reads the layer count under the definition's config key.
func (c *ModelConfig) layerCount(key string) int {
	switch key {
	case "n_layer":
		return c.NLayer
	default:
		return c.NumHiddenLayers
	}
}

// setLayerCount writes the layer count under the definition's config key.
func (c *ModelConfig) setLayerCount(key string, n int) {
	switch key {
	case "n_layer":
		c.NLayer = n
	default:
		c.NumHiddenLayers = n
	}
}
