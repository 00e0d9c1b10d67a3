package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	intconfig "github.com/Protekly/mergekit/internal/config"
	"github.com/Protekly/mergekit/internal/plan"
	"github.com/Protekly/mergekit/internal/tokenizer"
	"github.com/Protekly/mergekit/pkg/core"
)

// tokenizerSidecars are the tokenizer files copied verbatim from the
// donor model when present.
var tokenizerSidecars = []string{
	"tokenizer_config.json",
	"special_tokens_map.json",
	"vocab.json",
	"merges.txt",
}

// writeMergedArtifacts writes everything the merged checkpoint needs
// beyond its tensors: a patched config.json and the tokenizer files.
func writeMergedArtifacts(planner *plan.Planner, pl *plan.Plan, results map[string]any, outPath string, logger *slog.Logger) error {
	var perms *tokenizer.Permutations
	if pl.Tokenizer != nil {
		if p, ok := results[pl.Tokenizer.Key()].(*tokenizer.Permutations); ok {
			perms = p
		}
	}
	if err := writeModelConfig(planner, outPath, perms); err != nil {
		return err
	}
	return exportTokenizer(planner.Config(), outPath, perms, logger)
}

// writeModelConfig seeds the output config.json from the donor model's
// and patches the fields the merge changed: the layer count, and the
// vocabulary size when a tokenizer was built.
func writeModelConfig(planner *plan.Planner, outPath string, perms *tokenizer.Permutations) error {
	donor := configDonor(planner.Config())
	raw, err := readJSONFile(filepath.Join(donor.Path, "config.json"))
	if err != nil {
		return fmt.Errorf("reading donor config: %w", err)
	}

	key := planner.OutputArch().Definition().NumLayersKey
	if key == "" {
		key = "num_hidden_layers"
	}
	raw[key] = planner.OutputArch().LayerCount()
	if perms != nil {
		raw["vocab_size"] = perms.VocabSize()
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering output config: %w", err)
	}
	return os.WriteFile(filepath.Join(outPath, "config.json"), append(data, '\n'), 0o644)
}

// exportTokenizer copies the donor model's tokenizer files into the
// output. When a tokenizer was built, tokenizer.json is rewritten with
// the merged vocabulary instead of copied.
func exportTokenizer(cfg *intconfig.MergeConfig, outPath string, perms *tokenizer.Permutations, logger *slog.Logger) error {
	donor := tokenizerDonor(cfg)
	for _, name := range tokenizerSidecars {
		if _, err := copyFileIfExists(filepath.Join(donor.Path, name), filepath.Join(outPath, name)); err != nil {
			return err
		}
	}

	src := filepath.Join(donor.Path, "tokenizer.json")
	dst := filepath.Join(outPath, "tokenizer.json")
	if perms == nil {
		copied, err := copyFileIfExists(src, dst)
		if err != nil {
			return err
		}
		if !copied {
			logger.Warn("donor model has no tokenizer.json, output has no tokenizer", "model", donor)
		}
		return nil
	}

	raw, err := readJSONFile(src)
	if err != nil {
		return fmt.Errorf("reading donor tokenizer: %w", err)
	}
	patchTokenizerVocab(raw, perms)
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering output tokenizer: %w", err)
	}
	return os.WriteFile(dst, append(data, '\n'), 0o644)
}

// configDonor picks the model whose config.json seeds the output: the
// base model when one is declared, otherwise the first referenced model.
func configDonor(cfg *intconfig.MergeConfig) core.ModelRef {
	if !cfg.BaseModel.IsZero() {
		return cfg.BaseModel
	}
	return cfg.ReferencedModels()[0]
}

// tokenizerDonor picks the model whose tokenizer files seed the output:
// the named model for "model:<ref>", otherwise the config donor.
func tokenizerDonor(cfg *intconfig.MergeConfig) core.ModelRef {
	if rest, ok := strings.CutPrefix(cfg.TokenizerSource, "model:"); ok {
		if ref, err := core.ParseModelRef(rest); err == nil {
			return ref
		}
	}
	return configDonor(cfg)
}

// patchTokenizerVocab rewrites the tokenizer's vocabulary to the merged
// one. Added tokens absent from the merged vocabulary are dropped; the
// rest are renumbered to their output rows.
func patchTokenizerVocab(raw map[string]any, perms *tokenizer.Permutations) {
	model, ok := raw["model"].(map[string]any)
	if !ok {
		model = map[string]any{}
		raw["model"] = model
	}
	vocab := make(map[string]any, len(perms.Vocab))
	for token, row := range perms.Vocab {
		vocab[token] = row
	}
	model["vocab"] = vocab

	added, ok := raw["added_tokens"].([]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(added))
	for _, entry := range added {
		tok, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		content, _ := tok["content"].(string)
		row, ok := perms.Vocab[content]
		if !ok {
			continue
		}
		tok["id"] = row
		kept = append(kept, tok)
	}
	raw["added_tokens"] = kept
}

func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return raw, nil
}

func copyFileIfExists(src, dst string) (bool, error) {
	data, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
