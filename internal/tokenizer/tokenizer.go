// Package tokenizer reconciles the vocabularies of the input models and
// produces the permutation tables the vocabulary-permutation merge
// consumes. The output vocabulary is chosen by the tokenizer source
// policy: the union of all vocabularies, the base model's, or a named
// model's.
package tokenizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/pkg/core"
)

// Permutations is the result of the build task.
type Permutations struct {
	// Vocab maps each output token to its output row.
	Vocab map[string]int
	// PermFor maps output rows to each model's source row, -1 when the
	// model's vocabulary lacks the token.
	PermFor map[core.ModelRef][]int
}

// VocabSize returns the output vocabulary size.
func (p *Permutations) VocabSize() int {
	return len(p.Vocab)
}

// BuildTask loads every referenced model's tokenizer and computes row
// permutations onto the output vocabulary. It has no task inputs; it
// performs its own file I/O when run.
type BuildTask struct {
	base       core.ModelRef
	referenced []core.ModelRef
	source     string
}

// NewBuildTask creates the tokenizer-build task. source is "union",
// "base", or "model:<ref>"; referenced lists every model in the merge,
// base first when one is declared.
func NewBuildTask(base core.ModelRef, referenced []core.ModelRef, source string) *BuildTask {
	return &BuildTask{base: base, referenced: referenced, source: source}
}

func (t *BuildTask) Key() string {
	names := make([]string, len(t.referenced))
	for i, m := range t.referenced {
		names[i] = m.String()
	}
	return fmt.Sprintf("tokenizer(%s)[%s]", t.source, strings.Join(names, ","))
}

func (t *BuildTask) Inputs() []graph.Task {
	return nil
}

func (t *BuildTask) Run(ctx context.Context, _ []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vocabs := make(map[core.ModelRef]map[string]int, len(t.referenced))
	for _, m := range t.referenced {
		vocab, err := ReadVocab(m.Path)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m, err)
		}
		vocabs[m] = vocab
	}

	outVocab, err := t.outputVocab(vocabs)
	if err != nil {
		return nil, err
	}

	perms := make(map[core.ModelRef][]int, len(t.referenced))
	for _, m := range t.referenced {
		perm := make([]int, len(outVocab))
		for i := range perm {
			perm[i] = -1
		}
		for token, outRow := range outVocab {
			if srcRow, ok := vocabs[m][token]; ok {
				perm[outRow] = srcRow
			}
		}
		perms[m] = perm
	}
	return &Permutations{Vocab: outVocab, PermFor: perms}, nil
}

// outputVocab builds the output token -> row mapping per source policy.
func (t *BuildTask) outputVocab(vocabs map[core.ModelRef]map[string]int) (map[string]int, error) {
	switch {
	case t.source == "base":
		if t.base.IsZero() {
			return nil, fmt.Errorf("tokenizer_source \"base\" requires base_model")
		}
		return copyVocab(vocabs[t.base]), nil
	case strings.HasPrefix(t.source, "model:"):
		ref, err := core.ParseModelRef(strings.TrimPrefix(t.source, "model:"))
		if err != nil {
			return nil, fmt.Errorf("tokenizer_source: %w", err)
		}
		vocab, ok := vocabs[ref]
		if !ok {
			return nil, fmt.Errorf("tokenizer_source names %s, which is not part of the merge", ref)
		}
		return copyVocab(vocab), nil
	case t.source == "union":
		// models in declaration order, tokens sorted within each, so row
		// assignment is reproducible
		out := make(map[string]int)
		for _, m := range t.referenced {
			tokens := make([]string, 0, len(vocabs[m]))
			for token := range vocabs[m] {
				tokens = append(tokens, token)
			}
			sort.Strings(tokens)
			for _, token := range tokens {
				if _, ok := out[token]; !ok {
					out[token] = len(out)
				}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid tokenizer_source %q", t.source)
	}
}

func copyVocab(v map[string]int) map[string]int {
	out := make(map[string]int, len(v))
	for token, row := range v {
		out[token] = row
	}
	return out
}

// tokenizerJSON is the subset of a fast-tokenizer file we read.
type tokenizerJSON struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

// ReadVocab parses token -> row from a checkpoint's tokenizer.json,
// including added tokens.
func ReadVocab(dir string) (map[string]int, error) {
	path := filepath.Join(dir, "tokenizer.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tokenizer %s: %w", path, err)
	}
	var parsed tokenizerJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tokenizer %s: %w", path, err)
	}
	vocab := make(map[string]int, len(parsed.Model.Vocab)+len(parsed.AddedTokens))
	for token, row := range parsed.Model.Vocab {
		vocab[token] = row
	}
	for _, added := range parsed.AddedTokens {
		vocab[added.Content] = added.ID
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}
	return vocab, nil
}
