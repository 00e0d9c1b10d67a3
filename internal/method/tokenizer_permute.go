package method

import (
	"context"
	"fmt"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
	"github.com/Protekly/mergekit/internal/tokenizer"
	"github.com/Protekly/mergekit/pkg/core"
)

// TokenizerPermute merges vocabulary-indexed weights by token identity
// instead of blending rows positionally: every input is first permuted
// onto the output vocabulary, then rows are combined per token over the
// models that actually carry it. The planner substitutes it for embedding
// and lm-head weights when a tokenizer merge is requested; it is not part
// of the registry, so configs cannot name it directly.
type TokenizerPermute struct {
	build *tokenizer.BuildTask
}

// NewTokenizerPermute binds the method to one tokenizer build task.
func NewTokenizerPermute(build *tokenizer.BuildTask) TokenizerPermute {
	return TokenizerPermute{build: build}
}

func (TokenizerPermute) Name() string { return "tokenizer_permute" }
func (TokenizerPermute) Description() string {
	return "per-token merge of vocabulary weights across mismatched tokenizers"
}

func (TokenizerPermute) Parameters() []ParamDef {
	return []ParamDef{{Name: "embed_slerp", Default: 0}}
}

func (TokenizerPermute) TensorParameters() []ParamDef {
	return []ParamDef{{Name: "weight", Required: true}}
}

func (m TokenizerPermute) MakeTask(req TensorRequest) graph.Task {
	return &tokenizerPermuteTask{req: req, build: m.build}
}

type tokenizerPermuteTask struct {
	req   TensorRequest
	build *tokenizer.BuildTask
}

func (t *tokenizerPermuteTask) Key() string {
	return taskKey("tokenizer_permute", t.req, t.build.Key())
}

func (t *tokenizerPermuteTask) Inputs() []graph.Task {
	return []graph.Task{t.req.Tensors, t.build}
}

func (t *tokenizerPermuteTask) Run(_ context.Context, values []any) (any, error) {
	tensors, err := gathered(values)
	if err != nil {
		return nil, err
	}
	perms, ok := values[1].(*tokenizer.Permutations)
	if !ok {
		return nil, fmt.Errorf("expected tokenizer permutations, got %T", values[1])
	}

	var models []core.ModelRef
	hidden := -1
	for _, m := range t.req.Tensors.Models() {
		x, ok := tensors[m]
		if !ok {
			continue
		}
		if len(x.Shape) != 2 {
			return nil, fmt.Errorf("%s from %s: expected a rank-2 vocabulary weight, got %s",
				t.req.Output.Name, m, x.ShapeString())
		}
		if perms.PermFor[m] == nil {
			return nil, fmt.Errorf("no vocabulary permutation for model %s", m)
		}
		if hidden == -1 {
			hidden = x.Shape[1]
		} else if x.Shape[1] != hidden {
			return nil, fmt.Errorf("%s: hidden size mismatch, %d vs %d", t.req.Output.Name, x.Shape[1], hidden)
		}
		models = append(models, m)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("no input tensors for %s", t.req.Output.Name)
	}

	if t.req.Parameters["embed_slerp"] != 0 {
		return t.slerpMerge(tensors, perms, models)
	}
	return t.linearMerge(tensors, perms, models, hidden)
}

// linearMerge averages each output row over the models whose vocabulary
// carries the token, weighted by their resolved weight. Tokens no
// weighted model carries come out zero.
func (t *tokenizerPermuteTask) linearMerge(tensors map[core.ModelRef]*tensor.Tensor, perms *tokenizer.Permutations, models []core.ModelRef, hidden int) (*tensor.Tensor, error) {
	vocab := perms.VocabSize()
	out := tensor.Zeros(vocab, hidden)
	denom := make([]float64, vocab)

	for _, m := range models {
		w, ok := t.req.TensorParameters[m]["weight"]
		if !ok {
			continue
		}
		x := tensors[m]
		perm := perms.PermFor[m]
		for r := 0; r < vocab; r++ {
			src := perm[r]
			if src < 0 || src >= x.Shape[0] {
				continue
			}
			row := x.Data[src*hidden : (src+1)*hidden]
			acc := out.Data[r*hidden : (r+1)*hidden]
			for i, v := range row {
				acc[i] += float32(w * float64(v))
			}
			denom[r] += w
		}
	}

	for r := 0; r < vocab; r++ {
		if denom[r] == 0 {
			continue
		}
		inv := 1.0 / denom[r]
		row := out.Data[r*hidden : (r+1)*hidden]
		for i := range row {
			row[i] = float32(float64(row[i]) * inv)
		}
	}
	return out, nil
}

// slerpMerge spherically interpolates the base model's permuted rows
// toward the single other model's at that model's weight. Tokens one
// side lacks keep the other side's row verbatim.
func (t *tokenizerPermuteTask) slerpMerge(tensors map[core.ModelRef]*tensor.Tensor, perms *tokenizer.Permutations, models []core.ModelRef) (*tensor.Tensor, error) {
	if t.req.BaseModel.IsZero() {
		return nil, fmt.Errorf("embed_slerp requires base_model")
	}
	if len(models) != 2 {
		return nil, fmt.Errorf("embed_slerp requires exactly two models, got %d", len(models))
	}
	other := models[0]
	if other == t.req.BaseModel {
		other = models[1]
	} else if models[1] != t.req.BaseModel {
		return nil, fmt.Errorf("embed_slerp requires the base model among the inputs")
	}

	frac, ok := t.req.TensorParameters[other]["weight"]
	if !ok {
		return nil, fmt.Errorf("no weight for model %s", other)
	}

	basePerm := perms.PermFor[t.req.BaseModel]
	otherPerm := perms.PermFor[other]
	baseRows, err := tensor.PermuteRows(tensors[t.req.BaseModel], basePerm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.req.BaseModel, err)
	}
	otherRows, err := tensor.PermuteRows(tensors[other], otherPerm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", other, err)
	}

	out, err := tensor.Slerp(baseRows, otherRows, frac)
	if err != nil {
		return nil, err
	}
	hidden := out.Shape[1]
	for r := 0; r < perms.VocabSize(); r++ {
		if basePerm[r] < 0 {
			copy(out.Data[r*hidden:(r+1)*hidden], otherRows.Data[r*hidden:(r+1)*hidden])
		} else if otherPerm[r] < 0 {
			copy(out.Data[r*hidden:(r+1)*hidden], baseRows.Data[r*hidden:(r+1)*hidden])
		}
	}
	return out, nil
}
