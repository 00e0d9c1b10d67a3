package method

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
)

func init() {
	Register(Ties{})
}

// Ties merges task vectors with per-model magnitude trimming and
// element-wise sign consensus: only models agreeing with the majority
// sign contribute to each element.
type Ties struct{}

func (Ties) Name() string { return "ties" }
func (Ties) Description() string {
	return "task arithmetic with magnitude trim and sign consensus"
}

func (Ties) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "normalize", Default: 1},
		{Name: "lambda", Default: 1},
	}
}

func (Ties) TensorParameters() []ParamDef {
	return []ParamDef{
		{Name: "weight", Required: true},
		{Name: "density", Required: true},
	}
}

func (Ties) MakeTask(req TensorRequest) graph.Task {
	return &tiesTask{req: req}
}

type tiesTask struct {
	req TensorRequest
}

func (t *tiesTask) Key() string {
	return taskKey("ties", t.req)
}

func (t *tiesTask) Inputs() []graph.Task {
	return []graph.Task{t.req.Tensors}
}

func (t *tiesTask) Run(_ context.Context, values []any) (any, error) {
	tensors, err := gathered(values)
	if err != nil {
		return nil, err
	}
	if t.req.BaseModel.IsZero() {
		return nil, fmt.Errorf("ties requires base_model")
	}
	base, ok := tensors[t.req.BaseModel]
	if !ok {
		return nil, fmt.Errorf("ties: base model tensor missing for %s", t.req.Output.Name)
	}

	var deltas []*tensor.Tensor
	var ws []float64
	for _, m := range t.req.Tensors.Models() {
		if m == t.req.BaseModel {
			continue
		}
		in, ok := tensors[m]
		if !ok {
			continue
		}
		params := t.req.TensorParameters[m]
		w, ok := params["weight"]
		if !ok {
			continue
		}
		density, ok := params["density"]
		if !ok {
			density = 1
		}
		delta, err := tensor.Sub(in, base)
		if err != nil {
			return nil, fmt.Errorf("task vector for %s (%s): %w", m, t.req.Output.Name, err)
		}
		sparsify(delta, density)
		deltas = append(deltas, delta)
		ws = append(ws, w)
	}
	if len(deltas) == 0 {
		return base.Clone(), nil
	}

	// majority sign per element, by weighted mass
	mixed := tensor.Zeros(base.Shape...)
	for i, d := range deltas {
		if err := tensor.AddScaled(mixed, d, ws[i]); err != nil {
			return nil, err
		}
	}

	normalize := t.req.Parameters["normalize"] != 0
	lambda := t.req.Parameters["lambda"]
	out := base.Clone()
	for e := range out.Data {
		majority := sign(mixed.Data[e])
		if majority == 0 {
			continue
		}
		num, div := 0.0, 0.0
		for i, d := range deltas {
			v := d.Data[e]
			if sign(v) != majority {
				continue
			}
			num += ws[i] * float64(v)
			div += ws[i]
		}
		if normalize && div != 0 {
			num /= div
		}
		out.Data[e] += float32(lambda * num)
	}
	return out, nil
}

// sparsify zeroes everything but the top density fraction of elements by
// magnitude, in place.
func sparsify(t *tensor.Tensor, density float64) {
	if density >= 1 {
		return
	}
	n := len(t.Data)
	keep := int(math.Ceil(density * float64(n)))
	if keep <= 0 {
		for i := range t.Data {
			t.Data[i] = 0
		}
		return
	}
	if keep >= n {
		return
	}
	mags := make([]float32, n)
	for i, v := range t.Data {
		mags[i] = float32(math.Abs(float64(v)))
	}
	sort.Slice(mags, func(i, j int) bool { return mags[i] > mags[j] })
	threshold := mags[keep-1]
	for i, v := range t.Data {
		if float32(math.Abs(float64(v))) < threshold {
			t.Data[i] = 0
		}
	}
}
