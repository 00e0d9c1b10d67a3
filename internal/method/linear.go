package method

import (
	"context"
	"fmt"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
)

func init() {
	Register(Linear{})
}

// Linear is a weighted average over all input tensors. Models without a
// resolved weight (the exempted base model) are left out of the average.
type Linear struct{}

func (Linear) Name() string        { return "linear" }
func (Linear) Description() string { return "weighted average of input tensors" }

func (Linear) Parameters() []ParamDef {
	return []ParamDef{{Name: "normalize", Default: 1}}
}

func (Linear) TensorParameters() []ParamDef {
	return []ParamDef{{Name: "weight", Required: true}}
}

func (Linear) MakeTask(req TensorRequest) graph.Task {
	return &linearTask{req: req}
}

type linearTask struct {
	req TensorRequest
}

func (t *linearTask) Key() string {
	return taskKey("linear", t.req)
}

func (t *linearTask) Inputs() []graph.Task {
	return []graph.Task{t.req.Tensors}
}

func (t *linearTask) Run(_ context.Context, values []any) (any, error) {
	tensors, err := gathered(values)
	if err != nil {
		return nil, err
	}
	var ts []*tensor.Tensor
	var ws []float64
	for _, m := range t.req.Tensors.Models() {
		in, ok := tensors[m]
		if !ok {
			continue
		}
		w, ok := t.req.TensorParameters[m]["weight"]
		if !ok {
			continue
		}
		ts = append(ts, in)
		ws = append(ws, w)
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("no weighted inputs for %s", t.req.Output.Name)
	}
	normalize := t.req.Parameters["normalize"] != 0
	out, err := tensor.WeightedSum(ts, ws, normalize)
	if err != nil {
		return nil, fmt.Errorf("merging %s: %w", t.req.Output.Name, err)
	}
	return out, nil
}
