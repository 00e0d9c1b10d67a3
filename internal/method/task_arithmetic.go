package method

import (
	"context"
	"fmt"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
)

func init() {
	Register(TaskArithmetic{})
}

// TaskArithmetic adds the weighted task vectors (model minus base) of
// every non-base model onto the base tensor.
type TaskArithmetic struct{}

func (TaskArithmetic) Name() string { return "task_arithmetic" }
func (TaskArithmetic) Description() string {
	return "base plus weighted sum of per-model task vectors"
}

func (TaskArithmetic) Parameters() []ParamDef {
	return []ParamDef{{Name: "lambda", Default: 1}}
}

func (TaskArithmetic) TensorParameters() []ParamDef {
	return []ParamDef{{Name: "weight", Required: true}}
}

func (TaskArithmetic) MakeTask(req TensorRequest) graph.Task {
	return &taskArithmeticTask{req: req}
}

type taskArithmeticTask struct {
	req TensorRequest
}

func (t *taskArithmeticTask) Key() string {
	return taskKey("task_arithmetic", t.req)
}

func (t *taskArithmeticTask) Inputs() []graph.Task {
	return []graph.Task{t.req.Tensors}
}

func (t *taskArithmeticTask) Run(_ context.Context, values []any) (any, error) {
	tensors, err := gathered(values)
	if err != nil {
		return nil, err
	}
	if t.req.BaseModel.IsZero() {
		return nil, fmt.Errorf("task_arithmetic requires base_model")
	}
	base, ok := tensors[t.req.BaseModel]
	if !ok {
		return nil, fmt.Errorf("task_arithmetic: base model tensor missing for %s", t.req.Output.Name)
	}

	acc := tensor.Zeros(base.Shape...)
	for _, m := range t.req.Tensors.Models() {
		if m == t.req.BaseModel {
			continue
		}
		in, ok := tensors[m]
		if !ok {
			continue
		}
		w, ok := t.req.TensorParameters[m]["weight"]
		if !ok {
			continue
		}
		delta, err := tensor.Sub(in, base)
		if err != nil {
			return nil, fmt.Errorf("task vector for %s (%s): %w", m, t.req.Output.Name, err)
		}
		if err := tensor.AddScaled(acc, delta, w); err != nil {
			return nil, err
		}
	}

	out := base.Clone()
	if err := tensor.AddScaled(out, acc, t.req.Parameters["lambda"]); err != nil {
		return nil, err
	}
	return out, nil
}
