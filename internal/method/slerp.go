package method

import (
	"context"
	"fmt"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
)

func init() {
	Register(Slerp{})
}

// Slerp spherically interpolates between the base model and exactly one
// other model.
type Slerp struct{}

func (Slerp) Name() string        { return "slerp" }
func (Slerp) Description() string { return "spherical interpolation between base and one other model" }

func (Slerp) Parameters() []ParamDef {
	return []ParamDef{{Name: "t", Required: true}}
}

func (Slerp) TensorParameters() []ParamDef {
	return nil
}

func (Slerp) MakeTask(req TensorRequest) graph.Task {
	return &slerpTask{req: req}
}

type slerpTask struct {
	req TensorRequest
}

func (t *slerpTask) Key() string {
	return taskKey("slerp", t.req)
}

func (t *slerpTask) Inputs() []graph.Task {
	return []graph.Task{t.req.Tensors}
}

func (t *slerpTask) Run(_ context.Context, values []any) (any, error) {
	tensors, err := gathered(values)
	if err != nil {
		return nil, err
	}
	if len(tensors) == 1 {
		for _, in := range tensors {
			return in.Clone(), nil
		}
	}
	if t.req.BaseModel.IsZero() {
		return nil, fmt.Errorf("slerp requires base_model")
	}
	base, ok := tensors[t.req.BaseModel]
	if !ok {
		return nil, fmt.Errorf("slerp: base model tensor missing for %s", t.req.Output.Name)
	}
	var other *tensor.Tensor
	for _, m := range t.req.Tensors.Models() {
		if m == t.req.BaseModel {
			continue
		}
		in, ok := tensors[m]
		if !ok {
			continue
		}
		if other != nil {
			return nil, fmt.Errorf("slerp supports base plus exactly one model (tensor %s)", t.req.Output.Name)
		}
		other = in
	}
	if other == nil {
		return nil, fmt.Errorf("slerp: no secondary model tensor for %s", t.req.Output.Name)
	}
	out, err := tensor.Slerp(base, other, t.req.Parameters["t"])
	if err != nil {
		return nil, fmt.Errorf("merging %s: %w", t.req.Output.Name, err)
	}
	return out, nil
}
