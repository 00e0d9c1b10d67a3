package method

import (
	"context"
	"fmt"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
)

func init() {
	Register(Passthrough{})
}

// Passthrough copies the single input tensor, optionally scaled. Used for
// layer-stacking configs that interleave slices from different models.
type Passthrough struct{}

func (Passthrough) Name() string        { return "passthrough" }
func (Passthrough) Description() string { return "copy the single input tensor, optionally scaled" }

func (Passthrough) Parameters() []ParamDef {
	return []ParamDef{{Name: "scale", Default: 1}}
}

func (Passthrough) TensorParameters() []ParamDef {
	return nil
}

func (Passthrough) MakeTask(req TensorRequest) graph.Task {
	return &passthroughTask{req: req}
}

type passthroughTask struct {
	req TensorRequest
}

func (t *passthroughTask) Key() string {
	return taskKey("passthrough", t.req)
}

func (t *passthroughTask) Inputs() []graph.Task {
	return []graph.Task{t.req.Tensors}
}

func (t *passthroughTask) Run(_ context.Context, values []any) (any, error) {
	tensors, err := gathered(values)
	if err != nil {
		return nil, err
	}
	if len(tensors) != 1 {
		return nil, fmt.Errorf("passthrough requires exactly one input model, got %d (tensor %s)",
			len(tensors), t.req.Output.Name)
	}
	for _, in := range tensors {
		return tensor.Scale(in, t.req.Parameters["scale"]), nil
	}
	return nil, nil
}
