// Package graph models merge work as composable tasks with explicit data
// dependencies. It supports deduplication by task identity, cycle
// detection, level scheduling, and memoized parallel execution.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/Protekly/mergekit/internal/tensor"
	"github.com/Protekly/mergekit/pkg/core"
)

// Task is one node of computation. Tasks declare the tasks whose values
// they consume; the graph is implicit in that composition. A task's Key
// is its identity: it must be fully determined by the task's own
// parameters and the keys of its inputs, so two logically equal tasks
// collapse into a single node.
type Task interface {
	// Key uniquely identifies the task for deduplication and memoization.
	Key() string
	// Inputs lists the tasks whose values Run consumes.
	Inputs() []Task
	// Run computes the task's value. values holds the results of Inputs()
	// in matching positions.
	Run(ctx context.Context, values []any) (any, error)
}

// GatherItem pairs a model with the task producing its tensor.
type GatherItem struct {
	Model core.ModelRef
	Task  Task
}

// Gather collects per-model tensor values into one map keyed by model
// identity, so downstream consumers know which model produced which
// tensor. Inputs whose value is nil (absent optional weights) are left
// out of the map.
type Gather struct {
	models []core.ModelRef
	inputs []Task
	key    string
}

// NewGather builds a gather node over items in the given order.
func NewGather(items []GatherItem) *Gather {
	g := &Gather{
		models: make([]core.ModelRef, len(items)),
		inputs: make([]Task, len(items)),
	}
	parts := make([]string, len(items))
	for i, it := range items {
		g.models[i] = it.Model
		g.inputs[i] = it.Task
		parts[i] = it.Model.String() + "=" + it.Task.Key()
	}
	g.key = "gather(" + strings.Join(parts, ",") + ")"
	return g
}

func (g *Gather) Key() string {
	return g.key
}

func (g *Gather) Inputs() []Task {
	return g.inputs
}

func (g *Gather) Run(_ context.Context, values []any) (any, error) {
	out := make(map[core.ModelRef]*tensor.Tensor, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		t, ok := v.(*tensor.Tensor)
		if !ok {
			return nil, fmt.Errorf("gather input %d (%s): expected tensor, got %T", i, g.models[i], v)
		}
		out[g.models[i]] = t
	}
	return out, nil
}

// Models returns the gather's model order.
func (g *Gather) Models() []core.ModelRef {
	return g.models
}
