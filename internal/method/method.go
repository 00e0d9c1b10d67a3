// Package method defines the merge algorithms that combine per-model
// tensors into output tensors. Each method declares its parameter schema
// and builds one compute task per output tensor; the planner resolves
// parameter values and wires the tasks together.
package method

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
	"github.com/Protekly/mergekit/pkg/core"
)

// ParamDef declares one parameter a method consumes. Required parameters
// have no default; optional ones fall back to Default.
type ParamDef struct {
	Name     string
	Required bool
	Default  float64
}

// TensorRequest carries everything a method needs to build the compute
// task for one output tensor. TensorParameters may lack an entry for a
// parameter the base model was exempted from supplying; methods decide
// what absence means.
type TensorRequest struct {
	Output           core.WeightInfo
	Tensors          *graph.Gather
	Parameters       map[string]float64
	TensorParameters map[core.ModelRef]map[string]float64
	BaseModel        core.ModelRef
}

// Method is one merge algorithm.
type Method interface {
	// Name is the identifier used in merge configs.
	Name() string
	// Description is a one-line summary for listings.
	Description() string
	// Parameters declares the method's global parameters.
	Parameters() []ParamDef
	// TensorParameters declares the method's per-model parameters.
	TensorParameters() []ParamDef
	// MakeTask builds the compute task producing one merged tensor.
	MakeTask(req TensorRequest) graph.Task
}

// taskKey builds a deterministic identity for a compute task from the
// method name, resolved parameters, and input keys.
func taskKey(name string, req TensorRequest, extra ...string) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for _, n := range sortedKeys(req.Parameters) {
		fmt.Fprintf(&b, "%s=%g,", n, req.Parameters[n])
	}
	for _, m := range req.Tensors.Models() {
		mp := req.TensorParameters[m]
		if len(mp) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:{", m)
		for _, n := range sortedKeys(mp) {
			fmt.Fprintf(&b, "%s=%g,", n, mp[n])
		}
		b.WriteString("},")
	}
	if !req.BaseModel.IsZero() {
		fmt.Fprintf(&b, "base=%s", req.BaseModel)
	}
	b.WriteString(")[")
	b.WriteString(req.Tensors.Key())
	for _, e := range extra {
		b.WriteByte(',')
		b.WriteString(e)
	}
	b.WriteByte(']')
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// gathered casts the first task value to the per-model tensor map a
// gather node produces.
func gathered(values []any) (map[core.ModelRef]*tensor.Tensor, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("missing gathered tensors")
	}
	m, ok := values[0].(map[core.ModelRef]*tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("expected gathered tensors, got %T", values[0])
	}
	return m, nil
}

func sign(v float32) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
