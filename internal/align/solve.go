package align

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensor"
	"github.com/Protekly/mergekit/internal/tensorio"
	"github.com/Protekly/mergekit/pkg/core"
)

// solveTask computes the permutation mapping one model's units onto the
// base's for one space. Its inputs are the raw loads of every member
// weight for both models; they materialize when the graph is built, after
// planning has registered the space's full membership.
type solveTask struct {
	planner *SpacePlanner
	space   string
	model   core.ModelRef

	once    sync.Once
	inputs  []graph.Task
	members []member
}

func (t *solveTask) ensure() {
	t.once.Do(func() {
		s := t.planner.spaces[t.space]
		if s == nil {
			return
		}
		for _, m := range s.members {
			bw, okBase := m.inputs[t.planner.base]
			mw, okModel := m.inputs[t.model]
			if !okBase || !okModel {
				continue
			}
			t.members = append(t.members, m)
			t.inputs = append(t.inputs,
				tensorio.NewLoadTensor(t.planner.cache, t.planner.base, bw, t.planner.dtype),
				tensorio.NewLoadTensor(t.planner.cache, t.model, mw, t.planner.dtype),
			)
		}
	})
}

// Key identifies the solve; one exists per (space, model) within a plan.
func (t *solveTask) Key() string {
	return fmt.Sprintf("align-solve(space=%s,model=%s,base=%s)", t.space, t.model, t.planner.base)
}

func (t *solveTask) Inputs() []graph.Task {
	t.ensure()
	return t.inputs
}

func (t *solveTask) Run(ctx context.Context, values []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.ensure()

	dim := -1
	var baseFeat, modelFeat [][]float32
	for k, m := range t.members {
		bt, okBase := values[2*k].(*tensor.Tensor)
		mt, okModel := values[2*k+1].(*tensor.Tensor)
		if !okBase || !okModel {
			// absent optional weight on either side: no evidence
			continue
		}
		// weights whose shapes differ between the models (e.g. embeddings
		// over different vocabularies) contribute no evidence
		if !bt.ShapeEquals(mt) {
			continue
		}
		axis := axisFor(m.role, m.output, len(bt.Shape))
		if axis >= len(bt.Shape) || (axis == 1 && len(bt.Shape) != 2) {
			continue
		}
		d := bt.Shape[axis]
		if dim == -1 {
			dim = d
			baseFeat = make([][]float32, d)
			modelFeat = make([][]float32, d)
		} else if d != dim {
			return nil, fmt.Errorf("space %q: %s spans %d units, want %d", t.space, m.output.Name, d, dim)
		}
		appendFeatures(baseFeat, bt, axis)
		appendFeatures(modelFeat, mt, axis)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("space %q has no shared weights between %s and %s", t.space, t.model, t.planner.base)
	}
	return matchUnits(baseFeat, modelFeat), nil
}

// appendFeatures extends each unit's feature vector with its slice of t
// along the given axis.
func appendFeatures(features [][]float32, t *tensor.Tensor, axis int) {
	if axis == 0 {
		rowLen := t.RowLen()
		for u := range features {
			features[u] = append(features[u], t.Data[u*rowLen:(u+1)*rowLen]...)
		}
		return
	}
	rows, cols := t.Shape[0], t.Shape[1]
	for u := range features {
		for i := 0; i < rows; i++ {
			features[u] = append(features[u], t.Data[i*cols+u])
		}
	}
}

// matchUnits greedily pairs each base unit with its highest-cosine model
// unit, taking candidate pairs in globally descending similarity order.
// perm[baseUnit] = modelUnit.
func matchUnits(base, model [][]float32) []int {
	d := len(base)
	type edge struct {
		b, m int
		sim  float64
	}
	edges := make([]edge, 0, d*d)
	for i := range base {
		for j := range model {
			edges = append(edges, edge{b: i, m: j, sim: cosine(base[i], model[j])})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].sim != edges[j].sim {
			return edges[i].sim > edges[j].sim
		}
		if edges[i].b != edges[j].b {
			return edges[i].b < edges[j].b
		}
		return edges[i].m < edges[j].m
	})

	perm := make([]int, d)
	for i := range perm {
		perm[i] = -1
	}
	taken := make([]bool, d)
	assigned := 0
	for _, e := range edges {
		if assigned == d {
			break
		}
		if perm[e.b] != -1 || taken[e.m] {
			continue
		}
		perm[e.b] = e.m
		taken[e.m] = true
		assigned++
	}
	return perm
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

// alignTask applies the solved permutations to one loaded weight: the
// output space permutes the write axis, the input space the read axis.
type alignTask struct {
	load   graph.Task
	weight core.WeightInfo
	rows   *solveTask
	cols   *solveTask
}

func (t *alignTask) Key() string {
	var b strings.Builder
	b.WriteString("align(")
	b.WriteString(t.weight.Name)
	b.WriteString(")[")
	b.WriteString(t.load.Key())
	if t.rows != nil {
		b.WriteString(",rows=")
		b.WriteString(t.rows.Key())
	}
	if t.cols != nil {
		b.WriteString(",cols=")
		b.WriteString(t.cols.Key())
	}
	b.WriteString("]")
	return b.String()
}

func (t *alignTask) Inputs() []graph.Task {
	inputs := []graph.Task{t.load}
	if t.rows != nil {
		inputs = append(inputs, t.rows)
	}
	if t.cols != nil {
		inputs = append(inputs, t.cols)
	}
	return inputs
}

func (t *alignTask) Run(_ context.Context, values []any) (any, error) {
	if values[0] == nil {
		return nil, nil
	}
	out, ok := values[0].(*tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("align %s: expected tensor, got %T", t.weight.Name, values[0])
	}

	idx := 1
	var err error
	if t.rows != nil {
		perm, okPerm := values[idx].([]int)
		if !okPerm {
			return nil, fmt.Errorf("align %s: expected permutation, got %T", t.weight.Name, values[idx])
		}
		idx++
		out, err = applyPerm(out, perm, axisFor(roleWriter, t.weight, len(out.Shape)))
		if err != nil {
			return nil, fmt.Errorf("align %s: %w", t.weight.Name, err)
		}
	}
	if t.cols != nil {
		perm, okPerm := values[idx].([]int)
		if !okPerm {
			return nil, fmt.Errorf("align %s: expected permutation, got %T", t.weight.Name, values[idx])
		}
		out, err = applyPerm(out, perm, axisFor(roleReader, t.weight, len(out.Shape)))
		if err != nil {
			return nil, fmt.Errorf("align %s: %w", t.weight.Name, err)
		}
	}
	return out, nil
}

func applyPerm(t *tensor.Tensor, perm []int, axis int) (*tensor.Tensor, error) {
	if axis >= len(t.Shape) {
		return nil, fmt.Errorf("space axis %d out of range for rank %d", axis, len(t.Shape))
	}
	if len(perm) != t.Shape[axis] {
		return nil, fmt.Errorf("permutation spans %d units, tensor has %d", len(perm), t.Shape[axis])
	}
	if axis == 0 {
		return tensor.PermuteRows(t, perm)
	}
	return tensor.PermuteCols(t, perm)
}
