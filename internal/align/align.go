// Package align computes the permutations that map each model's hidden
// units onto the base model's ordering, so checkpoints that drifted apart
// during training can be merged featurewise. Architectures declare named
// activation spaces; every weight that reads or writes a space
// contributes evidence, and each (model, space) pair is solved once over
// the gathered member weights.
//
// The planner drives a single forward pass: procedural spaces are
// registered first, then each planned weight is registered and its load
// wrapped. Membership only grows, and solves read it after planning
// completes, when the graph is built.
package align

import (
	"github.com/Protekly/mergekit/internal/graph"
	"github.com/Protekly/mergekit/internal/tensorio"
	"github.com/Protekly/mergekit/pkg/core"
)

// ModelWeight pairs a model with the weight it contributes to a space.
type ModelWeight struct {
	Model  core.ModelRef
	Weight core.WeightInfo
}

// memberRole says which side of a space a weight sits on: writers index
// the space along their output axis, readers along their input axis.
type memberRole int

const (
	roleWriter memberRole = iota
	roleReader
)

// member is one weight's contribution to a space, with the per-model
// input weights that realize it.
type member struct {
	role   memberRole
	output core.WeightInfo
	inputs map[core.ModelRef]core.WeightInfo
}

type space struct {
	id      string
	members []member
}

// SpacePlanner accumulates space membership during planning and hands
// out alignment tasks. The base model's transform is the identity;
// weights with no declared space pass through untouched.
type SpacePlanner struct {
	base   core.ModelRef
	dtype  core.DType
	cache  *tensorio.LoaderCache
	spaces map[string]*space
	solves map[spaceModel]*solveTask
}

type spaceModel struct {
	space string
	model core.ModelRef
}

// NewSpacePlanner creates a planner aligning every model onto base.
// Loads issued for solve evidence go through cache with the given merge
// dtype, so they collapse with the planner's own load tasks.
func NewSpacePlanner(base core.ModelRef, dtype core.DType, cache *tensorio.LoaderCache) *SpacePlanner {
	return &SpacePlanner{
		base:   base,
		dtype:  dtype,
		cache:  cache,
		spaces: make(map[string]*space),
		solves: make(map[spaceModel]*solveTask),
	}
}

// Base returns the model every other model is aligned onto.
func (p *SpacePlanner) Base() core.ModelRef {
	return p.base
}

// AddProceduralSpace registers an architecture-declared space ahead of
// any weight referencing it.
func (p *SpacePlanner) AddProceduralSpace(id string) {
	p.space(id)
}

func (p *SpacePlanner) space(id string) *space {
	s, ok := p.spaces[id]
	if !ok {
		s = &space{id: id}
		p.spaces[id] = s
	}
	return s
}

// AddWeight records one planned output weight and the per-model input
// weights realizing it as members of the spaces the weight declares.
func (p *SpacePlanner) AddWeight(w core.WeightInfo, inputs []ModelWeight) {
	byModel := make(map[core.ModelRef]core.WeightInfo, len(inputs))
	for _, in := range inputs {
		byModel[in.Model] = in.Weight
	}
	if w.OutputSpace != "" {
		s := p.space(w.OutputSpace)
		s.members = append(s.members, member{role: roleWriter, output: w, inputs: byModel})
	}
	if w.InputSpace != "" {
		s := p.space(w.InputSpace)
		s.members = append(s.members, member{role: roleReader, output: w, inputs: byModel})
	}
}

// AlignLoad wraps a load task with the permutations mapping the model's
// units onto the base's. The base model and space-free weights come back
// unchanged.
func (p *SpacePlanner) AlignLoad(model core.ModelRef, w core.WeightInfo, load graph.Task) graph.Task {
	if model == p.base {
		return load
	}
	var rows, cols *solveTask
	if w.OutputSpace != "" {
		rows = p.solveFor(w.OutputSpace, model)
	}
	if w.InputSpace != "" {
		cols = p.solveFor(w.InputSpace, model)
	}
	if rows == nil && cols == nil {
		return load
	}
	return &alignTask{load: load, weight: w, rows: rows, cols: cols}
}

func (p *SpacePlanner) solveFor(id string, model core.ModelRef) *solveTask {
	key := spaceModel{space: id, model: model}
	if t, ok := p.solves[key]; ok {
		return t
	}
	t := &solveTask{planner: p, space: id, model: model}
	p.solves[key] = t
	return t
}

// axisFor returns the tensor axis a space indexes for one member weight.
// Writers index rows, except embeddings, whose hidden units run along
// columns. Readers index columns, or the only axis of a rank-1 weight.
func axisFor(role memberRole, w core.WeightInfo, rank int) int {
	if role == roleWriter {
		if w.IsEmbed {
			return 1
		}
		return 0
	}
	if rank == 1 {
		return 0
	}
	return 1
}
