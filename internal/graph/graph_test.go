package graph

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	key    string
	inputs []Task
	runs   *atomic.Int64
	fn     func(values []any) (any, error)
}

func (f *fakeTask) Key() string {
	return f.key
}

func (f *fakeTask) Inputs() []Task {
	return f.inputs
}

func (f *fakeTask) Run(_ context.Context, values []any) (any, error) {
	if f.runs != nil {
		f.runs.Add(1)
	}
	if f.fn != nil {
		return f.fn(values)
	}
	return f.key, nil
}

func task(key string, inputs ...Task) *fakeTask {
	return &fakeTask{key: key, inputs: inputs, runs: &atomic.Int64{}}
}

func TestBuildDeduplicatesByKey(t *testing.T) {
	// two distinct instances with identical identity
	loadA1 := task("load:a")
	loadA2 := task("load:a")
	merge := task("merge", loadA1, loadA2)

	g, err := Build([]Task{merge})
	require.NoError(t, err)
	assert.Equal(t, 2, g.TaskCount())
	assert.Equal(t, []string{"merge"}, g.Dependents("load:a"))
}

func TestBuildDetectsCycle(t *testing.T) {
	a := task("a")
	b := task("b", a)
	a.inputs = []Task{b}

	_, err := Build([]Task{b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestExecutionLevels(t *testing.T) {
	a := task("a")
	b := task("b", a)
	c := task("c", a)
	d := task("d", b, c)

	g, err := Build([]Task{d})
	require.NoError(t, err)

	levels := g.ExecutionLevels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"a"}, levels[0])
	assert.Equal(t, []string{"b", "c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])
}

func TestTopologicalSortDependenciesFirst(t *testing.T) {
	a := task("a")
	b := task("b", a)
	c := task("c", b)

	g, err := Build([]Task{c})
	require.NoError(t, err)

	order := g.TopologicalSort()
	require.Len(t, order, 3)
	pos := make(map[string]int)
	for i, tk := range order {
		pos[tk.Key()] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}
