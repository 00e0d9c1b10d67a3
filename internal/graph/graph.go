package graph

import (
	"fmt"
	"sort"
)

// Graph is the flattened form of the task graphs reachable from a set of
// root tasks, deduplicated by task key.
type Graph struct {
	tasks    map[string]Task
	children map[string][]string // dependency -> dependents
	parents  map[string][]string // dependent -> dependencies
	roots    []string            // requested root keys, in request order
}

// Build walks the tasks reachable from roots, deduplicates them by key,
// and validates that the result is acyclic.
func Build(roots []Task) (*Graph, error) {
	g := &Graph{
		tasks:    make(map[string]Task),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}

	var add func(t Task)
	add = func(t Task) {
		key := t.Key()
		if _, seen := g.tasks[key]; seen {
			return
		}
		g.tasks[key] = t
		for _, in := range t.Inputs() {
			add(in)
			g.addEdge(in.Key(), key)
		}
	}

	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		add(r)
		if key := r.Key(); !seen[key] {
			seen[key] = true
			g.roots = append(g.roots, key)
		}
	}

	if hasCycle, cyclePath := g.hasCycle(); hasCycle {
		return nil, fmt.Errorf("task cycle detected: %v", cyclePath)
	}
	return g, nil
}

// addEdge records child depending on parent, skipping duplicates.
func (g *Graph) addEdge(parentKey, childKey string) {
	if !contains(g.children[parentKey], childKey) {
		g.children[parentKey] = append(g.children[parentKey], childKey)
	}
	if !contains(g.parents[childKey], parentKey) {
		g.parents[childKey] = append(g.parents[childKey], parentKey)
	}
}

// TaskCount returns the number of distinct tasks after deduplication.
func (g *Graph) TaskCount() int {
	return len(g.tasks)
}

// Task returns the task registered under key.
func (g *Graph) Task(key string) (Task, bool) {
	t, ok := g.tasks[key]
	return t, ok
}

// Roots returns the keys of the requested root tasks in request order.
func (g *Graph) Roots() []string {
	return g.roots
}

// Dependents returns the keys of tasks consuming key's value.
func (g *Graph) Dependents(key string) []string {
	return g.children[key]
}

// hasCycle reports whether the graph contains a cycle, along with the
// cycle path for error reporting.
func (g *Graph) hasCycle() (bool, []string) {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make(map[string]string)

	var cyclePath []string

	var dfs func(key string) bool
	dfs = func(key string) bool {
		visited[key] = true
		recStack[key] = true

		for _, childKey := range g.children[key] {
			if !visited[childKey] {
				path[childKey] = key
				if dfs(childKey) {
					return true
				}
			} else if recStack[childKey] {
				cyclePath = []string{childKey}
				for curr := key; curr != childKey; curr = path[curr] {
					cyclePath = append([]string{curr}, cyclePath...)
				}
				cyclePath = append([]string{childKey}, cyclePath...)
				return true
			}
		}

		recStack[key] = false
		return false
	}

	for key := range g.tasks {
		if !visited[key] {
			if dfs(key) {
				return true, cyclePath
			}
		}
	}

	return false, nil
}

// TopologicalSort returns the tasks in dependency order (dependencies
// before dependents), deterministic across runs.
func (g *Graph) TopologicalSort() []Task {
	visited := make(map[string]bool)
	var result []Task

	var visit func(key string)
	visit = func(key string) {
		if visited[key] {
			return
		}
		visited[key] = true
		for _, parentKey := range sorted(g.parents[key]) {
			visit(parentKey)
		}
		result = append(result, g.tasks[key])
	}

	keys := make([]string, 0, len(g.tasks))
	for key := range g.tasks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		visit(key)
	}

	return result
}

// ExecutionLevels groups task keys by execution level. Tasks at level N
// only depend on tasks at levels below N, so each level can run in
// parallel once the previous one completes. Level 0 holds tasks with no
// dependencies.
func (g *Graph) ExecutionLevels() [][]string {
	assigned := make(map[string]int)

	var getLevel func(key string) int
	getLevel = func(key string) int {
		if level, ok := assigned[key]; ok {
			return level
		}
		parents := g.parents[key]
		if len(parents) == 0 {
			assigned[key] = 0
			return 0
		}
		maxParent := 0
		for _, parentKey := range parents {
			if l := getLevel(parentKey); l > maxParent {
				maxParent = l
			}
		}
		assigned[key] = maxParent + 1
		return maxParent + 1
	}

	maxLevel := 0
	for key := range g.tasks {
		if l := getLevel(key); l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for key, level := range assigned {
		levels[level] = append(levels[level], key)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels
}

func sorted(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)
	return out
}

func contains(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}
