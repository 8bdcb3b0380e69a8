// Package dag provides a directed acyclic task graph stored as an arena.
// Nodes are addressed by Handle (an index into the arena) and deduplicated
// by key: adding a node whose key already exists returns the existing
// handle, which is what makes a task identified by (stage, parameters)
// exist exactly once per graph.
package dag

import (
	"fmt"
	"slices"
)

// Handle identifies a node within one Graph.
type Handle int

type node[T any] struct {
	key      string
	data     T
	parents  []Handle // dependencies
	children []Handle // dependents
}

// Graph is a directed acyclic graph of nodes carrying data of type T.
type Graph[T any] struct {
	nodes []node[T]
	index map[string]Handle
}

// NewGraph creates a new empty graph.
func NewGraph[T any]() *Graph[T] {
	return &Graph[T]{index: make(map[string]Handle)}
}

// AddNode adds a node with the given key. If the key is already present
// the existing handle is returned, its data is left untouched and added is
// false.
func (g *Graph[T]) AddNode(key string, data T) (h Handle, added bool) {
	if h, ok := g.index[key]; ok {
		return h, false
	}
	h = Handle(len(g.nodes))
	g.nodes = append(g.nodes, node[T]{key: key, data: data})
	g.index[key] = h
	return h, true
}

// Lookup returns the handle of the node with key.
func (g *Graph[T]) Lookup(key string) (Handle, bool) {
	h, ok := g.index[key]
	return h, ok
}

// Key returns the key of node h.
func (g *Graph[T]) Key(h Handle) string {
	return g.nodes[h].key
}

// Data returns the data of node h.
func (g *Graph[T]) Data(h Handle) T {
	return g.nodes[h].data
}

// AddEdge adds a directed edge from parent to child (child depends on parent).
func (g *Graph[T]) AddEdge(parent, child Handle) error {
	if !g.valid(parent) {
		return fmt.Errorf("parent node %d does not exist", parent)
	}
	if !g.valid(child) {
		return fmt.Errorf("child node %d does not exist", child)
	}
	if parent == child {
		return fmt.Errorf("self-loop detected: %s", g.nodes[parent].key)
	}
	if !slices.Contains(g.nodes[parent].children, child) {
		g.nodes[parent].children = append(g.nodes[parent].children, child)
		g.nodes[child].parents = append(g.nodes[child].parents, parent)
	}
	return nil
}

func (g *Graph[T]) valid(h Handle) bool {
	return h >= 0 && int(h) < len(g.nodes)
}

// Parents returns the dependencies of h.
func (g *Graph[T]) Parents(h Handle) []Handle {
	return g.nodes[h].parents
}

// Children returns the dependents of h.
func (g *Graph[T]) Children(h Handle) []Handle {
	return g.nodes[h].children
}

// Handles returns every handle in insertion order.
func (g *Graph[T]) Handles() []Handle {
	out := make([]Handle, len(g.nodes))
	for i := range out {
		out[i] = Handle(i)
	}
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph[T]) Len() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges in the graph.
func (g *Graph[T]) EdgeCount() int {
	count := 0
	for i := range g.nodes {
		count += len(g.nodes[i].children)
	}
	return count
}

// HasCycle returns true if the graph contains a cycle, along with the keys
// on the cycle.
func (g *Graph[T]) HasCycle() (bool, []string) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(g.nodes))
	from := make([]Handle, len(g.nodes))
	var cycle []string

	var dfs func(h Handle) bool
	dfs = func(h Handle) bool {
		state[h] = onStack
		for _, c := range g.nodes[h].children {
			switch state[c] {
			case unvisited:
				from[c] = h
				if dfs(c) {
					return true
				}
			case onStack:
				cycle = []string{g.nodes[c].key}
				for cur := h; cur != c; cur = from[cur] {
					cycle = append([]string{g.nodes[cur].key}, cycle...)
				}
				cycle = append([]string{g.nodes[c].key}, cycle...)
				return true
			}
		}
		state[h] = done
		return false
	}

	for h := range g.nodes {
		if state[h] == unvisited && dfs(Handle(h)) {
			return true, cycle
		}
	}
	return false, nil
}

// TopologicalSort returns handles with dependencies before dependents.
// Among nodes that are ready at the same time, insertion order wins.
func (g *Graph[T]) TopologicalSort() ([]Handle, error) {
	levels, err := g.ExecutionLevels()
	if err != nil {
		return nil, err
	}
	out := make([]Handle, 0, len(g.nodes))
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}

// ExecutionLevels groups nodes by the length of their longest dependency
// chain. Nodes at level N can run in parallel once level N-1 completes.
func (g *Graph[T]) ExecutionLevels() ([][]Handle, error) {
	if hasCycle, path := g.HasCycle(); hasCycle {
		return nil, fmt.Errorf("cycle detected: %v", path)
	}
	level := make([]int, len(g.nodes))
	pending := make([]int, len(g.nodes))
	var queue []Handle
	for h := range g.nodes {
		pending[h] = len(g.nodes[h].parents)
		if pending[h] == 0 {
			queue = append(queue, Handle(h))
		}
	}
	maxLevel := 0
	for i := 0; i < len(queue); i++ {
		h := queue[i]
		for _, c := range g.nodes[h].children {
			level[c] = max(level[c], level[h]+1)
			maxLevel = max(maxLevel, level[c])
			pending[c]--
			if pending[c] == 0 {
				queue = append(queue, c)
			}
		}
	}

	if len(g.nodes) == 0 {
		return nil, nil
	}
	levels := make([][]Handle, maxLevel+1)
	for h := range g.nodes {
		levels[level[h]] = append(levels[level[h]], Handle(h))
	}
	return levels, nil
}

// Descendants returns every node downstream of h, excluding h, in
// insertion order.
func (g *Graph[T]) Descendants(h Handle) []Handle {
	return g.walk(h, func(n Handle) []Handle { return g.nodes[n].children })
}

// Ancestors returns every node upstream of h, excluding h, in insertion
// order.
func (g *Graph[T]) Ancestors(h Handle) []Handle {
	return g.walk(h, func(n Handle) []Handle { return g.nodes[n].parents })
}

func (g *Graph[T]) walk(h Handle, next func(Handle) []Handle) []Handle {
	seen := make([]bool, len(g.nodes))
	stack := slices.Clone(next(h))
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, next(n)...)
	}
	var out []Handle
	for i, s := range seen {
		if s {
			out = append(out, Handle(i))
		}
	}
	return out
}

// Roots returns nodes with no dependencies.
func (g *Graph[T]) Roots() []Handle {
	var out []Handle
	for h := range g.nodes {
		if len(g.nodes[h].parents) == 0 {
			out = append(out, Handle(h))
		}
	}
	return out
}

// Leaves returns nodes with no dependents.
func (g *Graph[T]) Leaves() []Handle {
	var out []Handle
	for h := range g.nodes {
		if len(g.nodes[h].children) == 0 {
			out = append(out, Handle(h))
		}
	}
	return out
}
