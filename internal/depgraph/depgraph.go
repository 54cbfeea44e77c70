// Package depgraph computes a deterministic startup order for plugins from
// their declared dependencies and priorities.
//
// Ordering runs Kahn's topological sort over non-optional edges. Among
// unblocked plugins the one with the lowest priority value (ties broken by
// name) is scheduled next, so the produced order is stable for a given
// input. Shutdown uses the exact reverse.
package depgraph

import (
	"container/heap"
	"fmt"
	"sort"
)

// Edge declares that a plugin depends on another plugin.
type Edge struct {
	Name     string
	Optional bool
}

// Node is one loaded plugin as seen by the resolver.
type Node struct {
	Name     string
	Priority int // lower value starts earlier
	Deps     []Edge
}

// Result is the outcome of a resolution pass.
type Result struct {
	// Order lists all node names in startup order. Nodes caught in a
	// dependency cycle are appended at the end, name-sorted.
	Order []string
	// Cycle lists the nodes that could not be topologically ordered.
	// A non-empty Cycle is a warning, not a failure: startup proceeds
	// with the arbitrary (but deterministic) tail order.
	Cycle []string
}

// MissingError reports unsatisfied non-optional dependencies for one plugin.
type MissingError struct {
	Plugin  string
	Missing []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("plugin %s: missing dependencies %v", e.Plugin, e.Missing)
}

// Missing returns the non-optional dependencies of node that are absent
// from the loaded set. Optional dependencies are never reported.
func Missing(node Node, loaded map[string]bool) []string {
	var out []string
	for _, d := range node.Deps {
		if d.Optional {
			continue
		}
		if !loaded[d.Name] {
			out = append(out, d.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve computes the startup order for the given nodes.
//
// Only non-optional edges constrain the order; optional dependencies never
// add ordering edges, so two plugins joined only by optional edges order
// purely by (priority, name) and an optional-only cycle is not a cycle.
// Edges pointing outside the node set are skipped here; load-time
// validation reports them via Missing.
func Resolve(nodes []Node) Result {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}

	// in-degree over non-optional edges into loaded nodes;
	// dependents[dep] -> who waits on it
	indeg := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indeg[n.Name] += 0
		for _, d := range n.Deps {
			if d.Optional {
				continue
			}
			if _, ok := byName[d.Name]; !ok {
				continue
			}
			indeg[n.Name]++
			dependents[d.Name] = append(dependents[d.Name], n.Name)
		}
	}

	pq := &nodeQueue{}
	heap.Init(pq)
	for _, n := range nodes {
		if indeg[n.Name] == 0 {
			heap.Push(pq, queueItem{name: n.Name, priority: n.Priority})
		}
	}

	order := make([]string, 0, len(nodes))
	for pq.Len() > 0 {
		it := heap.Pop(pq).(queueItem)
		order = append(order, it.name)
		for _, dep := range dependents[it.name] {
			indeg[dep]--
			if indeg[dep] == 0 {
				heap.Push(pq, queueItem{name: dep, priority: byName[dep].Priority})
			}
		}
	}

	if len(order) == len(nodes) {
		return Result{Order: order}
	}

	// Whatever remains is stuck in a cycle. Append it name-sorted so the
	// tail order stays deterministic across runs.
	placed := make(map[string]bool, len(order))
	for _, n := range order {
		placed[n] = true
	}
	var cycle []string
	for _, n := range nodes {
		if !placed[n.Name] {
			cycle = append(cycle, n.Name)
		}
	}
	sort.Strings(cycle)
	return Result{Order: append(order, cycle...), Cycle: cycle}
}

// Reverse returns a copy of order suitable for shutdown.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, n := range order {
		out[len(order)-1-i] = n
	}
	return out
}

type queueItem struct {
	name     string
	priority int
}

type nodeQueue []queueItem

func (q nodeQueue) Len() int { return len(q) }

func (q nodeQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].name < q[j].name
}

func (q nodeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *nodeQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
