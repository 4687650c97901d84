package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// String returns a human-readable multi-line dump of the graph for debug
// logging. Not a stable machine format.
func (g *TaskGraph) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	lines := []string{
		"Task Graph:",
		fmt.Sprintf(" - Empty: %t", len(g.wrappers) == 0),
		fmt.Sprintf(" - Task Wrappers: %d", len(g.wrappers)),
	}
	if len(g.wrappers) == 0 {
		lines = append(lines, "No tasks in the graph to print.")
		return strings.Join(lines, "\n")
	}

	// Deterministic traversal order for the dump.
	ids := make([]string, 0, len(g.wrappers))
	for id := range g.wrappers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	printed := make(map[string]bool)
	for _, id := range ids {
		lines = g.dumpWrapper(lines, g.wrappers[id], 1, printed)
	}
	return strings.Join(lines, "\n")
}

// dumpWrapper appends an indented listing of wrapper and, recursively,
// the wrappers that depend on it. The printed set keeps the traversal
// safe even if a bug ever introduced a cycle.
func (g *TaskGraph) dumpWrapper(lines []string, wrapper *TaskWrapper, depth int, printed map[string]bool) []string {
	if printed[wrapper.ID] {
		return lines
	}
	printed[wrapper.ID] = true

	indent := strings.Repeat("  ", depth)
	lines = append(lines,
		fmt.Sprintf("%s - Task ID: %s", indent, wrapper.ID),
		fmt.Sprintf("%s  - Task: %T", indent, wrapper.Task),
		fmt.Sprintf("%s  - Dependency Count: %d", indent, wrapper.DependencyCount),
		fmt.Sprintf("%s  - Dependent Task IDs: %s", indent, wrapper.DependentIDs),
		fmt.Sprintf("%s  - Is Submitted: %t", indent, wrapper.IsSubmitted),
	)
	for _, depID := range wrapper.DependentIDs.IDs() {
		if dep, ok := g.wrappers[depID]; ok {
			lines = g.dumpWrapper(lines, dep, depth+1, printed)
		}
	}
	return lines
}

// ExecutionOrder returns the ids of resident wrappers in an order where
// every task precedes the tasks that depend on it. Returns an error if
// the resident edges contain a cycle, which would indicate graph
// corruption since Add only wires edges to wrappers already present.
func (g *TaskGraph) ExecutionOrder() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var edges []toposort.Edge
	for id, wrapper := range g.wrappers {
		depIDs := wrapper.DependentIDs.IDs()
		if len(depIDs) == 0 {
			// No resident dependents; a nil source keeps the node in
			// the sort result.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range depIDs {
			if _, ok := g.wrappers[depID]; ok {
				edges = append(edges, toposort.Edge{id, depID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
