package locktable

import "lockmesh/internal/command"

// The wait-for graph is ephemeral: it is rebuilt from the current lock table
// on every blocked Acquire and thrown away after the cycle check. Persisting
// it incrementally would rot as holders and waiters churn.
type waitForGraph map[string]map[string]struct{}

func (g waitForGraph) addEdge(from, to string) {
	if g[from] == nil {
		g[from] = make(map[string]struct{})
	}
	g[from][to] = struct{}{}
}

// wouldDeadlock reports whether adding edges from requester to the
// incompatible holders of rec closes a cycle. Called with the table lock held.
func (t *Table) wouldDeadlock(requesterID string, rec *record, mode command.Mode) bool {
	g := t.buildWaitForGraph()

	for holder, held := range rec.holders {
		if mode == command.ModeShared && held != command.ModeExclusive {
			continue
		}
		g.addEdge(requesterID, holder)
	}

	return g.hasCycleFrom(requesterID)
}

func (t *Table) buildWaitForGraph() waitForGraph {
	g := make(waitForGraph)
	for _, rec := range t.records {
		for _, req := range rec.queue {
			for holder, held := range rec.holders {
				if req.Mode == command.ModeShared && held != command.ModeExclusive {
					continue
				}
				g.addEdge(req.RequesterID, holder)
			}
		}
	}
	return g
}

// Depth-first search carrying the recursion stack: a node revisited while
// still on the stack closes a cycle.
func (g waitForGraph) hasCycleFrom(start string) bool {
	visited := make(map[string]struct{})
	stack := make(map[string]struct{})

	var visit func(node string) bool
	visit = func(node string) bool {
		visited[node] = struct{}{}
		stack[node] = struct{}{}

		for next := range g[node] {
			if _, onStack := stack[next]; onStack {
				return true
			}
			if _, seen := visited[next]; !seen && visit(next) {
				return true
			}
		}

		delete(stack, node)
		return false
	}

	return visit(start)
}
