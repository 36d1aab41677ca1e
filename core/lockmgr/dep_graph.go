package lockmgr

import "sync"

// dependencyGraph tracks "waiter waits-for owner" edges so a blocking
// acquire can be refused before it parks if granting it would complete a
// cycle. Grounded on StoreMy's DependencyGraph
// (pkg/concurrency/lock/dep_graph.go), generalized to plain uint64
// transaction ids instead of *transaction.TransactionID pointers.
type dependencyGraph struct {
	mu    sync.Mutex
	edges map[uint64]map[uint64]struct{}
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{edges: make(map[uint64]map[uint64]struct{})}
}

func (g *dependencyGraph) addEdge(waiter, owner uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.edges[waiter]
	if !ok {
		set = make(map[uint64]struct{})
		g.edges[waiter] = set
	}
	set[owner] = struct{}{}
}

func (g *dependencyGraph) removeWaiter(waiter uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, waiter)
}

// hasCycle walks the wait-for graph starting at start and returns the cycle
// (as a list of transaction ids) if one exists, or nil otherwise.
func (g *dependencyGraph) hasCycle(start uint64) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := make(map[uint64]struct{})
	var path []uint64

	var walk func(node uint64) []uint64
	walk = func(node uint64) []uint64 {
		for _, p := range path {
			if p == node {
				return append(append([]uint64{}, path...), node)
			}
		}
		if _, ok := visited[node]; ok {
			return nil
		}
		visited[node] = struct{}{}
		path = append(path, node)
		for next := range g.edges[node] {
			if cycle := walk(next); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	return walk(start)
}
