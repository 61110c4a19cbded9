// Package graph orders reconciliation units into a dependency DAG.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/namix-io/sync-engine/pkg/unit"
)

// CycleError rejects a configuration whose dependencies loop
type CycleError struct {
	// Chain starts and ends with the same unit
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Chain, " -> "))
}

// MissingDependencyError rejects a dependency on an undeclared unit
type MissingDependencyError struct {
	UnitID     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("unit %s depends on unknown unit %s", e.UnitID, e.Dependency)
}

// DAG is an immutable dependency graph. Nodes are kept in an arena and referenced by index.
type DAG struct {
	ids   []string
	index map[string]int
	// deps[i] lists the nodes node i waits for
	deps [][]int
	// dependents[i] lists the nodes waiting for node i
	dependents [][]int
	order      []string
}

// Build returns the graph of explicit dependsOn edges plus implicit edges from every unit of
// the nearest lower wave to each unit of a higher wave. Any missing reference or cycle rejects
// the whole graph.
func Build(units []*unit.Unit) (*DAG, error) {
	g := &DAG{index: map[string]int{}}
	sorted := make([]*unit.Unit, len(units))
	copy(sorted, units)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	for _, u := range sorted {
		if _, ok := g.index[u.ID]; ok {
			return nil, fmt.Errorf("duplicate unit %s", u.ID)
		}
		g.index[u.ID] = len(g.ids)
		g.ids = append(g.ids, u.ID)
	}
	g.deps = make([][]int, len(g.ids))
	g.dependents = make([][]int, len(g.ids))

	edges := map[[2]int]bool{}
	addEdge := func(from, to int) {
		if edges[[2]int{from, to}] {
			return
		}
		edges[[2]int{from, to}] = true
		g.deps[from] = append(g.deps[from], to)
		g.dependents[to] = append(g.dependents[to], from)
	}

	for _, u := range sorted {
		for _, dep := range u.DependsOn {
			to, ok := g.index[dep]
			if !ok {
				return nil, &MissingDependencyError{UnitID: u.ID, Dependency: dep}
			}
			addEdge(g.index[u.ID], to)
		}
	}

	byWave := map[int][]int{}
	var waves []int
	for _, u := range sorted {
		if _, ok := byWave[u.Wave]; !ok {
			waves = append(waves, u.Wave)
		}
		byWave[u.Wave] = append(byWave[u.Wave], g.index[u.ID])
	}
	sort.Ints(waves)
	for i := 1; i < len(waves); i++ {
		for _, from := range byWave[waves[i]] {
			for _, to := range byWave[waves[i-1]] {
				addEdge(from, to)
			}
		}
	}

	for i := range g.deps {
		sort.Ints(g.deps[i])
		sort.Ints(g.dependents[i])
	}
	if chain := g.findCycle(); chain != nil {
		return nil, &CycleError{Chain: chain}
	}
	g.order = g.topologicalOrder()
	return g, nil
}

const (
	white = iota
	grey
	black
)

type frame struct {
	node int
	next int
}

// findCycle runs an iterative depth first search and returns the first cycle found
func (g *DAG) findCycle() []string {
	marks := make([]int, len(g.ids))
	for root := range g.ids {
		if marks[root] != white {
			continue
		}
		stack := []frame{{node: root}}
		marks[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(g.deps[top.node]) {
				marks[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := g.deps[top.node][top.next]
			top.next++
			switch marks[child] {
			case white:
				marks[child] = grey
				stack = append(stack, frame{node: child})
			case grey:
				var chain []string
				start := 0
				for i := range stack {
					if stack[i].node == child {
						start = i
						break
					}
				}
				for _, f := range stack[start:] {
					chain = append(chain, g.ids[f.node])
				}
				return append(chain, g.ids[child])
			}
		}
	}
	return nil
}

// topologicalOrder lists dependencies before dependents; ties are broken by id
func (g *DAG) topologicalOrder() []string {
	pending := make([]int, len(g.ids))
	var ready []int
	for i := range g.ids {
		pending[i] = len(g.deps[i])
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]string, 0, len(g.ids))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, g.ids[next])
		for _, dependent := range g.dependents[next] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

func (g *DAG) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// TopologicalOrder returns every unit, dependencies first
func (g *DAG) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the units id waits for
func (g *DAG) Dependencies(id string) []string {
	return g.names(id, g.deps)
}

// Dependents returns the units waiting for id
func (g *DAG) Dependents(id string) []string {
	return g.names(id, g.dependents)
}

func (g *DAG) names(id string, adjacency [][]int) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	res := make([]string, 0, len(adjacency[i]))
	for _, j := range adjacency[i] {
		res = append(res, g.ids[j])
	}
	return res
}
