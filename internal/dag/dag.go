// Package dag validates the change-dependency graph and reconciles
// blocked/ready statuses.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/specq-dev/specq/internal/model"
)

// Error reports a missing dependency or a dependency cycle. A pipeline run
// aborts on it before any work is dispatched.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "dag: " + e.Msg }

// Build returns the dependency graph id -> deps.
func Build(items []*model.WorkItem) map[string][]string {
	graph := make(map[string][]string, len(items))
	for _, item := range items {
		graph[item.ID] = append([]string(nil), item.Deps...)
	}
	return graph
}

// TopologicalOrder returns a deterministic topological order (ties broken by
// id). Returns a *Error on cycle.
func TopologicalOrder(graph map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for id, deps := range graph {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range deps {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(graph))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		changed := false
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(graph) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &Error{Msg: "dependency cycle detected: " + strings.Join(stuck, ", ")}
	}
	return order, nil
}

// Validate checks every dependency is a known change and the graph is
// acyclic (self-loops included).
func Validate(graph map[string][]string) error {
	for id, deps := range graph {
		var missing []string
		for _, dep := range deps {
			if _, ok := graph[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return &Error{Msg: fmt.Sprintf("change %q depends on unknown changes: %s", id, strings.Join(missing, ", "))}
		}
	}
	_, err := TopologicalOrder(graph)
	return err
}

// UpdateBlockedReady recomputes pending/blocked items: ready iff every
// dependency is accepted, else blocked. Items in any other status are left
// alone, so transient states never revert.
func UpdateBlockedReady(items []*model.WorkItem) {
	accepted := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Status == model.StatusAccepted {
			accepted[item.ID] = true
		}
	}
	for _, item := range items {
		if item.Status != model.StatusPending && item.Status != model.StatusBlocked {
			continue
		}
		ready := true
		for _, dep := range item.Deps {
			if !accepted[dep] {
				ready = false
				break
			}
		}
		if ready {
			item.Status = model.StatusReady
		} else {
			item.Status = model.StatusBlocked
		}
	}
}
