// Package scheduler selects the next ready work item. Preference order:
// items that unblock the most downstream work, then higher priority, then
// lower risk (cheap wins unblock the graph).
package scheduler

import (
	"sort"

	"github.com/specq-dev/specq/internal/model"
)

// CountDownstream returns the number of items that transitively depend on id.
func CountDownstream(id string, items []*model.WorkItem) int {
	dependents := make(map[string][]string, len(items))
	for _, item := range items {
		for _, dep := range item.Deps {
			dependents[dep] = append(dependents[dep], item.ID)
		}
	}

	visited := make(map[string]bool)
	stack := append([]string(nil), dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, dependents[n]...)
	}
	return len(visited)
}

// PickNext selects the next work item to execute, or nil when nothing is
// ready. With a target id, that item is returned only if it is ready.
func PickNext(items []*model.WorkItem, targetID string) *model.WorkItem {
	if targetID != "" {
		for _, item := range items {
			if item.ID == targetID && item.Status == model.StatusReady {
				return item
			}
		}
		return nil
	}

	var ready []*model.WorkItem
	for _, item := range items {
		if item.Status == model.StatusReady {
			ready = append(ready, item)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	unlocks := make(map[string]int, len(ready))
	for _, item := range ready {
		unlocks[item.ID] = CountDownstream(item.ID, items)
	}

	// Stable sort: ties keep scan order (directory name order).
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if unlocks[a.ID] != unlocks[b.ID] {
			return unlocks[a.ID] > unlocks[b.ID]
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return model.RiskRank(a.Risk) < model.RiskRank(b.Risk)
	})
	return ready[0]
}
