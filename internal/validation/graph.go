package validation

import (
	"fmt"

	"github.com/sendloop/journey/pkg/schema"
)

// validateGraph checks reachability and cycles. Both are warnings, not
// errors: unreachable nodes are dead weight, and cycles are legal as long as
// something inside them suspends. The runtime step ceiling catches the ones
// that never do.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	entry := wf.EntryNode()
	if entry == nil {
		return result // reported by the semantic stage
	}

	adjacency := make(map[string][]string, len(wf.Nodes))
	for _, conn := range wf.Connections {
		adjacency[conn.SourceID] = append(adjacency[conn.SourceID], conn.TargetID)
	}

	reachable := make(map[string]bool, len(wf.Nodes))
	var visit func(id string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range adjacency[id] {
			visit(next)
		}
	}
	visit(entry.ID)

	for i := range wf.Nodes {
		if !reachable[wf.Nodes[i].ID] {
			result.AddWarning(fmt.Sprintf("/nodes/%d", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the entry node", wf.Nodes[i].ID))
		}
	}

	if cycle := findCycle(entry.ID, adjacency); len(cycle) > 0 {
		result.AddWarning("/connections", schema.ErrCodeValidation,
			fmt.Sprintf("workflow contains a cycle through %v; the step ceiling will stop a run that never suspends", cycle))
	}

	return result
}

// findCycle runs a depth-first search and returns the first back-edge cycle
// found, or nil.
func findCycle(start string, adjacency map[string][]string) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)

		for _, next := range adjacency[id] {
			switch state[next] {
			case inStack:
				// Slice the stack from the first occurrence of next.
				for i, n := range stack {
					if n == next {
						return append([]string(nil), stack[i:]...)
					}
				}
			case unvisited:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}
	return dfs(start)
}
