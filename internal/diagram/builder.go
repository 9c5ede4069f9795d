package diagram

import (
	"fmt"
	"strings"

	"github.com/sendloop/journey/pkg/schema"
)

// Build constructs a Model from a workflow definition and optional per-node
// outcomes (last log event type per node, as produced by store.NodeOutcomes).
// Pass nil outcomes to render the bare definition.
func Build(wf *schema.Workflow, outcomes map[string]string) *Model {
	nodes := make([]*Node, 0, len(wf.Nodes)+2)
	index := make(map[string]*Node, len(wf.Nodes))

	start := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, start)

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		node := &Node{
			ID:    n.ID,
			Label: nodeLabel(n),
			Kind:  kindOf(n.Kind),
		}
		if outcome, ok := outcomes[n.ID]; ok {
			node.Status = &StatusOverlay{Outcome: outcome}
		}
		nodes = append(nodes, node)
		index[n.ID] = node
	}

	end := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	nodes = append(nodes, end)

	edges := buildEdges(wf)

	return &Model{
		Title: titleOf(wf),
		Nodes: nodes,
		Edges: edges,
	}
}

func kindOf(k schema.NodeKind) NodeKind {
	switch k {
	case schema.NodeWhen:
		return NodeKindWhen
	case schema.NodeCondition:
		return NodeKindCondition
	case schema.NodeWaiting:
		return NodeKindWaiting
	default:
		return NodeKindAction
	}
}

// nodeLabel summarizes the node config in one line: the trigger event, the
// condition mode, the action type, or the expected answer.
func nodeLabel(n *schema.Node) string {
	switch n.Kind {
	case schema.NodeWhen:
		if cfg, err := n.WhenConfig(); err == nil {
			if cfg.Cron != "" {
				return fmt.Sprintf("%s (cron %s)", n.ID, cfg.Cron)
			}
			return fmt.Sprintf("%s (%s)", n.ID, cfg.EventType)
		}
	case schema.NodeCondition:
		if cfg, err := n.ConditionConfig(); err == nil {
			return fmt.Sprintf("%s (%s)", n.ID, cfg.Mode)
		}
	case schema.NodeAction:
		if cfg, err := n.ActionConfig(); err == nil {
			return fmt.Sprintf("%s (%s)", n.ID, cfg.Type)
		}
	case schema.NodeWaiting:
		if cfg, err := n.WaitingConfig(); err == nil {
			return fmt.Sprintf("%s (await %s)", n.ID, cfg.Answer)
		}
	}
	return n.ID
}

// buildEdges maps workflow connections to diagram edges and adds the virtual
// start/end links: start feeds the entry node, and every node without an
// outgoing connection flows to end.
func buildEdges(wf *schema.Workflow) []Edge {
	var edges []Edge

	if entry := wf.EntryNode(); entry != nil {
		edges = append(edges, Edge{From: "__start__", To: entry.ID})
	}

	hasOutgoing := make(map[string]bool, len(wf.Nodes))
	for _, c := range wf.Connections {
		edges = append(edges, Edge{From: c.SourceID, To: c.TargetID, Label: c.Branch})
		hasOutgoing[c.SourceID] = true
	}

	for i := range wf.Nodes {
		if !hasOutgoing[wf.Nodes[i].ID] {
			edges = append(edges, Edge{From: wf.Nodes[i].ID, To: "__end__"})
		}
	}

	return edges
}

func titleOf(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return wf.ID
}

// outcomeStatus maps a log event type to a rendering status bucket.
func outcomeStatus(outcome string) string {
	switch outcome {
	case schema.EventActionDispatched, schema.EventConditionEvaluated,
		schema.EventResponseReceived, schema.EventWaitTimedOut:
		return "completed"
	case schema.EventActionFailed:
		return "failed"
	case schema.EventWaitStarted, schema.EventResponseRejected:
		return "suspended"
	case schema.EventNodeEntered, schema.EventActionRetrying:
		return "running"
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
