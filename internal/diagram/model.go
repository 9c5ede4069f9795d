package diagram

// NodeKind classifies a diagram node by its workflow node kind.
type NodeKind string

const (
	NodeKindWhen      NodeKind = "when"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
	NodeKindWaiting   NodeKind = "waiting"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries per-node progress of one execution instance,
// derived from the instance's log.
type StatusOverlay struct {
	Outcome string // last log event type recorded for the node
}

// Edge represents a connection between two nodes. Label is the branch name,
// empty for unconditional edges.
type Edge struct {
	From  string
	To    string
	Label string
}
