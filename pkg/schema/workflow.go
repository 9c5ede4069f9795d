package schema

import "encoding/json"

// Workflow is a stored, versioned graph describing an engagement sequence.
// The engine only reads workflows; definition edits happen out of process
// and bump Version so in-flight instances keep the graph they started with.
type Workflow struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Version     int            `json:"version"`
	Status      WorkflowStatus `json:"status"`
	Nodes       []Node         `json:"nodes"`
	Connections []Connection   `json:"connections"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WorkflowStatus is the definition lifecycle state. Only active workflows
// participate in trigger matching.
type WorkflowStatus string

const (
	WorkflowDraft  WorkflowStatus = "draft"
	WorkflowActive WorkflowStatus = "active"
	WorkflowPaused WorkflowStatus = "paused"
)

// NodeKind discriminates the node variants. The executor dispatches on the
// kind rather than on behavior attached to the nodes themselves, so the whole
// traversal state machine stays in one place.
type NodeKind string

const (
	NodeWhen      NodeKind = "when"
	NodeCondition NodeKind = "condition"
	NodeAction    NodeKind = "action"
	NodeWaiting   NodeKind = "waiting"
)

// Node is one step in a workflow graph. Config is decoded per kind via the
// typed accessors below.
type Node struct {
	ID       string          `json:"id"`
	Kind     NodeKind        `json:"kind"`
	Config   json.RawMessage `json:"config,omitempty"`
	Position *Position       `json:"position,omitempty"`
}

// Position is editor placement metadata. The engine carries it untouched.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Connection is a directed, labeled edge. Branch is "" for unconditional
// edges; otherwise it must name one of the source node's declared outcomes.
// A (source, branch) pair maps to at most one target.
type Connection struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Branch   string `json:"branch,omitempty"`
}

// Branch labels produced by the engine itself.
const (
	BranchTrue      = "true"
	BranchFalse     = "false"
	BranchResponded = "responded"
	BranchTimeout   = "timeout"
)

// --- Per-kind config blocks ---

// WhenConfig is the entry-point predicate: an event type plus field filters
// that must all hold against the event payload. Schedule nodes carry a cron
// expression instead of filters.
type WhenConfig struct {
	EventType string        `json:"event_type"`
	Filters   []FieldFilter `json:"filters,omitempty"`
	Cron      string        `json:"cron,omitempty"`
	Subject   string        `json:"subject,omitempty"` // subject for schedule-triggered instances
}

// EventSchedule is the synthetic event type fired by the scheduler.
const EventSchedule = "schedule"

// FieldFilter is a single payload check. Path is a gojq-style path into the
// event payload (".channel", ".order.total").
type FieldFilter struct {
	Path  string   `json:"path"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// FilterOp enumerates the filter operators. Equality and containment only;
// trigger predicates never run arbitrary code.
type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterContains FilterOp = "contains"
)

// ConditionMode selects how a condition node produces its outcome.
type ConditionMode string

const (
	ConditionRules      ConditionMode = "rules"      // structured comparisons, outcomes true/false
	ConditionExpression ConditionMode = "expression" // CEL expression, outcomes true/false or a label
	ConditionAI         ConditionMode = "ai"         // external classifier over declared labels
)

// ConditionConfig holds one of: a rule tree, a CEL expression, or an AI
// classification prompt with its declared outcome labels.
type ConditionConfig struct {
	Mode       ConditionMode `json:"mode"`
	Rules      *RuleGroup    `json:"rules,omitempty"`
	Expression string        `json:"expression,omitempty"`
	Prompt     string        `json:"prompt,omitempty"`
	Labels     []string      `json:"labels,omitempty"`
}

// RuleGroup combines leaf rules and nested groups with a single combinator.
type RuleGroup struct {
	Combinator string      `json:"combinator"` // and | or
	Rules      []Rule      `json:"rules,omitempty"`
	Groups     []RuleGroup `json:"groups,omitempty"`
}

// Rule is a leaf comparison. Field references instance variables or the
// triggering event payload ("variables.score", "event.channel"); a bare name
// is treated as a variable reference.
type Rule struct {
	Field string `json:"field"`
	Op    RuleOp `json:"op"`
	Value any    `json:"value,omitempty"`
}

// RuleOp enumerates the leaf comparison operators.
type RuleOp string

const (
	RuleEq       RuleOp = "eq"
	RuleNeq      RuleOp = "neq"
	RuleContains RuleOp = "contains"
	RuleGt       RuleOp = "gt"
	RuleGte      RuleOp = "gte"
	RuleLt       RuleOp = "lt"
	RuleLte      RuleOp = "lte"
	RuleEmpty    RuleOp = "empty"
	RuleNotEmpty RuleOp = "not_empty"
)

// ActionType enumerates the built-in action node effects.
type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionAddTag      ActionType = "add_tag"
	ActionRemoveTag   ActionType = "remove_tag"
	ActionSetField    ActionType = "set_field"
	ActionCallWebhook ActionType = "call_webhook"
)

// ActionConfig holds the action type and its parameter bag. String parameters
// may interpolate {{variables.x}} / {{event.x}} references.
type ActionConfig struct {
	Type   ActionType     `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// AnswerKind is the expected shape of a captured response.
type AnswerKind string

const (
	AnswerText   AnswerKind = "text"
	AnswerChoice AnswerKind = "choice"
	AnswerNumber AnswerKind = "number"
)

// WaitingConfig describes a suspension point: what answer is expected, which
// variable it is written to, and an optional timeout. A waiting node's
// outgoing edges use the "responded" and "timeout" branch labels.
type WaitingConfig struct {
	Answer  AnswerKind `json:"answer"`
	Choices []string   `json:"choices,omitempty"`
	SaveTo  string     `json:"save_to"`
	Timeout string     `json:"timeout,omitempty"` // Go duration; empty means wait forever
}

// --- Typed config accessors ---

// WhenConfig decodes the node's config as a WhenConfig.
func (n *Node) WhenConfig() (*WhenConfig, error) {
	return decodeConfig[WhenConfig](n, NodeWhen)
}

// ConditionConfig decodes the node's config as a ConditionConfig.
func (n *Node) ConditionConfig() (*ConditionConfig, error) {
	return decodeConfig[ConditionConfig](n, NodeCondition)
}

// ActionConfig decodes the node's config as an ActionConfig.
func (n *Node) ActionConfig() (*ActionConfig, error) {
	return decodeConfig[ActionConfig](n, NodeAction)
}

// WaitingConfig decodes the node's config as a WaitingConfig.
func (n *Node) WaitingConfig() (*WaitingConfig, error) {
	return decodeConfig[WaitingConfig](n, NodeWaiting)
}

func decodeConfig[T any](n *Node, want NodeKind) (*T, error) {
	if n.Kind != want {
		return nil, NewErrorf(ErrCodeValidation, "node %s is %s, not %s", n.ID, n.Kind, want).WithNode(n.ID)
	}
	var cfg T
	if err := json.Unmarshal(n.Config, &cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "node %s: invalid %s config: %s", n.ID, want, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return &cfg, nil
}

// --- Graph helpers ---

// NodeByID returns the node with the given ID, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// EntryNode returns the workflow's when node, or nil if absent.
func (w *Workflow) EntryNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == NodeWhen {
			return &w.Nodes[i]
		}
	}
	return nil
}

// ConnectionsFrom returns all outgoing connections of a node.
func (w *Workflow) ConnectionsFrom(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.SourceID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// BranchTarget resolves the single target of (source, branch). The second
// return is false when no such edge exists.
func (w *Workflow) BranchTarget(nodeID, branch string) (string, bool) {
	for _, c := range w.Connections {
		if c.SourceID == nodeID && c.Branch == branch {
			return c.TargetID, true
		}
	}
	return "", false
}
