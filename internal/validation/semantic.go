package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sendloop/journey/pkg/schema"
)

// ActionLookup answers whether an action type is registered. May be nil to
// skip action existence checks.
type ActionLookup interface {
	Has(t schema.ActionType) bool
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantic performs the checks JSON Schema cannot express: node ID
// uniqueness, the single entry node, connection endpoints, branch labels, and
// per-kind config coherence.
func validateSemantic(wf *schema.Workflow, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]*schema.Node, len(wf.Nodes))
	whenCount := 0
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		path := fmt.Sprintf("/nodes/%d", i)

		if _, dup := nodeIDs[node.ID]; dup {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		nodeIDs[node.ID] = node

		if node.Kind == schema.NodeWhen {
			whenCount++
		}
		validateNodeConfig(node, path, lookup, result)
	}

	if whenCount == 0 {
		result.AddError("/nodes", schema.ErrCodeValidation, "workflow has no when node")
	} else if whenCount > 1 {
		result.AddError("/nodes", schema.ErrCodeValidation, fmt.Sprintf("workflow has %d when nodes, expected exactly one", whenCount))
	}

	validateConnections(wf, nodeIDs, result)
	return result
}

func validateNodeConfig(node *schema.Node, path string, lookup ActionLookup, result *schema.ValidationResult) {
	switch node.Kind {
	case schema.NodeWhen:
		cfg, err := node.WhenConfig()
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.EventType == "" {
			result.AddError(path+"/config", schema.ErrCodeValidation, "when node needs an event_type")
		}
		if cfg.Cron != "" {
			if _, err := cronParser.Parse(cfg.Cron); err != nil {
				result.AddError(path+"/config", schema.ErrCodeValidation, fmt.Sprintf("bad cron expression %q", cfg.Cron))
			}
			if cfg.Subject == "" {
				result.AddError(path+"/config", schema.ErrCodeValidation, "schedule trigger needs a subject")
			}
		}
		for j, f := range cfg.Filters {
			if f.Path == "" {
				result.AddError(fmt.Sprintf("%s/config/filters/%d", path, j), schema.ErrCodeValidation, "filter needs a path")
			}
			if f.Op != schema.FilterEq && f.Op != schema.FilterContains {
				result.AddError(fmt.Sprintf("%s/config/filters/%d", path, j), schema.ErrCodeValidation, fmt.Sprintf("unknown filter op %q", f.Op))
			}
		}

	case schema.NodeCondition:
		cfg, err := node.ConditionConfig()
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			return
		}
		switch cfg.Mode {
		case schema.ConditionRules:
			if cfg.Rules == nil {
				result.AddError(path+"/config", schema.ErrCodeValidation, "rules mode needs a rule tree")
			}
		case schema.ConditionExpression:
			if cfg.Expression == "" {
				result.AddError(path+"/config", schema.ErrCodeValidation, "expression mode needs an expression")
			}
		case schema.ConditionAI:
			if cfg.Prompt == "" {
				result.AddError(path+"/config", schema.ErrCodeValidation, "ai mode needs a prompt")
			}
			if len(cfg.Labels) == 0 {
				result.AddError(path+"/config", schema.ErrCodeValidation, "ai mode needs declared labels")
			}
		default:
			result.AddError(path+"/config", schema.ErrCodeValidation, fmt.Sprintf("unknown condition mode %q", cfg.Mode))
		}

	case schema.NodeAction:
		cfg, err := node.ActionConfig()
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			return
		}
		if cfg.Type == "" {
			result.AddError(path+"/config", schema.ErrCodeValidation, "action node needs a type")
		} else if lookup != nil && !lookup.Has(cfg.Type) {
			result.AddError(path+"/config", schema.ErrCodeActionUnavailable, fmt.Sprintf("action type %q is not registered", cfg.Type))
		}

	case schema.NodeWaiting:
		cfg, err := node.WaitingConfig()
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			return
		}
		switch cfg.Answer {
		case schema.AnswerText, schema.AnswerNumber:
		case schema.AnswerChoice:
			if len(cfg.Choices) == 0 {
				result.AddError(path+"/config", schema.ErrCodeValidation, "choice answer needs choices")
			}
		default:
			result.AddError(path+"/config", schema.ErrCodeValidation, fmt.Sprintf("unknown answer kind %q", cfg.Answer))
		}
		if cfg.SaveTo == "" {
			result.AddError(path+"/config", schema.ErrCodeValidation, "waiting node needs save_to")
		}
		if cfg.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Timeout); err != nil {
				result.AddError(path+"/config", schema.ErrCodeValidation, fmt.Sprintf("bad timeout %q", cfg.Timeout))
			}
		}
	}
}

// validateConnections checks endpoints, (source, branch) uniqueness, and that
// branch labels match what each source node kind can produce.
func validateConnections(wf *schema.Workflow, nodeIDs map[string]*schema.Node, result *schema.ValidationResult) {
	type edgeKey struct{ source, branch string }
	seen := make(map[edgeKey]bool, len(wf.Connections))

	for i, conn := range wf.Connections {
		path := fmt.Sprintf("/connections/%d", i)

		source, ok := nodeIDs[conn.SourceID]
		if !ok {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("source node %q does not exist", conn.SourceID))
			continue
		}
		if _, ok := nodeIDs[conn.TargetID]; !ok {
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("target node %q does not exist", conn.TargetID))
		}
		if conn.TargetID == source.ID {
			result.AddWarning(path, schema.ErrCodeValidation, fmt.Sprintf("node %q connects to itself", source.ID))
		}

		key := edgeKey{conn.SourceID, conn.Branch}
		if seen[key] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge from %q with branch %q", conn.SourceID, conn.Branch))
		}
		seen[key] = true

		validateBranchLabel(source, conn.Branch, path, result)
	}

	// Waiting nodes must be escapable: a responded branch always, a timeout
	// branch when a deadline is configured.
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.Kind != schema.NodeWaiting {
			continue
		}
		if _, ok := wf.BranchTarget(node.ID, schema.BranchResponded); !ok {
			result.AddError(fmt.Sprintf("/nodes/%d", i), schema.ErrCodeValidation,
				fmt.Sprintf("waiting node %q has no responded branch", node.ID))
		}
		cfg, err := node.WaitingConfig()
		if err == nil && cfg.Timeout != "" {
			if _, ok := wf.BranchTarget(node.ID, schema.BranchTimeout); !ok {
				result.AddError(fmt.Sprintf("/nodes/%d", i), schema.ErrCodeValidation,
					fmt.Sprintf("waiting node %q has a timeout but no timeout branch", node.ID))
			}
		}
	}
}

func validateBranchLabel(source *schema.Node, branch, path string, result *schema.ValidationResult) {
	switch source.Kind {
	case schema.NodeWhen, schema.NodeAction:
		if branch != "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("%s node %q edges cannot carry branch labels", source.Kind, source.ID))
		}
	case schema.NodeCondition:
		cfg, err := source.ConditionConfig()
		if err != nil {
			return // config error already reported
		}
		if !conditionProduces(cfg, branch) {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition node %q never produces branch %q", source.ID, branch))
		}
	case schema.NodeWaiting:
		if branch != schema.BranchResponded && branch != schema.BranchTimeout {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("waiting node %q edges must be responded or timeout, got %q", source.ID, branch))
		}
	}
}

// conditionProduces reports whether a condition's outgoing branch label can
// ever be produced. Rules mode is boolean; ai mode yields declared labels;
// expression mode can yield booleans or arbitrary labels, so anything goes.
func conditionProduces(cfg *schema.ConditionConfig, branch string) bool {
	switch cfg.Mode {
	case schema.ConditionRules:
		return branch == schema.BranchTrue || branch == schema.BranchFalse
	case schema.ConditionAI:
		for _, label := range cfg.Labels {
			if label == branch {
				return true
			}
		}
		return false
	default:
		return branch != ""
	}
}
