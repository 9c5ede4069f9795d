// Package conditions evaluates condition nodes: deterministic rule trees,
// free-form CEL expressions, and AI-classified free text all reduce to a
// single named outcome that the executor maps to a branch label.
package conditions

import (
	"context"
	"strconv"

	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/pkg/schema"
)

// Outcome is the named result of a condition evaluation. The executor looks
// up the outgoing connection whose branch label equals the outcome exactly.
type Outcome string

// Env carries the data a condition node may consult.
type Env struct {
	Variables map[string]any
	Event     map[string]any
	Subject   map[string]any
}

func (e Env) data() map[string]any {
	return map[string]any{
		"variables": orEmpty(e.Variables),
		"event":     orEmpty(e.Event),
		"subject":   orEmpty(e.Subject),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Evaluator produces an outcome for a condition node, or a failure. A failure
// is never an outcome: the executor applies its retry policy and ultimately
// fails the instance, it does not pick a default branch.
type Evaluator interface {
	Evaluate(ctx context.Context, node *schema.Node, env Env) (Outcome, error)
}

// NodeEvaluator is the concrete Evaluator covering all three condition modes.
type NodeEvaluator struct {
	expr       *expressions.ExprEngine
	cel        *expressions.CELEngine
	interp     *expressions.Interpolator
	classifier Classifier
}

// NewNodeEvaluator wires an evaluator from its engines. classifier may be nil
// when no AI service is configured; AI-mode nodes then fail cleanly.
func NewNodeEvaluator(exprEngine *expressions.ExprEngine, celEngine *expressions.CELEngine, interp *expressions.Interpolator, classifier Classifier) *NodeEvaluator {
	return &NodeEvaluator{
		expr:       exprEngine,
		cel:        celEngine,
		interp:     interp,
		classifier: classifier,
	}
}

// Evaluate dispatches on the node's configured mode.
func (ev *NodeEvaluator) Evaluate(ctx context.Context, node *schema.Node, env Env) (Outcome, error) {
	cfg, err := node.ConditionConfig()
	if err != nil {
		return "", err
	}

	switch cfg.Mode {
	case schema.ConditionRules:
		return ev.evaluateRules(ctx, node, cfg, env)
	case schema.ConditionExpression:
		return ev.evaluateExpression(ctx, node, cfg, env)
	case schema.ConditionAI:
		return ev.classify(ctx, node, cfg, env)
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: unknown condition mode %q", node.ID, cfg.Mode).WithNode(node.ID)
	}
}

// evaluateRules compiles the rule tree to an expr program and runs it.
// Rule outcomes are always binary.
func (ev *NodeEvaluator) evaluateRules(ctx context.Context, node *schema.Node, cfg *schema.ConditionConfig, env Env) (Outcome, error) {
	if cfg.Rules == nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: rules mode without rules", node.ID).WithNode(node.ID)
	}

	src, err := CompileRules(cfg.Rules)
	if err != nil {
		return "", wrapNode(err, node.ID)
	}

	out, err := ev.expr.Evaluate(ctx, src, env.data())
	if err != nil {
		return "", wrapNode(err, node.ID)
	}

	b, ok := out.(bool)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"node %s: rule program produced %T, want bool", node.ID, out).WithNode(node.ID)
	}
	if b {
		return schema.BranchTrue, nil
	}
	return schema.BranchFalse, nil
}

// evaluateExpression runs a CEL expression. Booleans map to the true/false
// branches; strings name a branch directly (multi-way conditions).
func (ev *NodeEvaluator) evaluateExpression(ctx context.Context, node *schema.Node, cfg *schema.ConditionConfig, env Env) (Outcome, error) {
	if cfg.Expression == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: expression mode without expression", node.ID).WithNode(node.ID)
	}

	out, err := ev.cel.Evaluate(ctx, cfg.Expression, env.data())
	if err != nil {
		return "", wrapNode(err, node.ID)
	}

	switch v := out.(type) {
	case bool:
		if v {
			return schema.BranchTrue, nil
		}
		return schema.BranchFalse, nil
	case string:
		return Outcome(v), nil
	case int64:
		return Outcome(strconv.FormatInt(v, 10)), nil
	case uint64:
		return Outcome(strconv.FormatUint(v, 10)), nil
	case float64:
		return Outcome(strconv.FormatFloat(v, 'f', -1, 64)), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"node %s: expression produced %T, want bool or string", node.ID, out).WithNode(node.ID)
	}
}

func wrapNode(err error, nodeID string) error {
	if jerr, ok := err.(*schema.JourneyError); ok {
		return jerr.WithNode(nodeID)
	}
	return err
}
