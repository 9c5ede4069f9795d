package conditions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sendloop/journey/pkg/schema"
)

// ClassifyRequest is the contract with the external AI service: a prompt and
// the closed set of labels the answer must fall into.
type ClassifyRequest struct {
	Prompt string   `json:"prompt"`
	Labels []string `json:"allowed_labels"`
}

// Classifier is the boundary to the AI service. Implementations live with the
// channel adapters; the engine only needs the label back.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (string, error)
}

// classify sends the rendered prompt to the classifier and maps its answer to
// a declared label. Matching is trimmed and case-insensitive but otherwise
// exact: "Interested!" does not match "interested", and an ambiguous answer
// is a failure, never a guessed branch.
func (ev *NodeEvaluator) classify(ctx context.Context, node *schema.Node, cfg *schema.ConditionConfig, env Env) (Outcome, error) {
	if ev.classifier == nil {
		return "", schema.NewErrorf(schema.ErrCodeClassifier,
			"node %s: no classifier configured", node.ID).WithNode(node.ID)
	}
	if len(cfg.Labels) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: ai mode without declared labels", node.ID).WithNode(node.ID)
	}

	prompt, err := ev.buildPrompt(ctx, cfg, env)
	if err != nil {
		return "", wrapNode(err, node.ID)
	}

	answer, err := ev.classifier.Classify(ctx, ClassifyRequest{Prompt: prompt, Labels: cfg.Labels})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeClassifier,
			"node %s: classification failed: %s", node.ID, err.Error()).
			WithNode(node.ID).WithCause(err)
	}

	trimmed := strings.TrimSpace(answer)
	for _, label := range cfg.Labels {
		if strings.EqualFold(trimmed, label) {
			return Outcome(label), nil
		}
	}

	return "", schema.NewErrorf(schema.ErrCodeLabelMismatch,
		"node %s: answer %q matches none of %v", node.ID, answer, cfg.Labels).
		WithNode(node.ID).
		WithDetails(map[string]any{"answer": answer, "labels": cfg.Labels})
}

// buildPrompt renders the node's prompt template and appends the current
// variables as context, so the classifier sees what the run has learned.
func (ev *NodeEvaluator) buildPrompt(ctx context.Context, cfg *schema.ConditionConfig, env Env) (string, error) {
	prompt, err := ev.interp.Render(ctx, cfg.Prompt, env.data())
	if err != nil {
		return "", err
	}

	if len(env.Variables) > 0 {
		varsJSON, err := json.Marshal(env.Variables)
		if err == nil {
			prompt += "\n\nContext:\n" + string(varsJSON)
		}
	}
	return prompt, nil
}
