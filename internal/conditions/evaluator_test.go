package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/pkg/schema"
)

type stubClassifier struct {
	answer string
	err    error
	lastReq ClassifyRequest
}

func (s *stubClassifier) Classify(_ context.Context, req ClassifyRequest) (string, error) {
	s.lastReq = req
	return s.answer, s.err
}

func newEvaluator(t *testing.T, classifier Classifier) *NodeEvaluator {
	t.Helper()
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	jq := expressions.NewGoJQEngine()
	return NewNodeEvaluator(expressions.NewExprEngine(), celEngine, expressions.NewInterpolator(jq), classifier)
}

func conditionNode(t *testing.T, cfg schema.ConditionConfig) *schema.Node {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &schema.Node{ID: "c1", Kind: schema.NodeCondition, Config: raw}
}

func TestEvaluate_RulesMode(t *testing.T) {
	ev := newEvaluator(t, nil)
	node := conditionNode(t, schema.ConditionConfig{
		Mode: schema.ConditionRules,
		Rules: &schema.RuleGroup{
			Combinator: "and",
			Rules: []schema.Rule{
				{Field: "variables.score", Op: schema.RuleGt, Value: 40},
				{Field: "event.channel", Op: schema.RuleEq, Value: "sms"},
			},
		},
	})

	env := Env{
		Variables: map[string]any{"score": 75},
		Event:     map[string]any{"channel": "sms"},
	}
	out, err := ev.Evaluate(context.Background(), node, env)
	require.NoError(t, err)
	assert.Equal(t, Outcome(schema.BranchTrue), out)

	env.Variables["score"] = 10
	out, err = ev.Evaluate(context.Background(), node, env)
	require.NoError(t, err)
	assert.Equal(t, Outcome(schema.BranchFalse), out)
}

func TestEvaluate_RulesMode_OrAndNested(t *testing.T) {
	ev := newEvaluator(t, nil)
	node := conditionNode(t, schema.ConditionConfig{
		Mode: schema.ConditionRules,
		Rules: &schema.RuleGroup{
			Combinator: "or",
			Rules: []schema.Rule{
				{Field: "plan", Op: schema.RuleEq, Value: "pro"},
			},
			Groups: []schema.RuleGroup{{
				Combinator: "and",
				Rules: []schema.Rule{
					{Field: "tags", Op: schema.RuleContains, Value: "vip"},
					{Field: "email", Op: schema.RuleNotEmpty},
				},
			}},
		},
	})

	out, err := ev.Evaluate(context.Background(), node, Env{
		Variables: map[string]any{
			"plan":  "free",
			"tags":  []any{"vip"},
			"email": "a@b.test",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome(schema.BranchTrue), out)
}

func TestEvaluate_RulesMode_MissingFieldIsNotAnError(t *testing.T) {
	ev := newEvaluator(t, nil)
	node := conditionNode(t, schema.ConditionConfig{
		Mode: schema.ConditionRules,
		Rules: &schema.RuleGroup{
			Rules: []schema.Rule{{Field: "variables.ghost", Op: schema.RuleEmpty}},
		},
	})

	out, err := ev.Evaluate(context.Background(), node, Env{})
	require.NoError(t, err)
	assert.Equal(t, Outcome(schema.BranchTrue), out)
}

func TestEvaluate_ExpressionMode_Bool(t *testing.T) {
	ev := newEvaluator(t, nil)
	node := conditionNode(t, schema.ConditionConfig{
		Mode:       schema.ConditionExpression,
		Expression: `variables.total > 100.0`,
	})

	out, err := ev.Evaluate(context.Background(), node, Env{
		Variables: map[string]any{"total": 250.0},
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome(schema.BranchTrue), out)
}

func TestEvaluate_ExpressionMode_MultiWayLabel(t *testing.T) {
	ev := newEvaluator(t, nil)
	node := conditionNode(t, schema.ConditionConfig{
		Mode:       schema.ConditionExpression,
		Expression: `variables.tier == "gold" ? "priority" : "standard"`,
	})

	out, err := ev.Evaluate(context.Background(), node, Env{
		Variables: map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome("priority"), out)
}

func TestEvaluate_AIMode_ExactLabelMatch(t *testing.T) {
	classifier := &stubClassifier{answer: " interested "}
	ev := newEvaluator(t, classifier)
	node := conditionNode(t, schema.ConditionConfig{
		Mode:   schema.ConditionAI,
		Prompt: "Is {{variables.name}} interested?",
		Labels: []string{"interested", "not_interested"},
	})

	out, err := ev.Evaluate(context.Background(), node, Env{
		Variables: map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome("interested"), out)
	assert.Contains(t, classifier.lastReq.Prompt, "Is Ada interested?")
	assert.Equal(t, []string{"interested", "not_interested"}, classifier.lastReq.Labels)
}

func TestEvaluate_AIMode_CaseInsensitiveButExact(t *testing.T) {
	classifier := &stubClassifier{answer: "INTERESTED"}
	ev := newEvaluator(t, classifier)
	node := conditionNode(t, schema.ConditionConfig{
		Mode:   schema.ConditionAI,
		Prompt: "classify",
		Labels: []string{"interested", "not_interested"},
	})

	out, err := ev.Evaluate(context.Background(), node, Env{})
	require.NoError(t, err)
	assert.Equal(t, Outcome("interested"), out)
}

func TestEvaluate_AIMode_AmbiguousAnswerFails(t *testing.T) {
	classifier := &stubClassifier{answer: "Interested!"}
	ev := newEvaluator(t, classifier)
	node := conditionNode(t, schema.ConditionConfig{
		Mode:   schema.ConditionAI,
		Prompt: "classify",
		Labels: []string{"interested", "not_interested"},
	})

	_, err := ev.Evaluate(context.Background(), node, Env{})
	require.Error(t, err)

	var jerr *schema.JourneyError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, schema.ErrCodeLabelMismatch, jerr.Code)
	assert.False(t, jerr.IsRetryable())
}

func TestEvaluate_AIMode_ServiceErrorIsRetryable(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("connection refused")}
	ev := newEvaluator(t, classifier)
	node := conditionNode(t, schema.ConditionConfig{
		Mode:   schema.ConditionAI,
		Prompt: "classify",
		Labels: []string{"yes", "no"},
	})

	_, err := ev.Evaluate(context.Background(), node, Env{})
	require.Error(t, err)

	var jerr *schema.JourneyError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, schema.ErrCodeClassifier, jerr.Code)
	assert.True(t, jerr.IsRetryable())
}

func TestEvaluate_NoClassifierConfigured(t *testing.T) {
	ev := newEvaluator(t, nil)
	node := conditionNode(t, schema.ConditionConfig{
		Mode:   schema.ConditionAI,
		Prompt: "classify",
		Labels: []string{"yes", "no"},
	})

	_, err := ev.Evaluate(context.Background(), node, Env{})
	assert.Error(t, err)
}

func TestCompileRules_Source(t *testing.T) {
	src, err := CompileRules(&schema.RuleGroup{
		Combinator: "and",
		Rules: []schema.Rule{
			{Field: "variables.score", Op: schema.RuleGte, Value: 10},
			{Field: "name", Op: schema.RuleContains, Value: "a"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `((variables?.score >= 10) and has(variables?.name, "a"))`, src)
}

func TestCompileRules_RejectsBadField(t *testing.T) {
	_, err := CompileRules(&schema.RuleGroup{
		Rules: []schema.Rule{{Field: `x; system("rm")`, Op: schema.RuleEq, Value: 1}},
	})
	assert.Error(t, err)
}

func TestCompileRules_EmptyGroup(t *testing.T) {
	_, err := CompileRules(&schema.RuleGroup{Combinator: "and"})
	assert.Error(t, err)
}
