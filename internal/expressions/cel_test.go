package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELEngine_BooleanCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `variables.score >= 50 && event.channel == "email"`, map[string]any{
		"variables": map[string]any{"score": 75},
		"event":     map[string]any{"channel": "email"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_StringOutcome(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(),
		`variables.plan == "pro" ? "upsell" : "nurture"`, map[string]any{
			"variables": map[string]any{"plan": "pro"},
		})
	require.NoError(t, err)
	assert.Equal(t, "upsell", out)
}

func TestCELEngine_MissingKeysDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(event) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `variables.`, nil)
	assert.Error(t, err)
}

func TestGoJQEngine_Lookup(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	data := map[string]any{
		"order": map[string]any{"total": 99, "items": []any{"a", "b"}},
	}

	val, ok, err := e.Lookup(ctx, ".order.total", data)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(99), val)

	_, ok, err = e.Lookup(ctx, ".order.missing", data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGoJQEngine_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[]", map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".[invalid", nil)
	assert.Error(t, err)
}

func TestInterpolator_Render(t *testing.T) {
	interp := NewInterpolator(NewGoJQEngine())
	ctx := context.Background()

	data := map[string]any{
		"variables": map[string]any{"name": "Ada", "score": 42},
		"event":     map[string]any{"channel": "sms"},
	}

	out, err := interp.Render(ctx, "Hi {{variables.name}}, via {{event.channel}} ({{variables.score}})", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, via sms (42)", out)
}

func TestInterpolator_UnresolvedReference(t *testing.T) {
	interp := NewInterpolator(NewGoJQEngine())

	_, err := interp.Render(context.Background(), "Hi {{variables.nope}}", map[string]any{
		"variables": map[string]any{},
	})
	assert.Error(t, err)
}

func TestInterpolator_RenderParams(t *testing.T) {
	interp := NewInterpolator(NewGoJQEngine())

	params, err := interp.RenderParams(context.Background(), map[string]any{
		"text":  "Hello {{variables.name}}",
		"count": 3,
		"nested": map[string]any{
			"url": "https://x.test/{{variables.name}}",
		},
	}, map[string]any{
		"variables": map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", params["text"])
	assert.Equal(t, 3, params["count"])
	assert.Equal(t, "https://x.test/Ada", params["nested"].(map[string]any)["url"])
}
