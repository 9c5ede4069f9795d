package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sendloop/journey/pkg/schema"
)

// placeholderPattern matches {{ variables.name }} style references.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]]+)\s*\}\}`)

// Interpolator renders {{path}} placeholders in action parameters and
// classification prompts, resolving paths through the jq engine so nested
// payload references work the same way trigger filters do.
type Interpolator struct {
	jq *GoJQEngine
}

// NewInterpolator creates an Interpolator backed by the given jq engine.
func NewInterpolator(jq *GoJQEngine) *Interpolator {
	return &Interpolator{jq: jq}
}

// Render substitutes every placeholder in s with its resolved value from
// data. Unresolvable references are an error rather than silently kept, so a
// typo in a message template surfaces before anything is sent.
func (i *Interpolator) Render(ctx context.Context, s string, data map[string]any) (string, error) {
	var renderErr error

	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if renderErr != nil {
			return match
		}
		ref := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])

		val, ok, err := i.jq.Lookup(ctx, "."+ref, data)
		if err != nil {
			renderErr = err
			return match
		}
		if !ok {
			renderErr = schema.NewErrorf(schema.ErrCodeValidation,
				"unresolved reference %q in template", ref)
			return match
		}
		return stringify(val)
	})

	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// RenderParams renders every string value in a parameter bag, recursing into
// nested maps and lists. Non-string values pass through untouched.
func (i *Interpolator) RenderParams(ctx context.Context, params map[string]any, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		rendered, err := i.renderValue(ctx, v, data)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (i *Interpolator) renderValue(ctx context.Context, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return i.Render(ctx, val, data)
	case map[string]any:
		return i.RenderParams(ctx, val, data)
	case []any:
		out := make([]any, len(val))
		for idx, item := range val {
			rendered, err := i.renderValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[idx] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
