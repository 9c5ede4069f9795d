package conditions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sendloop/journey/pkg/schema"
)

// fieldPattern restricts rule field references to dotted identifiers. Rules
// come from a visual editor; anything beyond plain paths does not belong here.
var fieldPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

// rootScopes are the prefixes a field reference may start with. A bare name
// like "score" is shorthand for "variables.score".
var rootScopes = map[string]struct{}{
	"variables": {},
	"event":     {},
	"subject":   {},
}

// CompileRules translates a rule tree into expr source. The generated program
// is deterministic and boolean; the expr engine caches the compiled form, so
// repeated evaluations of the same node cost one map lookup.
func CompileRules(group *schema.RuleGroup) (string, error) {
	src, err := compileGroup(group)
	if err != nil {
		return "", err
	}
	return src, nil
}

func compileGroup(group *schema.RuleGroup) (string, error) {
	var combinator string
	switch strings.ToLower(group.Combinator) {
	case "and", "":
		combinator = " and "
	case "or":
		combinator = " or "
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"unknown rule combinator %q", group.Combinator)
	}

	var parts []string
	for i := range group.Rules {
		leaf, err := compileRule(&group.Rules[i])
		if err != nil {
			return "", err
		}
		parts = append(parts, leaf)
	}
	for i := range group.Groups {
		sub, err := compileGroup(&group.Groups[i])
		if err != nil {
			return "", err
		}
		parts = append(parts, sub)
	}

	if len(parts) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "empty rule group")
	}
	return "(" + strings.Join(parts, combinator) + ")", nil
}

func compileRule(rule *schema.Rule) (string, error) {
	acc, err := fieldAccessor(rule.Field)
	if err != nil {
		return "", err
	}

	switch rule.Op {
	case schema.RuleEq, schema.RuleNeq, schema.RuleGt, schema.RuleGte, schema.RuleLt, schema.RuleLte:
		lit, err := literal(rule.Value)
		if err != nil {
			return "", err
		}
		op := map[schema.RuleOp]string{
			schema.RuleEq:  "==",
			schema.RuleNeq: "!=",
			schema.RuleGt:  ">",
			schema.RuleGte: ">=",
			schema.RuleLt:  "<",
			schema.RuleLte: "<=",
		}[rule.Op]
		return fmt.Sprintf("(%s %s %s)", acc, op, lit), nil

	case schema.RuleContains:
		lit, err := literal(rule.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("has(%s, %s)", acc, lit), nil

	case schema.RuleEmpty:
		return fmt.Sprintf("empty(%s)", acc), nil

	case schema.RuleNotEmpty:
		return fmt.Sprintf("!empty(%s)", acc), nil

	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"unknown rule operator %q on field %q", rule.Op, rule.Field)
	}
}

// fieldAccessor turns "variables.score" into "variables?.score" so missing
// fields evaluate to nil instead of erroring mid-rule.
func fieldAccessor(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid rule field %q", field)
	}

	segments := strings.Split(field, ".")
	if _, ok := rootScopes[segments[0]]; !ok {
		segments = append([]string{"variables"}, segments...)
	}
	if len(segments) == 1 {
		return segments[0], nil
	}
	return segments[0] + "?." + strings.Join(segments[1:], "?."), nil
}

// literal renders a rule value as expr source. JSON literal syntax for
// strings, numbers, bools, lists, and maps is valid expr syntax; null becomes
// nil.
func literal(v any) (string, error) {
	if v == nil {
		return "nil", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported rule value: %v", v).WithCause(err)
	}
	return string(b), nil
}
