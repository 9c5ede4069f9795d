package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sendloop/journey/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. It runs
// the boolean programs that rule-mode condition nodes compile to, against an
// environment of instance variables and the triggering event payload.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it
// against the provided data. The data map is injected as the expression
// environment, making all keys available as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.Function("has", hasFunc),
		expr.Function("empty", emptyFunc),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// hasFunc implements containment across the value shapes rules deal with:
// substring for strings, membership for lists.
func hasFunc(params ...any) (any, error) {
	if len(params) != 2 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "has() takes 2 arguments, got %d", len(params))
	}
	container, item := params[0], params[1]
	switch c := container.(type) {
	case nil:
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, v := range c {
			if v == item {
				return true, nil
			}
		}
		return false, nil
	case []string:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		for _, v := range c {
			if v == s {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// emptyFunc reports whether a value is nil, "", an empty list, or an empty map.
func emptyFunc(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty() takes 1 argument, got %d", len(params))
	}
	switch v := params[0].(type) {
	case nil:
		return true, nil
	case string:
		return v == "", nil
	case []any:
		return len(v) == 0, nil
	case map[string]any:
		return len(v) == 0, nil
	default:
		return false, nil
	}
}

var _ Engine = (*ExprEngine)(nil)
