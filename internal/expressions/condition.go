package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/idflow/pkg/schema"
)

// Reserved condition bindings. They shadow same-named keys of the last action output.
const (
	BindingData   = "data"
	BindingResult = "result"
	BindingParams = "params"
	BindingVars   = "vars"
)

// ConditionEngine evaluates branch conditions with expr-lang/expr.
// Every builtin is disabled except len, int and float; str, bool, list and
// dict are registered as plain functions. The environment holds only plain
// maps and scalars, so member access never reaches Go methods.
// Thread-safe: compiled programs are cached per expression.
type ConditionEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEngine creates a condition engine.
func NewConditionEngine() *ConditionEngine {
	return &ConditionEngine{cache: make(map[string]*vm.Program)}
}

// Name returns the engine identifier.
func (e *ConditionEngine) Name() string {
	return "condition"
}

// Evaluate runs expression against data and returns the raw value.
func (e *ConditionEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}
	prg, err := e.Compile(expression)
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
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Test evaluates a condition as a boolean. An empty condition is true.
// Any compile or runtime error, and any non-boolean result, yields false
// together with the error so the caller can log it.
func (e *ConditionEngine) Test(ctx context.Context, expression string, env map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	out, err := e.Evaluate(ctx, expression, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q produced %T, not bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Compile returns a cached program or compiles and caches a new one.
// It is also used at graph load time to surface syntax errors early.
func (e *ConditionEngine) Compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, conditionOptions()...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.cache[expression] = prg
	return prg, nil
}

func conditionOptions() []expr.Option {
	return []expr.Option{
		expr.DisableAllBuiltins(),
		expr.EnableBuiltin("len"),
		expr.EnableBuiltin("int"),
		expr.EnableBuiltin("float"),
		expr.Function("str", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("str expects 1 argument, got %d", len(params))
			}
			return toString(params[0]), nil
		}),
		expr.Function("bool", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("bool expects 1 argument, got %d", len(params))
			}
			return truthy(params[0]), nil
		}),
		expr.Function("list", func(params ...any) (any, error) {
			if len(params) == 1 {
				if l, ok := params[0].([]any); ok {
					return append([]any(nil), l...), nil
				}
			}
			return append([]any{}, params...), nil
		}),
		expr.Function("dict", func(params ...any) (any, error) {
			if len(params) == 0 {
				return map[string]any{}, nil
			}
			if m, ok := params[0].(map[string]any); ok && len(params) == 1 {
				return deepCopyMap(m), nil
			}
			if len(params)%2 != 0 {
				return nil, fmt.Errorf("dict expects key/value pairs")
			}
			out := make(map[string]any, len(params)/2)
			for i := 0; i < len(params); i += 2 {
				out[toString(params[i])] = params[i+1]
			}
			return out, nil
		}),
	}
}

// ConditionEnv builds the evaluation environment. The keys of last are
// exposed as top-level names first, then the four reserved bindings are set
// so they always win.
func ConditionEnv(results, params, vars, last map[string]any) map[string]any {
	env := make(map[string]any, len(last)+4)
	for k, v := range last {
		env[k] = v
	}
	if results == nil {
		results = map[string]any{}
	}
	if params == nil {
		params = map[string]any{}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	env[BindingData] = results
	env[BindingResult] = results
	env[BindingParams] = params
	env[BindingVars] = vars
	return env
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

var _ Engine = (*ConditionEngine)(nil)
