package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/pkg/schema"
)

func TestNewConditionEngine(t *testing.T) {
	e := NewConditionEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "condition", e.Name())
}

func TestCondition_LastOutputKeysAreTopLevel(t *testing.T) {
	e := NewConditionEngine()
	env := ConditionEnv(nil, nil, nil, map[string]any{"records_processed": 5})

	ok, err := e.Test(context.Background(), "records_processed > 0", env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_ReservedBindingsShadowOutput(t *testing.T) {
	e := NewConditionEngine()
	env := ConditionEnv(
		map[string]any{"action_1": map[string]any{"count": 2}},
		map[string]any{"region": "eu"},
		map[string]any{"item": "b"},
		map[string]any{"params": "shadowed", "count": 2},
	)

	ok, err := e.Test(context.Background(), `params.region == "eu" && vars.item == "b" && data.action_1.count == 2`, env)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Test(context.Background(), `result.action_1.count == count`, env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_EmptyIsTrue(t *testing.T) {
	ok, err := NewConditionEngine().Test(context.Background(), "  ", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_FailsClosed(t *testing.T) {
	e := NewConditionEngine()
	env := ConditionEnv(nil, nil, nil, nil)

	tests := []struct {
		name string
		expr string
	}{
		{"syntax error", "records_processed >"},
		{"missing name", "missing_value > 0"},
		{"non bool result", "1 + 2"},
		{"disabled builtin", `upper("a") == "A"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := e.Test(context.Background(), tc.expr, env)
			assert.False(t, ok)
			assert.Error(t, err)
		})
	}
}

func TestCondition_WhitelistedFunctions(t *testing.T) {
	e := NewConditionEngine()
	env := ConditionEnv(nil, map[string]any{"ids": []any{1, 2, 3}, "count": "7"}, nil, nil)

	tests := []string{
		`len(params.ids) == 3`,
		`int(params.count) == 7`,
		`float(params.count) > 6.5`,
		`str(42) == "42"`,
		`bool(params.ids)`,
		`!bool("")`,
		`len(list(1, 2)) == 2`,
		`dict("a", 1).a == 1`,
	}
	for _, expression := range tests {
		t.Run(expression, func(t *testing.T) {
			ok, err := e.Test(context.Background(), expression, env)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestCondition_CompileErrorIsValidation(t *testing.T) {
	_, err := NewConditionEngine().Compile("a ==")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCondition_Caching(t *testing.T) {
	e := NewConditionEngine()
	p1, err := e.Compile("a > 1")
	require.NoError(t, err)
	p2, err := e.Compile("a > 1")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestCondition_Concurrent(t *testing.T) {
	e := NewConditionEngine()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := e.Test(context.Background(), "params.n >= 0", ConditionEnv(nil, map[string]any{"n": n}, nil, nil))
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
}
