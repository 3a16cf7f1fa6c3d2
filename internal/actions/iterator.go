package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/idflow/internal/expressions"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

type iteratorParams struct {
	Source           string
	SourceAction     string
	SourceKey        string
	CollectionPath   string
	ParameterName    string
	CustomCollection any
	VariableName     string
	IndexVariable    string
	MaxIterations    int
}

func parseIteratorParams(m map[string]any) (iteratorParams, error) {
	p := iteratorParams{
		Source:           stringParam(m, "source", "previous_result"),
		SourceAction:     stringParam(m, "source_action", ""),
		SourceKey:        stringParam(m, "source_key", ""),
		CollectionPath:   stringParam(m, "collection_path", ""),
		ParameterName:    stringParam(m, "parameter_name", ""),
		CustomCollection: m["custom_collection"],
		VariableName:     stringParam(m, "variable_name", "item"),
		IndexVariable:    stringParam(m, "index_variable", "index"),
		MaxIterations:    intParam(m, "max_iterations", 0),
	}
	switch p.Source {
	case "previous_result":
	case "parameter":
		if p.ParameterName == "" {
			return p, schema.NewError(schema.ErrCodeValidation, "iterator: source 'parameter' requires 'parameter_name'")
		}
	case "custom":
		if p.CustomCollection == nil {
			return p, schema.NewError(schema.ErrCodeValidation, "iterator: source 'custom' requires 'custom_collection'")
		}
	default:
		return p, schema.NewErrorf(schema.ErrCodeValidation, "iterator: unknown source %q", p.Source)
	}
	if p.VariableName == p.IndexVariable {
		return p, schema.NewError(schema.ErrCodeValidation, "iterator: 'variable_name' and 'index_variable' must differ")
	}
	return p, nil
}

// collectionKeys are tried, in order, when a previous result is iterated
// without a key or path.
var collectionKeys = []string{"results", "items", "profiles", "rows"}

type iterator struct{ deps *Deps }

// run walks the collection and writes the item and index of every step
// into the shared run parameters and the branch variables. After the run
// they hold the last item.
func (h *iterator) run(ctx context.Context, rs *RunState, _ *store.Action, params map[string]any) (*Result, error) {
	p, err := parseIteratorParams(params)
	if err != nil {
		return nil, err
	}
	items, err := h.collection(ctx, rs, p)
	if err != nil {
		return nil, err
	}

	total := len(items)
	truncated := false
	if p.MaxIterations > 0 && total > p.MaxIterations {
		items = items[:p.MaxIterations]
		truncated = true
	}

	vars := rs.Vars()
	trace := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "iterator: cancelled").WithCause(err)
		}
		rs.SetParam(p.VariableName, item)
		rs.SetParam(p.IndexVariable, i)
		vars.Set(p.VariableName, item)
		vars.Set(p.IndexVariable, i)
		trace = append(trace, map[string]any{p.IndexVariable: i, p.VariableName: item})
	}

	out := map[string]any{
		"success":        true,
		"source":         p.Source,
		"iterations":     len(items),
		"total_items":    total,
		"truncated":      truncated,
		"variable_name":  p.VariableName,
		"index_variable": p.IndexVariable,
		"items":          items,
		"iterated":       trace,
	}
	if len(items) > 0 {
		out["last_item"] = items[len(items)-1]
		out["last_index"] = len(items) - 1
	}
	return succeeded(out), nil
}

func (h *iterator) collection(ctx context.Context, rs *RunState, p iteratorParams) ([]any, error) {
	var raw any
	switch p.Source {
	case "custom":
		raw = p.CustomCollection
		if s, ok := raw.(string); ok {
			raw = parseInlineCollection(s)
		}

	case "parameter":
		v, ok := rs.Param(p.ParameterName)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "iterator: parameter %q is not set", p.ParameterName)
		}
		raw = v

	case "previous_result":
		var out map[string]any
		if p.SourceAction != "" {
			res, ok := rs.Result(p.SourceAction)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "iterator: no result recorded for %q", p.SourceAction)
			}
			out = res
		} else {
			out = rs.Last()
			if out == nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "iterator: no previous result to iterate")
			}
		}
		switch {
		case p.SourceKey != "":
			v, ok := out[p.SourceKey]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "iterator: previous result has no key %q", p.SourceKey)
			}
			raw = v
		case p.CollectionPath != "":
			raw = out
		default:
			raw = out
			for _, k := range collectionKeys {
				if v, ok := out[k]; ok {
					raw = v
					break
				}
			}
		}
	}

	if p.CollectionPath != "" {
		selected, err := h.deps.JQ.Select(ctx, p.CollectionPath, raw)
		if err != nil {
			return nil, err
		}
		raw = selected
	}
	return toCollection(raw)
}

// parseInlineCollection reads a JSON array, or else a comma separated list.
func parseInlineCollection(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return arr
		}
	}
	if trimmed == "" {
		return []any{}
	}
	parts := strings.Split(trimmed, ",")
	out := make([]any, len(parts))
	for i, part := range parts {
		out[i] = strings.TrimSpace(part)
	}
	return out
}

// toCollection turns lists into []any and maps into sorted key/value pairs.
func toCollection(v any) ([]any, error) {
	switch val := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return val, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(val))
		for i, m := range val {
			out[i] = m
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = map[string]any{"key": k, "value": val[k]}
		}
		return out, nil
	}
	normalized := expressions.Normalize(v)
	if arr, ok := normalized.([]any); ok {
		return arr, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "iterator: %s is not a collection", fmt.Sprintf("%T", v))
}
