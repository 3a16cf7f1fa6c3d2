package actions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Param helpers shared by every handler. Stored parameters arrive as JSON
// values while CLI and bundle parameters often arrive as strings, so the
// numeric and boolean helpers accept both.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return defaultVal
		}
		return s
	case json.Number:
		return s.String()
	case float64, int, int64, bool:
		return fmt.Sprint(s)
	default:
		return defaultVal
	}
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	n, ok := toInt64(v)
	if !ok {
		return defaultVal
	}
	return int(n)
}

func int64Param(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	n, _ := toInt64(v)
	return n
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// stringSliceParam accepts a JSON array or a comma separated string.
func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	var raw []any
	switch arr := v.(type) {
	case []any:
		raw = arr
	case []string:
		return arr
	case string:
		for _, part := range strings.Split(arr, ",") {
			raw = append(raw, part)
		}
	default:
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		s := strings.TrimSpace(fmt.Sprint(item))
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

// idListParam collects positive ids from key (scalar) and listKey (array or
// comma separated string), keeping first-seen order.
func idListParam(m map[string]any, key, listKey string) ([]int64, error) {
	var raw []string
	if v, ok := m[key]; ok && v != nil {
		raw = append(raw, strings.TrimSpace(fmt.Sprint(v)))
	}
	raw = append(raw, stringSliceParam(m, listKey)...)

	seen := make(map[int64]bool, len(raw))
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid data source id %q", s)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

// mergeParams layers maps left to right; later keys win.
func mergeParams(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
