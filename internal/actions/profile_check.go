package actions

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/idflow/internal/reconcile"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// Check types of profile_check.
const (
	checkAttributeExists           = "attribute_exists"
	checkAttributeNotExists        = "attribute_not_exists"
	checkDatasourceAttributeExists = "datasource_attribute_exists"
	checkCompareValue              = "compare_value"
	checkCompareAttributes         = "compare_attributes"
)

type profileCheckParams struct {
	Identifier          string
	IdentifierType      string
	CheckType           string
	AttributeName       string
	SecondAttributeName string
	DatasourceID        int64
	ComparisonValue     any
	Operator            string
}

func parseProfileCheckParams(m map[string]any) (profileCheckParams, error) {
	p := profileCheckParams{
		Identifier:          strings.TrimSpace(stringParam(m, "identifier", "")),
		IdentifierType:      stringParam(m, "identifier_type", "auto"),
		CheckType:           stringParam(m, "check_type", ""),
		AttributeName:       stringParam(m, "attribute_name", ""),
		SecondAttributeName: stringParam(m, "second_attribute_name", ""),
		DatasourceID:        int64Param(m, "datasource_id"),
		ComparisonValue:     m["comparison_value"],
		Operator:            stringParam(m, "comparison_operator", "equals"),
	}
	if p.Identifier == "" {
		return p, schema.NewError(schema.ErrCodeValidation, "profile_check: missing required param 'identifier'")
	}
	switch p.CheckType {
	case checkAttributeExists, checkAttributeNotExists, checkCompareValue:
		if p.AttributeName == "" {
			return p, schema.NewErrorf(schema.ErrCodeValidation, "profile_check: %s requires 'attribute_name'", p.CheckType)
		}
	case checkCompareAttributes:
		if p.AttributeName == "" || p.SecondAttributeName == "" {
			return p, schema.NewError(schema.ErrCodeValidation, "profile_check: compare_attributes requires 'attribute_name' and 'second_attribute_name'")
		}
	case checkDatasourceAttributeExists:
		if p.DatasourceID <= 0 {
			return p, schema.NewError(schema.ErrCodeValidation, "profile_check: datasource_attribute_exists requires 'datasource_id'")
		}
	default:
		return p, schema.NewErrorf(schema.ErrCodeValidation, "profile_check: unknown check_type %q", p.CheckType)
	}
	if p.CheckType == checkCompareValue || p.CheckType == checkCompareAttributes {
		if _, ok := operators[normalizeOperator(p.Operator)]; !ok {
			return p, schema.NewErrorf(schema.ErrCodeValidation, "profile_check: unknown comparison_operator %q", p.Operator)
		}
	}
	return p, nil
}

type profileCheck struct{ deps *Deps }

func (h *profileCheck) run(ctx context.Context, _ *RunState, _ *store.Action, params map[string]any) (*Result, error) {
	p, err := parseProfileCheckParams(params)
	if err != nil {
		return nil, err
	}
	person, err := findPerson(ctx, h.deps.Store, p.Identifier, p.IdentifierType)
	if err != nil {
		return nil, err
	}

	details := map[string]any{}
	var result bool

	switch p.CheckType {
	case checkAttributeExists, checkAttributeNotExists:
		v, found, err := attributeValue(ctx, h.deps.Store, person, p.AttributeName)
		if err != nil {
			return nil, err
		}
		details["attribute_name"] = p.AttributeName
		details["attribute_value"] = coerce(v)
		result = found
		if p.CheckType == checkAttributeNotExists {
			result = !found
		}

	case checkDatasourceAttributeExists:
		rows, err := h.deps.Store.ListAttributeSources(ctx, store.AttributeFilter{
			PersonID:      person.ID,
			DataSourceID:  p.DatasourceID,
			AttributeName: p.AttributeName,
			CurrentOnly:   true,
		})
		if err != nil {
			return nil, err
		}
		details["datasource_id"] = p.DatasourceID
		details["attribute_name"] = p.AttributeName
		details["attribute_count"] = len(rows)
		result = len(rows) > 0

	case checkCompareValue:
		v, found, err := attributeValue(ctx, h.deps.Store, person, p.AttributeName)
		if err != nil {
			return nil, err
		}
		left, right := coerce(v), coerce(p.ComparisonValue)
		details["attribute_name"] = p.AttributeName
		details["attribute_value"] = left
		details["comparison_value"] = right
		details["operator"] = normalizeOperator(p.Operator)
		if found {
			result, err = compareValues(left, right, p.Operator)
			if err != nil {
				return nil, err
			}
		}

	case checkCompareAttributes:
		v1, found1, err := attributeValue(ctx, h.deps.Store, person, p.AttributeName)
		if err != nil {
			return nil, err
		}
		v2, found2, err := attributeValue(ctx, h.deps.Store, person, p.SecondAttributeName)
		if err != nil {
			return nil, err
		}
		left, right := coerce(v1), coerce(v2)
		details["attribute_name"] = p.AttributeName
		details["attribute_value"] = left
		details["second_attribute_name"] = p.SecondAttributeName
		details["second_attribute_value"] = right
		details["operator"] = normalizeOperator(p.Operator)
		if found1 && found2 {
			result, err = compareValues(left, right, p.Operator)
			if err != nil {
				return nil, err
			}
		}
	}

	return succeeded(map[string]any{
		"success":    true,
		"result":     result,
		"check_type": p.CheckType,
		"person_id":  person.ID,
		"unique_id":  person.UniqueID,
		"details":    details,
	}), nil
}

// findPerson resolves an identifier. auto picks email for values with '@',
// attribute lookup for "name:value", the internal id for digits (falling back
// to unique_id) and unique_id otherwise.
func findPerson(ctx context.Context, s store.Store, identifier, kind string) (*store.Person, error) {
	if kind == "" || kind == "auto" {
		switch {
		case strings.Contains(identifier, "@"):
			kind = "email"
		case strings.Contains(identifier, ":"):
			kind = "attribute"
		default:
			if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
				if p, err := s.GetPerson(ctx, id); err == nil {
					return p, nil
				}
			}
			kind = "unique_id"
		}
	}

	switch kind {
	case "unique_id":
		return s.GetPersonByUniqueID(ctx, identifier)
	case "email":
		return s.GetPersonByEmail(ctx, identifier)
	case "id":
		id, err := strconv.ParseInt(identifier, 10, 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid person id %q", identifier)
		}
		return s.GetPerson(ctx, id)
	case "attribute":
		name, value, ok := strings.Cut(identifier, ":")
		if !ok || name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "attribute identifier %q is not name:value", identifier)
		}
		rows, err := s.ListAttributeSources(ctx, store.AttributeFilter{AttributeName: name, Value: value, CurrentOnly: true})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no person with %s = %q", name, value)
		}
		personID := rows[0].PersonID
		for _, r := range rows[1:] {
			if r.PersonID < personID {
				personID = r.PersonID
			}
		}
		return s.GetPerson(ctx, personID)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown identifier_type %q", kind)
}

// attributeValue returns the current value of an attribute: a multi-valued
// list from the resolved profile, else the winning current source row, else
// the resolved profile value, else a direct person column.
func attributeValue(ctx context.Context, s store.Store, p *store.Person, name string) (any, bool, error) {
	if v, ok := p.Attributes[name].([]any); ok {
		return v, len(v) > 0, nil
	}
	rows, err := s.ListAttributeSources(ctx, store.AttributeFilter{PersonID: p.ID, AttributeName: name, CurrentOnly: true})
	if err != nil {
		return nil, false, err
	}
	if len(rows) > 0 {
		return reconcile.PickWinner(rows).AttributeValue, true, nil
	}
	if v, ok := p.Attributes[name]; ok && v != nil {
		return v, true, nil
	}
	if col, ok := store.PersonColumn(name); ok {
		if v := personColumn(p, col); v != "" {
			return v, true, nil
		}
	}
	return nil, false, nil
}

func personColumn(p *store.Person, col string) string {
	switch col {
	case "unique_id":
		return p.UniqueID
	case "first_name":
		return p.FirstName
	case "last_name":
		return p.LastName
	case "display_name":
		return p.DisplayName
	case "email":
		return p.Email
	case "secondary_email":
		return p.SecondaryEmail
	case "phone":
		return p.Phone
	case "status":
		return p.Status
	}
	return ""
}

// isWholeInt reports whether f is a whole number that fits in an int.
func isWholeInt(f float64) bool {
	return math.Trunc(f) == f && f >= math.MinInt64 && f < math.MaxInt64
}

// coerce converts numeric strings to int, then float, and "true"/"false"
// to bool. Other values are returned unchanged.
func coerce(v any) any {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		switch strings.ToLower(s) {
		case "true":
			return true
		case "false":
			return false
		}
		return val
	case float64:
		if isWholeInt(val) {
			return int(val)
		}
		return val
	case int64:
		return int(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = coerce(item)
		}
		return out
	}
	return v
}

var operators = map[string]bool{
	"equals": true, "not_equals": true, "contains": true, "not_contains": true,
	"greater_than": true, "less_than": true, "greater_than_or_equal": true,
	"less_than_or_equal": true, "regex": true,
}

var operatorAliases = map[string]string{
	"==": "equals", "=": "equals", "eq": "equals", "equal": "equals",
	"!=": "not_equals", "<>": "not_equals", "ne": "not_equals", "not_equal": "not_equals",
	"in": "contains", "not_in": "not_contains",
	">": "greater_than", "gt": "greater_than",
	"<": "less_than", "lt": "less_than",
	">=": "greater_than_or_equal", "gte": "greater_than_or_equal", "greater_than_or_equals": "greater_than_or_equal",
	"<=": "less_than_or_equal", "lte": "less_than_or_equal", "less_than_or_equals": "less_than_or_equal",
	"~": "regex", "=~": "regex", "matches": "regex", "regex_match": "regex",
}

func normalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		return alias
	}
	return op
}

// compareValues applies op to coerced operands. Two numbers compare
// numerically, anything else as strings; booleans only support equality.
func compareValues(left, right any, op string) (bool, error) {
	op = normalizeOperator(op)
	switch op {
	case "contains", "not_contains":
		found := containsValue(left, right)
		if op == "not_contains" {
			return !found, nil
		}
		return found, nil
	case "regex":
		re, err := regexp.Compile(fmt.Sprint(right))
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex %q: %s", right, err.Error())
		}
		return re.MatchString(textOf(left)), nil
	}

	lf, lnum := number(left)
	rf, rnum := number(right)
	if lnum && rnum {
		switch op {
		case "equals":
			return lf == rf, nil
		case "not_equals":
			return lf != rf, nil
		case "greater_than":
			return lf > rf, nil
		case "less_than":
			return lf < rf, nil
		case "greater_than_or_equal":
			return lf >= rf, nil
		case "less_than_or_equal":
			return lf <= rf, nil
		}
	}

	lb, lbool := left.(bool)
	rb, rbool := right.(bool)
	if lbool || rbool {
		switch op {
		case "equals":
			return lbool && rbool && lb == rb, nil
		case "not_equals":
			return !(lbool && rbool && lb == rb), nil
		}
		return false, nil
	}

	ls, rs := textOf(left), textOf(right)
	switch op {
	case "equals":
		return ls == rs, nil
	case "not_equals":
		return ls != rs, nil
	case "greater_than":
		return ls > rs, nil
	case "less_than":
		return ls < rs, nil
	case "greater_than_or_equal":
		return ls >= rs, nil
	case "less_than_or_equal":
		return ls <= rs, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown comparison operator %q", op)
}

func containsValue(haystack, needle any) bool {
	if list, ok := haystack.([]any); ok {
		for _, item := range list {
			if textOf(item) == textOf(needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(textOf(haystack), textOf(needle))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func textOf(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
