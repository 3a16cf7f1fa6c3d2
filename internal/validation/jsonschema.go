package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/idflow/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for the persisted workflow graph.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://idflow.dev/schemas/graph.json",
  "type": "object",
  "minProperties": 1,
  "additionalProperties": { "$ref": "#/$defs/node" },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["start", "end", "action", "conditional"] },
        "actionId": { "type": "integer", "minimum": 1 },
        "condition": { "type": "string" },
        "parameters": { "type": "object" },
        "continueOnError": { "type": "boolean" },
        "connections": {
          "type": ["array", "null"],
          "items": { "$ref": "#/$defs/connection" }
        }
      }
    },
    "connection": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "target": { "type": "string", "minLength": 1 },
        "conditionPath": { "type": "string", "enum": ["", "true", "false"] }
      }
    }
  }
}`

const graphSchemaURL = "https://idflow.dev/schemas/graph.json"

// Count-like parameters arrive as numbers from stored JSON and as strings
// from the CLI.
const countParam = `{ "type": ["integer", "string"], "pattern": "^[0-9]+$", "minimum": 0 }`

const boolParam = `{ "type": ["boolean", "string"], "enum": [true, false, "true", "false", "1", "0", "yes", "no"] }`

const idListParam = `{
  "anyOf": [
    { "type": "array", "items": { "type": ["integer", "string"] } },
    { "type": ["integer", "string"] }
  ]
}`

// paramSchemas holds one schema per action type. Unknown keys are allowed:
// the merged map also carries workflow-level parameters.
var paramSchemas = map[schema.ActionType]string{
	schema.ActionDatabaseQuery: `{
  "type": "object",
  "required": ["query"],
  "anyOf": [{ "required": ["connection"] }, { "required": ["connection_id"] }],
  "properties": {
    "connection": { "type": "string", "minLength": 1 },
    "connection_id": ` + countParam + `,
    "query": { "type": "string", "minLength": 1 },
    "parameters": { "type": ["object", "null"] },
    "format": { "type": "string", "enum": ["json", "csv", "xml", "dict"] },
    "max_rows": ` + countParam + `,
    "timeout_seconds": ` + countParam + `
  }
}`,
	schema.ActionDatasourceRefresh: `{
  "type": "object",
  "anyOf": [{ "required": ["datasource_id"] }, { "required": ["datasource_ids"] }],
  "properties": {
    "datasource_id": ` + countParam + `,
    "datasource_ids": ` + idListParam + `,
    "wait_for_completion": ` + boolParam + `
  }
}`,
	schema.ActionIterator: `{
  "type": "object",
  "properties": {
    "source": { "type": "string", "enum": ["previous_result", "parameter", "custom"] },
    "source_action": { "type": ["string", "integer"] },
    "source_key": { "type": "string" },
    "collection_path": { "type": "string" },
    "parameter_name": { "type": "string" },
    "custom_collection": {},
    "variable_name": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
    "index_variable": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
    "max_iterations": ` + countParam + `
  }
}`,
	schema.ActionProfileCheck: `{
  "type": "object",
  "required": ["identifier", "check_type"],
  "properties": {
    "identifier": { "type": ["string", "integer"] },
    "identifier_type": { "type": "string", "enum": ["auto", "unique_id", "email", "id", "attribute"] },
    "check_type": {
      "type": "string",
      "enum": ["attribute_exists", "attribute_not_exists", "datasource_attribute_exists", "compare_value", "compare_attributes"]
    },
    "attribute_name": { "type": "string" },
    "second_attribute_name": { "type": "string" },
    "datasource_id": ` + countParam + `,
    "comparison_value": {},
    "comparison_operator": { "type": "string" }
  }
}`,
	schema.ActionProfileQuery: `{
  "type": "object",
  "properties": {
    "query_type": { "type": "string", "enum": ["all", "attribute", "field", "datasource"] },
    "attribute_name": { "type": "string" },
    "attribute_value": { "type": ["string", "number", "boolean"] },
    "field_name": { "type": "string" },
    "field_value": { "type": ["string", "number", "boolean"] },
    "match": { "type": "string", "enum": ["exact", "case_insensitive", "contains"] },
    "datasource_id": ` + countParam + `,
    "status": { "type": "string" },
    "filter": { "type": "string" },
    "group_by": { "type": "string", "enum": ["none", "first_letter", "status", "field", "attribute"] },
    "group_field": { "type": "string" },
    "detail_level": { "type": "string", "enum": ["basic", "full", "custom"] },
    "fields": { "type": ["array", "string"] },
    "include_sources": ` + boolParam + `,
    "limit": ` + countParam + `
  }
}`,
	schema.ActionFileCreate: `{
  "type": "object",
  "properties": {
    "source": { "type": "string", "enum": ["previous_result", "custom", "context"] },
    "source_action": { "type": ["string", "integer"] },
    "data_path": { "type": "string" },
    "custom_data": {},
    "format": { "type": "string", "enum": ["csv", "json", "jsonl", "excel", "txt"] },
    "file_name": { "type": "string", "pattern": "^[^/\\\\]+$" },
    "output_dir": { "type": "string" },
    "include_header": ` + boolParam + `,
    "fields": { "type": ["array", "string"] }
  }
}`,
}

// JSONSchemaValidator validates graph JSON and action parameters.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema  *jsonschema.Schema
	paramSchemas map[schema.ActionType]*jsonschema.Schema

	// mu guards the cache for ad-hoc schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the graph schema and every action parameter schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	graph, err := compileSchema(graphSchemaURL, graphSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	params := make(map[schema.ActionType]*jsonschema.Schema, len(paramSchemas))
	for t, src := range paramSchemas {
		s, err := compileSchema(fmt.Sprintf("https://idflow.dev/schemas/params/%s.json", t), src)
		if err != nil {
			return nil, fmt.Errorf("compile %s parameter schema: %w", t, err)
		}
		params[t] = s
	}

	return &JSONSchemaValidator{
		graphSchema:  graph,
		paramSchemas: params,
		cache:        make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateGraphShape checks the graph against the graph JSON Schema.
func (v *JSONSchemaValidator) ValidateGraphShape(graph schema.WorkflowGraph) error {
	if graph == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "workflow graph is empty")
	}
	doc, err := toJSONValue(graph)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "failed to serialize workflow graph").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		return toIdflowError(schema.ErrCodeConfiguration, err)
	}
	return nil
}

// ValidateParams checks merged parameters against the schema of actionType.
func (v *JSONSchemaValidator) ValidateParams(actionType schema.ActionType, params map[string]any) error {
	compiled, ok := v.paramSchemas[actionType]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "no parameter schema for action type %q", actionType)
	}
	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameters").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toIdflowError(schema.ErrCodeValidation, err)
	}
	return nil
}

// ValidateAgainst validates data against an ad-hoc schema given as raw JSON.
// Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateAgainst(data any, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaJSON)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid schema").WithCause(err)
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toIdflowError(schema.ErrCodeValidation, err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}
	compiled, err := compileSchema(fmt.Sprintf("idflow://adhoc-schema/%d", len(v.cache)), key)
	if err != nil {
		return nil, err
	}
	v.cache[key] = compiled
	return compiled, nil
}

func compileSchema(url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toIdflowError flattens a jsonschema.ValidationError into one error with
// every leaf violation listed in Details.
func toIdflowError(code string, err error) *schema.IdflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(code, verr.Error())
	case 1:
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(code, "validation failed with %d errors: %s", len(violations), violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
