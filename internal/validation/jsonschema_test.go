package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateParams_EveryActionTypeHasSchema(t *testing.T) {
	v := newJSV(t)
	for _, at := range schema.ActionTypes {
		_, ok := v.paramSchemas[at]
		assert.True(t, ok, "missing schema for %s", at)
	}
	err := v.ValidateParams("send_email", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestValidateParams_DatabaseQuery(t *testing.T) {
	v := newJSV(t)

	assert.NoError(t, v.ValidateParams(schema.ActionDatabaseQuery, map[string]any{
		"connection": "hr", "query": "SELECT 1", "format": "csv", "max_rows": 10,
		"item": "unrelated workflow parameter",
	}))
	assert.NoError(t, v.ValidateParams(schema.ActionDatabaseQuery, map[string]any{
		"connection_id": "3", "query": "SELECT 1", "timeout_seconds": "5",
	}))

	err := v.ValidateParams(schema.ActionDatabaseQuery, map[string]any{"query": "SELECT 1"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = v.ValidateParams(schema.ActionDatabaseQuery, map[string]any{
		"connection": "hr", "query": "SELECT 1", "format": "yaml",
	})
	require.Error(t, err)

	err = v.ValidateParams(schema.ActionDatabaseQuery, map[string]any{
		"connection": "hr", "query": "SELECT 1", "max_rows": "ten",
	})
	require.Error(t, err)
}

func TestValidateParams_ProfileCheckRequired(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateParams(schema.ActionProfileCheck, map[string]any{"identifier": "ada"})
	require.Error(t, err)
	details, ok := err.(*schema.IdflowError)
	require.True(t, ok)
	assert.NotEmpty(t, details.Details["violations"])

	assert.NoError(t, v.ValidateParams(schema.ActionProfileCheck, map[string]any{
		"identifier": "ada", "check_type": "compare_value", "attribute_name": "age",
		"comparison_value": 30, "comparison_operator": "greater_than",
	}))
}

func TestValidateParams_RefreshIDs(t *testing.T) {
	v := newJSV(t)
	assert.NoError(t, v.ValidateParams(schema.ActionDatasourceRefresh, map[string]any{
		"datasource_ids": []any{1, "2"}, "wait_for_completion": "false",
	}))
	assert.NoError(t, v.ValidateParams(schema.ActionDatasourceRefresh, map[string]any{"datasource_id": 4}))
	assert.Error(t, v.ValidateParams(schema.ActionDatasourceRefresh, map[string]any{}))
}

func TestValidateParams_FileNameHasNoSeparators(t *testing.T) {
	v := newJSV(t)
	assert.NoError(t, v.ValidateParams(schema.ActionFileCreate, map[string]any{"file_name": "report.csv"}))
	assert.Error(t, v.ValidateParams(schema.ActionFileCreate, map[string]any{"file_name": "../etc/passwd"}))
}

func TestValidateAgainst_CachesConcurrently(t *testing.T) {
	v := newJSV(t)
	s := []byte(`{"type":"object","required":["id"]}`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateAgainst(map[string]any{"id": 1}, s))
			assert.Error(t, v.ValidateAgainst(map[string]any{}, s))
		}()
	}
	wg.Wait()
	assert.Len(t, v.cache, 1)
	assert.NoError(t, v.ValidateAgainst(nil, nil))
}
