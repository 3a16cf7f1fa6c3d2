package actions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

func seedSource(t *testing.T, s *store.LibSQLStore, name string) *store.DataSource {
	t.Helper()
	ds := &store.DataSource{
		Name:     name,
		Type:     schema.DataSourceCSV,
		Settings: json.RawMessage(`{"path":"people.csv"}`),
		IsActive: true,
	}
	require.NoError(t, s.CreateDataSource(context.Background(), ds))
	return ds
}

func seedPerson(t *testing.T, s *store.LibSQLStore, p *store.Person, dsID int64, attrs map[string]string) *store.Person {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreatePerson(ctx, p))
	for name, value := range attrs {
		require.NoError(t, s.CreateAttributeSource(ctx, &store.AttributeSource{
			PersonID:       p.ID,
			AttributeName:  name,
			AttributeValue: value,
			DataSourceID:   dsID,
			SourceRecordID: p.UniqueID,
			IsCurrent:      true,
		}))
	}
	return p
}

// --- profile_check ---

func TestProfileCheck_CompareValueCoercesNumbers(t *testing.T) {
	f := newFixture(t, nil)
	ds := seedSource(t, f.store, "hr")
	seedPerson(t, f.store, &store.Person{UniqueID: "u-1", Email: "ada@example.com", Attributes: map[string]any{"age": "35"}},
		ds.ID, map[string]string{"age": "35"})

	wa := f.bind(t, schema.ActionProfileCheck, map[string]any{
		"identifier":          "ada@example.com",
		"check_type":          "compare_value",
		"attribute_name":      "age",
		"comparison_value":    30,
		"comparison_operator": "greater_than",
	}, nil)

	ok, out, inv := f.run(t, wa, nil)
	require.True(t, ok, out)
	assert.Equal(t, true, out["result"])
	details := out["details"].(map[string]any)
	assert.Equal(t, 35, details["attribute_value"])
	assert.Equal(t, 30, details["comparison_value"])
	assert.Equal(t, "greater_than", details["operator"])
	assert.Equal(t, schema.ActionSuccess, f.persisted(t, inv).Status)
}

func TestProfileCheck_Checks(t *testing.T) {
	f := newFixture(t, nil)
	hr := seedSource(t, f.store, "hr")
	crm := seedSource(t, f.store, "crm")
	seedPerson(t, f.store, &store.Person{
		UniqueID:    "u-1",
		Email:       "ada@example.com",
		DisplayName: "Ada Lovelace",
		Attributes:  map[string]any{"groups": []any{"admins", "eng"}},
	}, hr.ID, map[string]string{"department": "R&D", "manager": "R&D"})

	tests := []struct {
		name   string
		params map[string]any
		want   bool
	}{
		{"exists", map[string]any{"check_type": "attribute_exists", "attribute_name": "department"}, true},
		{"exists via column", map[string]any{"check_type": "attribute_exists", "attribute_name": "display_name"}, true},
		{"not exists", map[string]any{"check_type": "attribute_not_exists", "attribute_name": "badge"}, true},
		{"datasource has attribute", map[string]any{"check_type": "datasource_attribute_exists", "datasource_id": hr.ID, "attribute_name": "department"}, true},
		{"other datasource", map[string]any{"check_type": "datasource_attribute_exists", "datasource_id": crm.ID}, false},
		{"list contains", map[string]any{"check_type": "compare_value", "attribute_name": "groups", "comparison_value": "admins", "comparison_operator": "contains"}, true},
		{"regex", map[string]any{"check_type": "compare_value", "attribute_name": "email", "comparison_value": "@example\\.com$", "comparison_operator": "regex"}, true},
		{"alias operator", map[string]any{"check_type": "compare_value", "attribute_name": "department", "comparison_value": "R&D", "comparison_operator": "!="}, false},
		{"missing attribute compares false", map[string]any{"check_type": "compare_value", "attribute_name": "badge", "comparison_value": "x"}, false},
		{"attributes equal", map[string]any{"check_type": "compare_attributes", "attribute_name": "department", "second_attribute_name": "manager"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]any{"identifier": "u-1"}
			for k, v := range tt.params {
				params[k] = v
			}
			ok, out, _ := f.run(t, f.bind(t, schema.ActionProfileCheck, params, nil), nil)
			require.True(t, ok, out)
			assert.Equal(t, tt.want, out["result"])
		})
	}
}

func TestProfileCheck_UnknownPersonFails(t *testing.T) {
	f := newFixture(t, nil)
	wa := f.bind(t, schema.ActionProfileCheck, map[string]any{
		"identifier": "nobody@example.com", "check_type": "attribute_exists", "attribute_name": "age",
	}, nil)

	ok, out, inv := f.run(t, wa, nil)
	assert.False(t, ok)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, schema.ActionError, f.persisted(t, inv).Status)
}

func TestFindPerson_IdentifierKinds(t *testing.T) {
	f := newFixture(t, nil)
	ds := seedSource(t, f.store, "hr")
	p := seedPerson(t, f.store, &store.Person{UniqueID: "emp-7", Email: "Grace@Example.com"}, ds.ID, map[string]string{"badge": "B-42"})
	ctx := context.Background()

	for _, tc := range []struct{ identifier, kind string }{
		{"grace@example.com", "auto"},
		{"emp-7", "auto"},
		{"badge:B-42", "auto"},
		{"1", "auto"},
		{"1", "id"},
		{"emp-7", "unique_id"},
	} {
		got, err := findPerson(ctx, f.store, tc.identifier, tc.kind)
		require.NoError(t, err, tc.identifier)
		assert.Equal(t, p.ID, got.ID, tc.identifier)
	}

	_, err := findPerson(ctx, f.store, "badge:none", "auto")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = findPerson(ctx, f.store, "x", "phone")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		left, right any
		op          string
		want        bool
	}{
		{35, 30, "gt", true},
		{2.5, 3, "<=", true},
		{"b", "a", "greater_than", true},
		{true, true, "equals", true},
		{"Engineering", "gin", "contains", true},
		{[]any{"a", "b"}, "c", "not_contains", true},
		{"abc-123", `^\w+-\d+$`, "regex", true},
	}
	for _, tt := range tests {
		got, err := compareValues(tt.left, tt.right, tt.op)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v %s %v", tt.left, tt.op, tt.right)
	}

	_, err := compareValues("x", "(", "regex")
	assert.Error(t, err)
}

func TestCoerce_Floats(t *testing.T) {
	assert.Equal(t, 35, coerce(35.0))
	assert.Equal(t, -2, coerce(-2.0))
	assert.Equal(t, 2.5, coerce(2.5))
	assert.Equal(t, 1e300, coerce(1e300))
	assert.Equal(t, -1e19, coerce(-1e19))
	assert.Equal(t, 9.3e18, coerce(9.3e18))
}

// --- iterator ---

func TestIterator_CustomCollectionLastWriteWins(t *testing.T) {
	f := newFixture(t, nil)
	wa := f.bind(t, schema.ActionIterator, map[string]any{
		"source": "custom", "custom_collection": []any{"a", "b", "c"},
	}, nil)

	ok, out, _ := f.run(t, wa, nil)
	require.True(t, ok)
	assert.Equal(t, 3, out["iterations"])
	assert.Equal(t, "c", out["last_item"])

	item, _ := f.rs.Param("item")
	index, _ := f.rs.Param("index")
	assert.Equal(t, "c", item)
	assert.Equal(t, 2, index)

	v, found := f.rs.Vars().Get("item")
	require.True(t, found)
	assert.Equal(t, "c", v)
}

func TestIterator_Sources(t *testing.T) {
	f := newFixture(t, map[string]any{"regions": []any{"eu", "us"}})
	f.rs.Record(&store.WorkflowAction{ActionID: 99, NodeID: "lookup", Action: &store.Action{Name: "Lookup"}},
		map[string]any{"profiles": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}, "meta": map[string]any{"b": 2, "a": 1}})

	tests := []struct {
		name   string
		params map[string]any
		want   int
	}{
		{"previous result default key", map[string]any{}, 2},
		{"source key map", map[string]any{"source_action": "lookup", "source_key": "meta"}, 2},
		{"collection path", map[string]any{"collection_path": ".profiles[0:1]"}, 1},
		{"parameter", map[string]any{"source": "parameter", "parameter_name": "regions"}, 2},
		{"comma list", map[string]any{"source": "custom", "custom_collection": "x, y, z"}, 3},
		{"max iterations", map[string]any{"source": "custom", "custom_collection": `[1,2,3,4]`, "max_iterations": 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &iterator{deps: &f.deps}
			// Each case iterates from the same recorded lookup result.
			rs := f.rs.Branch()
			res, err := h.run(context.Background(), rs, nil, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output["iterations"])
		})
	}
}

func TestIterator_RejectsSameVariableNames(t *testing.T) {
	_, err := parseIteratorParams(map[string]any{"variable_name": "x", "index_variable": "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestToCollection_MapBecomesSortedPairs(t *testing.T) {
	items, err := toCollection(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"key": "a", "value": 1},
		map[string]any{"key": "b", "value": 2},
	}, items)

	_, err = toCollection(42)
	assert.Error(t, err)
}

// --- datasource_refresh ---

type stubSyncer struct {
	mu      sync.Mutex
	syncing map[int64]bool
	records map[int64]*store.SyncRecord
	calls   []string
}

func (s *stubSyncer) SyncData(_ context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "sync:"+triggeredBy)
	if rec, ok := s.records[dsID]; ok {
		return rec, nil
	}
	return &store.SyncRecord{ID: dsID * 10, DataSourceID: dsID, Status: schema.SyncSuccess, RecordsProcessed: 3, RecordsCreated: 2, RecordsUpdated: 1}, nil
}

func (s *stubSyncer) Enqueue(_ context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "enqueue:"+triggeredBy)
	return &store.SyncRecord{ID: dsID * 10, DataSourceID: dsID, Status: schema.SyncRunning}, nil
}

func (s *stubSyncer) IsSyncing(_ context.Context, dsID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing[dsID], nil
}

func TestDatasourceRefresh_PartialFailureIsWarning(t *testing.T) {
	f := newFixture(t, nil)
	ds := seedSource(t, f.store, "hr")
	syncer := &stubSyncer{}
	f.deps.Syncer = syncer

	wa := f.bind(t, schema.ActionDatasourceRefresh, map[string]any{"datasource_ids": []any{ds.ID, 999}}, nil)
	ok, out, inv := f.run(t, wa, nil)

	assert.True(t, ok)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "warning", out["status"])
	assert.Equal(t, 1, out["datasources_refreshed"])
	assert.Equal(t, 1, out["datasources_failed"])
	assert.Equal(t, 3, out["records_processed"])
	assert.Len(t, out["results"], 2)
	assert.Equal(t, schema.ActionWarning, f.persisted(t, inv).Status)
	assert.Equal(t, []string{"sync:workflow_execution:1"}, syncer.calls)
}

func TestDatasourceRefresh_Outcomes(t *testing.T) {
	f := newFixture(t, nil)
	a := seedSource(t, f.store, "a")
	b := seedSource(t, f.store, "b")

	tests := []struct {
		name      string
		syncer    *stubSyncer
		params    map[string]any
		status    schema.ActionStatus
		refreshed int
		skipped   int
	}{
		{"all succeed", &stubSyncer{}, map[string]any{"datasource_ids": []any{a.ID, b.ID}}, schema.ActionSuccess, 2, 0},
		{"queued", &stubSyncer{}, map[string]any{"datasource_id": a.ID, "wait_for_completion": "false"}, schema.ActionSuccess, 1, 0},
		{"already syncing", &stubSyncer{syncing: map[int64]bool{a.ID: true}}, map[string]any{"datasource_ids": []any{a.ID, b.ID}}, schema.ActionWarning, 1, 1},
		{"sync ended in error", &stubSyncer{records: map[int64]*store.SyncRecord{a.ID: {ID: 1, Status: schema.SyncError, ErrorMessage: "boom"}}},
			map[string]any{"datasource_id": a.ID}, schema.ActionError, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.deps.Syncer = tt.syncer
			h := &datasourceRefresh{deps: &f.deps}
			res, err := h.run(context.Background(), f.rs, nil, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.refreshed, res.Output["datasources_refreshed"])
			assert.Equal(t, tt.skipped, res.Output["datasources_skipped"])
		})
	}
}

func TestDatasourceRefresh_RequiresSyncer(t *testing.T) {
	f := newFixture(t, nil)
	h := &datasourceRefresh{deps: &f.deps}
	_, err := h.run(context.Background(), f.rs, nil, map[string]any{"datasource_id": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

// --- profile_query ---

func seedDirectory(t *testing.T, f *fixture) {
	t.Helper()
	ds := seedSource(t, f.store, "hr")
	seedPerson(t, f.store, &store.Person{UniqueID: "u-1", DisplayName: "Ada Lovelace", Email: "ada@example.com",
		Attributes: map[string]any{"department": "R&D", "level": 3}}, ds.ID, map[string]string{"department": "R&D"})
	seedPerson(t, f.store, &store.Person{UniqueID: "u-2", DisplayName: "Alan Turing", Email: "alan@example.org",
		Attributes: map[string]any{"department": "Math", "level": 5}}, ds.ID, map[string]string{"department": "Math"})
	seedPerson(t, f.store, &store.Person{UniqueID: "u-3", DisplayName: "Grace Hopper", Email: "grace@example.com", Status: "inactive",
		Attributes: map[string]any{"department": "R&D", "level": 4}}, 0, nil)
}

func runQuery(t *testing.T, f *fixture, params map[string]any) map[string]any {
	t.Helper()
	h := &profileQuery{deps: &f.deps}
	res, err := h.run(context.Background(), f.rs, nil, params)
	require.NoError(t, err)
	return res.Output
}

func TestProfileQuery_Selection(t *testing.T) {
	f := newFixture(t, nil)
	seedDirectory(t, f)

	tests := []struct {
		name   string
		params map[string]any
		want   int
	}{
		{"all", map[string]any{}, 3},
		{"status", map[string]any{"status": "active"}, 2},
		{"field exact", map[string]any{"query_type": "field", "field_name": "email", "field_value": "ada@example.com"}, 1},
		{"field contains", map[string]any{"query_type": "field", "field_name": "email", "field_value": "example.com", "match": "contains"}, 2},
		{"attribute", map[string]any{"query_type": "attribute", "attribute_name": "department", "attribute_value": "r&d", "match": "case_insensitive"}, 1},
		{"datasource", map[string]any{"query_type": "datasource", "datasource_id": 1}, 2},
		{"cel filter", map[string]any{"filter": `attributes.level >= 4.0`}, 2},
		{"limit", map[string]any{"limit": 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runQuery(t, f, tt.params)
			assert.Equal(t, tt.want, out["count"])
			assert.Len(t, out["profiles"], tt.want)
		})
	}
}

func TestProfileQuery_LimitReportsTruncation(t *testing.T) {
	f := newFixture(t, nil)
	seedDirectory(t, f)

	assert.Equal(t, true, runQuery(t, f, map[string]any{"limit": 2})["truncated"])
	assert.Equal(t, false, runQuery(t, f, map[string]any{"limit": 3})["truncated"])
}

func TestProfileQuery_Grouping(t *testing.T) {
	f := newFixture(t, nil)
	seedDirectory(t, f)

	out := runQuery(t, f, map[string]any{"group_by": "first_letter"})
	groups := out["groups"].(map[string]any)
	assert.Len(t, groups["A"], 2)
	assert.Len(t, groups["G"], 1)
	assert.Equal(t, 2, out["group_count"])

	out = runQuery(t, f, map[string]any{"group_by": "attribute", "group_field": "department"})
	groups = out["groups"].(map[string]any)
	assert.Len(t, groups["R&D"], 2)
	assert.Len(t, groups["Math"], 1)
}

func TestProfileQuery_DetailLevels(t *testing.T) {
	f := newFixture(t, nil)
	seedDirectory(t, f)

	basic := runQuery(t, f, map[string]any{"limit": 1})["profiles"].([]any)[0].(map[string]any)
	assert.ElementsMatch(t, []string{"id", "unique_id", "display_name", "email", "status"}, keysOf(basic))

	full := runQuery(t, f, map[string]any{"limit": 1, "detail_level": "full", "include_sources": true})["profiles"].([]any)[0].(map[string]any)
	assert.Contains(t, full, "attributes")
	assert.Len(t, full["sources"], 1)

	custom := runQuery(t, f, map[string]any{"limit": 1, "detail_level": "custom", "fields": "email,level"})["profiles"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"id": int64(1), "email": "ada@example.com", "level": float64(3)}, custom)
}

func TestProfileQuery_InvalidFilterRejected(t *testing.T) {
	f := newFixture(t, nil)
	h := &profileQuery{deps: &f.deps}
	_, err := h.run(context.Background(), f.rs, nil, map[string]any{"filter": "person.email =="})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
