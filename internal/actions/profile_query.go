package actions

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

const defaultProfileLimit = 100

type profileQueryParams struct {
	QueryType      string
	AttributeName  string
	AttributeValue string
	FieldName      string
	FieldValue     string
	Match          string
	DatasourceID   int64
	Status         string
	Filter         string
	GroupBy        string
	GroupField     string
	DetailLevel    string
	Fields         []string
	IncludeSources bool
	Limit          int
}

func parseProfileQueryParams(m map[string]any) (profileQueryParams, error) {
	p := profileQueryParams{
		QueryType:      stringParam(m, "query_type", "all"),
		AttributeName:  stringParam(m, "attribute_name", ""),
		AttributeValue: stringParam(m, "attribute_value", ""),
		FieldName:      stringParam(m, "field_name", ""),
		FieldValue:     stringParam(m, "field_value", ""),
		Match:          stringParam(m, "match", "exact"),
		DatasourceID:   int64Param(m, "datasource_id"),
		Status:         stringParam(m, "status", ""),
		Filter:         strings.TrimSpace(stringParam(m, "filter", "")),
		GroupBy:        stringParam(m, "group_by", "none"),
		GroupField:     stringParam(m, "group_field", ""),
		DetailLevel:    stringParam(m, "detail_level", "basic"),
		Fields:         stringSliceParam(m, "fields"),
		IncludeSources: boolParam(m, "include_sources", false),
		Limit:          intParam(m, "limit", defaultProfileLimit),
	}
	switch p.QueryType {
	case "all":
	case "attribute":
		if p.AttributeName == "" {
			return p, schema.NewError(schema.ErrCodeValidation, "profile_query: query_type 'attribute' requires 'attribute_name'")
		}
	case "field":
		if _, ok := store.PersonColumn(p.FieldName); !ok {
			return p, schema.NewErrorf(schema.ErrCodeValidation, "profile_query: unknown field %q", p.FieldName)
		}
	case "datasource":
		if p.DatasourceID <= 0 {
			return p, schema.NewError(schema.ErrCodeValidation, "profile_query: query_type 'datasource' requires 'datasource_id'")
		}
	default:
		return p, schema.NewErrorf(schema.ErrCodeValidation, "profile_query: unknown query_type %q", p.QueryType)
	}
	if (p.GroupBy == "field" || p.GroupBy == "attribute") && p.GroupField == "" {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "profile_query: group_by %q requires 'group_field'", p.GroupBy)
	}
	if p.DetailLevel == "custom" && len(p.Fields) == 0 {
		return p, schema.NewError(schema.ErrCodeValidation, "profile_query: detail_level 'custom' requires 'fields'")
	}
	if p.Limit <= 0 {
		p.Limit = defaultProfileLimit
	}
	return p, nil
}

type profileQuery struct{ deps *Deps }

func (h *profileQuery) run(ctx context.Context, _ *RunState, _ *store.Action, params map[string]any) (*Result, error) {
	p, err := parseProfileQueryParams(params)
	if err != nil {
		return nil, err
	}
	if p.Filter != "" {
		if h.deps.CEL == nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "profile_query: no filter engine configured")
		}
		if err := h.deps.CEL.Check(p.Filter); err != nil {
			return nil, err
		}
	}

	candidates, err := h.candidates(ctx, p)
	if err != nil {
		return nil, err
	}

	log := logging.LogWith(ctx, h.deps.Logger)
	matched := make([]*store.Person, 0, len(candidates))
	truncated := false
	for _, person := range candidates {
		if p.Status != "" && person.Status != p.Status {
			continue
		}
		if p.Filter != "" {
			ok, err := h.deps.CEL.Match(ctx, p.Filter, personFields(person), attributesOf(person))
			if err != nil {
				log.DebugContext(ctx, "profile filter did not evaluate", "person_id", person.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		if len(matched) == p.Limit {
			truncated = true
			break
		}
		matched = append(matched, person)
	}

	profiles := make([]any, 0, len(matched))
	groups := map[string][]any{}
	for _, person := range matched {
		profile := profileView(person, p.DetailLevel, p.Fields)
		if p.IncludeSources {
			sources, err := h.sources(ctx, person.ID)
			if err != nil {
				return nil, err
			}
			profile["sources"] = sources
		}
		profiles = append(profiles, profile)
		if p.GroupBy != "none" {
			key := groupKey(person, p.GroupBy, p.GroupField)
			groups[key] = append(groups[key], profile)
		}
	}

	out := map[string]any{
		"success":      true,
		"query_type":   p.QueryType,
		"count":        len(profiles),
		"truncated":    truncated,
		"detail_level": p.DetailLevel,
		"profiles":     profiles,
	}
	if p.GroupBy != "none" {
		grouped := make(map[string]any, len(groups))
		for k, v := range groups {
			grouped[k] = v
		}
		out["group_by"] = p.GroupBy
		out["groups"] = grouped
		out["group_count"] = len(groups)
	}
	return succeeded(out), nil
}

// candidates returns the persons selected by query_type in id order.
func (h *profileQuery) candidates(ctx context.Context, p profileQueryParams) ([]*store.Person, error) {
	// Filters and status checks run after the fetch, so the store limit only
	// applies when neither is set.
	limit := p.Limit + 1
	if p.Filter != "" {
		limit = 0
	}

	switch p.QueryType {
	case "all":
		return h.deps.Store.ListPersons(ctx, store.PersonFilter{Status: p.Status, Limit: limit})
	case "field":
		return h.deps.Store.ListPersons(ctx, store.PersonFilter{
			Status:          p.Status,
			Field:           p.FieldName,
			FieldValue:      p.FieldValue,
			CaseInsensitive: p.Match == "case_insensitive",
			Contains:        p.Match == "contains",
			Limit:           limit,
		})
	case "attribute":
		filter := store.AttributeFilter{AttributeName: p.AttributeName, CurrentOnly: true}
		if p.AttributeValue != "" {
			filter.Value = p.AttributeValue
			filter.MatchMode = p.Match
		}
		rows, err := h.deps.Store.ListAttributeSources(ctx, filter)
		if err != nil {
			return nil, err
		}
		return h.personsOf(ctx, rows)
	case "datasource":
		rows, err := h.deps.Store.ListAttributeSources(ctx, store.AttributeFilter{DataSourceID: p.DatasourceID, CurrentOnly: true})
		if err != nil {
			return nil, err
		}
		return h.personsOf(ctx, rows)
	}
	return nil, nil
}

func (h *profileQuery) personsOf(ctx context.Context, rows []*store.AttributeSource) ([]*store.Person, error) {
	seen := make(map[int64]bool)
	ids := make([]int64, 0)
	for _, r := range rows {
		if !seen[r.PersonID] {
			seen[r.PersonID] = true
			ids = append(ids, r.PersonID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*store.Person, 0, len(ids))
	for _, id := range ids {
		p, err := h.deps.Store.GetPerson(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (h *profileQuery) sources(ctx context.Context, personID int64) ([]any, error) {
	rows, err := h.deps.Store.ListAttributeSources(ctx, store.AttributeFilter{PersonID: personID, CurrentOnly: true})
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any{
			"attribute_name":   r.AttributeName,
			"attribute_value":  r.AttributeValue,
			"datasource_id":    r.DataSourceID,
			"source_record_id": r.SourceRecordID,
			"priority":         r.Priority,
			"first_seen":       r.FirstSeen.UTC().Format(time.RFC3339),
			"last_updated":     r.LastUpdated.UTC().Format(time.RFC3339),
		}
	}
	return out, nil
}

// personFields is the direct column view of a person.
func personFields(p *store.Person) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"unique_id":       p.UniqueID,
		"first_name":      p.FirstName,
		"last_name":       p.LastName,
		"display_name":    p.DisplayName,
		"email":           p.Email,
		"secondary_email": p.SecondaryEmail,
		"phone":           p.Phone,
		"status":          p.Status,
	}
}

func attributesOf(p *store.Person) map[string]any {
	if p.Attributes == nil {
		return map[string]any{}
	}
	return p.Attributes
}

// profileView renders a person at the requested detail level.
func profileView(p *store.Person, level string, fields []string) map[string]any {
	switch level {
	case "full":
		out := personFields(p)
		out["attributes"] = attributesOf(p)
		out["created_at"] = p.CreatedAt.UTC().Format(time.RFC3339)
		out["updated_at"] = p.UpdatedAt.UTC().Format(time.RFC3339)
		return out
	case "custom":
		all := personFields(p)
		out := map[string]any{"id": p.ID}
		for _, f := range fields {
			if col, ok := store.PersonColumn(f); ok {
				out[f] = all[col]
				continue
			}
			if v, ok := p.Attributes[f]; ok {
				out[f] = v
			}
		}
		return out
	}
	return map[string]any{
		"id":           p.ID,
		"unique_id":    p.UniqueID,
		"display_name": p.DisplayName,
		"email":        p.Email,
		"status":       p.Status,
	}
}

func groupKey(p *store.Person, by, field string) string {
	var key string
	switch by {
	case "first_letter":
		name := strings.TrimSpace(p.DisplayName)
		if name == "" {
			name = p.LastName
		}
		for _, r := range name {
			if unicode.IsLetter(r) {
				key = string(unicode.ToUpper(r))
			}
			break
		}
		if key == "" {
			key = "#"
		}
		return key
	case "status":
		key = p.Status
	case "field":
		if col, ok := store.PersonColumn(field); ok {
			key = personColumn(p, col)
		}
	case "attribute":
		if v, ok := p.Attributes[field]; ok && v != nil {
			key = textOf(v)
		}
	}
	if key == "" {
		return "unknown"
	}
	return key
}
