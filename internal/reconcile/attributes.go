package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// TransformResult is the output of the transform hook. Unsupported is set
// when no transformation exists and Value is the input unchanged.
type TransformResult struct {
	Value       any
	Unsupported bool
}

// Transform applies the mapping's transformation to value. Only direct and
// multi mappings are defined; transform mappings pass through flagged Unsupported.
func Transform(m *store.ProfileFieldMapping, value any) TransformResult {
	if m.MappingType == schema.MappingTransform {
		return TransformResult{Value: value, Unsupported: true}
	}
	return TransformResult{Value: value}
}

func isMultivalued(m *store.ProfileFieldMapping) bool {
	return m.IsMultivalued || m.MappingType == schema.MappingMulti
}

// applyMapping writes one mapped value and returns the number of changes logged.
func (s *Session) applyMapping(ctx context.Context, person *store.Person, m *store.ProfileFieldMapping, raw any, recordID string) (int, error) {
	tr := Transform(m, raw)
	if tr.Unsupported {
		s.engine.metrics.UnsupportedTransform()
		s.engine.logger.DebugContext(ctx, "transform mapping passed through unchanged",
			"mapping_id", m.ID, "attribute", m.ProfileAttribute)
	}

	if isMultivalued(m) {
		changes := 0
		for _, v := range splitValues(tr.Value, true) {
			n, err := s.applyMulti(ctx, person, m, v, recordID)
			changes += n
			if err != nil {
				return changes, err
			}
		}
		return changes, nil
	}

	vals := splitValues(tr.Value, false)
	if len(vals) == 0 {
		return 0, nil
	}
	return s.applySingle(ctx, person, m, vals[0], recordID)
}

// applySingle keeps exactly one current row per (person, attribute, datasource).
// The new row is inserted before the old ones are superseded, so a failed
// insert leaves the previous value current.
func (s *Session) applySingle(ctx context.Context, person *store.Person, m *store.ProfileFieldMapping, value, recordID string) (int, error) {
	st := s.engine.store
	current, err := st.ListAttributeSources(ctx, store.AttributeFilter{
		PersonID:      person.ID,
		DataSourceID:  s.ds.ID,
		AttributeName: m.ProfileAttribute,
		CurrentOnly:   true,
	})
	if err != nil {
		return 0, err
	}

	if len(current) == 1 && current[0].AttributeValue == value {
		return 0, nil
	}

	now := s.engine.now()
	changeType, oldValue := schema.ChangeAdd, ""
	if len(current) > 0 {
		changeType, oldValue = schema.ChangeModify, current[len(current)-1].AttributeValue
	}

	if err := st.CreateAttributeSource(ctx, &store.AttributeSource{
		PersonID:       person.ID,
		AttributeName:  m.ProfileAttribute,
		AttributeValue: value,
		DataSourceID:   s.ds.ID,
		MappingID:      m.ID,
		SourceRecordID: recordID,
		FirstSeen:      now,
		LastUpdated:    now,
		IsCurrent:      true,
	}); err != nil {
		return 0, err
	}
	for _, row := range current {
		if err := st.SetAttributeSourceCurrent(ctx, row.ID, false, now); err != nil {
			return 0, err
		}
	}
	if err := s.changeLog(ctx, person.ID, m.ProfileAttribute, oldValue, value, changeType); err != nil {
		return 0, err
	}
	return 1, nil
}

// applyMulti adds value to a multi-valued attribute, reactivating a
// superseded row with the same value instead of inserting a duplicate.
func (s *Session) applyMulti(ctx context.Context, person *store.Person, m *store.ProfileFieldMapping, value, recordID string) (int, error) {
	st := s.engine.store
	existing, err := st.ListAttributeSources(ctx, store.AttributeFilter{
		PersonID:      person.ID,
		DataSourceID:  s.ds.ID,
		AttributeName: m.ProfileAttribute,
		Value:         value,
	})
	if err != nil {
		return 0, err
	}

	var inactive *store.AttributeSource
	for _, row := range existing {
		if row.IsCurrent {
			return 0, nil
		}
		if inactive == nil {
			inactive = row
		}
	}

	now := s.engine.now()
	if inactive != nil {
		if err := st.SetAttributeSourceCurrent(ctx, inactive.ID, true, now); err != nil {
			return 0, err
		}
	} else if err := st.CreateAttributeSource(ctx, &store.AttributeSource{
		PersonID:       person.ID,
		AttributeName:  m.ProfileAttribute,
		AttributeValue: value,
		DataSourceID:   s.ds.ID,
		MappingID:      m.ID,
		SourceRecordID: recordID,
		FirstSeen:      now,
		LastUpdated:    now,
		IsCurrent:      true,
	}); err != nil {
		return 0, err
	}

	if err := s.changeLog(ctx, person.ID, m.ProfileAttribute, "", value, schema.ChangeAdd); err != nil {
		return 0, err
	}
	return 1, nil
}

// createPerson builds a profile from the mapped direct fields of record.
func (s *Session) createPerson(ctx context.Context, record map[string]any) (*store.Person, error) {
	p := &store.Person{Status: "active", Attributes: map[string]any{}}
	for _, m := range s.mappings {
		raw, ok := presentValue(record, m.SourceField)
		if !ok {
			continue
		}
		col, ok := store.PersonColumn(m.ProfileAttribute)
		if !ok {
			continue
		}
		vals := splitValues(Transform(m, raw).Value, isMultivalued(m))
		if len(vals) == 0 || personField(p, col) != "" {
			continue
		}
		setPersonField(p, col, vals[0])
	}

	if p.UniqueID == "" {
		p.UniqueID = uuid.NewString()
	}
	p.DisplayName = displayName(p)

	st := s.engine.store
	if err := st.CreatePerson(ctx, p); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create person").WithCause(err)
	}
	if p.DisplayName == "" {
		p.DisplayName = fmt.Sprintf("User %d", p.ID)
		if err := st.UpdatePerson(ctx, p); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "name person").WithCause(err)
		}
	}
	return p, nil
}

// displayName prefers first+last, then the email local part. Empty means
// the caller falls back to "User <id>" once the id is known.
func displayName(p *store.Person) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if full := strings.TrimSpace(p.FirstName + " " + p.LastName); full != "" {
		return full
	}
	if at := strings.Index(p.Email, "@"); at > 0 {
		return p.Email[:at]
	}
	return ""
}

func personField(p *store.Person, col string) string {
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

func setPersonField(p *store.Person, col, value string) {
	switch col {
	case "unique_id":
		p.UniqueID = value
	case "first_name":
		p.FirstName = value
	case "last_name":
		p.LastName = value
	case "display_name":
		p.DisplayName = value
	case "email":
		p.Email = value
	case "secondary_email":
		p.SecondaryEmail = value
	case "phone":
		p.Phone = value
	case "status":
		p.Status = value
	}
}

// presentValue returns record[field] when it holds a non-empty value.
func presentValue(record map[string]any, field string) (any, bool) {
	v, ok := record[field]
	if !ok || v == nil {
		return nil, false
	}
	if len(splitValues(v, true)) == 0 {
		return nil, false
	}
	return v, true
}

// splitValues stringifies v. Lists are taken element by element. When multi
// is set a string is also split on ';'. Empty values are dropped.
func splitValues(v any, multi bool) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch val := v.(type) {
	case nil:
	case []any:
		for _, item := range val {
			if item != nil {
				add(stringify(item))
			}
		}
	case []string:
		for _, item := range val {
			add(item)
		}
	case string:
		if multi {
			for _, part := range strings.Split(val, ";") {
				add(part)
			}
		} else {
			add(val)
		}
	default:
		add(stringify(val))
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case map[string]any:
		raw, _ := json.Marshal(val)
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}
