package reconcile

import (
	"context"
	"reflect"
	"sort"

	"github.com/rendis/idflow/internal/store"
)

// resolveProfile recomputes the person's denormalized attributes and direct
// fields from all current attribute sources. For single-valued attributes
// the row from the highest-priority mapping wins, ties going to the most
// recently updated. Multi-valued attributes become sorted value lists.
func (e *Engine) resolveProfile(ctx context.Context, s *Session, person *store.Person) error {
	rows, err := e.store.ListAttributeSources(ctx, store.AttributeFilter{PersonID: person.ID, CurrentOnly: true})
	if err != nil {
		return err
	}

	byAttr := map[string][]*store.AttributeSource{}
	var order []string
	for _, r := range rows {
		if _, seen := byAttr[r.AttributeName]; !seen {
			order = append(order, r.AttributeName)
		}
		byAttr[r.AttributeName] = append(byAttr[r.AttributeName], r)
	}

	attrs := make(map[string]any, len(order))
	resolved := *person
	for _, name := range order {
		group := byAttr[name]
		multi, err := s.attrIsMulti(ctx, name, group)
		if err != nil {
			return err
		}
		if multi {
			vals := distinctSorted(group)
			list := make([]any, len(vals))
			for i, v := range vals {
				list[i] = v
			}
			attrs[name] = list
			if col, ok := store.PersonColumn(name); ok && col != "unique_id" && len(vals) > 0 {
				setPersonField(&resolved, col, vals[0])
			}
			continue
		}
		winner := PickWinner(group)
		attrs[name] = winner.AttributeValue
		if col, ok := store.PersonColumn(name); ok && col != "unique_id" {
			setPersonField(&resolved, col, winner.AttributeValue)
		}
	}
	resolved.Attributes = attrs

	if sameProfile(&resolved, person) {
		return nil
	}
	if err := e.store.UpdatePerson(ctx, &resolved); err != nil {
		return err
	}
	*person = resolved
	return nil
}

func sameProfile(a, b *store.Person) bool {
	for col := range columnSet {
		if personField(a, col) != personField(b, col) {
			return false
		}
	}
	return reflect.DeepEqual(a.Attributes, b.Attributes)
}

var columnSet = map[string]bool{
	"first_name": true, "last_name": true, "display_name": true, "email": true,
	"secondary_email": true, "phone": true, "status": true,
}

// attrIsMulti reports whether any mapping behind the rows is multi-valued.
func (s *Session) attrIsMulti(ctx context.Context, attr string, rows []*store.AttributeSource) (bool, error) {
	for _, r := range rows {
		set, ok := s.multivalued[r.DataSourceID]
		if !ok {
			mappings, err := s.engine.store.ListFieldMappings(ctx, r.DataSourceID)
			if err != nil {
				return false, err
			}
			set = map[string]bool{}
			for _, m := range mappings {
				if isMultivalued(m) {
					set[m.ProfileAttribute] = true
				}
			}
			s.multivalued[r.DataSourceID] = set
		}
		if set[attr] {
			return true, nil
		}
	}
	return false, nil
}

// PickWinner returns the current row that wins a single-valued attribute:
// higher priority, then later update, then higher id.
func PickWinner(rows []*store.AttributeSource) *store.AttributeSource {
	best := rows[0]
	for _, r := range rows[1:] {
		switch {
		case r.Priority > best.Priority:
			best = r
		case r.Priority < best.Priority:
		case r.LastUpdated.After(best.LastUpdated):
			best = r
		case r.LastUpdated.Equal(best.LastUpdated) && r.ID > best.ID:
			best = r
		}
	}
	return best
}

func distinctSorted(rows []*store.AttributeSource) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rows {
		if !seen[r.AttributeValue] {
			seen[r.AttributeValue] = true
			out = append(out, r.AttributeValue)
		}
	}
	sort.Strings(out)
	return out
}

// ResolvePerson recomputes one profile outside a sync pass.
func (e *Engine) ResolvePerson(ctx context.Context, personID int64) (*store.Person, error) {
	p, err := e.store.GetPerson(ctx, personID)
	if err != nil {
		return nil, err
	}
	s := &Session{engine: e, ds: &store.DataSource{}, multivalued: map[int64]map[string]bool{}}
	if err := e.resolveProfile(ctx, s, p); err != nil {
		return nil, err
	}
	return p, nil
}
