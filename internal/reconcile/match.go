package reconcile

import (
	"context"
	"sort"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// match finds the person whose current attributes or direct columns carry
// every key value. Candidate sets per key are intersected and the lowest id
// wins. degraded reports a fuzzy match served by case-insensitive comparison.
func (s *Session) match(ctx context.Context, keys map[string]string) (*store.Person, bool, error) {
	mode, degraded := "", false
	switch s.ds.MatchingMethod {
	case schema.MatchCaseInsensitive:
		mode = "case_insensitive"
	case schema.MatchFuzzy:
		mode, degraded = "case_insensitive", true
	case schema.MatchCustom:
		return nil, false, schema.NewErrorf(schema.ErrCodeUnsupported,
			"matching method %q is not supported", s.ds.MatchingMethod)
	}

	attrs := make([]string, 0, len(keys))
	for a := range keys {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)

	var candidates map[int64]bool
	for _, attr := range attrs {
		ids, err := s.candidatesFor(ctx, attr, keys[attr], mode)
		if err != nil {
			return nil, degraded, err
		}
		if candidates == nil {
			candidates = ids
		} else {
			for id := range candidates {
				if !ids[id] {
					delete(candidates, id)
				}
			}
		}
		if len(candidates) == 0 {
			return nil, degraded, nil
		}
	}

	best := int64(0)
	for id := range candidates {
		if best == 0 || id < best {
			best = id
		}
	}
	p, err := s.engine.store.GetPerson(ctx, best)
	if err != nil {
		return nil, degraded, schema.NewError(schema.ErrCodeStore, "load matched person").WithCause(err)
	}
	return p, degraded, nil
}

func (s *Session) candidatesFor(ctx context.Context, attr, value, mode string) (map[int64]bool, error) {
	ids := map[int64]bool{}

	rows, err := s.engine.store.ListAttributeSources(ctx, store.AttributeFilter{
		AttributeName: attr,
		Value:         value,
		MatchMode:     mode,
		CurrentOnly:   true,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "match on attribute sources").WithCause(err)
	}
	for _, r := range rows {
		ids[r.PersonID] = true
	}

	if _, ok := store.PersonColumn(attr); ok {
		persons, err := s.engine.store.ListPersons(ctx, store.PersonFilter{
			Field:           attr,
			FieldValue:      value,
			CaseInsensitive: mode != "",
		})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "match on person fields").WithCause(err)
		}
		for _, p := range persons {
			ids[p.ID] = true
		}
	}
	return ids, nil
}
