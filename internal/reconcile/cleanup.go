package reconcile

import (
	"context"
	"sort"

	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// RemoveMissingAttributes retires every current attribute row of this data
// source whose source record id is set and absent from seenIDs, logging a
// remove change for each. An empty seenIDs is a no-op: deletion is never
// inferred without the full set of ids from the pass.
func (s *Session) RemoveMissingAttributes(ctx context.Context, seenIDs []string) (int, error) {
	if len(seenIDs) == 0 {
		return 0, nil
	}
	seen := make(map[string]bool, len(seenIDs))
	for _, id := range seenIDs {
		seen[id] = true
	}

	st := s.engine.store
	rows, err := st.ListAttributeSources(ctx, store.AttributeFilter{DataSourceID: s.ds.ID, CurrentOnly: true})
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "list current attributes").WithCause(err)
	}
	logger := logging.LogWith(logging.WithDataSourceID(ctx, s.ds.ID), s.engine.logger)

	removed := 0
	touched := map[int64]bool{}
	now := s.engine.now()
	for _, r := range rows {
		if r.SourceRecordID == "" || seen[r.SourceRecordID] {
			continue
		}
		if err := st.SetAttributeSourceCurrent(ctx, r.ID, false, now); err != nil {
			logger.WarnContext(ctx, "retire attribute failed",
				"attribute_source_id", r.ID, "attribute", r.AttributeName, "error", err)
			continue
		}
		if err := s.changeLog(ctx, r.PersonID, r.AttributeName, r.AttributeValue, "", schema.ChangeRemove); err != nil {
			logger.WarnContext(ctx, "log attribute removal failed",
				"attribute_source_id", r.ID, "attribute", r.AttributeName, "error", err)
		}
		removed++
		touched[r.PersonID] = true
	}

	ids := make([]int64, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p, err := st.GetPerson(ctx, id)
		if err == nil {
			err = s.engine.resolveProfile(ctx, s, p)
		}
		if err != nil {
			logger.WarnContext(ctx, "profile refresh after removal failed", "person_id", id, "error", err)
		}
	}
	if removed > 0 {
		logger.InfoContext(ctx, "removed attributes missing from source", "count", removed, "persons", len(ids))
	}
	return removed, nil
}
