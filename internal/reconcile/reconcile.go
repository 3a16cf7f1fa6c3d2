// Package reconcile matches ingested source records to canonical person
// profiles and merges their attributes with provenance and change history.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// Metrics receives reconciliation events. Implemented by the telemetry package.
type Metrics interface {
	AttributeChanged(changeType schema.ChangeType)
	UnsupportedTransform()
	DegradedMatch()
}

type nopMetrics struct{}

func (nopMetrics) AttributeChanged(schema.ChangeType) {}
func (nopMetrics) UnsupportedTransform()              {}
func (nopMetrics) DegradedMatch()                     {}

// Engine reconciles records into person profiles.
type Engine struct {
	store   store.Store
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a reconciliation engine over s.
func NewEngine(s store.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		logger:  logging.OrDefault(logger),
		metrics: nopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Outcome is the result of processing one record.
type Outcome struct {
	// Person is nil when the record was skipped or matched nothing.
	Person  *store.Person
	Created bool
	// Changes counts the ProfileAttributeChange rows appended.
	Changes int
	// Skipped is set when resolution is disabled or no key field was present.
	Skipped bool
	// Degraded is set when fuzzy matching fell back to case-insensitive.
	Degraded bool
	// AttributeErrors counts attribute updates that failed and were skipped.
	AttributeErrors int
}

// Updated reports whether an existing profile changed.
func (o *Outcome) Updated() bool {
	return o.Person != nil && !o.Created && o.Changes > 0
}

// Session reconciles records of one data source within one sync pass.
// Mappings are loaded once. A Session is not safe for concurrent use.
type Session struct {
	engine       *Engine
	ds           *store.DataSource
	syncRecordID int64
	mappings     []*store.ProfileFieldMapping
	keyMappings  []*store.ProfileFieldMapping

	// multivalued caches, per data source, the attributes mapped as multi-valued.
	multivalued map[int64]map[string]bool
}

// NewSession loads the enabled mappings of ds. A custom matching method is
// rejected with UNSUPPORTED when identity resolution is enabled.
func (e *Engine) NewSession(ctx context.Context, ds *store.DataSource, syncRecordID int64) (*Session, error) {
	if ds == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "nil data source")
	}
	if ds.IdentityResolution {
		switch ds.MatchingMethod {
		case schema.MatchExact, schema.MatchCaseInsensitive, schema.MatchFuzzy, "":
		case schema.MatchCustom:
			return nil, schema.NewErrorf(schema.ErrCodeUnsupported,
				"matching method %q is not supported", ds.MatchingMethod).
				WithDetails(map[string]any{"datasource_id": ds.ID})
		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"unknown matching method %q", ds.MatchingMethod)
		}
	}

	all, err := e.store.ListFieldMappings(ctx, ds.ID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load field mappings").WithCause(err)
	}
	s := &Session{
		engine:       e,
		ds:           ds,
		syncRecordID: syncRecordID,
		multivalued:  map[int64]map[string]bool{},
	}
	own := map[string]bool{}
	for _, m := range all {
		if m.IsMultivalued || m.MappingType == schema.MappingMulti {
			own[m.ProfileAttribute] = true
		}
		if !m.IsEnabled {
			continue
		}
		s.mappings = append(s.mappings, m)
		if m.IsKeyField {
			s.keyMappings = append(s.keyMappings, m)
		}
	}
	s.multivalued[ds.ID] = own
	// Higher priority first so a key collision keeps the strongest mapping.
	sort.SliceStable(s.keyMappings, func(i, j int) bool {
		return s.keyMappings[i].Priority > s.keyMappings[j].Priority
	})
	return s, nil
}

// DataSource returns the session's data source.
func (s *Session) DataSource() *store.DataSource { return s.ds }

// ProcessRecord matches or creates the person for record and applies every
// enabled mapping with a present value. recordID may be empty.
// Failures of single attributes are logged and counted, never returned.
func (s *Session) ProcessRecord(ctx context.Context, record map[string]any, recordID string) (*Outcome, error) {
	out := &Outcome{}
	if !s.ds.IdentityResolution {
		out.Skipped = true
		return out, nil
	}
	logger := logging.LogWith(logging.WithDataSourceID(ctx, s.ds.ID), s.engine.logger)

	keys := s.keyValues(record)
	if len(keys) == 0 {
		logger.WarnContext(ctx, "record has no key field value, skipping", "record_id", recordID)
		out.Skipped = true
		return out, nil
	}

	person, degraded, err := s.match(ctx, keys)
	if err != nil {
		return nil, err
	}
	if degraded {
		out.Degraded = true
		s.engine.metrics.DegradedMatch()
	}

	if person == nil {
		if !s.ds.CreateMissingProfiles {
			logger.DebugContext(ctx, "no matching profile and creation disabled", "record_id", recordID, "keys", keys)
			return out, nil
		}
		person, err = s.createPerson(ctx, record)
		if err != nil {
			return nil, err
		}
		out.Created = true
		logger.InfoContext(ctx, "created profile", "person_id", person.ID, "unique_id", person.UniqueID)
	}
	out.Person = person

	for _, m := range s.mappings {
		raw, ok := presentValue(record, m.SourceField)
		if !ok {
			continue
		}
		n, err := s.applyMapping(ctx, person, m, raw, recordID)
		out.Changes += n
		if err != nil {
			out.AttributeErrors++
			logger.WarnContext(ctx, "attribute update failed",
				"person_id", person.ID, "attribute", m.ProfileAttribute, "error", err)
		}
	}

	if out.Changes > 0 || out.Created {
		if err := s.engine.resolveProfile(ctx, s, person); err != nil {
			out.AttributeErrors++
			logger.WarnContext(ctx, "profile refresh failed", "person_id", person.ID, "error", err)
		}
	}
	return out, nil
}

// keyValues builds {profileAttribute -> value} from key-field mappings.
func (s *Session) keyValues(record map[string]any) map[string]string {
	keys := map[string]string{}
	for _, m := range s.keyMappings {
		raw, ok := presentValue(record, m.SourceField)
		if !ok {
			continue
		}
		if _, dup := keys[m.ProfileAttribute]; dup {
			continue
		}
		vals := splitValues(raw, false)
		if len(vals) > 0 {
			keys[m.ProfileAttribute] = vals[0]
		}
	}
	return keys
}

func (s *Session) changeLog(ctx context.Context, personID int64, attr, oldVal, newVal string, ct schema.ChangeType) error {
	err := s.engine.store.AppendAttributeChange(ctx, &store.ProfileAttributeChange{
		PersonID:      personID,
		AttributeName: attr,
		OldValue:      oldVal,
		NewValue:      newVal,
		ChangeType:    ct,
		ChangedAt:     s.engine.now(),
		DataSourceID:  s.ds.ID,
		SyncRecordID:  s.syncRecordID,
	})
	if err == nil {
		s.engine.metrics.AttributeChanged(ct)
	}
	return err
}
