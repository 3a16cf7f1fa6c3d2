package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rendis/idflow/internal/expressions"
	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/validation"
	"github.com/rendis/idflow/pkg/schema"
)

// Counts tallies what an import did for one kind of entry.
type Counts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Report summarizes an import.
type Report struct {
	Connections Counts `json:"connections"`
	DataSources Counts `json:"datasources"`
	Actions     Counts `json:"actions"`
	Workflows   Counts `json:"workflows"`
	Bindings    Counts `json:"bindings"`
}

// Importer writes bundles into a store, matching existing entries by name.
type Importer struct {
	store      store.Store
	validator  *validation.GraphValidator
	conditions *expressions.ConditionEngine
	logger     *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(s store.Store, logger *slog.Logger) (*Importer, error) {
	conditions := expressions.NewConditionEngine()
	gv, err := validation.NewGraphValidator(nil, func(expression string) error {
		_, err := conditions.Compile(expression)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Importer{store: s, validator: gv, conditions: conditions, logger: logging.OrDefault(logger)}, nil
}

// Import writes b into the store. Every action reference is resolved before
// the first write, so an unknown action name leaves the store untouched.
// Re-importing the same bundle creates nothing new; existing workflows are
// updated, which bumps their version.
func (im *Importer) Import(ctx context.Context, b *Bundle) (*Report, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := im.checkReferences(ctx, b); err != nil {
		return nil, err
	}

	report := &Report{}
	for i := range b.Connections {
		if err := im.importConnection(ctx, &b.Connections[i], report); err != nil {
			return report, err
		}
	}
	for i := range b.DataSources {
		if err := im.importDataSource(ctx, &b.DataSources[i], report); err != nil {
			return report, err
		}
	}
	for i := range b.Actions {
		if err := im.importAction(ctx, &b.Actions[i], report); err != nil {
			return report, err
		}
	}

	ids, err := im.actionIndex(ctx)
	if err != nil {
		return report, err
	}
	for i := range b.Workflows {
		if err := im.importWorkflow(ctx, &b.Workflows[i], ids, report); err != nil {
			return report, err
		}
	}

	im.logger.InfoContext(ctx, "definitions imported",
		slog.Int("actions", len(b.Actions)),
		slog.Int("workflows", len(b.Workflows)),
		slog.Int("datasources", len(b.DataSources)),
		slog.Int("connections", len(b.Connections)),
	)
	return report, nil
}

func (im *Importer) checkReferences(ctx context.Context, b *Bundle) error {
	known, err := im.actionIndex(ctx)
	if err != nil {
		return err
	}
	for _, a := range b.Actions {
		known[a.Name] = -1
	}

	var missing []string
	for _, wf := range b.Workflows {
		for _, bind := range wf.Actions {
			if _, ok := known[bind.Action]; !ok {
				missing = append(missing, fmt.Sprintf("workflow %q: unknown action %q", wf.Name, bind.Action))
			}
			if bind.Condition != "" {
				if _, err := im.conditions.Compile(bind.Condition); err != nil {
					missing = append(missing, fmt.Sprintf("workflow %q: action %q: %v", wf.Name, bind.Action, err))
				}
			}
		}
		for _, id := range sortedNodeIDs(wf.Graph) {
			n := wf.Graph[id]
			if n.Action == "" {
				continue
			}
			if _, ok := known[n.Action]; !ok {
				missing = append(missing, fmt.Sprintf("workflow %q: node %q: unknown action %q", wf.Name, id, n.Action))
			}
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "unresolved references: %v", missing).
			WithDetails(map[string]any{"violations": missing})
	}
	return nil
}

func (im *Importer) actionIndex(ctx context.Context) (map[string]int64, error) {
	actions, err := im.store.ListActions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]int64, len(actions))
	for _, a := range actions {
		ids[a.Name] = a.ID
	}
	return ids, nil
}

func (im *Importer) importConnection(ctx context.Context, c *Connection, report *Report) error {
	_, err := im.store.GetConnectionByName(ctx, c.Name)
	switch {
	case err == nil:
		report.Connections.Unchanged++
		return nil
	case !schema.HasCode(err, schema.ErrCodeNotFound):
		return err
	}
	if err := im.store.CreateConnection(ctx, &store.DatabaseConnection{
		Name:           c.Name,
		Driver:         c.Driver,
		DSN:            c.DSN,
		TimeoutSeconds: c.TimeoutSeconds,
		MaxRetries:     c.MaxRetries,
		RetryDelayMs:   c.RetryDelayMs,
	}); err != nil {
		return fmt.Errorf("create connection %q: %w", c.Name, err)
	}
	report.Connections.Created++
	return nil
}

func (im *Importer) importDataSource(ctx context.Context, d *DataSource, report *Report) error {
	settings, err := json.Marshal(orEmpty(d.Settings))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "datasource %q: encode settings: %v", d.Name, err)
	}
	active := d.Active == nil || *d.Active

	ds, err := im.store.GetDataSourceByName(ctx, d.Name)
	switch {
	case err == nil:
		if err := im.store.UpdateDataSource(ctx, ds.ID, store.DataSourceUpdate{Settings: settings, IsActive: &active}); err != nil {
			return fmt.Errorf("update datasource %q: %w", d.Name, err)
		}
		report.DataSources.Updated++
	case schema.HasCode(err, schema.ErrCodeNotFound):
		method := schema.MatchingMethod(d.MatchingMethod)
		if method == "" {
			method = schema.MatchExact
		}
		ds = &store.DataSource{
			Name:                  d.Name,
			Type:                  schema.DataSourceType(d.Type),
			Settings:              settings,
			IsActive:              active,
			IdentityResolution:    d.IdentityResolution,
			MatchingMethod:        method,
			CreateMissingProfiles: d.CreateMissingProfiles,
			SyncDeleted:           d.SyncDeleted,
			Status:                schema.DataSourceActive,
		}
		if err := im.store.CreateDataSource(ctx, ds); err != nil {
			return fmt.Errorf("create datasource %q: %w", d.Name, err)
		}
		report.DataSources.Created++
	default:
		return err
	}

	existing, err := im.store.ListFieldMappings(ctx, ds.ID)
	if err != nil {
		return err
	}
	have := make(map[[2]string]bool, len(existing))
	for _, m := range existing {
		have[[2]string{m.SourceField, m.ProfileAttribute}] = true
	}
	for _, m := range d.Mappings {
		if have[[2]string{m.SourceField, m.ProfileAttribute}] {
			continue
		}
		typ := schema.MappingType(m.Type)
		if typ == "" {
			typ = schema.MappingDirect
		}
		if err := im.store.CreateFieldMapping(ctx, &store.ProfileFieldMapping{
			DataSourceID:     ds.ID,
			SourceField:      m.SourceField,
			ProfileAttribute: m.ProfileAttribute,
			MappingType:      typ,
			IsKeyField:       m.Key,
			Priority:         m.Priority,
			IsMultivalued:    m.Multivalued || typ == schema.MappingMulti,
			IsEnabled:        !m.Disabled,
		}); err != nil {
			return fmt.Errorf("create mapping %s->%s for %q: %w", m.SourceField, m.ProfileAttribute, d.Name, err)
		}
	}
	return nil
}

func (im *Importer) importAction(ctx context.Context, a *Action, report *Report) error {
	active := a.Active == nil || *a.Active
	params := orEmpty(a.Parameters)

	existing, err := im.store.GetActionByName(ctx, a.Name)
	switch {
	case err == nil:
		if existing.ActionType != schema.ActionType(a.Type) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"action %q already exists with type %s", a.Name, existing.ActionType)
		}
		desc := a.Description
		if err := im.store.UpdateAction(ctx, existing.ID, store.ActionUpdate{
			Description: &desc,
			Parameters:  params,
			IsActive:    &active,
		}); err != nil {
			return fmt.Errorf("update action %q: %w", a.Name, err)
		}
		report.Actions.Updated++
		return nil
	case !schema.HasCode(err, schema.ErrCodeNotFound):
		return err
	}

	if err := im.store.CreateAction(ctx, &store.Action{
		Name:        a.Name,
		Description: a.Description,
		ActionType:  schema.ActionType(a.Type),
		Parameters:  params,
		IsActive:    active,
	}); err != nil {
		return fmt.Errorf("create action %q: %w", a.Name, err)
	}
	report.Actions.Created++
	return nil
}

func (im *Importer) importWorkflow(ctx context.Context, w *Workflow, ids map[string]int64, report *Report) error {
	graph, err := resolveGraph(w, ids)
	if err != nil {
		return err
	}
	if graph != nil {
		known := make(validation.ActionSet, len(ids))
		for _, id := range ids {
			known[id] = true
		}
		if err := im.validator.WithActions(known).ValidateGraph(graph); err != nil {
			return fmt.Errorf("workflow %q: %w", w.Name, err)
		}
	}

	active := w.Active == nil || *w.Active
	wf, err := im.store.GetWorkflowByName(ctx, w.Name)
	switch {
	case err == nil:
		desc := w.Description
		update := store.WorkflowUpdate{Description: &desc, IsActive: &active, Graph: graph, ClearGraph: graph == nil}
		if err := im.store.UpdateWorkflow(ctx, wf.ID, update); err != nil {
			return fmt.Errorf("update workflow %q: %w", w.Name, err)
		}
		report.Workflows.Updated++
	case schema.HasCode(err, schema.ErrCodeNotFound):
		wf = &store.Workflow{Name: w.Name, Description: w.Description, IsActive: active, Graph: graph}
		if err := im.store.CreateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("create workflow %q: %w", w.Name, err)
		}
		report.Workflows.Created++
	default:
		return err
	}

	for _, bind := range w.Actions {
		if err := im.importBinding(ctx, wf.ID, ids[bind.Action], bind, report); err != nil {
			return fmt.Errorf("workflow %q: %w", w.Name, err)
		}
	}
	return nil
}

func (im *Importer) importBinding(ctx context.Context, workflowID, actionID int64, bind Binding, report *Report) error {
	params := orEmpty(bind.Parameters)
	wa, err := im.store.FindWorkflowAction(ctx, workflowID, actionID, "")
	switch {
	case err == nil:
		if err := im.store.UpdateWorkflowActionParameters(ctx, wa.ID, params); err != nil {
			return fmt.Errorf("update binding of %q: %w", bind.Action, err)
		}
		if wa.ContinueOnError != bind.ContinueOnError {
			if err := im.store.UpdateWorkflowActionContinueOnError(ctx, wa.ID, bind.ContinueOnError); err != nil {
				return fmt.Errorf("update binding of %q: %w", bind.Action, err)
			}
		}
		report.Bindings.Updated++
		return nil
	case !schema.HasCode(err, schema.ErrCodeNotFound):
		return err
	}

	if err := im.store.CreateWorkflowAction(ctx, &store.WorkflowAction{
		WorkflowID:      workflowID,
		ActionID:        actionID,
		Sequence:        bind.Sequence,
		Condition:       bind.Condition,
		ContinueOnError: bind.ContinueOnError,
		Parameters:      params,
	}); err != nil {
		return fmt.Errorf("bind action %q: %w", bind.Action, err)
	}
	report.Bindings.Created++
	return nil
}

// resolveGraph converts the bundle graph into the persisted form, replacing
// action names with ids. A workflow without a graph yields nil.
func resolveGraph(w *Workflow, ids map[string]int64) (schema.WorkflowGraph, error) {
	if len(w.Graph) == 0 {
		return nil, nil
	}
	graph := make(schema.WorkflowGraph, len(w.Graph))
	for _, id := range sortedNodeIDs(w.Graph) {
		n := w.Graph[id]
		actionID := n.ActionID
		if n.Action != "" {
			resolved, ok := ids[n.Action]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"workflow %q: node %q: unknown action %q", w.Name, id, n.Action)
			}
			actionID = resolved
		}
		conns := make([]schema.Connection, len(n.Connections))
		for i, e := range n.Connections {
			conns[i] = schema.Connection{Target: e.Target, ConditionPath: e.ConditionPath}
		}
		graph[id] = &schema.GraphNode{
			Type:        schema.NodeType(n.Type),
			ActionID:    actionID,
			Condition:   n.Condition,
			Parameters:  n.Parameters,
			Connections: conns,

			ContinueOnError: n.ContinueOnError,
		}
	}
	return graph, nil
}

func sortedNodeIDs(g map[string]Node) []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
