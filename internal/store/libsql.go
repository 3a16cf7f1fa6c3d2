package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/idflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/idflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Actions ---

const actionColumns = `id, name, description, action_type, parameters, is_active, created_at, updated_at`

func (s *LibSQLStore) CreateAction(ctx context.Context, a *Action) error {
	params, err := marshalMapOrDefault(a.Parameters)
	if err != nil {
		return fmt.Errorf("marshal action parameters: %w", err)
	}
	now := time.Now().UTC()
	a.CreatedAt = timeOrNow(a.CreatedAt)
	a.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (name, description, action_type, parameters, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Name, nullStr(a.Description), string(a.ActionType), string(params), boolInt(a.IsActive), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return mapConstraint(err, "action", a.Name)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetAction(ctx context.Context, id int64) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("action", id)
	}
	return a, err
}

func (s *LibSQLStore) GetActionByName(ctx context.Context, name string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE name = ?`, name)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("action", name)
	}
	return a, err
}

func (s *LibSQLStore) UpdateAction(ctx context.Context, id int64, update ActionUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Parameters != nil {
		params, err := marshalMapOrDefault(update.Parameters)
		if err != nil {
			return fmt.Errorf("marshal action parameters: %w", err)
		}
		sets = append(sets, "parameters = ?")
		args = append(args, string(params))
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE actions SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return mapConstraint(err, "action", id)
	}
	return checkRowsAffected(res, "action", id)
}

func (s *LibSQLStore) ListActions(ctx context.Context) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAction refuses to delete an action still referenced by a workflow.
func (s *LibSQLStore) DeleteAction(ctx context.Context, id int64) error {
	var refs int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_actions WHERE action_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"action %d is referenced by %d workflow action(s)", id, refs)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id)
	if err != nil {
		return mapConstraint(err, "action", id)
	}
	return checkRowsAffected(res, "action", id)
}

func scanAction(sc scanner) (*Action, error) {
	a := &Action{}
	var (
		desc       sql.NullString
		actionType string
		params     string
	)
	if err := sc.Scan(&a.ID, &a.Name, &desc, &actionType, &params, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Description = desc.String
	a.ActionType = schema.ActionType(actionType)
	a.Parameters = unmarshalMap(params)
	return a, nil
}

// --- Workflows ---

const workflowColumns = `id, name, description, version, is_active, workflow_data, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := marshalGraph(wf.Graph)
	if err != nil {
		return err
	}
	if wf.Version <= 0 {
		wf.Version = 1
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = wf.CreatedAt
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (name, description, version, is_active, workflow_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.Name, nullStr(wf.Description), wf.Version, boolInt(wf.IsActive), graph, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return mapConstraint(err, "workflow", wf.Name)
	}
	wf.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, name string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE name = ?`, name)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", name)
	}
	return wf, err
}

// UpdateWorkflow applies the update and increments version in the same statement.
func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id int64, update WorkflowUpdate) error {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if update.ClearGraph {
		sets = append(sets, "workflow_data = NULL")
	} else if update.Graph != nil {
		graph, err := marshalGraph(update.Graph)
		if err != nil {
			return err
		}
		sets = append(sets, "workflow_data = ?")
		args = append(args, graph)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return mapConstraint(err, "workflow", id)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var desc, graph sql.NullString
	if err := sc.Scan(&wf.ID, &wf.Name, &desc, &wf.Version, &wf.IsActive, &graph, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	if graph.Valid {
		g, err := schema.ParseGraph([]byte(graph.String))
		if err != nil {
			return nil, err
		}
		wf.Graph = g
	}
	return wf, nil
}

// --- Workflow actions ---

const workflowActionSelect = `SELECT wa.id, wa.workflow_id, wa.action_id, wa.sequence, wa.node_id, wa.condition,
	wa.continue_on_error, wa.parameters,
	a.id, a.name, a.description, a.action_type, a.parameters, a.is_active, a.created_at, a.updated_at
	FROM workflow_actions wa JOIN actions a ON a.id = wa.action_id`

func (s *LibSQLStore) CreateWorkflowAction(ctx context.Context, wa *WorkflowAction) error {
	params, err := marshalMapOrDefault(wa.Parameters)
	if err != nil {
		return fmt.Errorf("marshal binding parameters: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_actions (workflow_id, action_id, sequence, node_id, condition, continue_on_error, parameters)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wa.WorkflowID, wa.ActionID, wa.Sequence, wa.NodeID, wa.Condition, boolInt(wa.ContinueOnError), string(params),
	)
	if err != nil {
		return mapConstraint(err, "workflow action", fmt.Sprintf("%d/%d", wa.WorkflowID, wa.Sequence))
	}
	wa.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) UpdateWorkflowActionParameters(ctx context.Context, id int64, params map[string]any) error {
	raw, err := marshalMapOrDefault(params)
	if err != nil {
		return fmt.Errorf("marshal binding parameters: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_actions SET parameters = ? WHERE id = ?`, string(raw), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow action", id)
}

// UpdateWorkflowActionContinueOnError sets whether a failure of the bound
// action stops the run.
func (s *LibSQLStore) UpdateWorkflowActionContinueOnError(ctx context.Context, id int64, continueOnError bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_actions SET continue_on_error = ? WHERE id = ?`, boolInt(continueOnError), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow action", id)
}

// ListWorkflowActions returns bindings in sequence order with their Action loaded.
func (s *LibSQLStore) ListWorkflowActions(ctx context.Context, workflowID int64) ([]*WorkflowAction, error) {
	rows, err := s.db.QueryContext(ctx,
		workflowActionSelect+` WHERE wa.workflow_id = ? ORDER BY wa.sequence, wa.id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowAction
	for rows.Next() {
		wa, err := scanWorkflowAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wa)
	}
	return out, rows.Err()
}

// FindWorkflowAction looks up a binding by (workflow, action, node).
func (s *LibSQLStore) FindWorkflowAction(ctx context.Context, workflowID, actionID int64, nodeID string) (*WorkflowAction, error) {
	row := s.db.QueryRowContext(ctx,
		workflowActionSelect+` WHERE wa.workflow_id = ? AND wa.action_id = ? AND wa.node_id = ? ORDER BY wa.id LIMIT 1`,
		workflowID, actionID, nodeID)
	wa, err := scanWorkflowAction(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow action", fmt.Sprintf("%d/%d/%s", workflowID, actionID, nodeID))
	}
	return wa, err
}

func scanWorkflowAction(sc scanner) (*WorkflowAction, error) {
	wa := &WorkflowAction{}
	a := &Action{}
	var (
		waParams, aParams, actionType string
		aDesc                         sql.NullString
	)
	if err := sc.Scan(&wa.ID, &wa.WorkflowID, &wa.ActionID, &wa.Sequence, &wa.NodeID, &wa.Condition,
		&wa.ContinueOnError, &waParams,
		&a.ID, &a.Name, &aDesc, &actionType, &aParams, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	wa.Parameters = unmarshalMap(waParams)
	a.Description = aDesc.String
	a.ActionType = schema.ActionType(actionType)
	a.Parameters = unmarshalMap(aParams)
	wa.Action = a
	return wa, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource string, id any) *schema.IdflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %v not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// mapConstraint turns SQLite constraint violations into CONFLICT errors.
func mapConstraint(err error, resource string, id any) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %v: %s", resource, id, err.Error()).WithCause(err)
	}
	return err
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw string) map[string]any {
	m := map[string]any{}
	if raw == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

func nullableMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func mapOrNil(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return unmarshalMap(ns.String)
}

func marshalGraph(g schema.WorkflowGraph) (any, error) {
	if len(g) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow graph: %w", err)
	}
	return string(raw), nil
}
