package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/idflow/pkg/schema"
)

// --- Workflow executions ---

const executionColumns = `id, workflow_id, status, parameters, triggered_by, result_data, error_message, start_time, end_time, created_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	params, err := marshalMapOrDefault(exec.Parameters)
	if err != nil {
		return fmt.Errorf("marshal execution parameters: %w", err)
	}
	result, err := marshalResult(exec.ResultData)
	if err != nil {
		return err
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (workflow_id, status, parameters, triggered_by, result_data, error_message, start_time, end_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.WorkflowID, string(exec.Status), string(params), nullStr(exec.TriggeredBy), result,
		nullStr(exec.ErrorMessage), nullTime(exec.StartTime), nullTime(exec.EndTime), exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	exec.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id int64) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id int64, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Parameters != nil {
		params, err := marshalMapOrDefault(update.Parameters)
		if err != nil {
			return fmt.Errorf("marshal execution parameters: %w", err)
		}
		sets = append(sets, "parameters = ?")
		args = append(args, string(params))
	}
	if update.ResultData != nil {
		result, err := marshalResult(update.ResultData)
		if err != nil {
			return err
		}
		sets = append(sets, "result_data = ?")
		args = append(args, result)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, *update.StartTime)
	}
	if update.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *update.EndTime)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE 1=1`
	var args []any

	if filter.WorkflowID != 0 {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = appendLimit(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(sc scanner) (*WorkflowExecution, error) {
	exec := &WorkflowExecution{}
	var (
		status                      string
		params                      string
		triggeredBy, result, errMsg sql.NullString
		startTime, endTime          sql.NullTime
	)
	if err := sc.Scan(&exec.ID, &exec.WorkflowID, &status, &params, &triggeredBy, &result, &errMsg,
		&startTime, &endTime, &exec.CreatedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.Parameters = unmarshalMap(params)
	exec.TriggeredBy = triggeredBy.String
	exec.ErrorMessage = errMsg.String
	exec.StartTime = timePtr(startTime)
	exec.EndTime = timePtr(endTime)
	if result.Valid && result.String != "" {
		var rr schema.RunResult
		if err := json.Unmarshal([]byte(result.String), &rr); err == nil {
			exec.ResultData = &rr
		}
	}
	return exec, nil
}

func marshalResult(rr *schema.RunResult) (any, error) {
	if rr == nil {
		return nil, nil
	}
	raw, err := json.Marshal(rr)
	if err != nil {
		return nil, fmt.Errorf("marshal run result: %w", err)
	}
	return string(raw), nil
}

// --- Action executions ---

func (s *LibSQLStore) CreateActionExecution(ctx context.Context, ae *ActionExecution) error {
	input, err := nullableMap(ae.InputData)
	if err != nil {
		return fmt.Errorf("marshal input data: %w", err)
	}
	output, err := nullableMap(ae.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output data: %w", err)
	}
	if ae.Status == "" {
		ae.Status = schema.ActionPending
	}
	ae.CreatedAt = timeOrNow(ae.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_executions (workflow_execution_id, workflow_action_id, status, input_data, output_data, error_message, start_time, end_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ae.WorkflowExecutionID, ae.WorkflowActionID, string(ae.Status), input, output,
		nullStr(ae.ErrorMessage), nullTime(ae.StartTime), nullTime(ae.EndTime), ae.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert action execution: %w", err)
	}
	ae.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) UpdateActionExecution(ctx context.Context, id int64, update ActionExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.InputData != nil {
		input, err := nullableMap(update.InputData)
		if err != nil {
			return fmt.Errorf("marshal input data: %w", err)
		}
		sets = append(sets, "input_data = ?")
		args = append(args, input)
	}
	if update.OutputData != nil {
		output, err := nullableMap(update.OutputData)
		if err != nil {
			return fmt.Errorf("marshal output data: %w", err)
		}
		sets = append(sets, "output_data = ?")
		args = append(args, output)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, *update.StartTime)
	}
	if update.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *update.EndTime)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE action_executions SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "action execution", id)
}

func (s *LibSQLStore) ListActionExecutions(ctx context.Context, executionID int64) ([]*ActionExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_execution_id, workflow_action_id, status, input_data, output_data, error_message, start_time, end_time, created_at
		 FROM action_executions WHERE workflow_execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActionExecution
	for rows.Next() {
		ae := &ActionExecution{}
		var (
			status                string
			input, output, errMsg sql.NullString
			startTime, endTime    sql.NullTime
		)
		if err := rows.Scan(&ae.ID, &ae.WorkflowExecutionID, &ae.WorkflowActionID, &status, &input, &output,
			&errMsg, &startTime, &endTime, &ae.CreatedAt); err != nil {
			return nil, err
		}
		ae.Status = schema.ActionStatus(status)
		ae.InputData = mapOrNil(input)
		ae.OutputData = mapOrNil(output)
		ae.ErrorMessage = errMsg.String
		ae.StartTime = timePtr(startTime)
		ae.EndTime = timePtr(endTime)
		out = append(out, ae)
	}
	return out, rows.Err()
}

func appendLimit(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}

// stamp returns t in UTC, or now when t is zero.
func stamp(t time.Time) time.Time {
	return timeOrNow(t).UTC()
}
