package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"steward/internal/domain"
)

const actionColumns = `id,owner_id,task_id,instance_id,step_index,item_index,tool_name,tool_params_json,category,title,description,recommendation,confidence,status,resolved_by,resolved_reason,resolved_at,created_at`

func scanAction(scan func(dest ...any) error) (domain.PendingAction, error) {
	var a domain.PendingAction
	var taskID, instanceID, params, description, recommendation, resolvedBy, resolvedReason, resolvedAt sql.NullString
	var stepIndex, itemIndex sql.NullInt64
	var confidence sql.NullFloat64
	err := scan(&a.ID, &a.OwnerID, &taskID, &instanceID, &stepIndex, &itemIndex, &a.ToolName, &params,
		&a.Category, &a.Title, &description, &recommendation, &confidence, &a.Status,
		&resolvedBy, &resolvedReason, &resolvedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if taskID.Valid {
		a.TaskID = &taskID.String
	}
	if instanceID.Valid {
		a.InstanceID = &instanceID.String
	}
	if stepIndex.Valid {
		n := int(stepIndex.Int64)
		a.StepIndex = &n
	}
	if itemIndex.Valid {
		n := int(itemIndex.Int64)
		a.ItemIndex = &n
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &a.ToolParams); err != nil {
			return a, err
		}
	}
	if description.Valid {
		a.Description = description.String
	}
	if recommendation.Valid {
		a.Recommendation = recommendation.String
	}
	if confidence.Valid {
		c := confidence.Float64
		a.Confidence = &c
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if resolvedReason.Valid {
		a.ResolvedReason = resolvedReason.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.PendingAction) error {
	var params any
	if len(a.ToolParams) > 0 {
		data, err := json.Marshal(a.ToolParams)
		if err != nil {
			return err
		}
		params = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO pending_actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, nullableStringPtr(a.TaskID), nullableStringPtr(a.InstanceID),
		nullableIntPtr(a.StepIndex), nullableIntPtr(a.ItemIndex), a.ToolName, params,
		a.Category, a.Title, nullable(a.Description), nullable(a.Recommendation),
		nullableFloatPtr(a.Confidence), a.Status,
		nullableStringPtr(a.ResolvedBy), nullable(a.ResolvedReason), nullableStringPtr(a.ResolvedAt), a.CreatedAt)
	return err
}

// ResolveAction flips a pending action to a terminal status. RowsAffected is
// zero when the action was already resolved, which callers treat as the
// idempotent no-op path.
func (r Repo) ResolveAction(ctx context.Context, tx *sql.Tx, id string, status domain.ActionStatus, resolvedBy, reason, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE pending_actions SET status=?, resolved_by=?, resolved_reason=?, resolved_at=? WHERE id=? AND status=?`,
		status, nullable(resolvedBy), nullable(reason), resolvedAt, id, domain.ActionPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.PendingAction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.PendingAction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// OpenActionForTask returns the task's single open action, if any.
func (r Repo) OpenActionForTask(ctx context.Context, tx *sql.Tx, taskID string) (domain.PendingAction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE task_id=? AND status=?`, taskID, domain.ActionPending)
	return scanAction(row.Scan)
}

type ActionFilters struct {
	OwnerID string
	TaskID  string
	Status  string
	Limit   int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.PendingAction, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + actionColumns + ` FROM pending_actions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingAction
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
