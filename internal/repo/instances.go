package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"steward/internal/domain"
)

const instanceColumns = `id,definition_name,owner_id,task_id,subject_json,current_step_index,step_results_json,status,waiting_gate,wake_at,pending_action_id,failure_reason,started_at,resumable_until,updated_at`

func scanInstance(scan func(dest ...any) error) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	var subject, results, gate, wakeAt, actionID, failure, resumable sql.NullString
	err := scan(&w.ID, &w.DefinitionName, &w.OwnerID, &w.TaskID, &subject, &w.CurrentStepIndex, &results,
		&w.Status, &gate, &wakeAt, &actionID, &failure, &w.StartedAt, &resumable, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if subject.Valid && subject.String != "" {
		if err := json.Unmarshal([]byte(subject.String), &w.SubjectContext); err != nil {
			return w, err
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &w.StepResults); err != nil {
			return w, err
		}
	}
	if gate.Valid {
		g := domain.GateKind(gate.String)
		w.WaitingGate = &g
	}
	if wakeAt.Valid {
		w.WakeAt = &wakeAt.String
	}
	if actionID.Valid {
		w.PendingActionID = &actionID.String
	}
	if failure.Valid {
		w.FailureReason = failure.String
	}
	if resumable.Valid {
		w.ResumableUntil = &resumable.String
	}
	return w, nil
}

func marshalInstanceJSON(w domain.WorkflowInstance) (subject, results any, err error) {
	if len(w.SubjectContext) > 0 {
		data, err := json.Marshal(w.SubjectContext)
		if err != nil {
			return nil, nil, err
		}
		subject = string(data)
	}
	if len(w.StepResults) > 0 {
		data, err := json.Marshal(w.StepResults)
		if err != nil {
			return nil, nil, err
		}
		results = string(data)
	}
	return subject, results, nil
}

func gateValue(g *domain.GateKind) any {
	if g == nil {
		return nil
	}
	return string(*g)
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) error {
	subject, results, err := marshalInstanceJSON(w)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_instances(id,definition_name,owner_id,task_id,subject_json,current_step_index,step_results_json,status,waiting_gate,wake_at,pending_action_id,failure_reason,started_at,resumable_until,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.DefinitionName, w.OwnerID, w.TaskID, subject, w.CurrentStepIndex, results, w.Status,
		gateValue(w.WaitingGate), nullableStringPtr(w.WakeAt), nullableStringPtr(w.PendingActionID),
		nullable(w.FailureReason), w.StartedAt, nullableStringPtr(w.ResumableUntil), w.UpdatedAt)
	return err
}

// UpdateInstance persists the full mutable state of an instance. This is the
// checkpoint write: callers commit it in the same tx as the step's side
// records, so a crash never observes a half-applied step.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) error {
	subject, results, err := marshalInstanceJSON(w)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET subject_json=?, current_step_index=?, step_results_json=?, status=?, waiting_gate=?, wake_at=?, pending_action_id=?, failure_reason=?, resumable_until=?, updated_at=? WHERE id=?`,
		subject, w.CurrentStepIndex, results, w.Status, gateValue(w.WaitingGate),
		nullableStringPtr(w.WakeAt), nullableStringPtr(w.PendingActionID), nullable(w.FailureReason),
		nullableStringPtr(w.ResumableUntil), w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

// GetInstanceByAction finds the instance waiting on a given pending action.
func (r Repo) GetInstanceByAction(ctx context.Context, actionID string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE pending_action_id=?`, actionID)
	return scanInstance(row.Scan)
}

type InstanceFilters struct {
	OwnerID    string
	Status     string
	Definition string
	Limit      int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.WorkflowInstance, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Definition != "" {
		clauses = append(clauses, "definition_name=?")
		args = append(args, f.Definition)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		w, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// DueInstances returns waiting instances whose wake time has passed.
func (r Repo) DueInstances(ctx context.Context, now string, limit int) ([]domain.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE status=? AND wake_at IS NOT NULL AND wake_at<=? ORDER BY wake_at ASC LIMIT ?`,
		domain.InstanceWaiting, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		w, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ClaimInstance takes or renews the single-driver lease on an instance. The
// conditional update loses (returns false) when a different driver holds an
// unexpired claim.
func (r Repo) ClaimInstance(ctx context.Context, tx *sql.Tx, instanceID, driverID, now, expiresAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET claim_driver_id=?, claim_acquired_at=?, claim_expires_at=?
WHERE id=? AND (claim_driver_id IS NULL OR claim_driver_id=? OR claim_expires_at<?)`,
		driverID, now, expiresAt, instanceID, driverID, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseInstanceClaim drops the lease if held by driverID.
func (r Repo) ReleaseInstanceClaim(ctx context.Context, tx *sql.Tx, instanceID, driverID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET claim_driver_id=NULL, claim_acquired_at=NULL, claim_expires_at=NULL WHERE id=? AND claim_driver_id=?`,
		instanceID, driverID)
	return err
}

// GetInstanceClaim reads the current lease, if any.
func (r Repo) GetInstanceClaim(ctx context.Context, instanceID string) (domain.InstanceClaim, error) {
	var c domain.InstanceClaim
	var driver, acquired, expires sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, claim_driver_id, claim_acquired_at, claim_expires_at FROM workflow_instances WHERE id=?`, instanceID).
		Scan(&c.InstanceID, &driver, &acquired, &expires)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if !driver.Valid {
		return c, ErrNotFound
	}
	c.DriverID = driver.String
	c.AcquiredAt = acquired.String
	c.ExpiresAt = expires.String
	return c, nil
}
