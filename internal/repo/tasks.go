package repo

import (
	"context"
	"database/sql"
	"strings"

	"steward/internal/domain"
)

const taskColumns = `id,owner_id,title,category,status,manual_override,related_entity_type,related_entity_id,created_at,updated_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.AgentTask, error) {
	var t domain.AgentTask
	var relType, relID, completedAt sql.NullString
	var manual int
	err := scan(&t.ID, &t.OwnerID, &t.Title, &t.Category, &t.Status, &manual, &relType, &relID, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ManualOverride = manual != 0
	if relType.Valid {
		t.RelatedEntityType = &relType.String
	}
	if relID.Valid {
		t.RelatedEntityID = &relID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.AgentTask) error {
	manual := 0
	if t.ManualOverride {
		manual = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, t.Category, t.Status, manual,
		nullableStringPtr(t.RelatedEntityType), nullableStringPtr(t.RelatedEntityID),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.AgentTask) error {
	manual := 0
	if t.ManualOverride {
		manual = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE agent_tasks SET title=?, category=?, status=?, manual_override=?, related_entity_type=?, related_entity_id=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, t.Category, t.Status, manual,
		nullableStringPtr(t.RelatedEntityType), nullableStringPtr(t.RelatedEntityID),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.AgentTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	OwnerID string
	Status  string
	Limit   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.AgentTask, error) {
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
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM agent_tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
