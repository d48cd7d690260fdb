package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

const graduationColumns = `owner_id,category,current_level,consecutive_approvals,graduation_threshold,backoff_multiplier,updated_at`

func scanGraduation(scan func(dest ...any) error) (domain.GraduationRecord, error) {
	var g domain.GraduationRecord
	err := scan(&g.OwnerID, &g.Category, &g.CurrentLevel, &g.ConsecutiveApprovals, &g.GraduationThreshold, &g.BackoffMultiplier, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) InsertGraduation(ctx context.Context, tx *sql.Tx, g domain.GraduationRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO graduation_records(`+graduationColumns+`) VALUES (?,?,?,?,?,?,?)`,
		g.OwnerID, g.Category, g.CurrentLevel, g.ConsecutiveApprovals, g.GraduationThreshold, g.BackoffMultiplier, g.UpdatedAt)
	return err
}

func (r Repo) UpdateGraduation(ctx context.Context, tx *sql.Tx, g domain.GraduationRecord) error {
	res, err := tx.ExecContext(ctx, `UPDATE graduation_records SET current_level=?, consecutive_approvals=?, graduation_threshold=?, backoff_multiplier=?, updated_at=? WHERE owner_id=? AND category=?`,
		g.CurrentLevel, g.ConsecutiveApprovals, g.GraduationThreshold, g.BackoffMultiplier, g.UpdatedAt, g.OwnerID, g.Category)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetGraduation(ctx context.Context, ownerID string, category domain.ToolCategory) (domain.GraduationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+graduationColumns+` FROM graduation_records WHERE owner_id=? AND category=?`, ownerID, category)
	return scanGraduation(row.Scan)
}

func (r Repo) GetGraduationTx(ctx context.Context, tx *sql.Tx, ownerID string, category domain.ToolCategory) (domain.GraduationRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+graduationColumns+` FROM graduation_records WHERE owner_id=? AND category=?`, ownerID, category)
	return scanGraduation(row.Scan)
}

func (r Repo) ListGraduations(ctx context.Context, ownerID string) ([]domain.GraduationRecord, error) {
	query := `SELECT ` + graduationColumns + ` FROM graduation_records`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY owner_id, category`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GraduationRecord
	for rows.Next() {
		g, err := scanGraduation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) UpsertOverride(ctx context.Context, tx *sql.Tx, o domain.AutonomyOverride) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO autonomy_overrides(owner_id,category,level,updated_at) VALUES (?,?,?,?)
ON CONFLICT(owner_id,category) DO UPDATE SET level=excluded.level, updated_at=excluded.updated_at`,
		o.OwnerID, o.Category, o.Level, o.UpdatedAt)
	return err
}

func (r Repo) DeleteOverride(ctx context.Context, ownerID string, category domain.ToolCategory) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM autonomy_overrides WHERE owner_id=? AND category=?`, ownerID, category)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetOverride(ctx context.Context, ownerID string, category domain.ToolCategory) (domain.AutonomyOverride, error) {
	var o domain.AutonomyOverride
	err := r.DB.QueryRowContext(ctx, `SELECT owner_id,category,level,updated_at FROM autonomy_overrides WHERE owner_id=? AND category=?`, ownerID, category).
		Scan(&o.OwnerID, &o.Category, &o.Level, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOverrides(ctx context.Context, ownerID string) ([]domain.AutonomyOverride, error) {
	query := `SELECT owner_id,category,level,updated_at FROM autonomy_overrides`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY owner_id, category`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutonomyOverride
	for rows.Next() {
		var o domain.AutonomyOverride
		if err := rows.Scan(&o.OwnerID, &o.Category, &o.Level, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
