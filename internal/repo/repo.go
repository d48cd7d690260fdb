package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) EnsureOwner(ctx context.Context, tx *sql.Tx, ownerID, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO owners(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		ownerID, nullable(name), now)
	return err
}

func (r Repo) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM owners ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) UpsertOwnerConfig(ctx context.Context, ownerID string, cfg *config.Config) error {
	return upsertOwnerConfig(ctx, r.DB, nil, ownerID, cfg)
}

func (r Repo) UpsertOwnerConfigTx(ctx context.Context, tx *sql.Tx, ownerID string, cfg *config.Config) error {
	return upsertOwnerConfig(ctx, nil, tx, ownerID, cfg)
}

func upsertOwnerConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, ownerID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Owner.ID = ownerID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO owner_configs(owner_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(owner_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, ownerID, string(payload), now, now)
	return err
}

func (r Repo) GetOwnerConfig(ctx context.Context, ownerID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM owner_configs WHERE owner_id=?`, ownerID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Owner.ID == "" {
		cfg.Owner.ID = ownerID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, ownerID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if ownerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, ownerID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(owner_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OwnerID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TailEvents returns the most recent events in ascending id order.
func (r Repo) TailEvents(ctx context.Context, limit int, ownerID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	latest, err := r.LatestEventID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	cursor := latest - int64(limit)
	if cursor < 0 {
		cursor = 0
	}
	return r.EventsAfter(ctx, limit, cursor, ownerID)
}

func (r Repo) LatestEventID(ctx context.Context, ownerID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
