package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"steward/internal/config"
	"steward/internal/repo"
)

// ResolveOwnerAndConfig picks the active owner and makes sure both the owner
// row and an owner config exist, seeding from steward.yml (or the built-in
// defaults) when missing. Preference order: explicit override, then the
// single owner already in the database, then the workspace config file.
func ResolveOwnerAndConfig(ctx context.Context, workspace, ownerOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	ownerID := ownerOverride
	if ownerID == "" {
		owners, err := r.ListOwners(ctx)
		if err != nil {
			return "", nil, err
		}
		switch {
		case len(owners) == 1:
			ownerID = owners[0]
		case fileCfg != nil && fileCfg.Owner.ID != "":
			ownerID = fileCfg.Owner.ID
		case len(owners) > 1:
			return "", nil, fmt.Errorf("multiple owners in workspace; use --owner")
		default:
			return "", nil, fmt.Errorf("owner not specified; use --owner or run init")
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()
	if err := r.EnsureOwner(ctx, tx, ownerID, "", now); err != nil {
		return "", nil, fmt.Errorf("ensure owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", nil, err
	}

	cfg, err := r.GetOwnerConfig(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := fileCfg
		if seed == nil {
			seed = config.Default(ownerID)
		}
		seed.Owner.ID = ownerID
		if err := r.UpsertOwnerConfig(ctx, ownerID, seed); err != nil {
			return "", nil, fmt.Errorf("seed owner config: %w", err)
		}
		cfg = seed
	}
	cfg.Owner.ID = ownerID
	return ownerID, cfg, nil
}
