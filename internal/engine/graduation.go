package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/repo"
)

// loadGraduationTx fetches the (owner, category) record, lazily creating it
// on first use. A tool listed for graduated auto-execution stamps its own
// required-approvals count onto the record's base threshold at creation.
func (e Engine) loadGraduationTx(ctx context.Context, tx *sql.Tx, ownerID string, category domain.ToolCategory, toolName string) (domain.GraduationRecord, error) {
	g, err := e.Repo.GetGraduationTx(ctx, tx, ownerID, category)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.GraduationRecord{}, err
	}
	threshold := e.Config.CategoryThreshold(category)
	if toolName != "" {
		if n, ok := e.Config.GraduatedThreshold(toolName); ok && n > 0 {
			threshold = n
		}
	}
	g = domain.GraduationRecord{
		OwnerID:              ownerID,
		Category:             category,
		CurrentLevel:         e.Config.CategoryDefault(category),
		ConsecutiveApprovals: 0,
		GraduationThreshold:  threshold,
		BackoffMultiplier:    1.0,
		UpdatedAt:            e.nowRFC3339(),
	}
	if err := e.Repo.InsertGraduation(ctx, tx, g); err != nil {
		return domain.GraduationRecord{}, err
	}
	return g, nil
}

// recordApprovalTx increments the streak and reports whether the record just
// crossed into eligibility. Callers hold the (owner, category) lock.
func (e Engine) recordApprovalTx(ctx context.Context, tx *sql.Tx, ownerID string, category domain.ToolCategory, toolName, actorID string) (domain.GraduationRecord, error) {
	g, err := e.loadGraduationTx(ctx, tx, ownerID, category, toolName)
	if err != nil {
		return domain.GraduationRecord{}, err
	}
	wasEligible := g.Eligible()
	g.ConsecutiveApprovals++
	g.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateGraduation(ctx, tx, g); err != nil {
		return domain.GraduationRecord{}, err
	}
	if !wasEligible && g.Eligible() {
		if err := e.Events.Append(ctx, tx, events.GraduationEligible, ownerID, "graduation", string(category), actorID, events.EventPayload{
			"category":              string(category),
			"consecutive_approvals": g.ConsecutiveApprovals,
			"effective_threshold":   g.EffectiveThreshold(),
			"current_level":         string(g.CurrentLevel),
		}); err != nil {
			return domain.GraduationRecord{}, err
		}
	}
	return g, nil
}

// recordRejectionTx resets the streak and backs the threshold off.
func (e Engine) recordRejectionTx(ctx context.Context, tx *sql.Tx, ownerID string, category domain.ToolCategory, toolName, actorID string) (domain.GraduationRecord, error) {
	g, err := e.loadGraduationTx(ctx, tx, ownerID, category, toolName)
	if err != nil {
		return domain.GraduationRecord{}, err
	}
	g.ConsecutiveApprovals = 0
	g.BackoffMultiplier = e.bumpBackoff(g.BackoffMultiplier)
	g.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateGraduation(ctx, tx, g); err != nil {
		return domain.GraduationRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GraduationReset, ownerID, "graduation", string(category), actorID, events.EventPayload{
		"category":            string(category),
		"backoff_multiplier":  g.BackoffMultiplier,
		"effective_threshold": g.EffectiveThreshold(),
	}); err != nil {
		return domain.GraduationRecord{}, err
	}
	return g, nil
}

func (e Engine) bumpBackoff(multiplier float64) float64 {
	if multiplier < 1 {
		multiplier = 1
	}
	multiplier *= e.Config.BackoffFactor()
	if limit := e.Config.MaxMultiplier(); multiplier > limit {
		multiplier = limit
	}
	return multiplier
}

// AcceptGraduation promotes an eligible record to Autonomous: the streak was
// earned against the category's gate, so accepting removes the gate entirely
// and the next invocation executes without a pending action.
func (e Engine) AcceptGraduation(ctx context.Context, ownerID string, category domain.ToolCategory, actorID string) (domain.GraduationRecord, error) {
	unlock := e.lockGraduation(ownerID, category)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GraduationRecord{}, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGraduationTx(ctx, tx, ownerID, category)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.GraduationRecord{}, fmt.Errorf("no graduation record for %s/%s: %w", ownerID, category, domain.ErrNotEligible)
		}
		return domain.GraduationRecord{}, err
	}
	if !g.Eligible() {
		return domain.GraduationRecord{}, fmt.Errorf("%s/%s at %d/%d approvals: %w",
			ownerID, category, g.ConsecutiveApprovals, g.EffectiveThreshold(), domain.ErrNotEligible)
	}
	if g.CurrentLevel == domain.LevelAutonomous {
		return domain.GraduationRecord{}, fmt.Errorf("%s/%s already autonomous: %w", ownerID, category, domain.ErrNotEligible)
	}
	g.CurrentLevel = domain.LevelAutonomous
	g.ConsecutiveApprovals = 0
	g.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateGraduation(ctx, tx, g); err != nil {
		return domain.GraduationRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GraduationAccepted, ownerID, "graduation", string(category), actorID, events.EventPayload{
		"category": string(category),
		"level":    string(g.CurrentLevel),
	}); err != nil {
		return domain.GraduationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GraduationRecord{}, err
	}
	return g, nil
}

// DeclineGraduation turns an offer down: the streak resets and the threshold
// backs off, so the next offer takes longer to earn.
func (e Engine) DeclineGraduation(ctx context.Context, ownerID string, category domain.ToolCategory, actorID string) (domain.GraduationRecord, error) {
	unlock := e.lockGraduation(ownerID, category)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GraduationRecord{}, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGraduationTx(ctx, tx, ownerID, category)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.GraduationRecord{}, fmt.Errorf("no graduation record for %s/%s: %w", ownerID, category, domain.ErrNotEligible)
		}
		return domain.GraduationRecord{}, err
	}
	if !g.Eligible() {
		return domain.GraduationRecord{}, fmt.Errorf("%s/%s at %d/%d approvals: %w",
			ownerID, category, g.ConsecutiveApprovals, g.EffectiveThreshold(), domain.ErrNotEligible)
	}
	g.ConsecutiveApprovals = 0
	g.BackoffMultiplier = e.bumpBackoff(g.BackoffMultiplier)
	g.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateGraduation(ctx, tx, g); err != nil {
		return domain.GraduationRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GraduationDeclined, ownerID, "graduation", string(category), actorID, events.EventPayload{
		"category":            string(category),
		"backoff_multiplier":  g.BackoffMultiplier,
		"effective_threshold": g.EffectiveThreshold(),
	}); err != nil {
		return domain.GraduationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GraduationRecord{}, err
	}
	return g, nil
}

// SetOverride records an owner-set category level consumed by policy
// resolution ahead of graduation state.
func (e Engine) SetOverride(ctx context.Context, ownerID string, category domain.ToolCategory, level domain.AutonomyLevel, actorID string) (domain.AutonomyOverride, error) {
	if !domain.ValidCategory(category) {
		return domain.AutonomyOverride{}, fmt.Errorf("unknown category %s", category)
	}
	if !domain.ValidLevel(level) {
		return domain.AutonomyOverride{}, fmt.Errorf("unknown autonomy level %s", level)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutonomyOverride{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.EnsureOwner(ctx, tx, ownerID, "", now); err != nil {
		return domain.AutonomyOverride{}, err
	}
	o := domain.AutonomyOverride{
		OwnerID:   ownerID,
		Category:  category,
		Level:     level,
		UpdatedAt: now,
	}
	if err := e.Repo.UpsertOverride(ctx, tx, o); err != nil {
		return domain.AutonomyOverride{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutonomyOverride{}, err
	}
	return o, nil
}
