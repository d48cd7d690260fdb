package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/policy"
	"steward/internal/repo"
)

// ResolveAutonomy resolves the effective autonomy level for one tool call by
// an owner, loading the override and graduation record the pure policy lookup
// needs.
func (e Engine) ResolveAutonomy(ctx context.Context, ownerID, toolName string) (domain.AutonomyLevel, domain.ToolCategory, error) {
	category := e.Config.ToolCategory(toolName)

	var override *domain.AutonomyOverride
	o, err := e.Repo.GetOverride(ctx, ownerID, category)
	if err == nil {
		override = &o
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", category, err
	}

	var record *domain.GraduationRecord
	g, err := e.Repo.GetGraduation(ctx, ownerID, category)
	if err == nil {
		record = &g
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", category, err
	}

	return policy.Resolve(e.Config, toolName, category, override, record), category, nil
}

// RaiseActionOptions describe a gated tool call awaiting owner decision.
type RaiseActionOptions struct {
	OwnerID        string
	TaskID         string
	InstanceID     string
	StepIndex      *int
	ItemIndex      *int
	ToolName       string
	ToolParams     map[string]any
	Category       domain.ToolCategory
	Title          string
	Description    string
	Recommendation string
	Confidence     *float64
	ActorID        string
}

// RaiseAction opens a pending action. A task carries at most one open action;
// a second raise fails with ErrDuplicateAction.
func (e Engine) RaiseAction(ctx context.Context, opts RaiseActionOptions) (domain.PendingAction, error) {
	if opts.OwnerID == "" {
		return domain.PendingAction{}, errors.New("owner is required")
	}
	if opts.ToolName == "" {
		return domain.PendingAction{}, errors.New("tool name is required")
	}
	if opts.Category == "" {
		opts.Category = e.Config.ToolCategory(opts.ToolName)
	}
	if opts.Title == "" {
		opts.Title = opts.ToolName
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingAction{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if opts.TaskID != "" {
		if _, err := e.Repo.OpenActionForTask(ctx, tx, opts.TaskID); err == nil {
			return domain.PendingAction{}, fmt.Errorf("task %s: %w", opts.TaskID, domain.ErrDuplicateAction)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.PendingAction{}, err
		}
		if _, err := e.SetTaskStatusTx(ctx, tx, opts.TaskID, domain.TaskPendingInput, opts.ActorID); err != nil {
			return domain.PendingAction{}, err
		}
	}
	a := domain.PendingAction{
		ID:             uuid.NewString(),
		OwnerID:        opts.OwnerID,
		ToolName:       opts.ToolName,
		ToolParams:     opts.ToolParams,
		Category:       opts.Category,
		Title:          opts.Title,
		Description:    opts.Description,
		Recommendation: opts.Recommendation,
		Confidence:     opts.Confidence,
		Status:         domain.ActionPending,
		CreatedAt:      now,
	}
	if opts.TaskID != "" {
		a.TaskID = &opts.TaskID
	}
	if opts.InstanceID != "" {
		a.InstanceID = &opts.InstanceID
	}
	a.StepIndex = opts.StepIndex
	a.ItemIndex = opts.ItemIndex
	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.PendingAction{}, fmt.Errorf("insert action: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ActionRaised, a.OwnerID, "action", a.ID, opts.ActorID, events.EventPayload{
		"tool":     a.ToolName,
		"category": string(a.Category),
		"task_id":  opts.TaskID,
	}); err != nil {
		return domain.PendingAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingAction{}, err
	}
	return a, nil
}

// ApproveAction resolves a pending action as approved and feeds the
// graduation tracker. Approving an already-approved action is a no-op;
// approving a rejected one is a conflict.
//
// For ad-hoc actions (no workflow instance) the approved tool is executed
// immediately and the owning task completed. Workflow-bound actions only flip
// state here; the workflow executor picks the instance up separately.
func (e Engine) ApproveAction(ctx context.Context, actionID, resolvedBy, reason string) (domain.PendingAction, error) {
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return domain.PendingAction{}, err
	}
	unlock := e.lockGraduation(a.OwnerID, a.Category)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		unlock()
		return domain.PendingAction{}, err
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback()
		}
		unlock()
	}()

	a, err = e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.PendingAction{}, err
	}
	if a.Resolved() {
		if a.Status == domain.ActionApproved {
			return a, nil
		}
		return domain.PendingAction{}, fmt.Errorf("action %s already %s", a.ID, a.Status)
	}
	now := e.nowRFC3339()
	if _, err := e.Repo.ResolveAction(ctx, tx, a.ID, domain.ActionApproved, resolvedBy, reason, now); err != nil {
		return domain.PendingAction{}, err
	}
	a.Status = domain.ActionApproved
	a.ResolvedBy = &resolvedBy
	a.ResolvedReason = reason
	a.ResolvedAt = &now

	if _, err := e.recordApprovalTx(ctx, tx, a.OwnerID, a.Category, a.ToolName, resolvedBy); err != nil {
		return domain.PendingAction{}, err
	}
	if a.TaskID != nil {
		if _, err := e.SetTaskStatusTx(ctx, tx, *a.TaskID, domain.TaskInProgress, resolvedBy); err != nil {
			return domain.PendingAction{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ActionApproved, a.OwnerID, "action", a.ID, resolvedBy, events.EventPayload{
		"tool":     a.ToolName,
		"category": string(a.Category),
	}); err != nil {
		return domain.PendingAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingAction{}, err
	}
	commit = true

	if a.InstanceID == nil && a.TaskID != nil {
		if err := e.executeApproved(ctx, a, resolvedBy); err != nil {
			return a, err
		}
	}
	return a, nil
}

// executeApproved runs an approved ad-hoc tool and settles the owning task.
func (e Engine) executeApproved(ctx context.Context, a domain.PendingAction, actorID string) error {
	if e.Tools == nil {
		return fmt.Errorf("no tool invoker configured")
	}
	result, err := e.Tools.Invoke(ctx, a.ToolName, a.ToolParams)
	if err != nil {
		if _, serr := e.SetTaskStatus(ctx, *a.TaskID, domain.TaskCancelled, actorID); serr != nil {
			return errors.Join(&domain.ToolExecutionError{Tool: a.ToolName, Err: err}, serr)
		}
		return &domain.ToolExecutionError{Tool: a.ToolName, Err: err}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.SetTaskStatusTx(ctx, tx, *a.TaskID, domain.TaskCompleted, actorID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ToolExecuted, a.OwnerID, "action", a.ID, actorID, events.EventPayload{
		"tool":   a.ToolName,
		"result": result,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RejectAction resolves a pending action as rejected: the graduation streak
// resets and backs off. An ad-hoc task is cancelled outright; a
// workflow-bound task returns to in_progress so the executor can compensate.
func (e Engine) RejectAction(ctx context.Context, actionID, resolvedBy, reason string) (domain.PendingAction, error) {
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return domain.PendingAction{}, err
	}
	unlock := e.lockGraduation(a.OwnerID, a.Category)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingAction{}, err
	}
	defer tx.Rollback()

	a, err = e.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.PendingAction{}, err
	}
	if a.Resolved() {
		if a.Status == domain.ActionRejected {
			return a, nil
		}
		return domain.PendingAction{}, fmt.Errorf("action %s already %s", a.ID, a.Status)
	}
	now := e.nowRFC3339()
	if _, err := e.Repo.ResolveAction(ctx, tx, a.ID, domain.ActionRejected, resolvedBy, reason, now); err != nil {
		return domain.PendingAction{}, err
	}
	a.Status = domain.ActionRejected
	a.ResolvedBy = &resolvedBy
	a.ResolvedReason = reason
	a.ResolvedAt = &now

	if _, err := e.recordRejectionTx(ctx, tx, a.OwnerID, a.Category, a.ToolName, resolvedBy); err != nil {
		return domain.PendingAction{}, err
	}
	if a.TaskID != nil {
		next := domain.TaskCancelled
		if a.InstanceID != nil {
			next = domain.TaskInProgress
		}
		if _, err := e.SetTaskStatusTx(ctx, tx, *a.TaskID, next, resolvedBy); err != nil {
			return domain.PendingAction{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ActionRejected, a.OwnerID, "action", a.ID, resolvedBy, events.EventPayload{
		"tool":     a.ToolName,
		"category": string(a.Category),
		"reason":   reason,
	}); err != nil {
		return domain.PendingAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingAction{}, err
	}
	return a, nil
}

// ExecuteToolOptions describe an ad-hoc tool execution request.
type ExecuteToolOptions struct {
	OwnerID        string
	ToolName       string
	Params         map[string]any
	Title          string
	Description    string
	Recommendation string
	Confidence     *float64
	ActorID        string
}

// ExecuteTool runs a tool under the autonomy policy. An autonomous resolution
// executes immediately; anything stricter opens a task with a pending action
// and returns it instead of a result.
func (e Engine) ExecuteTool(ctx context.Context, opts ExecuteToolOptions) (map[string]any, *domain.PendingAction, error) {
	if opts.ToolName == "" {
		return nil, nil, errors.New("tool name is required")
	}
	level, category, err := e.ResolveAutonomy(ctx, opts.OwnerID, opts.ToolName)
	if err != nil {
		return nil, nil, err
	}
	if policy.AutoExecutable(level) {
		if e.Config.NeverAuto(opts.ToolName) {
			return nil, nil, fmt.Errorf("tool %s: %w", opts.ToolName, domain.ErrPolicyViolation)
		}
		if e.Tools == nil {
			return nil, nil, fmt.Errorf("no tool invoker configured")
		}
		result, err := e.Tools.Invoke(ctx, opts.ToolName, opts.Params)
		if err != nil {
			return nil, nil, &domain.ToolExecutionError{Tool: opts.ToolName, Err: err}
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, nil, err
		}
		defer tx.Rollback()
		if err := e.Repo.EnsureOwner(ctx, tx, opts.OwnerID, "", e.nowRFC3339()); err != nil {
			return nil, nil, err
		}
		if err := e.Events.Append(ctx, tx, events.ToolExecuted, opts.OwnerID, "tool", opts.ToolName, opts.ActorID, events.EventPayload{
			"tool":   opts.ToolName,
			"level":  string(level),
			"result": result,
		}); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, err
		}
		return result, nil, nil
	}

	title := opts.Title
	if title == "" {
		title = opts.ToolName
	}
	task, err := e.CreateTask(ctx, TaskCreateOptions{
		OwnerID:  opts.OwnerID,
		Title:    title,
		Category: category,
		Status:   domain.TaskScheduled,
		ActorID:  opts.ActorID,
	})
	if err != nil {
		return nil, nil, err
	}
	a, err := e.RaiseAction(ctx, RaiseActionOptions{
		OwnerID:        opts.OwnerID,
		TaskID:         task.ID,
		ToolName:       opts.ToolName,
		ToolParams:     opts.Params,
		Category:       category,
		Title:          title,
		Description:    opts.Description,
		Recommendation: opts.Recommendation,
		Confidence:     opts.Confidence,
		ActorID:        opts.ActorID,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, &a, nil
}
