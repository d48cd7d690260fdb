package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/repo"
)

// TaskCreateOptions are parameters for creating an agent task.
type TaskCreateOptions struct {
	ID                string
	OwnerID           string
	Title             string
	Category          domain.ToolCategory
	Status            domain.TaskStatus
	RelatedEntityType string
	RelatedEntityID   string
	ActorID           string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.AgentTask, error) {
	if opts.Title == "" {
		return domain.AgentTask{}, errors.New("title is required")
	}
	if opts.OwnerID == "" {
		return domain.AgentTask{}, errors.New("owner is required")
	}
	if opts.Category == "" {
		opts.Category = domain.CategoryAction
	}
	if !domain.ValidCategory(opts.Category) {
		return domain.AgentTask{}, fmt.Errorf("unknown category %s", opts.Category)
	}
	if opts.Status == "" {
		opts.Status = domain.TaskScheduled
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.EnsureOwner(ctx, tx, opts.OwnerID, "", now); err != nil {
		return domain.AgentTask{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.AgentTask{
		ID:        id,
		OwnerID:   opts.OwnerID,
		Title:     opts.Title,
		Category:  opts.Category,
		Status:    opts.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.RelatedEntityType != "" {
		t.RelatedEntityType = &opts.RelatedEntityType
	}
	if opts.RelatedEntityID != "" {
		t.RelatedEntityID = &opts.RelatedEntityID
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.AgentTask{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, t.OwnerID, "task", t.ID, opts.ActorID, events.EventPayload{"status": string(t.Status), "title": t.Title}); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}
	return t, nil
}

// SetTaskStatusTx moves a task through its state machine inside an open tx.
func (e Engine) SetTaskStatusTx(ctx context.Context, tx *sql.Tx, taskID string, status domain.TaskStatus, actorID string) (domain.AgentTask, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	if t.Status == status {
		return t, nil
	}
	if err := ensureTaskTransition(t.Status, status); err != nil {
		return domain.AgentTask{}, err
	}
	now := e.nowRFC3339()
	t.Status = status
	t.UpdatedAt = now
	if t.Terminal() {
		t.CompletedAt = &now
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.AgentTask{}, err
	}
	evt := events.TaskUpdated
	switch status {
	case domain.TaskCompleted:
		evt = events.TaskCompleted
	case domain.TaskCancelled:
		evt = events.TaskCancelled
	}
	if err := e.Events.Append(ctx, tx, evt, t.OwnerID, "task", t.ID, actorID, events.EventPayload{"status": string(status)}); err != nil {
		return domain.AgentTask{}, err
	}
	return t, nil
}

// SetTaskStatus is the single-op wrapper around SetTaskStatusTx.
func (e Engine) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, actorID string) (domain.AgentTask, error) {
	if !validTaskStatus(status) {
		return domain.AgentTask{}, fmt.Errorf("unknown task status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()
	t, err := e.SetTaskStatusTx(ctx, tx, taskID, status, actorID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	return t, tx.Commit()
}

func validTaskStatus(s domain.TaskStatus) bool {
	switch s {
	case domain.TaskScheduled, domain.TaskPendingInput, domain.TaskInProgress,
		domain.TaskPaused, domain.TaskCompleted, domain.TaskCancelled:
		return true
	}
	return false
}

// TakeControl pauses a task and flips the manual override flag. Running
// workflow drivers observe the flag at the next step boundary and stop.
func (e Engine) TakeControl(ctx context.Context, taskID, actorID string) (domain.AgentTask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	if t.Terminal() {
		return domain.AgentTask{}, fmt.Errorf("task %s is %s: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}
	if t.ManualOverride && t.Status == domain.TaskPaused {
		return t, tx.Commit()
	}
	if err := ensureTaskTransition(t.Status, domain.TaskPaused); err != nil {
		return domain.AgentTask{}, err
	}
	t.ManualOverride = true
	t.Status = domain.TaskPaused
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskPaused, t.OwnerID, "task", t.ID, actorID, events.EventPayload{"manual_override": true}); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}
	return t, nil
}

// ResumeTask clears the manual override. The task returns to pending_input if
// it still has an open action, otherwise to in_progress.
func (e Engine) ResumeTask(ctx context.Context, taskID, actorID string) (domain.AgentTask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	if t.Terminal() {
		return domain.AgentTask{}, fmt.Errorf("task %s is %s: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}
	if !t.ManualOverride && t.Status != domain.TaskPaused {
		return t, tx.Commit()
	}
	next := domain.TaskInProgress
	if _, err := e.Repo.OpenActionForTask(ctx, tx, t.ID); err == nil {
		next = domain.TaskPendingInput
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.AgentTask{}, err
	}
	if t.Status != next {
		if err := ensureTaskTransition(t.Status, next); err != nil {
			return domain.AgentTask{}, err
		}
	}
	t.ManualOverride = false
	t.Status = next
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskResumed, t.OwnerID, "task", t.ID, actorID, events.EventPayload{"status": string(next)}); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}
	return t, nil
}
