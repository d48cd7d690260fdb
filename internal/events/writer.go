package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event type constants, one per state change the engine records.
const (
	ActionRaised   = "action.raised"
	ActionApproved = "action.approved"
	ActionRejected = "action.rejected"

	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskPaused    = "task.paused"
	TaskResumed   = "task.resumed"
	TaskCompleted = "task.completed"
	TaskCancelled = "task.cancelled"

	GraduationEligible = "graduation.eligible"
	GraduationAccepted = "graduation.accepted"
	GraduationDeclined = "graduation.declined"
	GraduationReset    = "graduation.reset"

	WorkflowStarted       = "workflow.started"
	WorkflowStepCompleted = "workflow.step.completed"
	WorkflowGateWaiting   = "workflow.gate.waiting"
	WorkflowResumed       = "workflow.resumed"
	WorkflowCompensated   = "workflow.compensated"
	WorkflowFailed        = "workflow.failed"
	WorkflowCompleted     = "workflow.completed"

	ToolExecuted = "tool.executed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, ownerID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,owner_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(ownerID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
