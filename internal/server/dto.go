package server

import (
	"encoding/json"

	"steward/internal/domain"
	"steward/internal/workflow"
)

// Request payloads

type ResolveActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetOverrideRequest struct {
	Level string `json:"level" enum:"autonomous,suggest,draft,execute"`
}

type StartWorkflowRequest struct {
	Subject map[string]any `json:"subject,omitempty"`
}

type SignalInstanceRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

type ExecuteToolRequest struct {
	Params         map[string]any `json:"params,omitempty"`
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty" minimum:"0" maximum:"1"`
}

// Response payloads

// GraduationResponse augments the stored record with the derived values an
// approval UI needs.
type GraduationResponse struct {
	domain.GraduationRecord
	EffectiveThreshold int  `json:"effective_threshold"`
	Eligible           bool `json:"eligible"`
}

func graduationResponse(g domain.GraduationRecord) GraduationResponse {
	return GraduationResponse{
		GraduationRecord:   g,
		EffectiveThreshold: g.EffectiveThreshold(),
		Eligible:           g.Eligible(),
	}
}

func mapGraduations(items []domain.GraduationRecord) []GraduationResponse {
	out := make([]GraduationResponse, 0, len(items))
	for _, g := range items {
		out = append(out, graduationResponse(g))
	}
	return out
}

// ExecuteToolResponse carries either an immediate result or the pending
// action raised in its place.
type ExecuteToolResponse struct {
	Executed bool                  `json:"executed"`
	Result   map[string]any        `json:"result,omitempty"`
	Action   *domain.PendingAction `json:"action,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"owner_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OwnerID:    e.OwnerID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &out.Payload)
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

type StepSummary struct {
	Tool     string `json:"tool"`
	Gate     string `json:"gate,omitempty" enum:",owner_approval,webhook_wait,schedule_wait"`
	Optional bool   `json:"optional,omitempty"`
	PerItem  bool   `json:"per_item,omitempty"`
}

type DefinitionResponse struct {
	Name           string        `json:"name"`
	Title          string        `json:"title"`
	MaxDurationMs  int64         `json:"max_duration_ms"`
	ResumeWindowMs int64         `json:"resume_window_ms"`
	Steps          []StepSummary `json:"steps"`
}

func definitionResponse(d workflow.Definition) DefinitionResponse {
	out := DefinitionResponse{
		Name:           d.Name,
		Title:          d.Title,
		MaxDurationMs:  d.MaxDurationMs,
		ResumeWindowMs: d.ResumeWindowMs,
		Steps:          make([]StepSummary, 0, len(d.Steps)),
	}
	for _, s := range d.Steps {
		sum := StepSummary{Tool: s.Tool, Optional: s.Optional, PerItem: s.PerItem}
		if s.Gate != nil {
			sum.Gate = string(s.Gate.Kind)
		}
		out.Steps = append(out.Steps, sum)
	}
	return out
}
