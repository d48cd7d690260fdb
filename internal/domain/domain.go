package domain

// ToolCategory classifies a tool's risk/impact profile. Fixed by tool
// metadata, never derived at runtime.
type ToolCategory string

const (
	CategoryQuery       ToolCategory = "query"
	CategoryAction      ToolCategory = "action"
	CategoryGenerate    ToolCategory = "generate"
	CategoryWorkflow    ToolCategory = "workflow"
	CategoryMemory      ToolCategory = "memory"
	CategoryPlanning    ToolCategory = "planning"
	CategoryIntegration ToolCategory = "integration"
)

// Categories lists every known category, in display order.
func Categories() []ToolCategory {
	return []ToolCategory{
		CategoryQuery, CategoryAction, CategoryGenerate, CategoryWorkflow,
		CategoryMemory, CategoryPlanning, CategoryIntegration,
	}
}

func ValidCategory(c ToolCategory) bool {
	switch c {
	case CategoryQuery, CategoryAction, CategoryGenerate, CategoryWorkflow,
		CategoryMemory, CategoryPlanning, CategoryIntegration:
		return true
	}
	return false
}

// AutonomyLevel is how much unattended trust a tool call currently has.
// Autonomous is the maximal-trust terminal state; Execute requires the most
// human involvement. Trust ordering is expressed through NextLevel and
// Stricter rather than numeric comparison.
type AutonomyLevel string

const (
	LevelAutonomous AutonomyLevel = "autonomous"
	LevelSuggest    AutonomyLevel = "suggest"
	LevelDraft      AutonomyLevel = "draft"
	LevelExecute    AutonomyLevel = "execute"
)

func ValidLevel(l AutonomyLevel) bool {
	switch l {
	case LevelAutonomous, LevelSuggest, LevelDraft, LevelExecute:
		return true
	}
	return false
}

// trustRank orders levels from least trusted (most human involvement) to
// most trusted.
func trustRank(l AutonomyLevel) int {
	switch l {
	case LevelExecute:
		return 0
	case LevelDraft:
		return 1
	case LevelSuggest:
		return 2
	case LevelAutonomous:
		return 3
	}
	return -1
}

// NextLevel returns the next tier toward Autonomous. ok is false when l is
// already the terminal Autonomous level.
func NextLevel(l AutonomyLevel) (AutonomyLevel, bool) {
	switch l {
	case LevelExecute:
		return LevelDraft, true
	case LevelDraft:
		return LevelSuggest, true
	case LevelSuggest:
		return LevelAutonomous, true
	}
	return l, false
}

// Stricter returns whichever level requires more human involvement.
func Stricter(a, b AutonomyLevel) AutonomyLevel {
	if trustRank(a) <= trustRank(b) {
		return a
	}
	return b
}

// MoreTrusted reports whether a carries more unattended trust than b.
func MoreTrusted(a, b AutonomyLevel) bool {
	return trustRank(a) > trustRank(b)
}

// ActionStatus is the pending-action resolution state.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
)

// PendingAction is a single gated tool call awaiting, or resolved by, an
// owner decision. At most one pending action may be open per task.
type PendingAction struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	TaskID         *string        `json:"task_id,omitempty"`
	InstanceID     *string        `json:"instance_id,omitempty"`
	StepIndex      *int           `json:"step_index,omitempty"`
	ItemIndex      *int           `json:"item_index,omitempty"`
	ToolName       string         `json:"tool_name"`
	ToolParams     map[string]any `json:"tool_params,omitempty"`
	Category       ToolCategory   `json:"category"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Status         ActionStatus   `json:"status" enum:"pending,approved,rejected"`
	ResolvedBy     *string        `json:"resolved_by,omitempty"`
	ResolvedReason string         `json:"resolved_reason,omitempty"`
	ResolvedAt     *string        `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// Resolved reports whether the action has reached a terminal status.
func (a PendingAction) Resolved() bool { return a.Status != ActionPending }

// TaskStatus is the agent-task lifecycle state.
type TaskStatus string

const (
	TaskScheduled    TaskStatus = "scheduled"
	TaskPendingInput TaskStatus = "pending_input"
	TaskInProgress   TaskStatus = "in_progress"
	TaskPaused       TaskStatus = "paused"
	TaskCompleted    TaskStatus = "completed"
	TaskCancelled    TaskStatus = "cancelled"
)

// AgentTask is the owner-visible envelope around an ad-hoc gated action or a
// running workflow instance.
type AgentTask struct {
	ID                string       `json:"id"`
	OwnerID           string       `json:"owner_id"`
	Title             string       `json:"title"`
	Category          ToolCategory `json:"category"`
	Status            TaskStatus   `json:"status" enum:"scheduled,pending_input,in_progress,paused,completed,cancelled"`
	ManualOverride    bool         `json:"manual_override"`
	RelatedEntityType *string      `json:"related_entity_type,omitempty"`
	RelatedEntityID   *string      `json:"related_entity_id,omitempty"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	UpdatedAt         string       `json:"updated_at" format:"date-time"`
	CompletedAt       *string      `json:"completed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the task can no longer change state.
func (t AgentTask) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskCancelled
}

// GraduationRecord tracks trust earned per (owner, category). Created lazily
// on the first relevant approval.
type GraduationRecord struct {
	OwnerID              string        `json:"owner_id"`
	Category             ToolCategory  `json:"category"`
	CurrentLevel         AutonomyLevel `json:"current_level"`
	ConsecutiveApprovals int           `json:"consecutive_approvals"`
	GraduationThreshold  int           `json:"graduation_threshold"`
	BackoffMultiplier    float64       `json:"backoff_multiplier"`
	UpdatedAt            string        `json:"updated_at" format:"date-time"`
}

// EffectiveThreshold is the approval streak currently required for
// eligibility: ceil(base threshold × backoff multiplier).
func (g GraduationRecord) EffectiveThreshold() int {
	t := float64(g.GraduationThreshold) * g.BackoffMultiplier
	n := int(t)
	if float64(n) < t {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Eligible reports whether the record has earned a graduation offer. The
// level itself only changes through an explicit accept.
func (g GraduationRecord) Eligible() bool {
	return g.ConsecutiveApprovals >= g.EffectiveThreshold() && g.CurrentLevel != LevelAutonomous
}

// AutonomyOverride is an owner-set category override consumed by policy
// resolution ahead of graduation state and category defaults.
type AutonomyOverride struct {
	OwnerID   string        `json:"owner_id"`
	Category  ToolCategory  `json:"category"`
	Level     AutonomyLevel `json:"level"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}

// InstanceStatus is the workflow-instance lifecycle state.
type InstanceStatus string

const (
	InstanceRunning      InstanceStatus = "running"
	InstanceWaiting      InstanceStatus = "waiting_on_gate"
	InstanceCompleted    InstanceStatus = "completed"
	InstanceFailed       InstanceStatus = "failed"
	InstanceCompensating InstanceStatus = "compensating"
	InstanceCompensated  InstanceStatus = "compensated"
)

// GateKind is a declared suspension point on a workflow step.
type GateKind string

const (
	GateOwnerApproval GateKind = "owner_approval"
	GateWebhookWait   GateKind = "webhook_wait"
	GateScheduleWait  GateKind = "schedule_wait"
)

// ParamSource selects where a step's parameters come from.
type ParamSource string

const (
	ParamsFromContext  ParamSource = "from_context"
	ParamsFromPrevious ParamSource = "from_previous"
)

// OutcomeKind tags a step's result. Tolerated failures belong to optional
// steps; fatal failures abort or compensate the instance.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeSkipped         OutcomeKind = "skipped"
	OutcomeFailedTolerated OutcomeKind = "failed_tolerated"
	OutcomeFailedFatal     OutcomeKind = "failed_fatal"
)

// ItemOutcome is one element's result inside a per-item fan-out.
type ItemOutcome struct {
	Index  int            `json:"index"`
	Kind   OutcomeKind    `json:"kind"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// StepOutcome is the checkpointed result of one executed step.
type StepOutcome struct {
	StepIndex   int            `json:"step_index"`
	ToolName    string         `json:"tool_name"`
	Kind        OutcomeKind    `json:"kind"`
	Result      map[string]any `json:"result,omitempty"`
	Items       []ItemOutcome  `json:"items,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt string         `json:"completed_at" format:"date-time"`
}

// WorkflowInstance is the runtime state of one saga execution. The step
// index only advances after the step's outcome is durably checkpointed.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	DefinitionName   string         `json:"definition_name"`
	OwnerID          string         `json:"owner_id"`
	TaskID           string         `json:"task_id"`
	SubjectContext   map[string]any `json:"subject_context,omitempty"`
	CurrentStepIndex int            `json:"current_step_index"`
	StepResults      []StepOutcome  `json:"step_results,omitempty"`
	Status           InstanceStatus `json:"status" enum:"running,waiting_on_gate,completed,failed,compensating,compensated"`
	WaitingGate      *GateKind      `json:"waiting_gate,omitempty"`
	WakeAt           *string        `json:"wake_at,omitempty" format:"date-time"`
	PendingActionID  *string        `json:"pending_action_id,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	StartedAt        string         `json:"started_at" format:"date-time"`
	ResumableUntil   *string        `json:"resumable_until,omitempty" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the instance can no longer advance.
func (w WorkflowInstance) Terminal() bool {
	switch w.Status {
	case InstanceCompleted, InstanceFailed, InstanceCompensated:
		return true
	}
	return false
}

// InstanceClaim is the single-driver lease on a workflow instance.
type InstanceClaim struct {
	InstanceID string `json:"instance_id"`
	DriverID   string `json:"driver_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an agent front-end. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
