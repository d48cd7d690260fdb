package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/events"
	"steward/internal/policy"
	"steward/internal/repo"
)

// Executor drives workflow instances. Exactly one driver advances an
// instance at a time: every drive cycle starts by taking the instance claim,
// and a lost claim surfaces as ErrConcurrencyConflict.
type Executor struct {
	Engine   engine.Engine
	Defs     map[string]Definition
	Log      *zap.Logger
	DriverID string
	ClaimTTL time.Duration
}

func NewExecutor(e engine.Engine, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		Engine:   e,
		Defs:     Builtin(),
		Log:      log,
		DriverID: uuid.NewString(),
		ClaimTTL: 2 * time.Minute,
	}
}

func (x *Executor) now() time.Time {
	if x.Engine.Now != nil {
		return x.Engine.Now()
	}
	return time.Now()
}

func (x *Executor) nowRFC3339() string {
	return x.now().UTC().Format(time.RFC3339)
}

func (x *Executor) definition(name string) (Definition, error) {
	d, ok := x.Defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown workflow definition %s", name)
	}
	return d, nil
}

// Start creates the owning task and the instance, then drives it as far as
// the first gate.
func (x *Executor) Start(ctx context.Context, defName, ownerID string, subject map[string]any, actorID string) (domain.WorkflowInstance, error) {
	def, err := x.definition(defName)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	task, err := x.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		OwnerID:  ownerID,
		Title:    def.Title,
		Category: domain.CategoryWorkflow,
		Status:   domain.TaskScheduled,
		ActorID:  actorID,
	})
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	now := x.nowRFC3339()
	inst := domain.WorkflowInstance{
		ID:             uuid.NewString(),
		DefinitionName: def.Name,
		OwnerID:        ownerID,
		TaskID:         task.ID,
		SubjectContext: subject,
		Status:         domain.InstanceRunning,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	if err := x.Engine.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return domain.WorkflowInstance{}, fmt.Errorf("insert instance: %w", err)
	}
	if _, err := x.Engine.SetTaskStatusTx(ctx, tx, task.ID, domain.TaskInProgress, actorID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := x.Engine.Events.Append(ctx, tx, events.WorkflowStarted, ownerID, "workflow", inst.ID, actorID, events.EventPayload{
		"definition": def.Name,
		"task_id":    task.ID,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := x.Drive(ctx, inst.ID, actorID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return x.Engine.Repo.GetInstance(ctx, inst.ID)
}

// claim takes or renews the single-driver lease.
func (x *Executor) claim(ctx context.Context, instanceID string) error {
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := x.now().UTC()
	ok, err := x.Engine.Repo.ClaimInstance(ctx, tx, instanceID, x.DriverID,
		now.Format(time.RFC3339), now.Add(x.ClaimTTL).Format(time.RFC3339))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, domain.ErrConcurrencyConflict)
	}
	return tx.Commit()
}

func (x *Executor) release(ctx context.Context, instanceID string) {
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := x.Engine.Repo.ReleaseInstanceClaim(ctx, tx, instanceID, x.DriverID); err == nil {
		tx.Commit()
	}
}

// Drive advances an instance step by step until it completes, fails, or
// parks on a gate. Manual override on the owning task stops the driver at
// the next step boundary.
func (x *Executor) Drive(ctx context.Context, instanceID, actorID string) error {
	if err := x.claim(ctx, instanceID); err != nil {
		return err
	}
	defer x.release(ctx, instanceID)

	for {
		inst, err := x.Engine.Repo.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Terminal() || inst.Status == domain.InstanceWaiting {
			return nil
		}
		def, err := x.definition(inst.DefinitionName)
		if err != nil {
			return err
		}
		task, err := x.Engine.Repo.GetTask(ctx, inst.TaskID)
		if err != nil {
			return err
		}
		if task.ManualOverride || task.Status == domain.TaskPaused {
			x.Log.Info("driver stopping: task under manual control",
				zap.String("instance", inst.ID), zap.String("task", task.ID))
			return nil
		}
		if expired, reason := x.durationExceeded(inst, def); expired {
			return x.compensateAndFinish(ctx, inst, def, reason, nil, nil, actorID)
		}
		if inst.CurrentStepIndex >= len(def.Steps) {
			return x.completeInstance(ctx, inst, actorID)
		}
		step := def.Steps[inst.CurrentStepIndex]

		parked, err := x.maybePark(ctx, inst, def, step, actorID)
		if err != nil {
			return err
		}
		if parked {
			return nil
		}

		outcome, fatal := x.executeStep(ctx, inst, step)
		if fatal != nil {
			x.Log.Warn("step failed",
				zap.String("instance", inst.ID), zap.String("tool", step.Tool), zap.Error(fatal))
			failedParams, _ := x.resolveParams(inst, step)
			return x.compensateAndFinish(ctx, inst, def, fatal.Error(), step.Compensate, failedParams, actorID)
		}
		if err := x.checkpoint(ctx, &inst, def, outcome, actorID); err != nil {
			return err
		}
		if err := x.claim(ctx, instanceID); err != nil {
			return err
		}
	}
}

// durationExceeded lazily enforces the definition's overall bound.
func (x *Executor) durationExceeded(inst domain.WorkflowInstance, def Definition) (bool, string) {
	if def.MaxDurationMs <= 0 {
		return false, ""
	}
	started, err := time.Parse(time.RFC3339, inst.StartedAt)
	if err != nil {
		return false, ""
	}
	deadline := started.Add(time.Duration(def.MaxDurationMs) * time.Millisecond)
	if x.now().UTC().After(deadline) {
		return true, fmt.Sprintf("max duration exceeded (%dms)", def.MaxDurationMs)
	}
	return false, ""
}

// maybePark suspends the instance if the current step declares a gate, or if
// the autonomy policy resolves the tool below Autonomous. Returns true when
// the instance was parked.
func (x *Executor) maybePark(ctx context.Context, inst domain.WorkflowInstance, def Definition, step Step, actorID string) (bool, error) {
	params, err := x.resolveParams(inst, step)
	if err != nil {
		return false, err
	}

	if step.Gate != nil {
		switch step.Gate.Kind {
		case domain.GateWebhookWait:
			return true, x.park(ctx, inst, def, domain.GateWebhookWait, nil, "", actorID)
		case domain.GateScheduleWait:
			wakeAt, err := x.wakeTime(inst, step.Gate)
			if err != nil {
				return false, err
			}
			return true, x.park(ctx, inst, def, domain.GateScheduleWait, &wakeAt, "", actorID)
		case domain.GateOwnerApproval:
			return true, x.parkForApproval(ctx, inst, def, step, params, step.Gate.Title, step.Gate.Recommendation, actorID)
		}
	}

	level, _, err := x.Engine.ResolveAutonomy(ctx, inst.OwnerID, step.Tool)
	if err != nil {
		return false, err
	}
	if !policy.AutoExecutable(level) {
		return true, x.parkForApproval(ctx, inst, def, step, params, step.Tool, "", actorID)
	}
	if x.Engine.Config.NeverAuto(step.Tool) {
		// Resolution can never say autonomous for these; guard anyway.
		return false, fmt.Errorf("tool %s: %w", step.Tool, domain.ErrPolicyViolation)
	}
	return false, nil
}

func (x *Executor) parkForApproval(ctx context.Context, inst domain.WorkflowInstance, def Definition, step Step, params map[string]any, title, recommendation string, actorID string) error {
	idx := inst.CurrentStepIndex
	action, err := x.Engine.RaiseAction(ctx, engine.RaiseActionOptions{
		OwnerID:        inst.OwnerID,
		TaskID:         inst.TaskID,
		InstanceID:     inst.ID,
		StepIndex:      &idx,
		ToolName:       step.Tool,
		ToolParams:     params,
		Title:          title,
		Recommendation: recommendation,
		ActorID:        actorID,
	})
	if err != nil {
		return err
	}
	return x.park(ctx, inst, def, domain.GateOwnerApproval, nil, action.ID, actorID)
}

func (x *Executor) park(ctx context.Context, inst domain.WorkflowInstance, def Definition, gate domain.GateKind, wakeAt *time.Time, actionID, actorID string) error {
	now := x.now().UTC()
	inst.Status = domain.InstanceWaiting
	inst.WaitingGate = &gate
	inst.UpdatedAt = now.Format(time.RFC3339)
	if wakeAt != nil {
		w := wakeAt.UTC().Format(time.RFC3339)
		inst.WakeAt = &w
	}
	if actionID != "" {
		inst.PendingActionID = &actionID
	}
	if def.ResumeWindowMs > 0 {
		base := now
		if wakeAt != nil {
			base = wakeAt.UTC()
		}
		until := base.Add(time.Duration(def.ResumeWindowMs) * time.Millisecond).Format(time.RFC3339)
		inst.ResumableUntil = &until
	}
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := x.Engine.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := x.Engine.Events.Append(ctx, tx, events.WorkflowGateWaiting, inst.OwnerID, "workflow", inst.ID, actorID, events.EventPayload{
		"gate":       string(gate),
		"step_index": inst.CurrentStepIndex,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (x *Executor) wakeTime(inst domain.WorkflowInstance, gate *Gate) (time.Time, error) {
	if gate.WakeAtKey != "" {
		if raw, ok := inst.SubjectContext[gate.WakeAtKey]; ok {
			s, ok := raw.(string)
			if !ok {
				return time.Time{}, fmt.Errorf("context key %s is not a timestamp", gate.WakeAtKey)
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return time.Time{}, fmt.Errorf("context key %s: %w", gate.WakeAtKey, err)
			}
			return t, nil
		}
		if gate.DelayMs <= 0 {
			return time.Time{}, fmt.Errorf("context key %s missing and no delay configured", gate.WakeAtKey)
		}
	}
	return x.now().UTC().Add(time.Duration(gate.DelayMs) * time.Millisecond), nil
}

// resolveParams builds the step's parameters from its declared source, with
// static params layered on top.
func (x *Executor) resolveParams(inst domain.WorkflowInstance, step Step) (map[string]any, error) {
	params := make(map[string]any)
	switch step.Source {
	case domain.ParamsFromContext:
		if len(step.ContextKeys) == 0 {
			for k, v := range inst.SubjectContext {
				params[k] = v
			}
		} else {
			for _, k := range step.ContextKeys {
				if v, ok := inst.SubjectContext[k]; ok {
					params[k] = v
				}
			}
		}
	case domain.ParamsFromPrevious:
		if len(inst.StepResults) == 0 {
			return nil, fmt.Errorf("step %d of %s: no previous result", inst.CurrentStepIndex, inst.DefinitionName)
		}
		prev := inst.StepResults[len(inst.StepResults)-1]
		for k, v := range prev.Result {
			params[k] = v
		}
		if len(prev.Items) > 0 {
			var items []any
			for _, it := range prev.Items {
				if it.Kind == domain.OutcomeSuccess {
					items = append(items, it.Result)
				}
			}
			params["items"] = items
		}
	default:
		return nil, fmt.Errorf("step %d of %s: unknown param source %s", inst.CurrentStepIndex, inst.DefinitionName, step.Source)
	}
	for k, v := range step.StaticParams {
		params[k] = v
	}
	return params, nil
}

// executeStep invokes the step's tool, or fans out per item. The returned
// error is fatal: optional-step failures come back as a tolerated outcome
// instead.
func (x *Executor) executeStep(ctx context.Context, inst domain.WorkflowInstance, step Step) (domain.StepOutcome, error) {
	params, err := x.resolveParams(inst, step)
	if err != nil {
		return domain.StepOutcome{}, err
	}
	return x.invokeResolved(ctx, inst, step, params)
}

// invokeResolved runs the step with already-resolved params. Resume paths use
// it directly with the approved action's params.
func (x *Executor) invokeResolved(ctx context.Context, inst domain.WorkflowInstance, step Step, params map[string]any) (domain.StepOutcome, error) {
	outcome := domain.StepOutcome{
		StepIndex:   inst.CurrentStepIndex,
		ToolName:    step.Tool,
		CompletedAt: x.nowRFC3339(),
	}
	if step.PerItem {
		return x.fanOut(ctx, inst, step, params)
	}
	result, err := x.Engine.Tools.Invoke(ctx, step.Tool, params)
	if err != nil {
		wrapped := &domain.ToolExecutionError{Tool: step.Tool, Err: err}
		if step.Optional {
			outcome.Kind = domain.OutcomeFailedTolerated
			outcome.Error = wrapped.Error()
			return outcome, nil
		}
		outcome.Kind = domain.OutcomeFailedFatal
		outcome.Error = wrapped.Error()
		return outcome, wrapped
	}
	outcome.Kind = domain.OutcomeSuccess
	outcome.Result = result
	return outcome, nil
}

// fanOut runs one invocation per item concurrently. Items are independent: a
// non-optional fan-out is fatal only when every item fails.
func (x *Executor) fanOut(ctx context.Context, inst domain.WorkflowInstance, step Step, params map[string]any) (domain.StepOutcome, error) {
	outcome := domain.StepOutcome{
		StepIndex:   inst.CurrentStepIndex,
		ToolName:    step.Tool,
		CompletedAt: x.nowRFC3339(),
	}
	raw, ok := params[step.ItemsKey]
	var items []any
	if ok {
		items, _ = raw.([]any)
	}
	if len(items) == 0 {
		outcome.Kind = domain.OutcomeSuccess
		outcome.Result = map[string]any{"items": 0}
		return outcome, nil
	}
	shared := make(map[string]any, len(params))
	for k, v := range params {
		if k != step.ItemsKey {
			shared[k] = v
		}
	}
	results := make([]domain.ItemOutcome, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			itemParams := make(map[string]any, len(shared)+1)
			for k, v := range shared {
				itemParams[k] = v
			}
			itemParams["item"] = item
			res, err := x.Engine.Tools.Invoke(gctx, step.Tool, itemParams)
			if err != nil {
				results[i] = domain.ItemOutcome{Index: i, Kind: domain.OutcomeFailedTolerated, Error: err.Error()}
				return nil
			}
			results[i] = domain.ItemOutcome{Index: i, Kind: domain.OutcomeSuccess, Result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcome, err
	}
	outcome.Items = results
	succeeded := 0
	for _, r := range results {
		if r.Kind == domain.OutcomeSuccess {
			succeeded++
		}
	}
	outcome.Result = map[string]any{"items": len(items), "succeeded": succeeded}
	if succeeded == 0 && !step.Optional {
		outcome.Kind = domain.OutcomeFailedFatal
		outcome.Error = fmt.Sprintf("all %d items failed", len(items))
		return outcome, &domain.ToolExecutionError{Tool: step.Tool, Err: errors.New(outcome.Error)}
	}
	if succeeded == 0 {
		outcome.Kind = domain.OutcomeFailedTolerated
	} else {
		outcome.Kind = domain.OutcomeSuccess
	}
	return outcome, nil
}

// checkpoint appends the outcome, advances the index and, on the last step,
// completes the instance and its task. The write is one tx: the step index
// never runs ahead of its recorded outcome.
func (x *Executor) checkpoint(ctx context.Context, inst *domain.WorkflowInstance, def Definition, outcome domain.StepOutcome, actorID string) error {
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inst.StepResults = append(inst.StepResults, outcome)
	inst.CurrentStepIndex++
	inst.WaitingGate = nil
	inst.WakeAt = nil
	inst.PendingActionID = nil
	inst.ResumableUntil = nil
	inst.Status = domain.InstanceRunning
	inst.UpdatedAt = x.nowRFC3339()
	done := inst.CurrentStepIndex >= len(def.Steps)
	if done {
		inst.Status = domain.InstanceCompleted
	}
	if err := x.Engine.Repo.UpdateInstance(ctx, tx, *inst); err != nil {
		return err
	}
	if err := x.Engine.Events.Append(ctx, tx, events.WorkflowStepCompleted, inst.OwnerID, "workflow", inst.ID, actorID, events.EventPayload{
		"step_index": outcome.StepIndex,
		"tool":       outcome.ToolName,
		"kind":       string(outcome.Kind),
	}); err != nil {
		return err
	}
	if done {
		if _, err := x.Engine.SetTaskStatusTx(ctx, tx, inst.TaskID, domain.TaskCompleted, actorID); err != nil {
			return err
		}
		if err := x.Engine.Events.Append(ctx, tx, events.WorkflowCompleted, inst.OwnerID, "workflow", inst.ID, actorID, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// completeInstance settles an instance whose index already ran past the last
// step (normally unreachable; checkpoint completes inline).
func (x *Executor) completeInstance(ctx context.Context, inst domain.WorkflowInstance, actorID string) error {
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inst.Status = domain.InstanceCompleted
	inst.UpdatedAt = x.nowRFC3339()
	if err := x.Engine.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if _, err := x.Engine.SetTaskStatusTx(ctx, tx, inst.TaskID, domain.TaskCompleted, actorID); err != nil {
		return err
	}
	if err := x.Engine.Events.Append(ctx, tx, events.WorkflowCompleted, inst.OwnerID, "workflow", inst.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// failInstance marks the instance failed without compensation and cancels
// the owning task.
func (x *Executor) failInstance(ctx context.Context, inst domain.WorkflowInstance, reason, actorID string) error {
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inst.Status = domain.InstanceFailed
	inst.FailureReason = reason
	inst.WaitingGate = nil
	inst.WakeAt = nil
	inst.PendingActionID = nil
	inst.UpdatedAt = x.nowRFC3339()
	if err := x.Engine.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := x.cancelTaskTx(ctx, tx, inst, actorID); err != nil {
		return err
	}
	if err := x.Engine.Events.Append(ctx, tx, events.WorkflowFailed, inst.OwnerID, "workflow", inst.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (x *Executor) cancelTaskTx(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance, actorID string) error {
	task, err := x.Engine.Repo.GetTaskTx(ctx, tx, inst.TaskID)
	if err != nil {
		return err
	}
	if task.Terminal() {
		return nil
	}
	_, err = x.Engine.SetTaskStatusTx(ctx, tx, inst.TaskID, domain.TaskCancelled, actorID)
	return err
}

// compensateAndFinish undoes completed work in reverse order. failedComp,
// when set, is the failed or rejected step's own compensation and runs first,
// with failedParams standing in when it declares no static params. The
// instance ends compensated when at least one compensation ran, failed
// otherwise.
func (x *Executor) compensateAndFinish(ctx context.Context, inst domain.WorkflowInstance, def Definition, reason string, failedComp *Compensation, failedParams map[string]any, actorID string) error {
	// mark compensating before side effects so a crash mid-compensation is
	// visible in the record
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	inst.Status = domain.InstanceCompensating
	inst.FailureReason = reason
	inst.WaitingGate = nil
	inst.WakeAt = nil
	inst.PendingActionID = nil
	inst.UpdatedAt = x.nowRFC3339()
	if err := x.Engine.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ran := 0
	runComp := func(comp *Compensation, extra map[string]any, stepResult map[string]any) {
		if comp == nil {
			return
		}
		params := make(map[string]any)
		for k, v := range inst.SubjectContext {
			params[k] = v
		}
		for k, v := range extra {
			params[k] = v
		}
		if stepResult != nil {
			params["step_result"] = stepResult
		}
		for k, v := range comp.StaticParams {
			params[k] = v
		}
		if _, err := x.Engine.Tools.Invoke(ctx, comp.Tool, params); err != nil {
			// compensation is best effort; record and keep unwinding
			x.Log.Warn("compensation failed",
				zap.String("instance", inst.ID), zap.String("tool", comp.Tool), zap.Error(err))
			return
		}
		ran++
	}
	runComp(failedComp, failedParams, nil)
	for i := len(inst.StepResults) - 1; i >= 0; i-- {
		res := inst.StepResults[i]
		if res.Kind != domain.OutcomeSuccess {
			continue
		}
		if res.StepIndex < len(def.Steps) {
			runComp(def.Steps[res.StepIndex].Compensate, nil, res.Result)
		}
	}

	tx, err = x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if ran > 0 {
		inst.Status = domain.InstanceCompensated
	} else {
		inst.Status = domain.InstanceFailed
	}
	inst.UpdatedAt = x.nowRFC3339()
	if err := x.Engine.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := x.cancelTaskTx(ctx, tx, inst, actorID); err != nil {
		return err
	}
	evt := events.WorkflowCompensated
	if ran == 0 {
		evt = events.WorkflowFailed
	}
	if err := x.Engine.Events.Append(ctx, tx, evt, inst.OwnerID, "workflow", inst.ID, actorID, events.EventPayload{
		"reason":        reason,
		"compensations": ran,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// resumable checks the gate's resume window against the wall clock.
func resumable(inst domain.WorkflowInstance, now time.Time) error {
	if inst.ResumableUntil == nil {
		return nil
	}
	until, err := time.Parse(time.RFC3339, *inst.ResumableUntil)
	if err != nil {
		return nil
	}
	if now.UTC().After(until) {
		return fmt.Errorf("instance %s: %w", inst.ID, domain.ErrExpiredGate)
	}
	return nil
}

// ResumeFromApproval executes the gated step after its action was approved
// and drives the instance onward. Call after engine.ApproveAction succeeds
// for a workflow-bound action.
func (x *Executor) ResumeFromApproval(ctx context.Context, actionID, actorID string) error {
	action, err := x.Engine.Repo.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	if action.Status != domain.ActionApproved {
		return fmt.Errorf("action %s is %s, not approved", actionID, action.Status)
	}
	inst, err := x.Engine.Repo.GetInstanceByAction(ctx, actionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("no instance waiting on action %s: %w", actionID, repo.ErrNotFound)
		}
		return err
	}
	if err := x.claim(ctx, inst.ID); err != nil {
		return err
	}
	defer x.release(ctx, inst.ID)

	if inst.Status != domain.InstanceWaiting || inst.WaitingGate == nil || *inst.WaitingGate != domain.GateOwnerApproval {
		return fmt.Errorf("instance %s not waiting on approval", inst.ID)
	}
	def, err := x.definition(inst.DefinitionName)
	if err != nil {
		return err
	}
	if err := resumable(inst, x.now()); err != nil {
		if ferr := x.failInstance(ctx, inst, "approval outside resume window", actorID); ferr != nil {
			return ferr
		}
		return err
	}
	if expired, reason := x.durationExceeded(inst, def); expired {
		return x.compensateAndFinish(ctx, inst, def, reason, nil, nil, actorID)
	}
	step := def.Steps[inst.CurrentStepIndex]
	outcome, fatal := x.invokeResolved(ctx, inst, step, action.ToolParams)
	if fatal != nil {
		return x.compensateAndFinish(ctx, inst, def, fatal.Error(), step.Compensate, action.ToolParams, actorID)
	}
	if err := x.checkpoint(ctx, &inst, def, outcome, actorID); err != nil {
		return err
	}
	if err := x.appendResumed(ctx, inst, actorID); err != nil {
		return err
	}
	x.release(ctx, inst.ID)
	return x.Drive(ctx, inst.ID, actorID)
}

// HandleRejection compensates and closes an instance whose gated action was
// rejected. Call after engine.RejectAction succeeds for a workflow-bound
// action.
func (x *Executor) HandleRejection(ctx context.Context, actionID, actorID string) error {
	action, err := x.Engine.Repo.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	if action.Status != domain.ActionRejected {
		return fmt.Errorf("action %s is %s, not rejected", actionID, action.Status)
	}
	inst, err := x.Engine.Repo.GetInstanceByAction(ctx, actionID)
	if err != nil {
		return err
	}
	if err := x.claim(ctx, inst.ID); err != nil {
		return err
	}
	defer x.release(ctx, inst.ID)

	if inst.Terminal() {
		return nil
	}
	def, err := x.definition(inst.DefinitionName)
	if err != nil {
		return err
	}
	var rejectedComp *Compensation
	if inst.CurrentStepIndex < len(def.Steps) {
		rejectedComp = def.Steps[inst.CurrentStepIndex].Compensate
	}
	return x.compensateAndFinish(ctx, inst, def, fmt.Sprintf("step %d rejected by owner", inst.CurrentStepIndex), rejectedComp, action.ToolParams, actorID)
}

// Signal satisfies a webhook_wait gate. The payload is layered onto the
// step's resolved params under "event".
func (x *Executor) Signal(ctx context.Context, instanceID string, payload map[string]any, actorID string) error {
	if err := x.claim(ctx, instanceID); err != nil {
		return err
	}
	defer x.release(ctx, instanceID)

	inst, err := x.Engine.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != domain.InstanceWaiting || inst.WaitingGate == nil || *inst.WaitingGate != domain.GateWebhookWait {
		return fmt.Errorf("instance %s not waiting on webhook", instanceID)
	}
	def, err := x.definition(inst.DefinitionName)
	if err != nil {
		return err
	}
	if err := resumable(inst, x.now()); err != nil {
		if ferr := x.failInstance(ctx, inst, "signal outside resume window", actorID); ferr != nil {
			return ferr
		}
		return err
	}
	if expired, reason := x.durationExceeded(inst, def); expired {
		return x.compensateAndFinish(ctx, inst, def, reason, nil, nil, actorID)
	}
	step := def.Steps[inst.CurrentStepIndex]
	params, err := x.resolveParams(inst, step)
	if err != nil {
		return err
	}
	if payload != nil {
		params["event"] = payload
	}
	outcome, fatal := x.invokeResolved(ctx, inst, step, params)
	if fatal != nil {
		return x.compensateAndFinish(ctx, inst, def, fatal.Error(), step.Compensate, params, actorID)
	}
	if err := x.checkpoint(ctx, &inst, def, outcome, actorID); err != nil {
		return err
	}
	if err := x.appendResumed(ctx, inst, actorID); err != nil {
		return err
	}
	x.release(ctx, instanceID)
	return x.Drive(ctx, instanceID, actorID)
}

// WakeDue resumes schedule_wait instances whose wake time has passed.
// Returns the number of instances advanced.
func (x *Executor) WakeDue(ctx context.Context, actorID string) (int, error) {
	due, err := x.Engine.Repo.DueInstances(ctx, x.nowRFC3339(), 50)
	if err != nil {
		return 0, err
	}
	woken := 0
	for _, inst := range due {
		if inst.WaitingGate == nil || *inst.WaitingGate != domain.GateScheduleWait {
			continue
		}
		if err := x.wakeOne(ctx, inst.ID, actorID); err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				continue
			}
			x.Log.Warn("wake failed", zap.String("instance", inst.ID), zap.Error(err))
			continue
		}
		woken++
	}
	return woken, nil
}

func (x *Executor) wakeOne(ctx context.Context, instanceID, actorID string) error {
	if err := x.claim(ctx, instanceID); err != nil {
		return err
	}
	defer x.release(ctx, instanceID)

	inst, err := x.Engine.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != domain.InstanceWaiting || inst.WaitingGate == nil || *inst.WaitingGate != domain.GateScheduleWait {
		return nil
	}
	if inst.WakeAt == nil {
		return nil
	}
	wake, err := time.Parse(time.RFC3339, *inst.WakeAt)
	if err != nil {
		return err
	}
	if x.now().UTC().Before(wake) {
		return nil
	}
	def, err := x.definition(inst.DefinitionName)
	if err != nil {
		return err
	}
	if expired, reason := x.durationExceeded(inst, def); expired {
		return x.compensateAndFinish(ctx, inst, def, reason, nil, nil, actorID)
	}
	step := def.Steps[inst.CurrentStepIndex]
	outcome, fatal := x.executeStep(ctx, inst, step)
	if fatal != nil {
		failedParams, _ := x.resolveParams(inst, step)
		return x.compensateAndFinish(ctx, inst, def, fatal.Error(), step.Compensate, failedParams, actorID)
	}
	if err := x.checkpoint(ctx, &inst, def, outcome, actorID); err != nil {
		return err
	}
	if err := x.appendResumed(ctx, inst, actorID); err != nil {
		return err
	}
	x.release(ctx, instanceID)
	return x.Drive(ctx, instanceID, actorID)
}

func (x *Executor) appendResumed(ctx context.Context, inst domain.WorkflowInstance, actorID string) error {
	tx, err := x.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := x.Engine.Events.Append(ctx, tx, events.WorkflowResumed, inst.OwnerID, "workflow", inst.ID, actorID, events.EventPayload{
		"step_index": inst.CurrentStepIndex,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
