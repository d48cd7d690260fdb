package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/workflow"
)

type call struct {
	Tool   string
	Params map[string]any
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []call
	failFn func(tool string, params map[string]any) error
}

func (f *fakeInvoker) Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Tool: toolName, Params: params})
	failFn := f.failFn
	f.mu.Unlock()
	if failFn != nil {
		if err := failFn(toolName, params); err != nil {
			return nil, err
		}
	}
	return map[string]any{"ok": true, "tool": toolName}, nil
}

func (f *fakeInvoker) callsFor(tool string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine   engine.Engine
	Executor *workflow.Executor
	Tools    *fakeInvoker
	Clock    *clock
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("owner-1")
	eng := engine.New(conn, cfg)
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng.Now = clk.now
	inv := &fakeInvoker{}
	eng.Tools = inv
	return testEnv{
		Engine:   eng,
		Executor: workflow.NewExecutor(eng, nil),
		Tools:    inv,
		Clock:    clk,
		Ctx:      context.Background(),
	}
}

// trust lets ungated steps of the given categories run unattended so tests
// can focus on declared gates.
func (env testEnv) trust(t *testing.T, cats ...domain.ToolCategory) {
	t.Helper()
	for _, cat := range cats {
		if _, err := env.Engine.SetOverride(env.Ctx, "owner-1", cat, domain.LevelAutonomous, "owner-1"); err != nil {
			t.Fatalf("set override %s: %v", cat, err)
		}
	}
}

func (env testEnv) instance(t *testing.T, id string) domain.WorkflowInstance {
	t.Helper()
	inst, err := env.Engine.Repo.GetInstance(env.Ctx, id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	return inst
}

func (env testEnv) task(t *testing.T, id string) domain.AgentTask {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (env testEnv) approveAndResume(t *testing.T, inst domain.WorkflowInstance) {
	t.Helper()
	if inst.PendingActionID == nil {
		t.Fatalf("instance %s has no pending action", inst.ID)
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, *inst.PendingActionID, "owner-1", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.Executor.ResumeFromApproval(env.Ctx, *inst.PendingActionID, "owner-1"); err != nil {
		t.Fatalf("resume from approval: %v", err)
	}
}

func TestMaintenanceLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"request_id":  "m-1",
		"contractors": []any{map[string]any{"id": "c-1"}, map[string]any{"id": "c-2"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// parked on the work-order approval gate
	if inst.Status != domain.InstanceWaiting || inst.WaitingGate == nil || *inst.WaitingGate != domain.GateOwnerApproval {
		t.Fatalf("expected owner_approval park, got %+v", inst)
	}
	quoteCalls := env.Tools.callsFor("request_quotes")
	if len(quoteCalls) != 2 {
		t.Fatalf("request_quotes fan-out ran %d times, want 2", len(quoteCalls))
	}
	for _, c := range quoteCalls {
		if _, ok := c.Params["item"]; !ok {
			t.Fatalf("fan-out call missing item param: %+v", c.Params)
		}
	}

	env.approveAndResume(t, inst)

	// now parked on the completion webhook
	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceWaiting || *inst.WaitingGate != domain.GateWebhookWait {
		t.Fatalf("expected webhook_wait park, got %+v", inst)
	}

	if err := env.Executor.Signal(env.Ctx, inst.ID, map[string]any{"job": "done"}, "webhook"); err != nil {
		t.Fatalf("signal: %v", err)
	}

	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceCompleted {
		t.Fatalf("instance status %s, want completed", inst.Status)
	}
	if env.task(t, inst.TaskID).Status != domain.TaskCompleted {
		t.Fatalf("task not completed")
	}

	// the webhook payload reached the gated step under "event"
	confirm := env.Tools.callsFor("confirm_completion")
	if len(confirm) != 1 {
		t.Fatalf("confirm_completion ran %d times", len(confirm))
	}
	event, ok := confirm[0].Params["event"].(map[string]any)
	if !ok || event["job"] != "done" {
		t.Fatalf("webhook payload not delivered: %+v", confirm[0].Params)
	}

	// final status update ran with its static params
	updates := env.Tools.callsFor("update_maintenance_status")
	if len(updates) != 1 || updates[0].Params["status"] != "completed" {
		t.Fatalf("final status update wrong: %+v", updates)
	}
}

func TestRejectedWorkOrderCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"request_id":  "m-2",
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.PendingActionID == nil {
		t.Fatalf("no pending action at work-order gate")
	}
	if _, err := env.Engine.RejectAction(env.Ctx, *inst.PendingActionID, "owner-1", "too expensive"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := env.Executor.HandleRejection(env.Ctx, *inst.PendingActionID, "owner-1"); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}

	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceCompensated {
		t.Fatalf("instance status %s, want compensated", inst.Status)
	}
	if env.task(t, inst.TaskID).Status != domain.TaskCancelled {
		t.Fatalf("task not cancelled after compensation")
	}

	// the rejected step's own compensation ran with its static params
	updates := env.Tools.callsFor("update_maintenance_status")
	if len(updates) != 1 || updates[0].Params["status"] != "cancelled" {
		t.Fatalf("cancellation compensation wrong: %+v", updates)
	}
	// create_work_order itself never ran
	if len(env.Tools.callsFor("create_work_order")) != 0 {
		t.Fatalf("rejected tool was invoked")
	}
}

func TestArrearsScheduleWaitWakes(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryGenerate, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_arrears_escalation", "owner-1", map[string]any{
		"tenancy_id": "t-1",
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// check_balance and the reminder ran; the grace period parks the saga
	if inst.Status != domain.InstanceWaiting || *inst.WaitingGate != domain.GateScheduleWait {
		t.Fatalf("expected schedule_wait park, got %+v", inst)
	}
	if inst.WakeAt == nil {
		t.Fatalf("no wake_at on schedule gate")
	}
	wake, err := time.Parse(time.RFC3339, *inst.WakeAt)
	if err != nil {
		t.Fatalf("parse wake_at: %v", err)
	}
	if want := env.Clock.now().Add(7 * 24 * time.Hour).UTC(); !wake.Equal(want) {
		t.Fatalf("wake_at %s, want %s", wake, want)
	}

	// nothing due yet
	woken, err := env.Executor.WakeDue(env.Ctx, "scheduler")
	if err != nil || woken != 0 {
		t.Fatalf("premature wake: %d %v", woken, err)
	}

	env.Clock.advance(7*24*time.Hour + time.Hour)
	woken, err = env.Executor.WakeDue(env.Ctx, "scheduler")
	if err != nil {
		t.Fatalf("wake due: %v", err)
	}
	if woken != 1 {
		t.Fatalf("woken %d, want 1", woken)
	}
	if len(env.Tools.callsFor("recheck_balance")) != 1 {
		t.Fatalf("recheck_balance not invoked on wake")
	}

	// next stop is the formal-notice approval gate
	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceWaiting || *inst.WaitingGate != domain.GateOwnerApproval {
		t.Fatalf("expected owner_approval park after wake, got %+v", inst)
	}

	env.approveAndResume(t, inst)

	// escalation is never-auto, so it gates again even with overrides
	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceWaiting || *inst.WaitingGate != domain.GateOwnerApproval {
		t.Fatalf("expected escalation gate, got %+v", inst)
	}
	env.approveAndResume(t, inst)

	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceCompleted {
		t.Fatalf("instance status %s, want completed", inst.Status)
	}
}

func TestExpiredResumeWindowFailsInstance(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.PendingActionID == nil {
		t.Fatalf("no pending action")
	}

	// the 7 day resume window lapses before the owner reacts
	env.Clock.advance(8 * 24 * time.Hour)
	if _, err := env.Engine.ApproveAction(env.Ctx, *inst.PendingActionID, "owner-1", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err = env.Executor.ResumeFromApproval(env.Ctx, *inst.PendingActionID, "owner-1")
	if !errors.Is(err, domain.ErrExpiredGate) {
		t.Fatalf("resume after window: %v", err)
	}
	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceFailed {
		t.Fatalf("instance status %s, want failed", inst.Status)
	}
	if env.task(t, inst.TaskID).Status != domain.TaskCancelled {
		t.Fatalf("task not cancelled")
	}
	// expiry never triggers compensation
	if len(env.Tools.callsFor("update_maintenance_status")) != 0 {
		t.Fatalf("compensation ran on expiry")
	}
}

func TestMaxDurationFailsWhenNothingToCompensate(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryGenerate, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_arrears_escalation", "owner-1", map[string]any{
		"tenancy_id": "t-2",
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if *inst.WaitingGate != domain.GateScheduleWait {
		t.Fatalf("expected schedule gate, got %+v", inst)
	}

	// blow past the 45 day overall bound, then wake. None of the completed
	// steps declares a compensation, so the unwind has nothing to run and
	// the instance ends failed.
	env.Clock.advance(50 * 24 * time.Hour)
	if _, err := env.Executor.WakeDue(env.Ctx, "scheduler"); err != nil {
		t.Fatalf("wake due: %v", err)
	}
	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceFailed {
		t.Fatalf("instance status %s, want failed", inst.Status)
	}
	if inst.FailureReason == "" {
		t.Fatalf("no failure reason recorded")
	}
	if env.task(t, inst.TaskID).Status != domain.TaskCancelled {
		t.Fatalf("task not cancelled on duration expiry")
	}
}

func TestMaxDurationExpiryCompensatesCompletedWork(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"request_id":  "m-5",
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// approve the work order under manual control so the driver yields with
	// the compensatable step already checkpointed
	if _, err := env.Engine.TakeControl(env.Ctx, inst.TaskID, "owner-1"); err != nil {
		t.Fatalf("take control: %v", err)
	}
	env.approveAndResume(t, inst)
	if _, err := env.Engine.ResumeTask(env.Ctx, inst.TaskID, "owner-1"); err != nil {
		t.Fatalf("resume task: %v", err)
	}

	// the 21 day bound lapses before the driver picks the saga back up
	env.Clock.advance(22 * 24 * time.Hour)
	if err := env.Executor.Drive(env.Ctx, inst.ID, "agent"); err != nil {
		t.Fatalf("drive: %v", err)
	}

	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceCompensated {
		t.Fatalf("instance status %s, want compensated", inst.Status)
	}
	if env.task(t, inst.TaskID).Status != domain.TaskCancelled {
		t.Fatalf("task not cancelled")
	}
	updates := env.Tools.callsFor("update_maintenance_status")
	if len(updates) != 1 || updates[0].Params["status"] != "cancelled" {
		t.Fatalf("work order not compensated on expiry: %+v", updates)
	}
}

func TestFailedWorkOrderRunsOwnCompensation(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	env.Tools.failFn = func(tool string, params map[string]any) error {
		if tool == "create_work_order" {
			return fmt.Errorf("work order system down")
		}
		return nil
	}
	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"request_id":  "m-6",
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	env.approveAndResume(t, inst)

	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceCompensated {
		t.Fatalf("instance status %s, want compensated", inst.Status)
	}
	if env.task(t, inst.TaskID).Status != domain.TaskCancelled {
		t.Fatalf("task not cancelled")
	}
	// the failed step's own compensation ran even though the step never
	// checkpointed
	if got := len(env.Tools.callsFor("create_work_order")); got != 1 {
		t.Fatalf("create_work_order attempted %d times, want 1", got)
	}
	updates := env.Tools.callsFor("update_maintenance_status")
	if len(updates) != 1 || updates[0].Params["status"] != "cancelled" {
		t.Fatalf("failed step not compensated: %+v", updates)
	}
}

func TestFatalStepCompensatesItselfAndUnwinds(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	env.Tools.failFn = func(tool string, params map[string]any) error {
		if tool == "collect_deposit" {
			return fmt.Errorf("payment provider down")
		}
		return nil
	}
	inst, err := env.Executor.Start(env.Ctx, "workflow_tenant_onboarding", "owner-1", map[string]any{
		"property_id":    "p-1",
		"applicant_id":   "a-1",
		"terms":          map[string]any{"rent": 1200},
		"deposit_amount": 1500,
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// through the agreement approval and the signature webhook; the deposit
	// step then fails fatally mid-drive
	env.approveAndResume(t, inst)
	inst = env.instance(t, inst.ID)
	if *inst.WaitingGate != domain.GateWebhookWait {
		t.Fatalf("expected signature webhook gate, got %+v", inst)
	}
	if err := env.Executor.Signal(env.Ctx, inst.ID, map[string]any{"signed": true}, "webhook"); err != nil {
		t.Fatalf("signal: %v", err)
	}

	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceCompensated {
		t.Fatalf("instance status %s, want compensated", inst.Status)
	}
	// the failed step's own compensation ran first, then the signed
	// agreement was voided in reverse order
	if got := len(env.Tools.callsFor("refund_deposit")); got != 1 {
		t.Fatalf("refund_deposit ran %d times, want 1", got)
	}
	if got := len(env.Tools.callsFor("void_agreement")); got != 1 {
		t.Fatalf("void_agreement ran %d times, want 1", got)
	}
}

func TestFanOutFatalOnlyWhenAllFail(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	// one contractor fails, one succeeds: the step survives
	env.Tools.failFn = func(tool string, params map[string]any) error {
		if tool != "request_quotes" {
			return nil
		}
		item, _ := params["item"].(map[string]any)
		if item != nil && item["id"] == "bad" {
			return fmt.Errorf("contractor unreachable")
		}
		return nil
	}
	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"contractors": []any{map[string]any{"id": "bad"}, map[string]any{"id": "good"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.Status != domain.InstanceWaiting || *inst.WaitingGate != domain.GateOwnerApproval {
		t.Fatalf("partial fan-out failure should not stop the saga: %+v", inst)
	}

	// every contractor failing is fatal
	env2 := newTestEnv(t)
	env2.trust(t, domain.CategoryAction, domain.CategoryIntegration)
	env2.Tools.failFn = func(tool string, params map[string]any) error {
		if tool == "request_quotes" {
			return fmt.Errorf("contractor unreachable")
		}
		return nil
	}
	inst2, err := env2.Executor.Start(env2.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"contractors": []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// no successful compensatable step before the failure, so it just fails
	if inst2.Status != domain.InstanceFailed {
		t.Fatalf("instance status %s, want failed", inst2.Status)
	}
	if env2.task(t, inst2.TaskID).Status != domain.TaskCancelled {
		t.Fatalf("task not cancelled")
	}
}

func TestManualOverrideStopsDriverAtBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.TakeControl(env.Ctx, inst.TaskID, "owner-1"); err != nil {
		t.Fatalf("take control: %v", err)
	}

	// approval still lands, the gated step executes, then the driver yields
	env.approveAndResume(t, inst)
	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceRunning {
		t.Fatalf("instance status %s, want running (driver parked by override)", inst.Status)
	}
	if len(env.Tools.callsFor("schedule_contractor")) != 0 {
		t.Fatalf("driver advanced past boundary under manual control")
	}

	// handing control back lets the driver continue to the webhook gate
	if _, err := env.Engine.ResumeTask(env.Ctx, inst.TaskID, "owner-1"); err != nil {
		t.Fatalf("resume task: %v", err)
	}
	if err := env.Executor.Drive(env.Ctx, inst.ID, "agent"); err != nil {
		t.Fatalf("drive: %v", err)
	}
	inst = env.instance(t, inst.ID)
	if inst.Status != domain.InstanceWaiting || *inst.WaitingGate != domain.GateWebhookWait {
		t.Fatalf("expected webhook gate after resume, got %+v", inst)
	}
}

func TestClaimConflict(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// another driver holds an unexpired claim
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := env.Clock.now().UTC()
	ok, err := env.Engine.Repo.ClaimInstance(env.Ctx, tx, inst.ID, "other-driver",
		now.Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	if err != nil || !ok {
		t.Fatalf("seed foreign claim: %v %v", ok, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := env.Executor.Drive(env.Ctx, inst.ID, "agent"); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("drive under foreign claim: %v", err)
	}

	// an expired claim is taken over
	env.Clock.advance(2 * time.Hour)
	if err := env.Executor.Drive(env.Ctx, inst.ID, "agent"); err != nil {
		t.Fatalf("drive after claim expiry: %v", err)
	}
}

func TestCheckpointSurvivesDriverRestart(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(inst.StepResults) != 2 {
		t.Fatalf("checkpointed %d steps before gate, want 2", len(inst.StepResults))
	}

	// a fresh executor on the same database picks up where the old one left off
	replacement := workflow.NewExecutor(env.Engine, nil)
	if inst.PendingActionID == nil {
		t.Fatalf("no pending action")
	}
	if _, err := env.Engine.ApproveAction(env.Ctx, *inst.PendingActionID, "owner-1", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := replacement.ResumeFromApproval(env.Ctx, *inst.PendingActionID, "owner-1"); err != nil {
		t.Fatalf("resume with new driver: %v", err)
	}
	inst = env.instance(t, inst.ID)
	// the approved step and the one after it ran, parking on the webhook
	if inst.CurrentStepIndex != 4 {
		t.Fatalf("step index %d, want 4", inst.CurrentStepIndex)
	}
	if inst.Status != domain.InstanceWaiting || *inst.WaitingGate != domain.GateWebhookWait {
		t.Fatalf("expected webhook gate, got %+v", inst)
	}
	// triage and fan-out results were not re-executed
	if got := len(env.Tools.callsFor("triage_request")); got != 1 {
		t.Fatalf("triage_request ran %d times", got)
	}
}

func TestSignalWrongGateRefused(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, domain.CategoryAction, domain.CategoryIntegration)

	inst, err := env.Executor.Start(env.Ctx, "workflow_maintenance_lifecycle", "owner-1", map[string]any{
		"contractors": []any{map[string]any{"id": "c-1"}},
	}, "agent")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// parked on owner_approval, not webhook_wait
	if err := env.Executor.Signal(env.Ctx, inst.ID, map[string]any{"x": 1}, "webhook"); err == nil {
		t.Fatalf("signal accepted on wrong gate")
	}
}
