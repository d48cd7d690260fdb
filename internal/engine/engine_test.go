package engine_test

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
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeInvoker) Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolName)
	f.mu.Unlock()
	if err, ok := f.fail[toolName]; ok {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeInvoker) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

type testEnv struct {
	Engine engine.Engine
	Tools  *fakeInvoker
	Ctx    context.Context
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
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	inv := &fakeInvoker{fail: map[string]error{}}
	eng.Tools = inv
	return testEnv{Engine: eng, Tools: inv, Ctx: context.Background()}
}

func raiseAdHoc(t *testing.T, env testEnv, tool string) domain.PendingAction {
	t.Helper()
	_, action, err := env.Engine.ExecuteTool(env.Ctx, engine.ExecuteToolOptions{
		OwnerID:  "owner-1",
		ToolName: tool,
		Params:   map[string]any{"n": 1},
		ActorID:  "agent",
	})
	if err != nil {
		t.Fatalf("execute %s: %v", tool, err)
	}
	if action == nil {
		t.Fatalf("expected %s to be gated", tool)
	}
	return *action
}

func TestTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		OwnerID: "owner-1",
		Title:   "chase arrears",
		ActorID: "agent",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.TaskScheduled {
		t.Fatalf("initial status %s", task.Status)
	}
	task, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskInProgress, "agent")
	if err != nil || task.Status != domain.TaskInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskCompleted, "agent")
	if err != nil || task.Status != domain.TaskCompleted {
		t.Fatalf("to completed: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed task has no completed_at")
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskInProgress, "agent"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("terminal task restart: %v", err)
	}

	// scheduled cannot jump straight to completed
	task2, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{OwnerID: "owner-1", Title: "t2", ActorID: "agent"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, task2.ID, domain.TaskCompleted, "agent"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("scheduled to completed: %v", err)
	}
}

func TestOneOpenActionPerTask(t *testing.T) {
	env := newTestEnv(t)
	action := raiseAdHoc(t, env, "send_message")
	_, err := env.Engine.RaiseAction(env.Ctx, engine.RaiseActionOptions{
		OwnerID:  "owner-1",
		TaskID:   *action.TaskID,
		ToolName: "publish_listing",
		ActorID:  "agent",
	})
	if !errors.Is(err, domain.ErrDuplicateAction) {
		t.Fatalf("second raise on task: %v", err)
	}
}

func TestIdempotentResolution(t *testing.T) {
	env := newTestEnv(t)
	action := raiseAdHoc(t, env, "send_message")

	a1, err := env.Engine.ApproveAction(env.Ctx, action.ID, "owner-1", "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a1.Status != domain.ActionApproved {
		t.Fatalf("status %s", a1.Status)
	}
	// re-approving an approved action is a no-op
	a2, err := env.Engine.ApproveAction(env.Ctx, action.ID, "owner-1", "ok again")
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if a2.Status != domain.ActionApproved {
		t.Fatalf("re-approve status %s", a2.Status)
	}
	if got := env.Tools.count("send_message"); got != 1 {
		t.Fatalf("tool invoked %d times, want 1", got)
	}
	// flipping the decision is a conflict
	if _, err := env.Engine.RejectAction(env.Ctx, action.ID, "owner-1", "changed my mind"); err == nil {
		t.Fatalf("expected conflict on reject after approve")
	}
}

func TestGraduationLadder(t *testing.T) {
	env := newTestEnv(t)

	// send_message has a per-tool threshold of 2.
	for i := 0; i < 2; i++ {
		action := raiseAdHoc(t, env, "send_message")
		if _, err := env.Engine.ApproveAction(env.Ctx, action.ID, "owner-1", ""); err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
	}
	g, err := env.Engine.Repo.GetGraduation(env.Ctx, "owner-1", domain.CategoryAction)
	if err != nil {
		t.Fatalf("get graduation: %v", err)
	}
	if g.GraduationThreshold != 2 {
		t.Fatalf("threshold %d, want 2", g.GraduationThreshold)
	}
	if !g.Eligible() {
		t.Fatalf("not eligible after %d approvals (threshold %d)", g.ConsecutiveApprovals, g.EffectiveThreshold())
	}

	// eligibility alone never changes behavior: the next call is still gated
	action := raiseAdHoc(t, env, "send_message")
	if _, err := env.Engine.RejectAction(env.Ctx, action.ID, "owner-1", "cleanup"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// rejection resets the streak and backs the threshold off
	g, err = env.Engine.Repo.GetGraduation(env.Ctx, "owner-1", domain.CategoryAction)
	if err != nil {
		t.Fatal(err)
	}
	if g.ConsecutiveApprovals != 0 {
		t.Fatalf("streak %d after rejection", g.ConsecutiveApprovals)
	}
	if g.BackoffMultiplier != 1.5 {
		t.Fatalf("multiplier %v, want 1.5", g.BackoffMultiplier)
	}
	if g.EffectiveThreshold() != 3 {
		t.Fatalf("effective threshold %d, want ceil(2*1.5)=3", g.EffectiveThreshold())
	}
}

func TestAcceptGraduationGrantsAutonomy(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		action := raiseAdHoc(t, env, "send_message")
		if _, err := env.Engine.ApproveAction(env.Ctx, action.ID, "owner-1", ""); err != nil {
			t.Fatal(err)
		}
	}
	g, err := env.Engine.AcceptGraduation(env.Ctx, "owner-1", domain.CategoryAction, "owner-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if g.CurrentLevel != domain.LevelAutonomous {
		t.Fatalf("level %s, want autonomous", g.CurrentLevel)
	}
	if g.ConsecutiveApprovals != 0 {
		t.Fatalf("streak %d after accept", g.ConsecutiveApprovals)
	}

	// the earned trust takes effect immediately: the next invocation runs
	// with no pending action
	result, action, err := env.Engine.ExecuteTool(env.Ctx, engine.ExecuteToolOptions{
		OwnerID:  "owner-1",
		ToolName: "send_message",
		ActorID:  "agent",
	})
	if err != nil {
		t.Fatalf("execute after accept: %v", err)
	}
	if action != nil || result == nil {
		t.Fatalf("send_message still gated after accept: action=%+v", action)
	}
	if got := env.Tools.count("send_message"); got != 3 {
		t.Fatalf("send_message invoked %d times, want 3 (two approved + one autonomous)", got)
	}

	// an autonomous category has nothing left to accept
	if _, err := env.Engine.AcceptGraduation(env.Ctx, "owner-1", domain.CategoryAction, "owner-1"); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("re-accept: %v", err)
	}
}

func TestSetOverrideOnFreshWorkspace(t *testing.T) {
	env := newTestEnv(t)

	// first write for this owner: the owner row must be created alongside
	// the override or the foreign key rejects it
	o, err := env.Engine.SetOverride(env.Ctx, "owner-1", domain.CategoryGenerate, domain.LevelAutonomous, "owner-1")
	if err != nil {
		t.Fatalf("set override on fresh workspace: %v", err)
	}
	if o.Level != domain.LevelAutonomous {
		t.Fatalf("level %s", o.Level)
	}
	got, err := env.Engine.Repo.GetOverride(env.Ctx, "owner-1", domain.CategoryGenerate)
	if err != nil {
		t.Fatalf("read back override: %v", err)
	}
	if got.Level != domain.LevelAutonomous {
		t.Fatalf("stored level %s", got.Level)
	}
	owners, err := env.Engine.Repo.ListOwners(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 || owners[0] != "owner-1" {
		t.Fatalf("owners after override: %v", owners)
	}
}

func TestDeclineGraduationBacksOff(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		action := raiseAdHoc(t, env, "send_message")
		if _, err := env.Engine.ApproveAction(env.Ctx, action.ID, "owner-1", ""); err != nil {
			t.Fatal(err)
		}
	}
	g, err := env.Engine.DeclineGraduation(env.Ctx, "owner-1", domain.CategoryAction, "owner-1")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if g.CurrentLevel != domain.LevelDraft {
		t.Fatalf("level changed on decline: %s", g.CurrentLevel)
	}
	if g.ConsecutiveApprovals != 0 || g.BackoffMultiplier != 1.5 {
		t.Fatalf("decline did not reset+backoff: streak=%d mult=%v", g.ConsecutiveApprovals, g.BackoffMultiplier)
	}
}

func TestBackoffMultiplierCaps(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		action := raiseAdHoc(t, env, "send_message")
		if _, err := env.Engine.RejectAction(env.Ctx, action.ID, "owner-1", "no"); err != nil {
			t.Fatalf("reject %d: %v", i, err)
		}
	}
	g, err := env.Engine.Repo.GetGraduation(env.Ctx, "owner-1", domain.CategoryAction)
	if err != nil {
		t.Fatal(err)
	}
	if g.BackoffMultiplier != 8.0 {
		t.Fatalf("multiplier %v, want cap 8.0", g.BackoffMultiplier)
	}
}

func TestExecuteToolRespectsOverrides(t *testing.T) {
	env := newTestEnv(t)

	// autonomous override lets a plain action run unattended
	if _, err := env.Engine.SetOverride(env.Ctx, "owner-1", domain.CategoryAction, domain.LevelAutonomous, "owner-1"); err != nil {
		t.Fatalf("set override: %v", err)
	}
	result, action, err := env.Engine.ExecuteTool(env.Ctx, engine.ExecuteToolOptions{
		OwnerID:  "owner-1",
		ToolName: "send_message",
		ActorID:  "agent",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if action != nil || result == nil {
		t.Fatalf("override did not auto-execute: action=%+v", action)
	}

	// but never-auto tools stay gated even under the same override
	_, action, err = env.Engine.ExecuteTool(env.Ctx, engine.ExecuteToolOptions{
		OwnerID:  "owner-1",
		ToolName: "collect_payment",
		ActorID:  "agent",
	})
	if err != nil {
		t.Fatalf("execute collect_payment: %v", err)
	}
	if action == nil {
		t.Fatalf("collect_payment auto-executed despite never-auto listing")
	}
	if env.Tools.count("collect_payment") != 0 {
		t.Fatalf("collect_payment invoked without approval")
	}
}

func TestToolFailureCancelsTask(t *testing.T) {
	env := newTestEnv(t)
	env.Tools.fail["send_message"] = fmt.Errorf("smtp down")
	action := raiseAdHoc(t, env, "send_message")
	_, err := env.Engine.ApproveAction(env.Ctx, action.ID, "owner-1", "")
	var te *domain.ToolExecutionError
	if !errors.As(err, &te) {
		t.Fatalf("approve with failing tool: %v", err)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, *action.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("task status %s after tool failure", task.Status)
	}
}

func TestTakeControlAndResume(t *testing.T) {
	env := newTestEnv(t)
	action := raiseAdHoc(t, env, "send_message")
	taskID := *action.TaskID

	task, err := env.Engine.TakeControl(env.Ctx, taskID, "owner-1")
	if err != nil {
		t.Fatalf("take control: %v", err)
	}
	if task.Status != domain.TaskPaused || !task.ManualOverride {
		t.Fatalf("after take-control: %+v", task)
	}
	// idempotent
	if _, err := env.Engine.TakeControl(env.Ctx, taskID, "owner-1"); err != nil {
		t.Fatalf("second take-control: %v", err)
	}

	task, err = env.Engine.ResumeTask(env.Ctx, taskID, "owner-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	// the open action pulls the task back to pending_input
	if task.Status != domain.TaskPendingInput || task.ManualOverride {
		t.Fatalf("after resume: %+v", task)
	}
}
