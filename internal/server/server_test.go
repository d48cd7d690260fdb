package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/repo"
	"steward/internal/tools"
	"steward/internal/workflow"
)

const (
	testOwner  = "owner-1"
	testSecret = "test-secret"
)

type toolLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *toolLog) record(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *toolLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

type testServer struct {
	URL    string
	engine engine.Engine
	calls  *toolLog
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testOwner)
	e := engine.New(conn, cfg)

	calls := &toolLog{}
	reg := tools.NewRegistry(cfg)
	for name := range cfg.Tools.Catalog {
		name := name
		reg.MustRegister(name, func(ctx context.Context, params map[string]any) (map[string]any, error) {
			calls.record(name)
			return map[string]any{"ok": true, "tool": name}, nil
		})
	}
	e.Tools = reg

	x := workflow.NewExecutor(e, nil)
	handler, err := New(Config{
		Engine:   e,
		Executor: x,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		calls:  calls,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, owner string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: owner}).
		SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, testOwner)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated tasks status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	rawKey := "steward-test-key"
	tx, err := srv.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := srv.engine.Repo.EnsureOwner(ctx, tx, testOwner, "", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	err = srv.engine.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.NewString(),
		OwnerID:   testOwner,
		Name:      "test",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"X-Api-Key": rawKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status with api key %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bad key %d: %s", res.StatusCode, string(data))
	}
}

func TestExecuteAutonomousTool(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tools/fetch_property_details/execute", map[string]any{
		"params": map[string]any{"property_id": "p-1"},
	}, authHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var out ExecuteToolResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Executed || out.Result == nil || out.Action != nil {
		t.Fatalf("expected immediate execution, got %+v", out)
	}
}

func TestGatedToolApproveCompletesTask(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tools/send_message/execute", map[string]any{
		"params": map[string]any{"to": "tenant-1", "body": "hello"},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var out ExecuteToolResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Executed || out.Action == nil {
		t.Fatalf("expected a pending action, got %+v", out)
	}
	if out.Action.Status != domain.ActionPending {
		t.Fatalf("action status %s", out.Action.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/actions/"+out.Action.ID+"/approve", map[string]any{
		"reason": "looks fine",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved domain.PendingAction
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if approved.Status != domain.ActionApproved {
		t.Fatalf("approved status %s", approved.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks/"+*approved.TaskID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.AgentTask
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("task status %s, want completed", task.Status)
	}

	// The approval feeds the graduation streak for the action category.
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/graduations", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("graduations status %d: %s", res.StatusCode, string(data))
	}
	var grads []GraduationResponse
	if err := json.Unmarshal(data, &grads); err != nil {
		t.Fatalf("unmarshal graduations: %v", err)
	}
	found := false
	for _, g := range grads {
		if g.Category == domain.CategoryAction {
			found = true
			if g.ConsecutiveApprovals != 1 {
				t.Fatalf("streak %d, want 1", g.ConsecutiveApprovals)
			}
		}
	}
	if !found {
		t.Fatalf("no action graduation record in %s", string(data))
	}
}

func TestRejectGatedToolBacksOff(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t)

	_, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tools/send_message/execute", map[string]any{
		"params": map[string]any{"to": "tenant-1"},
	}, headers)
	var out ExecuteToolResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Action == nil {
		t.Fatalf("expected pending action: %s", string(data))
	}

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/actions/"+out.Action.ID+"/reject", map[string]any{
		"reason": "not now",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tasks/"+*out.Action.TaskID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.AgentTask
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("task status %s, want cancelled", task.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/graduations", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("graduations status %d: %s", res.StatusCode, string(data))
	}
	var grads []GraduationResponse
	if err := json.Unmarshal(data, &grads); err != nil {
		t.Fatalf("unmarshal graduations: %v", err)
	}
	for _, g := range grads {
		if g.Category == domain.CategoryAction {
			if g.ConsecutiveApprovals != 0 {
				t.Fatalf("streak %d, want 0", g.ConsecutiveApprovals)
			}
			if g.BackoffMultiplier != 1.5 {
				t.Fatalf("backoff %v, want 1.5", g.BackoffMultiplier)
			}
			return
		}
	}
	t.Fatalf("no action graduation record in %s", string(data))
}

func TestArrearsWorkflowGatesOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/workflows/workflow_arrears_escalation/instances", map[string]any{
		"subject": map[string]any{"tenancy_id": "t-9"},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var inst domain.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	// check_balance is autonomous; send_payment_reminder needs approval.
	if inst.Status != domain.InstanceWaiting {
		t.Fatalf("instance status %s, want waiting_on_gate: %s", inst.Status, string(data))
	}
	if inst.WaitingGate == nil || *inst.WaitingGate != domain.GateOwnerApproval {
		t.Fatalf("waiting gate %+v, want owner_approval", inst.WaitingGate)
	}
	if inst.PendingActionID == nil {
		t.Fatalf("no pending action on parked instance")
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/actions/"+*inst.PendingActionID+"/approve", map[string]any{}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/instances/"+inst.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	// After the reminder runs the grace-period schedule gate parks the saga.
	if inst.Status != domain.InstanceWaiting {
		t.Fatalf("instance status %s, want waiting_on_gate: %s", inst.Status, string(data))
	}
	if inst.WaitingGate == nil || *inst.WaitingGate != domain.GateScheduleWait {
		t.Fatalf("waiting gate %+v, want schedule_wait", inst.WaitingGate)
	}
	if inst.WakeAt == nil {
		t.Fatalf("schedule gate parked without wake_at")
	}

	invoked := srv.calls.names()
	want := map[string]bool{"check_balance": false, "send_payment_reminder": false}
	for _, name := range invoked {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("tool %s never invoked (calls: %v)", name, invoked)
		}
	}
}

func TestOwnerScoping(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeaders(t)

	_, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/tools/send_message/execute", map[string]any{
		"params": map[string]any{"to": "tenant-1"},
	}, headers)
	var out ExecuteToolResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Action == nil {
		t.Fatalf("expected pending action: %s", string(data))
	}

	other := map[string]string{"Authorization": "Bearer " + signToken(t, "owner-2")}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/actions/"+out.Action.ID, nil, other)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-owner read status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/actions/"+out.Action.ID+"/approve", map[string]any{}, other)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-owner approve status %d: %s", res.StatusCode, string(data))
	}
}
