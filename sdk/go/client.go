package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Steward HTTP API client covering the approval
// surface: pending actions, task control, and workflow signalling. The
// owner is implied by the credential.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Action represents a pending action (partial).
type Action struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	TaskID         *string        `json:"task_id,omitempty"`
	InstanceID     *string        `json:"instance_id,omitempty"`
	ToolName       string         `json:"tool_name"`
	ToolParams     map[string]any `json:"tool_params,omitempty"`
	Category       string         `json:"category"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Status         string         `json:"status"`
	CreatedAt      string         `json:"created_at"`
}

// Task represents an agent task (partial).
type Task struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	Title          string `json:"title"`
	Category       string `json:"category"`
	Status         string `json:"status"`
	ManualOverride bool   `json:"manual_override"`
	UpdatedAt      string `json:"updated_at"`
}

// Instance represents a workflow instance (partial).
type Instance struct {
	ID               string  `json:"id"`
	DefinitionName   string  `json:"definition_name"`
	OwnerID          string  `json:"owner_id"`
	TaskID           string  `json:"task_id"`
	CurrentStepIndex int     `json:"current_step_index"`
	Status           string  `json:"status"`
	WaitingGate      *string `json:"waiting_gate,omitempty"`
	WakeAt           *string `json:"wake_at,omitempty"`
	PendingActionID  *string `json:"pending_action_id,omitempty"`
	FailureReason    string  `json:"failure_reason,omitempty"`
}

// Graduation represents a graduation record with resolved eligibility.
type Graduation struct {
	OwnerID              string  `json:"owner_id"`
	Category             string  `json:"category"`
	CurrentLevel         string  `json:"current_level"`
	ConsecutiveApprovals int     `json:"consecutive_approvals"`
	GraduationThreshold  int     `json:"graduation_threshold"`
	BackoffMultiplier    float64 `json:"backoff_multiplier"`
	EffectiveThreshold   int     `json:"effective_threshold"`
	Eligible             bool    `json:"eligible"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Actions lists pending actions. Pass an empty status for all.
func (c *Client) Actions(ctx context.Context, status string) ([]Action, error) {
	endpoint := "v0/actions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Action
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Action fetches a single action.
func (c *Client) Action(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, "v0/actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ApproveAction approves a pending action; workflow-bound actions resume
// their instance before the call returns.
func (c *Client) ApproveAction(ctx context.Context, id, reason string) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RejectAction rejects a pending action and triggers compensation for
// workflow-bound actions.
func (c *Client) RejectAction(ctx context.Context, id, reason string) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// TakeControl pauses a task under manual control.
func (c *Client) TakeControl(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/take-control", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ResumeTask hands a paused task back to the agent.
func (c *Client) ResumeTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/resume", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// StartWorkflow starts a workflow instance and drives it to its first gate.
func (c *Client) StartWorkflow(ctx context.Context, definition string, subject map[string]any) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/workflows/%s/instances", url.PathEscape(definition))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"subject": subject}, &resp)
	return resp, err
}

// Instance fetches a workflow instance.
func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, "v0/instances/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SignalInstance delivers a webhook payload to an instance waiting on a
// webhook gate.
func (c *Client) SignalInstance(ctx context.Context, id string, payload map[string]any) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/instances/%s/signal", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"payload": payload}, &resp)
	return resp, err
}

// Graduations lists graduation records with eligibility resolved.
func (c *Client) Graduations(ctx context.Context) ([]Graduation, error) {
	var resp []Graduation
	err := c.do(ctx, http.MethodGet, "v0/graduations", nil, &resp)
	return resp, err
}

// AcceptGraduation accepts an eligible offer, granting the category autonomy.
func (c *Client) AcceptGraduation(ctx context.Context, category string) (Graduation, error) {
	var resp Graduation
	endpoint := fmt.Sprintf("v0/graduations/%s/accept", url.PathEscape(category))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DeclineGraduation declines an offer, resetting the streak and backing off.
func (c *Client) DeclineGraduation(ctx context.Context, category string) (Graduation, error) {
	var resp Graduation
	endpoint := fmt.Sprintf("v0/graduations/%s/decline", url.PathEscape(category))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
