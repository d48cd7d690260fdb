package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/repo"
	"steward/internal/tools"
	"steward/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Executor *workflow.Executor
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"expired_gate"`
	Message string         `json:"message" example:"gate resume window expired"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Steward API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Executor == nil {
		return nil, errors.New("server: executor is required")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors surface as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Steward API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerActions(group, cfg.Engine, cfg.Executor)
	registerGraduations(group, cfg.Engine)
	registerOverrides(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine, cfg.Executor)
	registerTools(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateAction):
		return newAPIError(http.StatusConflict, "duplicate_action", err.Error(), nil)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrManualOverride):
		return newAPIError(http.StatusConflict, "manual_override", err.Error(), nil)
	case errors.Is(err, domain.ErrExpiredGate):
		return newAPIError(http.StatusGone, "expired_gate", err.Error(), nil)
	case errors.Is(err, domain.ErrPolicyViolation):
		return newAPIError(http.StatusForbidden, "policy_violation", err.Error(), nil)
	case errors.Is(err, domain.ErrNotEligible):
		return newAPIError(http.StatusUnprocessableEntity, "not_eligible", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, tools.ErrUnknownTool):
		return newAPIError(http.StatusBadRequest, "unknown_tool", err.Error(), nil)
	}
	var te *domain.ToolExecutionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusBadGateway, "tool_failed", te.Error(), map[string]any{"tool": te.Tool})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "expired_gate"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Steward API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Owner status summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{OwnerID: owner})
		if err != nil {
			return nil, handleError(err)
		}
		taskCounts := map[string]int{}
		for _, t := range tasks {
			taskCounts[string(t.Status)]++
		}
		open, err := e.Repo.ListActions(ctx, repo.ActionFilters{OwnerID: owner, Status: string(domain.ActionPending)})
		if err != nil {
			return nil, handleError(err)
		}
		instances, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{OwnerID: owner})
		if err != nil {
			return nil, handleError(err)
		}
		instanceCounts := map[string]int{}
		for _, w := range instances {
			instanceCounts[string(w.Status)]++
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"owner_id":        owner,
			"task_counts":     taskCounts,
			"open_actions":    len(open),
			"instance_counts": instanceCounts,
		}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List agent tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",scheduled,pending_input,in_progress,paused,completed,cancelled"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.AgentTask `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{OwnerID: owner, Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentTask `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.AgentTask `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.OwnerID != owner {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
		}
		return &struct {
			Body domain.AgentTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "take-control",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/take-control",
		Summary:     "Pause a task under manual control",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.AgentTask `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireTaskOwner(ctx, e, input.TaskID, owner); err != nil {
			return nil, err
		}
		t, err := e.TakeControl(ctx, input.TaskID, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/resume",
		Summary:     "Hand a paused task back to the agent",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.AgentTask `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireTaskOwner(ctx, e, input.TaskID, owner); err != nil {
			return nil, err
		}
		t, err := e.ResumeTask(ctx, input.TaskID, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentTask `json:"body"`
		}{Body: t}, nil
	})
}

func requireTaskOwner(ctx context.Context, e engine.Engine, taskID, owner string) huma.StatusError {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return handleError(err)
	}
	if t.OwnerID != owner {
		return newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
	}
	return nil
}

func registerActions(api huma.API, e engine.Engine, x *workflow.Executor) {
	type actionPath struct {
		ActionID string `path:"action_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List pending actions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",pending,approved,rejected"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.PendingAction `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListActions(ctx, repo.ActionFilters{
			OwnerID: owner,
			TaskID:  input.TaskID,
			Status:  input.Status,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PendingAction `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get a pending action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *actionPath) (*struct {
		Body domain.PendingAction `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.OwnerID != owner {
			return nil, newAPIError(http.StatusNotFound, "not_found", "action not found", nil)
		}
		return &struct {
			Body domain.PendingAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/approve",
		Summary:     "Approve a pending action",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string               `path:"action_id"`
		Body     ResolveActionRequest `json:"body"`
	}) (*struct {
		Body domain.PendingAction `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireActionOwner(ctx, e, input.ActionID, owner); err != nil {
			return nil, err
		}
		a, err := e.ApproveAction(ctx, input.ActionID, owner, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		// Workflow-bound approvals hand the instance back to the executor.
		if a.InstanceID != nil {
			if err := x.ResumeFromApproval(ctx, a.ID, owner); err != nil {
				return nil, handleError(err)
			}
			a, err = e.Repo.GetAction(ctx, a.ID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.PendingAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/reject",
		Summary:     "Reject a pending action",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string               `path:"action_id"`
		Body     ResolveActionRequest `json:"body"`
	}) (*struct {
		Body domain.PendingAction `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireActionOwner(ctx, e, input.ActionID, owner); err != nil {
			return nil, err
		}
		a, err := e.RejectAction(ctx, input.ActionID, owner, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		// A rejected workflow gate triggers compensation.
		if a.InstanceID != nil {
			if err := x.HandleRejection(ctx, a.ID, owner); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.PendingAction `json:"body"`
		}{Body: a}, nil
	})
}

func requireActionOwner(ctx context.Context, e engine.Engine, actionID, owner string) huma.StatusError {
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return handleError(err)
	}
	if a.OwnerID != owner {
		return newAPIError(http.StatusNotFound, "not_found", "action not found", nil)
	}
	return nil
}

func registerGraduations(api huma.API, e engine.Engine) {
	type categoryPath struct {
		Category string `path:"category" enum:"query,action,generate,workflow,memory,planning,integration"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-graduations",
		Method:      http.MethodGet,
		Path:        "/graduations",
		Summary:     "List graduation records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GraduationResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListGraduations(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GraduationResponse `json:"body"`
		}{Body: mapGraduations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-graduation",
		Method:      http.MethodPost,
		Path:        "/graduations/{category}/accept",
		Summary:     "Accept a graduation offer",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *categoryPath) (*struct {
		Body GraduationResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.AcceptGraduation(ctx, owner, domain.ToolCategory(input.Category), owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GraduationResponse `json:"body"`
		}{Body: graduationResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-graduation",
		Method:      http.MethodPost,
		Path:        "/graduations/{category}/decline",
		Summary:     "Decline a graduation offer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *categoryPath) (*struct {
		Body GraduationResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.DeclineGraduation(ctx, owner, domain.ToolCategory(input.Category), owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GraduationResponse `json:"body"`
		}{Body: graduationResponse(g)}, nil
	})
}

func registerOverrides(api huma.API, e engine.Engine) {
	type categoryPath struct {
		Category string `path:"category" enum:"query,action,generate,workflow,memory,planning,integration"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-overrides",
		Method:      http.MethodGet,
		Path:        "/overrides",
		Summary:     "List autonomy overrides",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AutonomyOverride `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListOverrides(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AutonomyOverride `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-override",
		Method:      http.MethodPut,
		Path:        "/overrides/{category}",
		Summary:     "Set an autonomy override",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Category string             `path:"category" enum:"query,action,generate,workflow,memory,planning,integration"`
		Body     SetOverrideRequest `json:"body"`
	}) (*struct {
		Body domain.AutonomyOverride `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		o, err := e.SetOverride(ctx, owner, domain.ToolCategory(input.Category), domain.AutonomyLevel(input.Body.Level), owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutonomyOverride `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-override",
		Method:        http.MethodDelete,
		Path:          "/overrides/{category}",
		Summary:       "Clear an autonomy override",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *categoryPath) (*struct{}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteOverride(ctx, owner, domain.ToolCategory(input.Category)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine, x *workflow.Executor) {
	type instancePath struct {
		InstanceID string `path:"instance_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflow definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DefinitionResponse `json:"body"`
	}, error) {
		names := make([]string, 0, len(x.Defs))
		for name := range x.Defs {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]DefinitionResponse, 0, len(names))
		for _, name := range names {
			out = append(out, definitionResponse(x.Defs[name]))
		}
		return &struct {
			Body []DefinitionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{name}/instances",
		Summary:       "Start a workflow instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string               `path:"name"`
		Body StartWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowInstance `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := x.Start(ctx, input.Name, owner, input.Body.Subject, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List workflow instances",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:",running,waiting_on_gate,completed,failed,compensating,compensated"`
		Definition string `query:"definition"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.WorkflowInstance `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			OwnerID:    owner,
			Status:     input.Status,
			Definition: input.Definition,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkflowInstance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get a workflow instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*struct {
		Body domain.WorkflowInstance `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		if inst.OwnerID != owner {
			return nil, newAPIError(http.StatusNotFound, "not_found", "instance not found", nil)
		}
		return &struct {
			Body domain.WorkflowInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/signal",
		Summary:     "Deliver a webhook payload to a waiting instance",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstanceID string                `path:"instance_id"`
		Body       SignalInstanceRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowInstance `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		if inst.OwnerID != owner {
			return nil, newAPIError(http.StatusNotFound, "not_found", "instance not found", nil)
		}
		if err := x.Signal(ctx, input.InstanceID, input.Body.Payload, owner); err != nil {
			return nil, handleError(err)
		}
		inst, err = e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowInstance `json:"body"`
		}{Body: inst}, nil
	})
}

func registerTools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "List the tool catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]map[string]string `json:"body"`
	}, error) {
		out := map[string]map[string]string{}
		for name, spec := range e.Config.Tools.Catalog {
			out[name] = map[string]string{
				"category":    string(spec.Category),
				"description": spec.Description,
			}
		}
		return &struct {
			Body map[string]map[string]string `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-tool",
		Method:      http.MethodPost,
		Path:        "/tools/{tool_name}/execute",
		Summary:     "Run a tool under the autonomy policy",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ToolName string             `path:"tool_name"`
		Body     ExecuteToolRequest `json:"body"`
	}) (*struct {
		Body ExecuteToolResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, action, err := e.ExecuteTool(ctx, engine.ExecuteToolOptions{
			OwnerID:        owner,
			ToolName:       input.ToolName,
			Params:         input.Body.Params,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Recommendation: input.Body.Recommendation,
			Confidence:     input.Body.Confidence,
			ActorID:        owner,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteToolResponse `json:"body"`
		}{Body: ExecuteToolResponse{
			Executed: action == nil,
			Result:   result,
			Action:   action,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the audit log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" minimum:"0"`
		Limit int   `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, owner)
		} else {
			items, err = e.Repo.TailEvents(ctx, limit, owner)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
