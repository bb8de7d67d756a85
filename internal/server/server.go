package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowline/internal/depgraph"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/feed"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Feed     *feed.Distributor
	BasePath string
	// Heartbeat is the idle keepalive period for event streams.
	Heartbeat time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"wip_limit_exceeded"`
	Message string         `json:"message" example:"stage review is at its WIP limit (2/2)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema-level request validation is a malformed request, not a
			// domain rule violation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerState(group, cfg.Engine)
	registerMission(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	if cfg.Feed != nil {
		registerStream(group, cfg.Feed, cfg.Heartbeat)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
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

// handleError maps engine failures onto the wire envelope. Everything the
// engine can refuse arrives as a typed error, so the mapping is exhaustive
// without inspecting message text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "item_not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrClaimConflict) {
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	}
	var ite *engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": ite.From, "to": ite.To,
		})
	}
	var wle *engine.WIPLimitError
	if errors.As(err, &wle) {
		return newAPIError(http.StatusConflict, "wip_limit_exceeded", err.Error(), map[string]any{
			"stage": wle.Stage, "limit": wle.Limit, "current": wle.Current,
		})
	}
	var nre *engine.NotReadyError
	if errors.As(err, &nre) {
		return newAPIError(http.StatusConflict, "dependencies_not_ready", err.Error(), map[string]any{
			"item_id": nre.ItemID, "blocking": nre.Blocking,
		})
	}
	var ce *depgraph.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", err.Error(), map[string]any{
			"path": ce.Path,
		})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "item_not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func actorOrDefault(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "api"
	}
	return actor
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Service health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Actor string            `header:"X-Actor"`
		Body  CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		opts := engine.CreateItemOptions{
			Title:        input.Body.Title,
			Type:         input.Body.Type,
			Priority:     input.Body.Priority,
			Dependencies: input.Body.DependsOn,
			Actor:        actorOrDefault(input.Actor),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.OutputPath != nil {
			opts.OutputPath = *input.Body.OutputPath
		}
		it, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Stage           string `query:"stage"`
		Worker          string `query:"worker"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"0"`
	}) (*struct {
		Body ItemListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{
			Stage:           input.Stage,
			Worker:          input.Worker,
			IncludeArchived: input.IncludeArchived,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkItem{}
		}
		return &struct {
			Body ItemListResponse `json:"body"`
		}{Body: ItemListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		it, err := e.Repo.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{item_id}",
		Summary:     "Update work item fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Actor  string            `header:"X-Actor"`
		Body   UpdateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		it, err := e.UpdateItemFields(ctx, engine.UpdateItemOptions{
			ID:         input.ItemID,
			Title:      input.Body.Title,
			Priority:   input.Body.Priority,
			OutputPath: input.Body.OutputPath,
			AddDeps:    input.Body.AddDependsOn,
			RemoveDeps: input.Body.RemoveDependsOn,
			Actor:      actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/move",
		Summary:     "Move item to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Actor  string          `header:"X-Actor"`
		Body   MoveItemRequest `json:"body"`
	}) (*struct {
		Body MoveItemResponse `json:"body"`
	}, error) {
		res, err := e.MoveItem(ctx, engine.MoveOptions{
			ID:    input.ItemID,
			To:    input.Body.To,
			Force: input.Body.Force,
			Actor: actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MoveItemResponse `json:"body"`
		}{Body: MoveItemResponse{
			Item:          res.Item,
			PreviousStage: res.PreviousStage,
			WIP:           res.WIP,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/claim",
		Summary:     "Claim item for a worker",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string           `path:"item_id"`
		Body   ClaimItemRequest `json:"body"`
	}) (*struct {
		Body domain.AgentClaim `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Worker) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker is required", nil)
		}
		claim, err := e.ClaimItem(ctx, input.ItemID, input.Body.Worker)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentClaim `json:"body"`
		}{Body: claim}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/release",
		Summary:     "Release item claim",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Actor  string `header:"X-Actor"`
	}) (*struct {
		Body ReleaseItemResponse `json:"body"`
	}, error) {
		res, err := e.ReleaseItem(ctx, input.ItemID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseItemResponse `json:"body"`
		}{Body: ReleaseItemResponse{Released: res.Released, Worker: res.Worker}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/reject",
		Summary:     "Reject item back for rework",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   RejectItemRequest `json:"body"`
	}) (*struct {
		Body RejectItemResponse `json:"body"`
	}, error) {
		res, err := e.RejectItem(ctx, engine.RejectOptions{
			ID:          input.ItemID,
			Reason:      input.Body.Reason,
			Worker:      input.Body.Worker,
			ReworkStage: input.Body.ReworkStage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RejectItemResponse `json:"body"`
		}{Body: RejectItemResponse{
			Item:           res.Item,
			RejectionCount: res.RejectionCount,
			Escalated:      res.Escalated,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-item",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}",
		Summary:     "Archive work item",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Actor  string `header:"X-Actor"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		it, err := e.ArchiveItem(ctx, input.ItemID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-work-log",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/log",
		Summary:     "Item work log",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body WorkLogResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListWorkLog(ctx, input.ItemID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.WorkLogEntry{}
		}
		return &struct {
			Body WorkLogResponse `json:"body"`
		}{Body: WorkLogResponse{Entries: entries}}, nil
	})
}

func registerState(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Full pipeline snapshot",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-dependencies",
		Method:      http.MethodGet,
		Path:        "/deps/check",
		Summary:     "Dependency graph report",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.DependencyReport `json:"body"`
	}, error) {
		rep, err := e.CheckDependencies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DependencyReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerMission(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/mission",
		Summary:     "Current mission",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := e.Repo.GetMission(ctx, e.Config.Mission.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-mission",
		Method:      http.MethodPost,
		Path:        "/mission/advance",
		Summary:     "Advance mission to the next phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Actor string `header:"X-Actor"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := e.AdvanceMission(ctx, e.Config.Mission.ID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-mission",
		Method:      http.MethodPost,
		Path:        "/mission/fail",
		Summary:     "Mark the mission failed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Actor string             `header:"X-Actor"`
		Body  FailMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Reason) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		m, err := e.FailMission(ctx, e.Config.Mission.ID, input.Body.Reason, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Activity log",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" default:"0"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var entries []domain.ActivityLogEntry
		var err error
		if input.After > 0 {
			entries, err = e.Repo.ActivityAfter(ctx, limit, input.After)
		} else {
			entries, err = e.Repo.LatestActivity(ctx, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.ActivityLogEntry{}
		}
		resp := ActivityResponse{Entries: entries}
		if n := len(entries); n > 0 {
			resp.NextCursor = entries[n-1].ID
			if entries[0].ID > resp.NextCursor {
				resp.NextCursor = entries[0].ID
			}
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
