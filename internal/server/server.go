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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"readyline/internal/catalog"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"manual_approval_not_allowed"`
	Message string         `json:"message" example:"quest is automatic-only and cannot be manually approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"quest_key\":\"sast\"}"`
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

// New returns an HTTP handler exposing the Readyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Readyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerReports(group, cfg.Engine)
	registerTeams(group, cfg.Engine)
	registerRepos(group, cfg.Engine)
	registerReadiness(group, cfg.Engine)
	registerScans(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var bre domain.BusinessRuleError
	if errors.As(err, &bre) {
		return newAPIError(http.StatusUnprocessableEntity, bre.Code, err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
    <title>Readyline API Docs</title>
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

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Ingest a scan report",
		Description:   "Accepts the external CI action's scan report, records the scan run and recomputes the repository's readiness snapshot.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct {
		Body map[string]any `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		raw := bodyBytes(ctx)
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, snap, err := e.IngestReport(ctx, raw, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{
			ScanRun:   scanRunResponse(run, false),
			Readiness: readinessResponse(snap),
		}}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List teams",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TeamResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTeams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TeamResponse `json:"body"`
		}{Body: mapTeams(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}",
		Summary:     "Get team",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTeam(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: teamResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team-repos",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/repos",
		Summary:     "List a team's repositories",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body []RepoResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTeam(ctx, input.TeamID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRepos(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RepoResponse `json:"body"`
		}{Body: mapRepos(items)}, nil
	})
}

func registerRepos(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-repo",
		Method:      http.MethodGet,
		Path:        "/repos/{repo_id}",
		Summary:     "Get repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID string `path:"repo_id"`
	}) (*struct {
		Body RepoResponse `json:"body"`
	}, error) {
		rp, err := e.Repo.GetRepo(ctx, input.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepoResponse `json:"body"`
		}{Body: repoResponse(rp)}, nil
	})
}

func registerReadiness(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-readiness",
		Method:      http.MethodGet,
		Path:        "/repos/{repo_id}/readiness",
		Summary:     "Get repository readiness",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID string `path:"repo_id"`
	}) (*struct {
		Body ReadinessResponse `json:"body"`
	}, error) {
		snap, err := e.GetReadiness(ctx, input.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadinessResponse `json:"body"`
		}{Body: readinessResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-quest",
		Method:      http.MethodPost,
		Path:        "/repos/{repo_id}/quests/{quest_key}/approve",
		Summary:     "Manually approve a quest",
		Description: "Marks a quest complete by human decision. The approval survives scan ingestions until revoked.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RepoID   string              `path:"repo_id"`
		QuestKey string              `path:"quest_key"`
		Body     ApproveQuestRequest `json:"body"`
	}) (*struct {
		Body ReadinessResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		level := 0
		if input.Body.Level != nil {
			level = *input.Body.Level
		}
		snap, err := e.ApproveQuest(ctx, engine.ApproveQuestOptions{
			RepoID:     input.RepoID,
			QuestKey:   input.QuestKey,
			ApprovedBy: input.Body.ApprovedBy,
			Level:      level,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadinessResponse `json:"body"`
		}{Body: readinessResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-quest-approval",
		Method:      http.MethodPost,
		Path:        "/repos/{repo_id}/quests/{quest_key}/revoke",
		Summary:     "Revoke a manual approval",
		Description: "Records the revocation; the entry stays as-is until the next scan ingestion recomputes it.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RepoID   string `path:"repo_id"`
		QuestKey string `path:"quest_key"`
	}) (*struct {
		Body ReadinessResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.RevokeApproval(ctx, input.RepoID, input.QuestKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReadinessResponse `json:"body"`
		}{Body: readinessResponse(snap)}, nil
	})
}

func registerScans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-repo-scans",
		Method:      http.MethodGet,
		Path:        "/repos/{repo_id}/scans",
		Summary:     "List a repository's scan runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID          string `path:"repo_id"`
		Limit           int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []ScanRunResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRepo(ctx, input.RepoID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListScanRuns(ctx, input.RepoID, input.Limit, input.CursorCreatedAt, input.CursorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ScanRunResponse `json:"body"`
		}{Body: mapScanRuns(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scan",
		Method:      http.MethodGet,
		Path:        "/scans/{scan_run_id}",
		Summary:     "Get a scan run with its raw results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ScanRunID string `path:"scan_run_id"`
	}) (*struct {
		Body ScanRunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetScanRun(ctx, input.ScanRunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanRunResponse `json:"body"`
		}{Body: scanRunResponse(run, true)}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Get the quest catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body catalog.Doc `json:"body"`
	}, error) {
		doc, err := e.CatalogDoc(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body catalog.Doc `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-catalog",
		Method:      http.MethodPut,
		Path:        "/catalog",
		Summary:     "Replace the quest catalog",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body catalog.Doc `json:"body"`
	}) (*struct {
		Body catalog.Doc `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ImportCatalog(ctx, input.Body, actorID); err != nil {
			return nil, handleError(err)
		}
		doc, err := e.Repo.GetCatalogDoc(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body catalog.Doc `json:"body"`
		}{Body: doc}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor"`
		TeamID     string `query:"team_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.TeamID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
