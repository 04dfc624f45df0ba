package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"pidestat/internal/engine"
	"pidestat/internal/markup"
	"pidestat/internal/repo"
	"pidestat/internal/status"
)

// Version of the HTTP API.
const Version = "0.1.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
	// Registry receives the server metrics; a private registry is used when nil.
	Registry *prometheus.Registry
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"node Main.thy: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type body[T any] struct {
	Body T
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

// New returns an HTTP handler exposing the pidestat API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := newMetrics(reg, cfg.Engine, logger)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger, metrics))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("pidestat API", Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	// Responses carry no $schema link; the status object has exactly nine keys.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, reg)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerNodes(group, cfg.Engine)
	registerMarkup(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
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

func requestLogger(logger *log.Logger, m *metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			m.observe(r.Method, code)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", code, "took", time.Since(start))
		})
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
			applyAuthSecurity(oas)
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

// applyAuthSecurity marks the mutating operations as bearer protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
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
    <title>pidestat API Docs</title>
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
      Writes need Authorization: Bearer &lt;token&gt; when the server has a JWT secret.
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
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest
	}) (*body[SessionResponse], error) {
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		s, err := e.InitSession(ctx, input.Body.ID, desc, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SessionResponse(s)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, _ *struct{}) (*body[[]SessionResponse], error) {
		items, err := e.Repo.ListSessions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSessions(items)), nil
	})
}

// SessionParam is the session path parameter.
type SessionParam struct {
	SessionID string `path:"session_id"`
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-version",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/versions",
		Summary:       "Create version",
		Description:   "Creates the next version of a session, optionally derived from a parent version.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionParam
		Body CreateVersionRequest
	}) (*body[VersionResponse], error) {
		parentID := ""
		if input.Body.ParentID != nil && *input.Body.ParentID != "" {
			parent, err := e.ResolveVersion(ctx, input.SessionID, *input.Body.ParentID)
			if err != nil {
				return nil, handleError(err)
			}
			parentID = parent.ID
		}
		v, err := e.CreateVersion(ctx, input.SessionID, parentID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(VersionResponse(v)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/versions",
		Summary:     "List versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SessionParam) (*body[[]VersionResponse], error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListVersions(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapVersions(items)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionParam
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"session,version,node,command"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*body[paginatedEvents], error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilter{
			SessionID:  input.SessionID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

// VersionParam is the version path parameter.
type VersionParam struct {
	VersionID string `path:"version_id"`
}

func registerNodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "define-node",
		Method:      http.MethodPut,
		Path:        "/versions/{version_id}/nodes",
		Summary:     "Define node",
		Description: "Creates a node or replaces its ordered command ids.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionParam
		Body DefineNodeRequest
	}) (*body[NodeResponse], error) {
		n, err := e.DefineNode(ctx, input.VersionID, input.Body.Name, input.Body.Commands, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(NodeResponse(n)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-node-flags",
		Method:      http.MethodPatch,
		Path:        "/versions/{version_id}/flags",
		Summary:     "Set node lifecycle flags",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionParam
		Body NodeFlagsRequest
	}) (*body[NodeResponse], error) {
		n, err := e.SetNodeFlags(ctx, input.VersionID, input.Body.Node, input.Body.Initialized, input.Body.Consolidated, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(NodeResponse(n)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-nodes",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/nodes",
		Summary:     "Status of every node",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *VersionParam) (*body[NodesResponse], error) {
		nodes, err := e.NodesStatus(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nodesResponse(input.VersionID, nodes)), nil
	})
}

func registerMarkup(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-markup",
		Method:        http.MethodPost,
		Path:          "/versions/{version_id}/markup",
		Summary:       "Append markup",
		Description:   "Appends markup to one evaluation attempt of a command. Unknown kinds are stored and ignored.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionParam
		Body AppendMarkupRequest
	}) (*body[CommandStateResponse], error) {
		st, err := e.AppendMarkup(ctx, engine.MarkupBatch{
			VersionID: input.VersionID,
			CommandID: input.Body.CommandID,
			ExecID:    input.Body.ExecID,
			Events:    markupEvents(input.Body.Events),
		}, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CommandStateResponse(st)), nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "node-status",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/status",
		Summary:     "Node status",
		Description: "Returns the nine-key status object of one node.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionParam
		Node string `query:"node" required:"true"`
	}) (*body[status.NodeStatusJSON], error) {
		ns, err := e.NodeStatus(ctx, input.VersionID, input.Node)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ns.JSON()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "node-timing",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/timing",
		Summary:     "Node timing",
		Description: "Total checking time of a node and the commands at or above the threshold (seconds).",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionParam
		Node      string `query:"node" required:"true"`
		Threshold string `query:"threshold" doc:"Seconds; defaults to the configured timing threshold"`
	}) (*body[NodeTimingResponse], error) {
		threshold := e.TimingThreshold()
		if input.Threshold != "" {
			parsed, err := strconv.ParseFloat(input.Threshold, 64)
			if err == nil {
				err = markup.CheckSeconds(parsed)
			}
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid threshold", map[string]any{"threshold": input.Threshold})
			}
			threshold = parsed
		}
		t, err := e.NodeTiming(ctx, input.VersionID, input.Node, threshold)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nodeTimingResponse(input.VersionID, input.Node, threshold, t)), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
