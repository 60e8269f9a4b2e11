package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stepline/internal/challenge"
	"stepline/internal/domain"
	"stepline/internal/engine"
	"stepline/internal/repo"
	"stepline/internal/route"
	"stepline/internal/sensor"
	"stepline/internal/target"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_target"`
	Message string         `json:"message" example:"invalid height 140: must be within 150-200 cm"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"height\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the API handler plus the sessions it started. Sessions outlive
// the requests that open them and end on DELETE or Close.
type Server struct {
	handler  http.Handler
	engine   *engine.Engine
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sessions *sessionRegistry
	hooks    *webhookDispatcher
}

// New returns an HTTP handler exposing the Stepline API.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:   cfg.Engine,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: &sessionRegistry{items: map[string]*liveSession{}},
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Stepline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, s)
	registerHistory(group, s)
	registerChallenges(group, s)
	registerTarget(group, s)
	registerSessions(group, s)
	registerEvents(group, s)
	registerOpenAPI(router, api, basePath)
	s.handler = router

	if e := cfg.Engine; e.Config != nil && len(e.Config.Webhooks) > 0 {
		s.hooks = newWebhookDispatcher(e.Repo, e.Config.Webhooks, logger)
		go s.hooks.run(ctx)
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops every session the server started and the webhook dispatcher.
func (s *Server) Close() {
	for _, live := range s.sessions.all() {
		if err := live.session.Stop(); err != nil {
			s.logger.Warn("session ended with error", "session", live.session.ID, "error", err)
		}
	}
	s.cancel()
	if s.hooks != nil {
		<-s.hooks.done
	}
}

type liveSession struct {
	session *engine.Session
	owner   string
}

type sessionRegistry struct {
	mu    sync.Mutex
	items map[string]*liveSession
}

func (r *sessionRegistry) add(l *liveSession) {
	r.mu.Lock()
	r.items[l.session.ID] = l
	r.mu.Unlock()
}

func (r *sessionRegistry) get(id string) (*liveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.items[id]
	return l, ok
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

func (r *sessionRegistry) all() []*liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*liveSession, 0, len(r.items))
	for _, l := range r.items {
		out = append(out, l)
	}
	return out
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
	var ve *target.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_target", err.Error(), map[string]any{"field": ve.Field, "value": ve.Value})
	}
	switch {
	case errors.Is(err, repo.ErrCorrupt):
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, challenge.ErrInvalidChallenge):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionActive):
		return newAPIError(http.StatusConflict, "session_active", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionStopped):
		return newAPIError(http.StatusConflict, "session_stopped", err.Error(), nil)
	case errors.Is(err, sensor.ErrPermissionDenied):
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), nil)
	case errors.Is(err, sensor.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "sensor_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiErrorEnvelope{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>Stepline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; (see "sl token issue").
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

func registerStatus(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Current steps, progress and target",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		u, cfg, err := s.engine.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{Snapshot: snapshotResponse(u.Snapshot), Progress: u.Progress, Target: cfg}
		if active := s.engine.Active(); active != nil {
			id := active.ID
			resp.ActiveSession = &id
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerHistory(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Daily distance history",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DailyDistance `json:"body"`
	}, error) {
		items, err := s.engine.Activity.History(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DailyDistance `json:"body"`
		}{Body: items}, nil
	})
}

func registerChallenges(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-challenges",
		Method:      http.MethodGet,
		Path:        "/challenges",
		Summary:     "List challenges",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Challenge `json:"body"`
	}, error) {
		items, err := s.engine.Challenges.Catalog(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Challenge `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-challenge",
		Method:        http.MethodPost,
		Path:          "/challenges",
		Summary:       "Add a challenge",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddChallengeRequest `json:"body"`
	}) (*struct {
		Body AddChallengeResponse `json:"body"`
	}, error) {
		c, newly, err := s.engine.AddChallenge(ctx, input.Body.Title, input.Body.StepThreshold)
		if err != nil {
			return nil, handleError(err)
		}
		if newly == nil {
			newly = []domain.Challenge{}
		}
		return &struct {
			Body AddChallengeResponse `json:"body"`
		}{Body: AddChallengeResponse{Challenge: c, Completed: newly}}, nil
	})
}

func registerTarget(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "get-target",
		Method:      http.MethodGet,
		Path:        "/target",
		Summary:     "Daily target and body metrics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.TargetConfig `json:"body"`
	}, error) {
		cfg, err := s.engine.Targets.Load(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TargetConfig `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-target",
		Method:      http.MethodPut,
		Path:        "/target",
		Summary:     "Replace daily target and body metrics",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body TargetRequest `json:"body"`
	}) (*struct {
		Body domain.TargetConfig `json:"body"`
	}, error) {
		cfg, err := s.engine.UpdateTarget(ctx, input.Body.config())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TargetConfig `json:"body"`
		}{Body: cfg}, nil
	})
}

type sessionPath struct {
	ID string `path:"id"`
}

func (s *Server) live(id string) (*liveSession, huma.StatusError) {
	l, ok := s.sessions.get(id)
	if !ok {
		return nil, newAPIError(http.StatusNotFound, "not_found", "no running session "+id, nil)
	}
	return l, nil
}

func registerSessions(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a step session fed through this API",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		principal, _ := principalFromContext(ctx)
		source := strings.TrimSpace(input.Body.Source)
		if source == "" {
			source = principal.Device
		}
		if source == "" {
			source = "api"
		}
		feed := sensor.NewFeed(source)
		sess, err := s.engine.Start(s.ctx, feed)
		if err != nil {
			return nil, handleError(err)
		}
		s.sessions.add(&liveSession{session: sess, owner: principal.Subject})
		go func() {
			<-sess.Done()
			s.sessions.remove(sess.ID)
		}()
		row, err := s.engine.Repo.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s.logger.Info("api session started", "session", sess.ID, "source", source, "subject", principal.Subject)
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List recent sessions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		items, err := s.engine.Repo.ListSessions(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Session{}
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-steps",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/steps",
		Summary:     "Deliver a raw step count",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body StepsRequest `json:"body"`
	}) (*struct {
		Body UpdateResponse `json:"body"`
	}, error) {
		l, apiErr := s.live(input.ID)
		if apiErr != nil {
			return nil, apiErr
		}
		u, err := l.session.Deliver(ctx, sensor.Sample{Steps: input.Body.Steps})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateResponse `json:"body"`
		}{Body: updateResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-position",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/positions",
		Summary:     "Deliver a position fix",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body PositionRequest `json:"body"`
	}) (*struct {
		Body domain.RoutePoint `json:"body"`
	}, error) {
		l, apiErr := s.live(input.ID)
		if apiErr != nil {
			return nil, apiErr
		}
		p := sensor.Position{Lat: input.Body.Lat, Lon: input.Body.Lon}
		if input.Body.At != nil {
			p.At = *input.Body.At
		}
		pt, err := l.session.DeliverPosition(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RoutePoint `json:"body"`
		}{Body: pt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Stop a running session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		l, apiErr := s.live(input.ID)
		if apiErr != nil {
			return nil, apiErr
		}
		if err := l.session.Stop(); err != nil {
			s.logger.Warn("session ended with error", "session", input.ID, "error", err)
		}
		s.sessions.remove(input.ID)
		s.logger.Info("api session stopped", "session", input.ID, "owner", l.owner)
		row, err := s.engine.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-route",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/route",
		Summary:     "Recorded route of a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body route.Route `json:"body"`
	}, error) {
		r, err := s.engine.Routes.Route(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body route.Route `json:"body"`
		}{Body: r}, nil
	})
}

func registerEvents(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		SessionID  string `query:"session_id"`
		EntityKind string `query:"entity_kind" enum:"session,challenge,target,sensor"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := s.engine.Repo.LatestEvents(ctx, limit+1, repo.EventFilter{
			Type:       input.Type,
			SessionID:  input.SessionID,
			EntityKind: input.EntityKind,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
