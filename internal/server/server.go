// Package server exposes the annotation workflow over HTTP: a JSON API for
// the frontend and operators, plus the page routes judges follow while
// working through a package.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/spacelis/portraitist/internal/domain"
	"github.com/spacelis/portraitist/internal/engine"
	"github.com/spacelis/portraitist/internal/importer"
	"github.com/spacelis/portraitist/internal/repo"
	"github.com/spacelis/portraitist/internal/session"
)

// Config for the HTTP handler.
type Config struct {
	Engine       engine.Engine
	BasePath     string
	Auth         AuthConfig
	CookieMaxAge time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope for every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the annotation API and page routes.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = 90 * 24 * time.Hour
	}
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

	e := cfg.Engine
	im := importer.New(e.Repo, e.Config.Data.Dir)

	router := chi.NewRouter()
	router.Use(newOperatorMiddleware(cfg.Auth, e.Repo))
	router.Use(newSessionMiddleware(e, cfg.CookieMaxAge))

	hcfg := huma.DefaultConfig("Portraitist API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerData(group, e)
	registerAdmin(group, e, im)
	registerUser(group, e)
	registerExports(router, basePath, im)
	registerPages(router, basePath, e)

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

// handleError maps workflow errors onto the HTTP error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var mismatch domain.HeadMismatchError
	if errors.As(err, &mismatch) {
		return newAPIError(http.StatusConflict, "task_out_of_order", err.Error(),
			map[string]any{"expected": mismatch.Want, "got": mismatch.Got})
	}
	var exhausted domain.ExhaustedError
	if errors.As(err, &exhausted) {
		return newAPIError(http.StatusConflict, "package_exhausted", err.Error(),
			map[string]any{"confirm_code": exhausted.ConfirmCode})
	}
	if errors.Is(err, session.ErrSessionDead) {
		return newAPIError(http.StatusForbidden, "session_dead", "session expired, start a new one", nil)
	}
	if errors.Is(err, engine.ErrTaskNotFound) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoAssignment) {
		return newAPIError(http.StatusNotFound, "no_assignment", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "already registered"),
		strings.Contains(lowered, "wrong password"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
