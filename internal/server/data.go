package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/spacelis/portraitist/internal/engine"
	"github.com/spacelis/portraitist/internal/pool"
)

type actionOutput struct {
	Body ActionResponse `json:"body"`
}

func actionOut(resp ActionResponse) *actionOutput {
	return &actionOutput{Body: resp}
}

func sessionOrError(ctx context.Context) (Session, huma.StatusError) {
	s, ok := sessionFromContext(ctx)
	if !ok {
		return Session{}, newAPIError(http.StatusInternalServerError, "internal_error", "no session on request", nil)
	}
	return s, nil
}

// registerData wires the judge-facing workflow endpoints.
func registerData(api huma.API, e engine.Engine) {
	assign := func(ctx context.Context, _ *struct{}) (*actionOutput, error) {
		s, authErr := sessionOrError(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u := s.User
		_, err := e.AssignPackage(ctx, &u)
		if err == nil {
			return actionOut(ActionResponse{
				Action:    "assign_taskpackage",
				Succeeded: true,
				Redirect:  "/pagerouter",
			}), nil
		}
		if errors.Is(err, pool.ErrNoPackage) {
			// not an error: the pool is refilling, ask again shortly
			return actionOut(ActionResponse{
				Action:     "assign_taskpackage",
				RetryLater: true,
			}), nil
		}
		return nil, handleError(err)
	}
	// old clients call these with GET, newer ones with POST
	huma.Register(api, huma.Operation{
		OperationID: "assign-taskpackage",
		Method:      http.MethodPost,
		Path:        "/data/assign_taskpackage",
		Summary:     "Check the next task package out of the pool",
	}, assign)
	huma.Register(api, huma.Operation{
		OperationID: "assign-taskpackage-get",
		Method:      http.MethodGet,
		Path:        "/data/assign_taskpackage",
		Hidden:      true,
	}, assign)

	huma.Register(api, huma.Operation{
		OperationID: "complete-survey",
		Method:      http.MethodPost,
		Path:        "/data/complete_survey",
		Summary:     "Mark the exit survey done for the session user",
	}, func(ctx context.Context, _ *struct{}) (*actionOutput, error) {
		s, authErr := sessionOrError(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u := s.User
		if err := e.CompleteSurvey(ctx, &u); err != nil {
			return nil, handleError(err)
		}
		return actionOut(ActionResponse{
			Action:    "complete_survey",
			Succeeded: true,
			Redirect:  "/pagerouter",
		}), nil
	})

	refill := func(ctx context.Context, _ *struct{}) (*actionOutput, error) {
		n, err := e.Pool.Refill(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return actionOut(ActionResponse{
			Action:    "refill_taskpool",
			Succeeded: true,
			Num:       n,
		}), nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "refill-taskpool",
		Method:      http.MethodPost,
		Path:        "/data/refill_taskpool",
		Summary:     "Rebuild the checkout pool from open packages",
	}, refill)
	huma.Register(api, huma.Operation{
		OperationID: "refill-taskpool-get",
		Method:      http.MethodGet,
		Path:        "/data/refill_taskpool",
		Hidden:      true,
	}, refill)
}
