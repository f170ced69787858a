package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/spacelis/portraitist/internal/engine"
)

type userOutput struct {
	Body UserResponse `json:"body"`
}

// registerUser wires session account endpoints. Email accounts exist only
// to carry progress across sessions; there is no wider account system.
func registerUser(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "user-self",
		Method:      http.MethodGet,
		Path:        "/user/self",
		Summary:     "Current session user",
	}, func(ctx context.Context, _ *struct{}) (*userOutput, error) {
		s, authErr := sessionOrError(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &userOutput{Body: userResponse(s.User)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-email-signup",
		Method:      http.MethodPost,
		Path:        "/user/email_signup",
		Summary:     "Register an email account for the current session",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Email  string `json:"email" format:"email"`
			Passwd string `json:"passwd" minLength:"1" maxLength:"50"`
			Name   string `json:"name,omitempty"`
		} `json:"body"`
	}) (*userOutput, error) {
		s, authErr := sessionOrError(ctx)
		if authErr != nil {
			return nil, authErr
		}
		email := strings.TrimSpace(strings.ToLower(input.Body.Email))
		if email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		u := s.User
		if err := e.EmailSignup(ctx, &u, email, input.Body.Passwd, input.Body.Name); err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-email-login",
		Method:      http.MethodPost,
		Path:        "/user/email_login",
		Summary:     "Log in and inherit this session's progress",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Email  string `json:"email" format:"email"`
			Passwd string `json:"passwd" minLength:"1" maxLength:"50"`
		} `json:"body"`
	}) (*userOutput, error) {
		s, authErr := sessionOrError(ctx)
		if authErr != nil {
			return nil, authErr
		}
		email := strings.TrimSpace(strings.ToLower(input.Body.Email))
		merged, err := e.EmailLogin(ctx, s.User, email, input.Body.Passwd)
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: userResponse(merged)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-logout",
		Method:      http.MethodPost,
		Path:        "/user/logout",
		Summary:     "Drop the current session",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie http.Cookie `header:"Set-Cookie"`
		Body      ActionResponse
	}, error) {
		s, authErr := sessionOrError(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// Rotating the token invalidates the cookie in the browser and any
		// copies of it.
		if _, err := e.Sessions.RotateToken(ctx, s.User); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			SetCookie http.Cookie `header:"Set-Cookie"`
			Body      ActionResponse
		}{
			SetCookie: http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true},
			Body:      ActionResponse{Action: "logout", Succeeded: true, Redirect: "/"},
		}, nil
	})
}
