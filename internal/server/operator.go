package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/spacelis/portraitist/internal/repo"
)

// AuthConfig controls how operator credentials are verified on admin
// endpoints.
type AuthConfig struct {
	JWTSecret string
	// LegacyAdminKey, when non-empty, is accepted as an _admin_key request
	// parameter for old clients. Logged loudly.
	LegacyAdminKey string
	Logger         *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Operator identifies an authenticated administrator.
type Operator struct {
	ID     string
	Source string
}

type operatorKey struct{}

func withOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

func operatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	return op, ok
}

// requireOperator gates an admin endpoint.
func requireOperator(ctx context.Context) error {
	if _, ok := operatorFromContext(ctx); !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "operator credentials required", nil)
	}
	return nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) (Operator, error) {
	if strings.TrimSpace(secret) == "" {
		return Operator{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Operator{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Operator{}, errors.New("invalid token")
	}
	return Operator{ID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Operator, error) {
	if strings.TrimSpace(key) == "" {
		return Operator{}, errors.New("api key required")
	}
	opKey, err := r.GetOperatorKeyByHash(ctx, repo.HashOperatorKey(key))
	if err != nil {
		return Operator{}, err
	}
	return Operator{ID: opKey.ID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newOperatorMiddleware attaches an Operator to the context when the
// request carries valid credentials. Requests without credentials pass
// through; the gate happens per endpoint.
// legacyAdminKey digs the shared admin secret out of wherever old clients
// put it: query string, posted form, or a cookie.
func legacyAdminKey(req *http.Request) string {
	if key := req.URL.Query().Get("_admin_key"); key != "" {
		return key
	}
	if req.Method == http.MethodPost {
		if key := req.PostFormValue("_admin_key"); key != "" {
			return key
		}
	}
	if c, err := req.Cookie("_admin_key"); err == nil {
		return c.Value
	}
	return ""
}

func newOperatorMiddleware(cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				op, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withOperator(req.Context(), op)))
				return
			}
			if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
				op, err := authenticateAPIKey(req.Context(), r, key)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withOperator(req.Context(), op)))
				return
			}
			if cfg.LegacyAdminKey != "" {
				if key := legacyAdminKey(req); key != "" && key == cfg.LegacyAdminKey {
					cfg.logger().Printf("WARNING: request authenticated via legacy _admin_key; issue an operator key instead (path=%s)", req.URL.Path)
					next.ServeHTTP(w, req.WithContext(withOperator(req.Context(), Operator{ID: "legacy-admin", Source: "legacy_key"})))
					return
				}
			}
			next.ServeHTTP(w, req)
		})
	}
}
