package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/HerbHall/sunlink/internal/apperr"
)

// operatorKey is a context key for the authenticated operator.
type operatorKey struct{}

// OperatorFromContext returns the authenticated operator claims from the
// request context. Returns nil if the request is not authenticated.
func OperatorFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(operatorKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// WithOperator returns a context carrying claims, for handlers invoked
// outside the middleware (tests, the CLI).
func WithOperator(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, operatorKey{}, c)
}

// Public paths that don't require authentication.
var publicPaths = map[string]bool{
	"/api/v1/health":        true,
	"/api/telemetry/ingest": true,
}

// devicePrefix covers the gateway protocol. Those requests carry a device
// credential that the protocol handler verifies itself.
const devicePrefix = "/api/devices/"

// AuthMiddleware validates operator access tokens on API routes.
// Public paths, device protocol paths and non-API paths (healthz, readyz,
// metrics) are skipped. Mutating requests need the write scope.
func AuthMiddleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if !strings.HasPrefix(path, "/api/") ||
				strings.HasPrefix(path, "/api/v1/ws/") || // token checked by the WS handler via query param
				strings.HasPrefix(path, devicePrefix) ||
				publicPaths[path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenString == "" {
				apperr.WriteProblem(w, path, apperr.Invalid("missing or invalid authorization header", nil))
				return
			}

			claims, err := tokens.ValidateAccessToken(tokenString)
			if err != nil {
				apperr.WriteProblem(w, path, err)
				return
			}

			if r.Method != http.MethodGet && r.Method != http.MethodHead && !claims.HasScope(ScopeWrite) {
				writeJSON(w, "application/problem+json", http.StatusForbidden, map[string]any{
					"type":     "https://sunlink.dev/problems/forbidden",
					"title":    "Forbidden",
					"status":   http.StatusForbidden,
					"detail":   "write scope required",
					"instance": path,
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), claims)))
		})
	}
}

// Registrar plugs operator authentication into the server.
type Registrar struct {
	tokens *TokenService
}

// NewRegistrar wraps a TokenService as a server route registrar.
func NewRegistrar(tokens *TokenService) *Registrar {
	return &Registrar{tokens: tokens}
}

// RegisterRoutes mounts GET /api/v1/auth/whoami.
func (a *Registrar) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/auth/whoami", a.handleWhoami)
}

// Middleware returns the operator auth middleware.
func (a *Registrar) Middleware() func(http.Handler) http.Handler {
	return AuthMiddleware(a.tokens)
}

func (a *Registrar) handleWhoami(w http.ResponseWriter, r *http.Request) {
	claims := OperatorFromContext(r.Context())
	if claims == nil {
		apperr.WriteProblem(w, r.URL.Path, apperr.Invalid("not authenticated", nil))
		return
	}
	writeJSON(w, "application/json", http.StatusOK, map[string]any{
		"operator":  claims.Operator,
		"scopes":    claims.Scopes,
		"expiresAt": claims.ExpiresAt.Time,
	})
}

func writeJSON(w http.ResponseWriter, contentType string, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
