package server

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/sunlink/internal/apperr"
)

// Problem types for RFC 7807 Problem Details responses. Classified errors
// share the same base and use their apperr kind as the suffix.
const (
	problemBase             = "https://sunlink.dev/problems/"
	ProblemTypeNotFound     = problemBase + "not_found"
	ProblemTypeBadRequest   = problemBase + "validation"
	ProblemTypeInternal     = problemBase + "internal"
	ProblemTypeUnauthorized = problemBase + "auth"
	ProblemTypeForbidden    = problemBase + "forbidden"
	ProblemTypeRateLimited  = problemBase + "rate_limited"
	ProblemTypeConflict     = problemBase + "conflict"
	ProblemTypeUnavailable  = problemBase + "transient"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError renders any error through the apperr taxonomy. Unclassified
// errors become a 500 without leaking their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apperr.WriteProblem(w, r.URL.Path, err)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeNotFound, Status: http.StatusNotFound, Detail: detail, Instance: instance})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeBadRequest, Status: http.StatusBadRequest, Detail: detail, Instance: instance})
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeUnauthorized, Status: http.StatusUnauthorized, Detail: detail, Instance: instance})
}

// Conflict writes a 409 problem response.
func Conflict(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{Type: ProblemTypeConflict, Status: http.StatusConflict, Detail: detail, Instance: instance})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// ServiceUnavailable writes a 503 problem response with a retry hint.
func ServiceUnavailable(w http.ResponseWriter, detail, instance string) {
	w.Header().Set("Retry-After", "5")
	WriteProblem(w, Problem{Type: ProblemTypeUnavailable, Status: http.StatusServiceUnavailable, Detail: detail, Instance: instance})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}
