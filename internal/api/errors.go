package api

import (
	"encoding/json"
	"errors"
	"net/http"

	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		conflict      *domain.StatusTransitionConflictError
		completed     *domain.MultipleCompletesError
		notDispatched *domain.NotDispatchedError
		mismatch      *domain.AssetMismatchError
		condition     *domain.ConditionFailedError
		dependency    *domain.DependencyFailureError
	)
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDataAlreadyRetrieved):
		return http.StatusGone
	case errors.As(err, &conflict), errors.As(err, &completed),
		errors.As(err, &notDispatched), errors.As(err, &mismatch), errors.As(err, &condition):
		return http.StatusConflict
	case errors.As(err, &dependency):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v with status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(r.Context(), "failed to write response", "error", err)
	}
}

// writeError renders err. Transition conflicts carry their from/to pair;
// server errors hide their cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	s.metrics.IncRequestErrors(r.Context(), routePattern(r), status)

	var conflict *domain.StatusTransitionConflictError
	switch {
	case errors.As(err, &conflict):
		s.writeJSON(w, r, status, conflict)
	case status == http.StatusInternalServerError:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		s.writeJSON(w, r, status, errorResponse{Error: "internal error"})
	default:
		s.logger.Info(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
		s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
	}
}
