// Package health serves the liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/execution-service/pkg/common/logger"
)

// Checker reports whether a dependency can serve traffic.
type Checker func(ctx context.Context) error

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// Checks run on every readiness request, keyed by dependency name.
	Checks map[string]Checker
}

// Routes binds all the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", liveness(cfg))
		r.Get("/readiness", readiness(cfg))
	})
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

// readyResponse represents the response for readiness check.
type readyResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

func write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		write(w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := make(map[string]string)
		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			cfg.Log.Warn(ctx, "readiness check failed", "failed", failed)
			write(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Failed: failed})
			return
		}
		write(w, http.StatusOK, readyResponse{Status: "ready"})
	}
}
