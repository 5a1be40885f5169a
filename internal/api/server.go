// Package api is the tenant-authorized HTTP edge of the execution service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/execution-service/internal/api/health"
	app "github.com/ahrav/execution-service/internal/app/execution"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
	"github.com/ahrav/execution-service/pkg/common/logger"
	"github.com/ahrav/execution-service/pkg/common/otel"
)

// Queries serves tenant reads.
type Queries interface {
	List(ctx context.Context, tenantID string, f app.ListFilter) (domain.Page, error)
	Get(ctx context.Context, key domain.Key) (*domain.Execution, error)
}

// Updates applies runner callbacks.
type Updates interface {
	Register(ctx context.Context, req domain.UpdateRequest) (*domain.Execution, error)
	UpdateControlStatus(ctx context.Context, req domain.UpdateRequest) (*domain.Execution, error)
	VendorJobStart(ctx context.Context, req domain.VendorJobIDUpdateRequest) (*domain.Execution, error)
	ValidateDispatched(ctx context.Context, req domain.ValidateDispatchedRequest) (*domain.Execution, error)
}

// DataFetcher serves the one-shot dispatch payload.
type DataFetcher interface {
	Fetch(ctx context.Context, key domain.Key) (*domain.DispatchPayload, error)
}

var (
	_ Queries     = (*app.QueryService)(nil)
	_ Updates     = (*app.StateUpdater)(nil)
	_ DataFetcher = (*app.DataService)(nil)
)

// Config contains all the systems the edge needs.
type Config struct {
	Build   string
	Queries Queries
	Updates Updates
	Data    DataFetcher
	Auth    Authorizer
	Metrics APIMetrics
	// Readiness checks, keyed by dependency name.
	Checks map[string]health.Checker
	// MaxBodyBytes bounds request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Server routes HTTP requests to the lifecycle services.
type Server struct {
	queries Queries
	updates Updates
	data    DataFetcher
	auth    Authorizer
	metrics APIMetrics
	maxBody int64

	logger  *logger.Logger
	handler http.Handler
}

// NewServer builds the edge handler.
func NewServer(cfg Config, log *logger.Logger) *Server {
	s := &Server{
		queries: cfg.Queries,
		updates: cfg.Updates,
		data:    cfg.Data,
		auth:    cfg.Auth,
		metrics: cfg.Metrics,
		maxBody: cfg.MaxBodyBytes,
		logger:  log.With("component", "api"),
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	health.Routes(r, health.Config{Build: cfg.Build, Log: s.logger, Checks: cfg.Checks})
	s.routes(r)

	s.handler = otelhttp.NewHandler(r, "execution-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/v1/health" && r.URL.Path != "/v1/readiness"
		}),
	)
	return s
}

func (s *Server) routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.authorized)

		r.Get("/", s.handleList)
		r.Get("/execution", s.handleGet)
		r.Get("/execution-data", s.handleExecutionData)
		r.Get("/validate-dispatched", s.handleValidateDispatched)
		r.Post("/register", s.handleRegister)
		r.Post("/completed", s.handleCompleted)
		r.Post("/vendor-job-start", s.handleVendorJobStart)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// observe records request metrics and a completion log line. It sits
// outside the recoverer so panics are counted as 500s.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		ctx := r.Context()
		route := routePattern(r)
		s.metrics.IncRequestsTotal(ctx, r.Method, route, m.Code)
		s.metrics.ObserveRequestDuration(ctx, r.Method, route, m.Duration)
		s.logger.Info(ctx, "Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"duration", m.Duration.String(),
			"request_id", middleware.GetReqID(ctx),
			"trace_id", otel.GetTraceID(ctx),
		)
	})
}

// routePattern returns the matched chi route, or "unmatched".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// authorized resolves the caller's tenant before the route handler runs.
func (s *Server) authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := s.auth.Authorize(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenantID)))
	})
}

// Run serves on addr until ctx is canceled, then drains for up to
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
