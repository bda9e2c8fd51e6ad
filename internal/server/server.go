// Package server implements the filestore HTTP gateway and its router.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/filestore/internal/config"
	"github.com/bleepstore/filestore/internal/handlers"
	"github.com/bleepstore/filestore/internal/storage"
)

// Server is the filestore HTTP gateway. It exposes the storage facade of
// every configured target under /files/{target}/.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	factory    *storage.Factory
	files      *handlers.FileHandler
	httpServer *http.Server
}

// HealthCheck is the result of one target's backend check.
type HealthCheck struct {
	Status string `json:"status" example:"ok" doc:"ok or error"`
	Error  string `json:"error,omitempty" doc:"Failure detail"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]HealthCheck `json:"checks,omitempty" doc:"Per-target checks of resolved adapters"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// TargetsOutput is the Huma output struct for the target listing.
type TargetsOutput struct {
	Body struct {
		Targets []handlers.TargetInfo `json:"targets" doc:"Configured storage targets"`
	}
}

// New creates a new Server with the given configuration and adapter factory
// and wires up all routes on the Chi router with Huma API.
func New(cfg *config.Config, factory *storage.Factory) (*Server, error) {
	router := chi.NewMux()
	router.Use(middleware.Recoverer)

	humaConfig := huma.DefaultConfig("filestore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		factory: factory,
		files:   handlers.NewFileHandler(factory, cfg.Server.MaxObjectSize),
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /targets, /docs, /openapi) and /metrics are
// registered first, then the file routes.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the gateway and, when enabled, of every resolved storage target.",
		Tags:        []string{"System"},
	}, s.health)

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/targets",
		Summary:     "List storage targets",
		Description: "Lists configured targets with their adapter kind and streaming capability.",
		Tags:        []string{"Storage"},
	}, func(ctx context.Context, input *struct{}) (*TargetsOutput, error) {
		out := &TargetsOutput{}
		out.Body.Targets = s.files.ListTargets(ctx)
		return out, nil
	})

	if s.cfg.Observability.HealthCheck {
		// Liveness: the process is serving.
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		// Readiness: every resolved target passes its backend check.
		s.router.Get("/readyz", s.readyz)
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Route("/files/{target}", func(r chi.Router) {
		r.Get("/*", s.files.GetFile)
		r.Head("/*", s.files.HeadFile)
		r.Put("/*", s.files.PutFile)
		r.Delete("/*", s.files.DeleteFile)
		r.Post("/*", s.files.PostFile)
	})
}

// health reports "ok", or "degraded" with a 503 when a resolved target
// fails its backend check.
func (s *Server) health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if !s.cfg.Observability.HealthCheck || s.factory == nil {
		return out, nil
	}

	results := s.factory.HealthCheck(ctx)
	out.Body.Checks = make(map[string]HealthCheck, len(results))
	for name, err := range results {
		if err != nil {
			out.Body.Checks[name] = HealthCheck{Status: "error", Error: err.Error()}
			out.Body.Status = "degraded"
			out.Status = http.StatusServiceUnavailable
			continue
		}
		out.Body.Checks[name] = HealthCheck{Status: "ok"}
	}
	return out, nil
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.factory != nil {
		for name, err := range s.factory.HealthCheck(r.Context()) {
			if err != nil {
				slog.Warn("readiness check failed", "target", name, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}
