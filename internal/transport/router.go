package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/idempotency"
	"github.com/carewire/handoff/internal/intake"
	"github.com/carewire/handoff/internal/observability"
	"github.com/carewire/handoff/internal/session"
	"github.com/carewire/handoff/internal/stream"
	"github.com/carewire/handoff/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
// Idempotency, Sessions, Intake and Metrics are optional; nil disables the
// corresponding behavior.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Store       casestore.Store
	Hub         *stream.Hub
	Journal     *workflow.Journal
	Coordinator *workflow.Coordinator
	Idempotency idempotency.Store
	Sessions    *session.Manager
	Intake      *intake.Validator
	Metrics     *observability.Metrics
	Readiness   observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness and metrics bypass the API chain.
// The stream route is registered outside the handler timeout because it
// holds its response open for the life of the case.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	r.Route("/api/cases", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(BuildRequestContext(deps.Logger))
		r.Use(RequestLogging(deps.Logger))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
			r.Post("/", handleSubmitCase(deps))
			r.Get("/", handleListCases(deps))
		})

		r.Route("/{caseID}", func(r chi.Router) {
			r.Use(SessionGuard(cfg.Session, deps.Sessions))

			r.Group(func(r chi.Router) {
				r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
				r.Get("/", handleGetCase(deps))
				r.Delete("/", handleDeleteCase(deps))
			})

			r.Get("/stream", handleStream(deps))
		})
	})

	return r
}
