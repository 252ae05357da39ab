package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config *config.Config
	Engine *workflow.Engine
	Logger *zap.Logger

	// Authenticate rejects requests without a valid bearer token.
	Authenticate func(http.Handler) http.Handler
	// AuthenticateOptional verifies a token when one is present and lets
	// anonymous callers through as the public role.
	AuthenticateOptional func(http.Handler) http.Handler

	// Metrics may be nil, which disables request metrics.
	Metrics    *observability.Metrics
	Readiness  observability.ReadinessChecks
	PublicRate *ClientRateLimiter
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config.Server

	r := chi.NewRouter()

	// Global middleware, applied to every route including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(cfg.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Operational routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	h := &handlers{engine: deps.Engine, validate: newValidator()}
	passthrough := func(next http.Handler) http.Handler { return next }

	auth := deps.Authenticate
	if auth == nil {
		auth = passthrough
	}
	optional := deps.AuthenticateOptional
	if optional == nil {
		optional = passthrough
	}
	var limiter *ClientRateLimiter
	if cfg.PublicRateLimit.Enabled {
		limiter = deps.PublicRate
		if limiter == nil {
			limiter = NewClientRateLimiter(cfg.PublicRateLimit)
		}
	}

	common := func(r chi.Router) {
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(cfg.HandlerTimeout))
		r.Use(RequestLogging(logger))
	}

	// Public routes: a token is optional, callers are throttled per address.
	r.Group(func(r chi.Router) {
		r.Use(optional)
		common(r)

		r.Get("/animals/{code}", h.getAnimal)
		r.With(RateLimit(limiter, deps.Metrics)).Post("/applications", h.submitApplication)
		r.With(RateLimit(limiter, deps.Metrics)).Post("/contracts/{id}/submit", h.submitContract)
	})

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(auth)
		common(r)

		r.Post("/animals", h.registerAnimal)
		r.Get("/animals/{code}/applications", h.listApplications)
		r.Get("/applications/{id}", h.getApplication)
		r.Post("/applications/{id}/interviews", h.createInterview)
		r.Post("/applications/{id}/contract", h.createContract)
		r.Post("/{kind}/{id}/transitions", h.requestTransition)
	})

	return r
}
