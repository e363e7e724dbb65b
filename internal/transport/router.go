package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/complyvue/approvald/internal/config"
	"github.com/complyvue/approvald/internal/engine"
	"github.com/complyvue/approvald/internal/observability"
	"github.com/complyvue/approvald/internal/template"
	"github.com/complyvue/approvald/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Templates    *template.Service
	Engine       *engine.Engine
	Metrics      *observability.Metrics
	Ready        http.HandlerFunc
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	if deps.Ready != nil {
		r.Get("/ready", deps.Ready)
	}
	if deps.Config.Observability.Metrics.Enabled {
		r.Get(deps.Config.Observability.Metrics.Path, observability.Handler().ServeHTTP)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", handleTemplateCreate(deps.Templates))
			r.Get("/", handleTemplateList(deps.Templates))
			r.Get("/{templateId}", handleTemplateGet(deps.Templates))
			r.Put("/{templateId}", handleTemplateUpdate(deps.Templates))
			r.Post("/{templateId}/activate", handleTemplateTransition(
				func(r *http.Request, rctx *model.RequestContext, id string) (model.WorkflowTemplate, error) {
					return deps.Templates.Activate(r.Context(), rctx, id)
				}))
			r.Post("/{templateId}/deactivate", handleTemplateTransition(
				func(r *http.Request, rctx *model.RequestContext, id string) (model.WorkflowTemplate, error) {
					return deps.Templates.Deactivate(r.Context(), rctx, id)
				}))
			r.Post("/{templateId}/archive", handleTemplateTransition(
				func(r *http.Request, rctx *model.RequestContext, id string) (model.WorkflowTemplate, error) {
					return deps.Templates.Archive(r.Context(), rctx, id)
				}))
		})

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", handleInstanceStart(deps.Engine))
			r.Get("/", handleInstanceList(deps.Engine))
			r.Get("/pending", handleInstancePending(deps.Engine))
			r.Get("/{instanceId}", handleInstanceGet(deps.Engine))
			r.Post("/{instanceId}/approve", handleInstanceAction(
				func(r *http.Request, id string, in engine.ActionInput) (model.WorkflowInstance, error) {
					return deps.Engine.Approve(r.Context(), id, in)
				}))
			r.Post("/{instanceId}/reject", handleInstanceAction(
				func(r *http.Request, id string, in engine.ActionInput) (model.WorkflowInstance, error) {
					return deps.Engine.Reject(r.Context(), id, in)
				}))
			r.Post("/{instanceId}/request-changes", handleInstanceAction(
				func(r *http.Request, id string, in engine.ActionInput) (model.WorkflowInstance, error) {
					return deps.Engine.RequestChanges(r.Context(), id, in)
				}))
			r.Post("/{instanceId}/skip", handleInstanceAction(
				func(r *http.Request, id string, in engine.ActionInput) (model.WorkflowInstance, error) {
					return deps.Engine.Skip(r.Context(), id, in)
				}))
			r.Post("/{instanceId}/delegate", handleInstanceDelegate(deps.Engine))
			r.Post("/{instanceId}/cancel", handleInstanceCancel(deps.Engine))
		})
	})

	return r
}
