package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/complyvue/approvald/internal/template"
	"github.com/complyvue/approvald/model"
)

func handleTemplateCreate(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var tpl model.WorkflowTemplate
		if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		created, err := svc.Create(r.Context(), rctx, tpl)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleTemplateGet(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		tpl, err := svc.Get(r.Context(), rctx, chi.URLParam(r, "templateId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateList(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.TemplateFilters{
			Status:         r.URL.Query().Get("status"),
			ApplicableType: r.URL.Query().Get("applicable_type"),
		}
		templates, err := svc.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        templates,
			"total_count": len(templates),
		})
	}
}

func handleTemplateUpdate(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var patch template.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		tpl, err := svc.Update(r.Context(), rctx, chi.URLParam(r, "templateId"), patch)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

// handleTemplateTransition serves the activate, deactivate, and archive
// endpoints, which differ only in the service call.
func handleTemplateTransition(fn func(r *http.Request, rctx *model.RequestContext, templateID string) (model.WorkflowTemplate, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		tpl, err := fn(r, rctx, chi.URLParam(r, "templateId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}
