package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/complyvue/approvald/internal/engine"
	"github.com/complyvue/approvald/model"
)

func handleInstanceStart(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		inst, err := eng.Start(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := eng.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.InstanceFilters{
			Status:     r.URL.Query().Get("status"),
			EntityType: r.URL.Query().Get("entity_type"),
			TemplateID: r.URL.Query().Get("template_id"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}

		instances, err := eng.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   instances,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleInstancePending(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instances, err := eng.PendingFor(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        instances,
			"total_count": len(instances),
		})
	}
}

// handleInstanceAction serves approve, reject, request-changes, and skip,
// which share a request body shape.
func handleInstanceAction(fn func(r *http.Request, instanceID string, in engine.ActionInput) (model.WorkflowInstance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in engine.ActionInput
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		inst, err := fn(r, chi.URLParam(r, "instanceId"), in)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceDelegate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DelegateTo string `json:"delegate_to"`
			Comment    string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		inst, err := eng.Delegate(r.Context(), chi.URLParam(r, "instanceId"), body.DelegateTo,
			engine.ActionInput{Comment: body.Comment})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceCancel(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		inst, err := eng.Cancel(r.Context(), chi.URLParam(r, "instanceId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
