package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/stagegate/internal/observability"
	"github.com/pitabwire/stagegate/internal/openapi"
	"github.com/pitabwire/stagegate/internal/workflow"
	"github.com/pitabwire/stagegate/model"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// requireRequestContext writes a 401 and returns nil when the request carries
// no resolved identity.
func requireRequestContext(w http.ResponseWriter, r *http.Request) *model.RequestContext {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
	}
	return rctx
}

// annotate adds attributes to the request span.
func annotate(r *http.Request, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(r.Context()).SetAttributes(attrs...)
}

func handleWorkflowStart(engine *workflow.Engine, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requireRequestContext(w, r)
		if rctx == nil {
			return
		}
		workflowType := chi.URLParam(r, "workflowType")

		var body startRequest
		if err := decodeBody(r, contract, "startWorkflow", &body); err != nil {
			WriteError(w, err)
			return
		}
		annotate(r, observability.AttrWorkflowType.String(workflowType), observability.AttrOrderRef.String(body.OrderRef))

		inst, err := engine.Start(r.Context(), rctx, workflowType, body.OrderRef)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}
		instanceID := chi.URLParam(r, "instanceId")
		annotate(r, observability.AttrInstanceID.String(instanceID))

		inst, err := engine.GetInstance(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowByOrder(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}
		orderRef := chi.URLParam(r, "orderRef")
		annotate(r, observability.AttrOrderRef.String(orderRef))

		inst, err := engine.GetByOrderRef(r.Context(), orderRef)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowEvents(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}
		instanceID := chi.URLParam(r, "instanceId")
		annotate(r, observability.AttrInstanceID.String(instanceID))

		// Surface NOT_FOUND for unknown instances rather than an empty trail.
		if _, err := engine.GetInstance(r.Context(), instanceID); err != nil {
			WriteError(w, err)
			return
		}
		events, err := engine.Events(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.TransitionEvent{}
		}
		WriteJSON(w, http.StatusOK, dataResponse{Data: events})
	}
}

func handleWorkflowCancel(engine *workflow.Engine, contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requireRequestContext(w, r)
		if rctx == nil {
			return
		}
		instanceID := chi.URLParam(r, "instanceId")
		annotate(r, observability.AttrInstanceID.String(instanceID))

		var body cancelRequest
		if err := decodeBody(r, contract, "cancelInstance", &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Cancel(r.Context(), rctx, instanceID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}

		filters := model.WorkflowFilters{
			WorkflowType: r.URL.Query().Get("workflow_type"),
			Status:       r.URL.Query().Get("status"),
			Page:         queryInt(r, "page", 1),
			PageSize:     queryInt(r, "page_size", defaultPageSize),
		}
		if filters.Page < 1 {
			filters.Page = 1
		}
		if filters.PageSize < 1 || filters.PageSize > maxPageSize {
			filters.PageSize = defaultPageSize
		}

		items, total, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, dataResponse{
			Data: items,
			Meta: &pageMeta{TotalCount: total, Page: filters.Page, PageSize: filters.PageSize},
		})
	}
}

func handleTemplateList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}
		WriteJSON(w, http.StatusOK, dataResponse{Data: engine.Templates()})
	}
}

func handleTemplateGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireRequestContext(w, r) == nil {
			return
		}
		workflowType := chi.URLParam(r, "workflowType")
		for _, tmpl := range engine.Templates() {
			if tmpl.Type == workflowType {
				WriteJSON(w, http.StatusOK, tmpl)
				return
			}
		}
		WriteError(w, model.NewUnknownWorkflowTypeError(workflowType))
	}
}

func handleContract(contract *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if contract == nil {
			WriteNotFound(w, "API contract not loaded")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(contract.Raw())
	}
}

// queryInt extracts an integer query parameter with a default value.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
