package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/internal/config"
	"github.com/pitabwire/stagegate/internal/evidence"
	"github.com/pitabwire/stagegate/internal/idempotency"
	"github.com/pitabwire/stagegate/internal/observability"
	"github.com/pitabwire/stagegate/internal/openapi"
	"github.com/pitabwire/stagegate/internal/workflow"
	"github.com/pitabwire/stagegate/model"
)

// requestOverhead is the body allowance on top of the evidence upload limit
// for multipart framing and form fields.
const requestOverhead = 1 << 20

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	RoleResolver model.RoleResolver
	Engine       *workflow.Engine
	Evidence     evidence.Store
	Idempotency  idempotency.Store
	Contract     *openapi.Index
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API contract
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(InjectLogger(deps.Logger))
	r.Use(Recovery)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}
	r.Get("/api/v1/openapi.yaml", handleContract(deps.Contract))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	// Metrics and evidence recorders stay nil interfaces when metrics are off.
	var (
		replays ReplayRecorder
		uploads EvidenceRecorder
	)
	if deps.Metrics != nil {
		replays = deps.Metrics
		uploads = deps.Metrics
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(ResolveRoles(deps.RoleResolver))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(BodyLimit(cfg.Evidence.MaxUploadBytes + requestOverhead))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		if cfg.Idempotency.Enabled {
			r.Use(Idempotency(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, replays))
		}

		engine := deps.Engine
		contract := deps.Contract

		r.Get("/api/v1/templates", handleTemplateList(engine))
		r.Get("/api/v1/templates/{workflowType}", handleTemplateGet(engine))
		r.Post("/api/v1/workflows/{workflowType}/instances", handleWorkflowStart(engine, contract))

		r.Get("/api/v1/instances", handleWorkflowList(engine))
		r.Get("/api/v1/instances/{instanceId}", handleWorkflowGet(engine))
		r.Get("/api/v1/instances/{instanceId}/events", handleWorkflowEvents(engine))
		r.Post("/api/v1/instances/{instanceId}/cancel", handleWorkflowCancel(engine, contract))
		r.Get("/api/v1/orders/{orderRef}/instance", handleWorkflowByOrder(engine))

		const stage = "/api/v1/instances/{instanceId}/stages/{stageKey}"
		r.Post(stage+"/evidence", handleAttachEvidence(engine, deps.Evidence, contract, uploads))
		r.Get(stage+"/evidence/{evidenceId}/content", handleEvidenceContent(engine, deps.Evidence))
		r.Post(stage+"/submit", handleStageSubmit(engine, contract))
		r.Post(stage+"/approve", handleStageApprove(engine, contract))
		r.Post(stage+"/reject", handleStageReject(engine, contract))
		r.Post(stage+"/complete", handleStageComplete(engine, contract))
		r.Get(stage+"/history", handleStageHistory(engine))
	})

	return r
}
