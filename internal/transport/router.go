package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/config"
	"github.com/pitabwire/covenant/internal/escalation"
	"github.com/pitabwire/covenant/internal/idempotency"
	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/signing"
	"github.com/pitabwire/covenant/internal/workflow"
	"github.com/pitabwire/covenant/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Workflow   *workflow.Engine
	Escalation *escalation.Monitor
	Signing    *signing.Engine
	Ledger     *audit.Ledger

	// Optional.
	Metrics     *observability.Metrics
	MetricsView http.Handler
	Idempotency idempotency.Store
	Readiness   observability.ReadinessChecks
}

type api struct {
	workflow   *workflow.Engine
	escalation *escalation.Monitor
	signing    *signing.Engine
	ledger     *audit.Ledger
	logger     *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the public signing
// routes bypass authentication; signers are identified by their link token.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	a := &api{
		workflow:   deps.Workflow,
		escalation: deps.Escalation,
		signing:    deps.Signing,
		ledger:     deps.Ledger,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(EchoRequestID)
	r.Use(middleware.RealIP)
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		view := deps.MetricsView
		if view == nil {
			view = observability.Handler()
		}
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, view)
	}

	r.Group(func(r chi.Router) {
		r.Use(MaxBody(cfg.Server.MaxUploadBytes))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/sign/{token}", a.handleSignView)
		r.Post("/sign/{token}", a.handleSignCapture)
		r.Post("/sign/{token}/decline", a.handleSignDecline)
	})

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				WriteError(w, model.NewUnauthorizedError("Authentication is not configured"))
			})
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(MaxBody(cfg.Server.MaxUploadBytes))
		r.Use(auth)
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotent(deps.Idempotency, cfg.Idempotency.DefaultTTL, logger))

		need := RequireCapability

		r.With(need(model.CapWorkflowsView)).Get("/templates", a.handleTemplateList)
		r.With(need(model.CapTemplatesManage)).Post("/templates", a.handleTemplateCreate)
		r.With(need(model.CapWorkflowsView)).Get("/templates/{templateId}", a.handleTemplateGet)
		r.With(need(model.CapTemplatesManage)).Put("/templates/{templateId}", a.handleTemplateUpdate)
		r.With(need(model.CapTemplatesPublish)).Post("/templates/{templateId}/publish", a.handleTemplatePublish)
		r.With(need(model.CapWorkflowsView)).Get("/templates/{templateId}/versions/{version}", a.handleTemplateVersion)
		r.With(need(model.CapWorkflowsView)).Get("/templates/{templateId}/escalation-rules", a.handleRuleList)
		r.With(need(model.CapEscalationsManage)).Post("/templates/{templateId}/escalation-rules", a.handleRuleCreate)

		r.With(need(model.CapWorkflowsStart)).Post("/workflows", a.handleWorkflowStart)
		r.With(need(model.CapWorkflowsView)).Get("/workflows/{instanceId}", a.handleWorkflowGet)
		r.With(need(model.CapWorkflowsAct)).Post("/workflows/{instanceId}/actions", a.handleWorkflowAction)
		r.With(need(model.CapWorkflowsView)).Get("/workflows/{instanceId}/history", a.handleWorkflowHistory)
		r.With(need(model.CapWorkflowsView)).Get("/contracts/{contractId}/workflow", a.handleContractWorkflow)

		r.With(need(model.CapWorkflowsView)).Get("/escalations", a.handleEscalationList)
		r.With(need(model.CapEscalationsManage)).Post("/escalations/{eventId}/resolve", a.handleEscalationResolve)

		r.With(need(model.CapSigningManage)).Post("/signing-sessions", a.handleSessionCreate)
		r.With(need(model.CapSigningView)).Get("/signing-sessions/{sessionId}", a.handleSessionGet)
		r.With(need(model.CapSigningManage)).Post("/signing-sessions/{sessionId}/advance", a.handleSessionAdvance)
		r.With(need(model.CapSigningManage)).Post("/signing-sessions/{sessionId}/cancel", a.handleSessionCancel)
		r.With(need(model.CapSigningView)).Get("/signing-sessions/{sessionId}/certificate", a.handleSessionCertificate)
		r.With(need(model.CapAuditView)).Get("/signing-sessions/{sessionId}/audit", a.handleSessionTrail)
		r.With(need(model.CapSigningManage)).Post("/signers/{signerId}/send", a.handleSignerSend)
		r.With(need(model.CapSigningManage)).Post("/signers/{signerId}/remind", a.handleSignerRemind)

		r.With(need(model.CapAuditView)).Get("/audit", a.handleAuditList)
	})

	return r
}

// actorOf returns the authenticated actor. Routes under /api/v1 always
// have one.
func actorOf(r *http.Request) model.Actor {
	if a := model.ActorFrom(r.Context()); a != nil {
		return *a
	}
	return model.Actor{}
}

// fail logs errors that carry no envelope and writes the error response.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	if model.ErrorCode(err) == "" {
		observability.RequestLogger(r.Context(), a.logger).Error("request failed",
			zap.String("route", routeOf(r)),
			zap.Error(err),
		)
	}
	WriteError(w, err)
}
