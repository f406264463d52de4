package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentcore-io/agentcore/internal/agent"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
type RouterConfig struct {
	Instance *agent.Instance
	Logger   *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router: the
// WebSocket upgrade endpoint, admin inspection routes over the scheduler,
// queue, fiber engine, workflow tracker and state, and a Prometheus
// /metrics endpoint. Every route but /healthz and /metrics is gated by the
// instance's static bearer token.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	reg := registerMetrics(cfg.Instance)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	wsHandler := NewWSHandler(cfg.Instance, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Instance.DB, cfg.Instance.Scheduler.CancelSchedule, cfg.Logger)
	queueHandler := NewQueueHandler(cfg.Instance.Queue, cfg.Logger)
	fiberHandler := NewFiberHandler(cfg.Instance.DB, cfg.Instance.Fiber, cfg.Logger)
	workflowHandler := NewWorkflowHandler(cfg.Instance.Workflow, cfg.Logger)
	stateHandler := NewStateHandler(cfg.Instance, cfg.Logger)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Instance.TokenCheck))

		r.Get("/ws", wsHandler.ServeWS)

		r.Get("/state", stateHandler.Get)
		r.Put("/state", stateHandler.Put)

		r.Get("/schedules", scheduleHandler.List)
		r.Get("/schedules/{id}", scheduleHandler.GetByID)
		r.Delete("/schedules/{id}", scheduleHandler.Delete)

		r.Get("/queue", queueHandler.List)
		r.Get("/queue/{id}", queueHandler.GetByID)

		r.Get("/fibers", fiberHandler.List)
		r.Get("/fibers/{id}", fiberHandler.GetByID)
		r.Post("/fibers/{id}/cancel", fiberHandler.Cancel)
		r.Post("/fibers/{id}/restart", fiberHandler.Restart)

		r.Get("/workflows", workflowHandler.List)
		r.Get("/workflows/{id}", workflowHandler.GetByID)
		r.Post("/workflows/{id}/terminate", workflowHandler.Terminate)
		r.Post("/workflows/{id}/pause", workflowHandler.Pause)
		r.Post("/workflows/{id}/resume", workflowHandler.Resume)
		r.Post("/workflows/{id}/restart", workflowHandler.Restart)
		r.Delete("/workflows/{id}", workflowHandler.Delete)
	})

	return r
}
