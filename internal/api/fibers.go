package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/fiber"
	"github.com/agentcore-io/agentcore/internal/storage"
)

// FiberHandler exposes read, cancel and restart access to the fiber engine.
// Spawn is not exposed here for the same callback-portability reason as
// schedules and queue items.
type FiberHandler struct {
	db  *gorm.DB
	e   *fiber.Engine
	log *zap.Logger
}

// NewFiberHandler creates a FiberHandler.
func NewFiberHandler(db *gorm.DB, e *fiber.Engine, log *zap.Logger) *FiberHandler {
	return &FiberHandler{db: db, e: e, log: log.Named("fiber_handler")}
}

// List handles GET /fibers, optionally filtered by ?status=.
func (h *FiberHandler) List(w http.ResponseWriter, r *http.Request) {
	q := h.db.WithContext(r.Context()).Order("created_at asc")
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var rows []storage.Fiber
	if err := q.Find(&rows).Error; err != nil {
		h.log.Error("fibers: list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, rows)
}

// GetByID handles GET /fibers/{id}.
func (h *FiberHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	row, err := h.e.GetFiber(r.Context(), id)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, row)
}

// Cancel handles POST /fibers/{id}/cancel.
func (h *FiberHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.e.CancelFiber(r.Context(), id); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}

// Restart handles POST /fibers/{id}/restart.
func (h *FiberHandler) Restart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.e.RestartFiber(r.Context(), id); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}
