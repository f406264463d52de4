package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentcore-io/agentcore/internal/storage"
)

// ScheduleHandler exposes read/cancel access to the persisted schedule
// table. Creation happens through an instance's own callback-bearing code,
// not this admin surface — spec §4.3's `schedule`/`scheduleEvery` calls take
// a Go closure as the callback, which an HTTP body cannot carry.
type ScheduleHandler struct {
	db       *gorm.DB
	cancelFn func(ctx context.Context, id string) error
	log      *zap.Logger
}

// NewScheduleHandler creates a ScheduleHandler. cancel is wired to the
// owning Scheduler's CancelSchedule.
func NewScheduleHandler(db *gorm.DB, cancel func(ctx context.Context, id string) error, log *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{db: db, cancelFn: cancel, log: log.Named("schedule_handler")}
}

// List handles GET /schedules, returning every persisted row ordered by due
// time (earliest first) — the same order the Scheduler's own alarm consults.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	var rows []storage.Schedule
	if err := h.db.WithContext(r.Context()).Order("time asc").Find(&rows).Error; err != nil {
		h.log.Error("schedules: list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, rows)
}

// GetByID handles GET /schedules/{id}.
func (h *ScheduleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var row storage.Schedule
	err := h.db.WithContext(r.Context()).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.log.Error("schedules: get failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, row)
}

// Delete handles DELETE /schedules/{id}, cancelling the row through the
// owning Scheduler so the alarm timer is re-armed if this was the next due
// row.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.cancelFn(r.Context(), id); err != nil {
		ErrInternal(w)
		return
	}
	NoContent(w)
}
