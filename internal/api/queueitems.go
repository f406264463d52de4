package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentcore-io/agentcore/internal/queue"
	"github.com/agentcore-io/agentcore/internal/storage"
)

// QueueHandler exposes read access to the durable task queue. Enqueue is
// deliberately not exposed here for the same reason Schedule creation is
// not: spec §4.4's `enqueue` callback is a Go closure, not an HTTP-portable
// value.
type QueueHandler struct {
	q   *queue.Queue
	log *zap.Logger
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(q *queue.Queue, log *zap.Logger) *QueueHandler {
	return &QueueHandler{q: q, log: log.Named("queue_handler")}
}

// List handles GET /queue, optionally filtered by ?callback=.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	callback := r.URL.Query().Get("callback")

	var (
		rows []storage.QueueItem
		err  error
	)
	if callback != "" {
		rows, err = h.q.GetQueues(r.Context(), callback)
	} else {
		rows, err = h.q.ListQueues(r.Context())
	}
	if err != nil {
		h.log.Error("queue: list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, rows)
}

// GetByID handles GET /queue/{id}.
func (h *QueueHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	row, err := h.q.GetQueue(r.Context(), id)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, row)
}
