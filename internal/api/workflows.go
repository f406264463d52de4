package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentcore-io/agentcore/internal/workflow"
)

// WorkflowHandler exposes read, control (terminate/pause/resume/restart),
// and delete access to the workflow tracker. RunWorkflow itself is not
// exposed here — starting a workflow is an instance-side call, the admin
// surface only observes and manages what is already tracked.
type WorkflowHandler struct {
	t   *workflow.Tracker
	log *zap.Logger
}

// NewWorkflowHandler creates a WorkflowHandler.
func NewWorkflowHandler(t *workflow.Tracker, log *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{t: t, log: log.Named("workflow_handler")}
}

// List handles GET /workflows?name=&status=&limit=&cursor=.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.t.GetWorkflows(r.Context(), workflow.Criteria{
		WorkflowName: q.Get("name"),
		Status:       q.Get("status"),
		Limit:        limit,
		Cursor:       q.Get("cursor"),
	})
	if err != nil {
		h.log.Error("workflows: list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, page)
}

// GetByID handles GET /workflows/{id}.
func (h *WorkflowHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	row, err := h.t.GetWorkflow(r.Context(), id)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, row)
}

// workflowOpRequest carries the binding name a control action dispatches
// through — every Binding method is keyed by name, not by workflow row.
type workflowOpRequest struct {
	Name string `json:"name"`
}

// Terminate handles POST /workflows/{id}/terminate.
func (h *WorkflowHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, h.t.TerminateWorkflow)
}

// Pause handles POST /workflows/{id}/pause.
func (h *WorkflowHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, h.t.PauseWorkflow)
}

// Resume handles POST /workflows/{id}/resume.
func (h *WorkflowHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, h.t.ResumeWorkflow)
}

// Restart handles POST /workflows/{id}/restart.
func (h *WorkflowHandler) Restart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body workflowOpRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.t.RestartWorkflow(r.Context(), body.Name, id, true); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}

// dispatch decodes {"name": "<binding>"} from the body and invokes op with
// the binding name and the {id} path param — the shape shared by
// Terminate/Pause/Resume.
func (h *WorkflowHandler) dispatch(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, name, id string) error) {
	id := chi.URLParam(r, "id")

	var body workflowOpRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := op(r.Context(), body.Name, id); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}

// Delete handles DELETE /workflows/{id}.
func (h *WorkflowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.t.DeleteWorkflow(r.Context(), id); err != nil {
		ErrInternal(w)
		return
	}
	NoContent(w)
}
