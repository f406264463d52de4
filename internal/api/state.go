package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentcore-io/agentcore/internal/agent"
)

// StateHandler exposes the instance's current state blob for inspection.
type StateHandler struct {
	inst *agent.Instance
	log  *zap.Logger
}

// NewStateHandler creates a StateHandler.
func NewStateHandler(inst *agent.Instance, log *zap.Logger) *StateHandler {
	return &StateHandler{inst: inst, log: log.Named("state_handler")}
}

// Get handles GET /state, returning the current state blob verbatim.
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.inst.State.State(r.Context())
	if err != nil {
		h.log.Error("state: failed to load", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, state)
}

// Put handles PUT /state, applying a caller-initiated update with source
// "admin-api" so the broadcast exclusion rule treats this request like any
// other connection rather than special-casing it.
func (h *StateHandler) Put(w http.ResponseWriter, r *http.Request) {
	var body any
	if !decodeJSON(w, r, &body) {
		return
	}

	next, err := json.Marshal(body)
	if err != nil {
		ErrBadRequest(w, "invalid state payload")
		return
	}

	if err := h.inst.State.SetState(r.Context(), next, "admin-api", false); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}
