package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcore-io/agentcore/internal/agent"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws. Unlike the
// teacher's topic-subscription hub, every connection here attaches to the
// same instance and receives the same state/identity broadcast sequence —
// there is no per-client topic filter, because there is only one state
// blob per instance (spec §4.1/§4.2).
type WSHandler struct {
	inst *agent.Instance
	log  *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(inst *agent.Instance, log *zap.Logger) *WSHandler {
	return &WSHandler{inst: inst, log: log.Named("ws_handler")}
}

// ServeWS handles GET /ws. It accepts the upgrade, runs the connect-time
// identity/state sequence, and blocks serving the connection's read/write
// pumps until the socket closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("connection_id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := h.inst.AcceptConnection(r.Context(), w, r, id, nil)
	if err != nil {
		h.log.Warn("ws: accept failed", zap.Error(err))
		return
	}

	h.log.Info("ws: client connected", zap.String("conn_id", id), zap.String("remote_addr", r.RemoteAddr))
	h.inst.RunConnection(r.Context(), conn)
	h.log.Info("ws: client disconnected", zap.String("conn_id", id), zap.String("remote_addr", r.RemoteAddr))
}
