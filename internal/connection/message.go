// Package connection implements the bidirectional session registry from
// spec §4.2: unlike the teacher's server-push-only WebSocket hub, readPump
// here parses inbound frames and dispatches them to RPC methods or state
// updates, and every connection carries readonly/no-protocol capability
// flags that gate which frames it receives and which actions it may take.
package connection

import "encoding/json"

// FrameType identifies the kind of envelope carried over the wire.
type FrameType string

const (
	// FrameIdentity is sent once on connect (unless suppressed per instance
	// config) so the client knows which instance it attached to.
	FrameIdentity FrameType = "identity"

	// FrameState carries the current state snapshot, sent on connect and on
	// every subsequent broadcast.
	FrameState FrameType = "cf_agent_state"

	// FrameStateError is sent back to the originating connection when a
	// state-update frame is rejected (readonly connection or failed
	// validation).
	FrameStateError FrameType = "cf_agent_state_error"

	// FrameMCP carries a snapshot of the MCP subsystem state sent on
	// connect. This runtime only tracks the contract the MCP client/server
	// layer expects (§1 scopes MCP integration itself out); the snapshot
	// payload is opaque and supplied by the owning agent.
	FrameMCP FrameType = "mcp_snapshot"

	// FrameRPC is an inbound RPC request.
	FrameRPC FrameType = "rpc"

	// FrameRPCResponse is an outbound RPC response (non-streaming, or one
	// chunk of a streaming response).
	FrameRPCResponse FrameType = "rpc_response"

	// FramePing keeps parity with the teacher's periodic keepalive frame.
	FramePing FrameType = "ping"
)

// Frame is the single envelope shape used for every message in both
// directions, mirroring the teacher's Message envelope but adding the
// fields an RPC protocol needs (id, method, args, success/error/done).
type Frame struct {
	Type FrameType `json:"type"`

	// State carries the payload for FrameState/FrameMCP/FrameIdentity.
	State json.RawMessage `json:"state,omitempty"`

	// Error carries a human-readable message for FrameStateError and failed
	// RPC responses.
	Error string `json:"error,omitempty"`

	// RPC request fields (inbound FrameRPC).
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`

	// RPC response fields (outbound FrameRPCResponse).
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Done    *bool           `json:"done,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
