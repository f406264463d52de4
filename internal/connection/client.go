package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping before the connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Unlike the teacher's server-push
	// protocol, this connection accepts real application frames (RPC calls,
	// state updates), so the limit is generous rather than pong-only-sized.
	maxMessageSize = 1 << 20 // 1 MiB

	// sendBufferSize is the capacity of the outbound frame channel.
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Policy decides, at connect time, the two capability flags spec §4.2
// describes as "policy hooks overridable by subclass":
// shouldConnectionBeReadonly and shouldSendProtocolMessages.
type Policy struct {
	ShouldBeReadonly      func(r *http.Request) bool
	ShouldSendProtocol    func(r *http.Request) bool
	SendIdentityOnConnect bool
}

// Conn is a single attached bidirectional session. id is the "source"
// identity used by BroadcastState's exclude-originator rule and by the
// RPC dispatcher's per-connection context.
type Conn struct {
	registry *Registry
	conn     *websocket.Conn
	send     chan Frame
	methods  *Methods
	log      *zap.Logger

	id         string
	readonly   bool
	noProtocol bool
}

// Accept upgrades an HTTP request to a WebSocket connection, applies the
// connect-time policy decisions, and returns the attached Conn. Callers are
// expected to invoke Run afterward (typically in the same goroutine — the
// HTTP handler has already completed the upgrade, so blocking here is
// fine, matching the teacher's Client.Run contract).
func Accept(registry *Registry, methods *Methods, w http.ResponseWriter, r *http.Request, id string, policy Policy, log *zap.Logger) (*Conn, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		registry: registry,
		conn:     wsConn,
		send:     make(chan Frame, sendBufferSize),
		methods:  methods,
		log:      log.With(zap.String("conn_id", id)),
		id:       id,
	}

	if policy.ShouldBeReadonly != nil {
		c.readonly = policy.ShouldBeReadonly(r)
	}
	sendProtocol := true
	if policy.ShouldSendProtocol != nil {
		sendProtocol = policy.ShouldSendProtocol(r)
	}
	c.noProtocol = !sendProtocol

	return c, nil
}

// IsReadonly reports whether this connection is flagged readonly.
func (c *Conn) IsReadonly() bool { return c.readonly }

// ID returns the connection's source identity.
func (c *Conn) ID() string { return c.id }

// ConnectSequence sends the connect-time identity/state/mcp frames per spec
// §4.2, unless the connection is flagged no-protocol. sendIdentity lets the
// instance opt out of the identity frame independent of SendIdentityOnConnect
// already being consulted by the caller.
func (c *Conn) ConnectSequence(sendIdentity bool, identity, state, mcpSnapshot json.RawMessage) {
	if c.noProtocol {
		return
	}
	if sendIdentity && identity != nil {
		c.sendFrame(Frame{Type: FrameIdentity, State: identity}, c.registry)
	}
	if state != nil {
		c.sendFrame(Frame{Type: FrameState, State: state}, c.registry)
	}
	if mcpSnapshot != nil {
		c.sendFrame(Frame{Type: FrameMCP, State: mcpSnapshot}, c.registry)
	}
}

// Run registers the connection and starts its read/write pumps. It blocks
// until the connection closes.
func (c *Conn) Run(ctx context.Context, onStateFrame func(ctx context.Context, conn *Conn, next json.RawMessage) error) {
	c.registry.Subscribe(c)

	go c.writePump()
	c.readPump(ctx, onStateFrame)
}

// readPump reads inbound frames and dispatches them. Unlike the teacher's
// server-push-only hub, this protocol is bidirectional: RPC requests are
// routed to Methods, and state-update frames are routed to onStateFrame
// (normally statestore.Store.SetState, wired by the owning agent).
func (c *Conn) readPump(ctx context.Context, onStateFrame func(ctx context.Context, conn *Conn, next json.RawMessage) error) {
	defer func() {
		c.registry.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("connection: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("connection: unexpected close", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case FrameRPC:
			Dispatch(ctx, c.methods, c, frame, c.log)

		case FrameState:
			if c.readonly {
				c.sendFrame(Frame{Type: FrameStateError, Error: "state update rejected: connection is readonly"}, c.registry)
				continue
			}
			if onStateFrame == nil {
				continue
			}
			if err := onStateFrame(ctx, c, frame.State); err != nil {
				c.sendFrame(Frame{Type: FrameStateError, Error: err.Error()}, c.registry)
			}

		default:
			c.log.Warn("connection: unrecognized inbound frame type", zap.String("type", string(frame.Type)))
		}
	}
}

// writePump is the only goroutine permitted to write to conn.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("connection: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Warn("connection: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("connection: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("connection: ping error", zap.Error(err))
				return
			}
		}
	}
}

// sendFrame enqueues a frame for delivery, disconnecting the connection if
// its send buffer is full rather than blocking the caller — identical
// backpressure handling to the teacher's Hub.Publish.
func (c *Conn) sendFrame(frame Frame, registry *Registry) {
	select {
	case c.send <- frame:
	default:
		registry.Unsubscribe(c)
	}
}

func (c *Conn) sendRPCResult(id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	c.sendFrame(Frame{Type: FrameRPCResponse, ID: id, Success: boolPtr(true), Result: raw, Done: boolPtr(true)}, c.registry)
	return nil
}

func (c *Conn) sendRPCChunk(id string, chunk any, done bool) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	c.sendFrame(Frame{Type: FrameRPCResponse, ID: id, Success: boolPtr(true), Result: raw, Done: boolPtr(done)}, c.registry)
	return nil
}

func (c *Conn) sendRPCDone(id string) error {
	c.sendFrame(Frame{Type: FrameRPCResponse, ID: id, Success: boolPtr(true), Done: boolPtr(true)}, c.registry)
	return nil
}

func (c *Conn) sendRPCError(id, msg string) error {
	c.sendFrame(Frame{Type: FrameRPCResponse, ID: id, Success: boolPtr(false), Error: msg, Done: boolPtr(true)}, c.registry)
	return nil
}
