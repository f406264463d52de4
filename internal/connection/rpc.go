package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MethodFunc implements one RPC-callable method. A non-streaming method
// returns (result, nil) and ignores sink. A streaming method calls
// sink.Send repeatedly and finishes with sink.End (or lets a returned error
// propagate, which the dispatcher turns into sink.Error automatically) —
// "unhandled exceptions inside streaming methods auto-close with error."
type MethodFunc func(ctx context.Context, conn *Conn, args json.RawMessage, sink *Sink) (result any, err error)

// Methods is the set of RPC-callable methods for an instance. Per spec
// §4.2, "the target method must be explicitly marked callable" — a plain
// Go method reachable via reflection would violate that, so callers must
// explicitly Register each name, mirroring the instance's own capability
// surface described in spec §4.2's polymorphic hook list.
type Methods struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
}

// NewMethods returns an empty callable-method registry.
func NewMethods() *Methods {
	return &Methods{methods: make(map[string]MethodFunc)}
}

// Register marks name as callable via RPC.
func (m *Methods) Register(name string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = fn
}

func (m *Methods) lookup(name string) (MethodFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.methods[name]
	return fn, ok
}

// Sink is the opaque streaming-response object handed to RPC methods.
// send/end/error map directly onto spec §4.2's contract. It is safe to call
// from the goroutine running the method only — like the rest of this
// runtime's execution model, there is no cross-goroutine concurrency here.
type Sink struct {
	conn   *Conn
	id     string
	used   bool
	closed bool
}

// Send emits one non-final chunk: {success:true, result, done:false}.
func (s *Sink) Send(chunk any) error {
	if s.closed {
		return nil
	}
	s.used = true
	return s.conn.sendRPCChunk(s.id, chunk, false)
}

// End closes the stream successfully. If final is non-nil it is sent as
// the last chunk before the done:true terminator; double-close is a no-op.
func (s *Sink) End(final any) {
	if s.closed {
		return
	}
	s.closed = true
	s.used = true
	if final != nil {
		_ = s.conn.sendRPCChunk(s.id, final, false)
	}
	_ = s.conn.sendRPCDone(s.id)
}

// Error closes the stream with a failure frame. Double-close is a no-op.
func (s *Sink) Error(msg string) {
	if s.closed {
		return
	}
	s.closed = true
	s.used = true
	_ = s.conn.sendRPCError(s.id, msg)
}

// Dispatch handles one inbound FrameRPC frame: looks up the method, invokes
// it with a panic guard (auto-close-on-panic for streaming methods), and
// sends the appropriate response frame(s).
func Dispatch(ctx context.Context, methods *Methods, conn *Conn, frame Frame, log *zap.Logger) {
	fn, ok := methods.lookup(frame.Method)
	if !ok {
		_ = conn.sendRPCError(frame.ID, fmt.Sprintf("unknown or uncallable method %q", frame.Method))
		return
	}

	sink := &Sink{conn: conn, id: frame.ID}

	result, err := invoke(ctx, fn, conn, frame.Args, sink, log)

	if sink.used {
		// The method drove the sink itself (streaming or explicit error);
		// nothing further to send unless it returned an error without
		// closing the sink, which we still want surfaced.
		if err != nil && !sink.closed {
			sink.Error(err.Error())
		}
		return
	}

	if err != nil {
		_ = conn.sendRPCError(frame.ID, err.Error())
		return
	}

	_ = conn.sendRPCResult(frame.ID, result)
}

// invoke runs fn with a recover guard so a panicking method auto-closes the
// stream with an error instead of taking down the connection's event loop.
func invoke(ctx context.Context, fn MethodFunc, conn *Conn, args json.RawMessage, sink *Sink, log *zap.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection: rpc method panicked", zap.Any("recover", r), zap.String("method_id", sink.id))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return fn(ctx, conn, args, sink)
}
