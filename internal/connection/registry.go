package connection

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Registry is the central session broker. Like the teacher's Hub, all
// mutations to the connection set are serialised through a single goroutine
// (Run) via channels, and Run applies each one under the write lock;
// BroadcastState, Broadcast and Count read the map from arbitrary
// goroutines under a read lock, the broadcasts copying targets before
// sending.
type Registry struct {
	log *zap.Logger

	conns map[*Conn]struct{}
	mu    sync.RWMutex

	register   chan *Conn
	unregister chan *Conn
	stopped    chan struct{}
}

// NewRegistry creates an idle Registry. Call Run in a goroutine to start it.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:        log,
		conns:      make(map[*Conn]struct{}),
		register:   make(chan *Conn, 16),
		unregister: make(chan *Conn, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the registry's event loop. It must be called exactly once, in
// its own goroutine, and exits when done is closed (instance shutdown).
func (r *Registry) Run(done <-chan struct{}) {
	defer close(r.stopped)

	for {
		select {
		case c := <-r.register:
			r.mu.Lock()
			r.conns[c] = struct{}{}
			r.mu.Unlock()

		case c := <-r.unregister:
			r.mu.Lock()
			if _, ok := r.conns[c]; ok {
				delete(r.conns, c)
				close(c.send)
			}
			r.mu.Unlock()

		case <-done:
			r.mu.Lock()
			for c := range r.conns {
				close(c.send)
			}
			r.conns = make(map[*Conn]struct{})
			r.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a connection. Called once the Conn has completed the
// connect-time identity/state/mcp sequence.
func (r *Registry) Subscribe(c *Conn) {
	r.register <- c
}

// Unsubscribe removes a connection. Called by the connection's readPump when
// the socket closes.
func (r *Registry) Unsubscribe(c *Conn) {
	r.unregister <- c
}

// Count returns the number of currently attached connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastState implements statestore.Broadcaster: it fans the new state
// out to every connection except the one identified by excludeSource, and
// skips connections flagged readonly or no-protocol, per spec §4.1/§4.2 —
// "no broadcast reaches a readonly or no-protocol connection, and no
// broadcast reaches the originating connection."
func (r *Registry) BroadcastState(state json.RawMessage, excludeSource string) {
	r.mu.RLock()
	var targets []*Conn
	for c := range r.conns {
		if c.id == excludeSource {
			continue
		}
		if c.noProtocol || c.readonly {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	frame := Frame{Type: FrameState, State: state}
	for _, c := range targets {
		c.sendFrame(frame, r)
	}
}

// Broadcast sends an arbitrary frame to every attached, protocol-enabled
// connection. Used for MCP snapshot refreshes and other non-state pushes.
func (r *Registry) Broadcast(frame Frame) {
	r.mu.RLock()
	var targets []*Conn
	for c := range r.conns {
		if c.noProtocol {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.sendFrame(frame, r)
	}
}
