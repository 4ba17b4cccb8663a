package transport

import (
	"sync"

	"github.com/lunarc/aika/internal/logger"
	"github.com/lunarc/aika/internal/protocol"
)

// Handler consumes inbound envelopes for one logical operation
type Handler func(*protocol.Envelope)

// FrameConn is the connection surface the router needs
type FrameConn interface {
	Send(env *protocol.Envelope) error
	SetFrameHandler(fn func(*protocol.Envelope))
}

// Router fans inbound envelopes out to consumers. Frames carrying a
// session_id are delivered to exactly one registered consumer via a routing
// table; a session_id is unique among in-flight operations.
type Router struct {
	conn FrameConn
	log  *logger.Logger

	mu       sync.RWMutex
	sessions map[string]sessionEntry
	nextID   uint64
}

// sessionEntry pairs a handler with a registration id so a stale unregister
// closure cannot remove a replacement handler
type sessionEntry struct {
	handler Handler
	id      uint64
}

// NewRouter creates a router and installs it as the connection's frame sink
func NewRouter(conn FrameConn) *Router {
	r := &Router{
		conn:     conn,
		log:      logger.Global().WithPrefix("router"),
		sessions: make(map[string]sessionEntry),
	}
	if conn != nil {
		conn.SetFrameHandler(r.Dispatch)
	}
	return r
}

// RegisterHandler binds a session id to one consumer and returns an
// unregister closure. Unregistering twice is a no-op; a handler is removed
// exactly once.
func (r *Router) RegisterHandler(sessionID string, h Handler) func() {
	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.log.Warn("Session %s already has a handler, replacing", sessionID)
	}
	r.nextID++
	id := r.nextID
	r.sessions[sessionID] = sessionEntry{handler: h, id: id}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, ok := r.sessions[sessionID]; ok && cur.id == id {
				delete(r.sessions, sessionID)
			}
			r.mu.Unlock()
		})
	}
}

// AnnounceSession tells the backend this connection wants frames for the
// given session id (server-side targeting).
func (r *Router) AnnounceSession(sessionID string) error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Send(protocol.NewEnvelope(protocol.TypeRegisterDownload, sessionID, nil))
}

// Dispatch delivers an envelope to the consumer owning its session id.
// Frames with no registered consumer are dropped.
func (r *Router) Dispatch(env *protocol.Envelope) {
	r.mu.RLock()
	entry, ok := r.sessions[env.SessionID]
	r.mu.RUnlock()

	if !ok {
		r.log.Debug("No handler for %s frame (session %s)", env.Type, env.SessionID)
		return
	}

	entry.handler(env)
}

// HandlerCount returns the number of in-flight sessions with a consumer
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
