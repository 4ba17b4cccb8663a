package chat

import (
	"context"
	"sync"

	"github.com/lunarc/aika/internal/protocol"
)

// TurnState tracks one turn through its lifecycle
type TurnState int

const (
	// StateSubmitted is the initial state, before a strategy is chosen
	StateSubmitted TurnState = iota
	// StateStreaming indicates frames are being consumed over the connection
	StateStreaming
	// StateRestPending indicates the synchronous fallback request is in flight
	StateRestPending
	// StateCompleted is terminal: the assistant reply was persisted
	StateCompleted
	// StateCancelled is terminal: the user stopped the turn
	StateCancelled
	// StateFailed is terminal: a classified error was surfaced
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateStreaming:
		return "streaming"
	case StateRestPending:
		return "rest_pending"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state is final
func (s TurnState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// VisibleMessage is the in-progress assistant message the render layer shows
// while a turn runs. Cancellation removes it entirely; completion freezes it.
type VisibleMessage struct {
	ID       string
	ThreadID string
	Role     string
	Text     string
	Metadata *protocol.ChatMetadata
}

// Turn drives one user message from submission to a terminal result. The
// cancellation token is owned by the turn value; a new submission never
// replaces a live token.
type Turn struct {
	ThreadID  string
	UserText  string
	SessionID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      TurnState
	acc        Accumulator
	visible    *VisibleMessage
	unregister func()
}

// State returns the current turn state
func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Context returns the turn's cancellation context
func (t *Turn) Context() context.Context {
	return t.ctx
}

// Done is closed when the turn reaches a terminal state
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Text returns the accumulated reply text so far
func (t *Turn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acc.Text()
}

// setState transitions the turn; terminal states are sticky
func (t *Turn) setState(s TurnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = s
	if s.Terminal() {
		close(t.done)
	}
}

// snapshotVisible returns a copy of the visible message for callbacks
func (t *Turn) snapshotVisible() *VisibleMessage {
	if t.visible == nil {
		return nil
	}
	copied := *t.visible
	return &copied
}
