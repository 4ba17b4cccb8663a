package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunarc/aika/internal/logger"
	"github.com/lunarc/aika/internal/protocol"
	"github.com/lunarc/aika/internal/store"
	"github.com/lunarc/aika/internal/textutil"
	"github.com/lunarc/aika/internal/transport"
)

// provisionalTitleWords is how much of the user input seeds a thread title
// before the summarizer produces a real one
const provisionalTitleWords = 6

// titlePrefixLimit bounds the input handed to the title summarizer
const titlePrefixLimit = 500

// Store is the persistence surface the controller writes through. The user
// message is always persisted before any network call; persistence is never
// rolled back when a later network step fails.
type Store interface {
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	RenameThread(ctx context.Context, id, name string) error
	InsertUserMessage(ctx context.Context, threadID, content string) (*store.Message, error)
	InsertAssistantMessage(ctx context.Context, threadID, content string, meta *protocol.ChatMetadata) (*store.Message, error)
}

// Backend is the synchronous fallback collaborator
type Backend interface {
	Chat(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error)
}

// Titler summarizes user input into a short thread title
type Titler interface {
	SummarizeTitle(ctx context.Context, text string) (string, error)
}

// Conn is the transport surface the controller sends frames over
type Conn interface {
	IsOpen() bool
	Send(env *protocol.Envelope) error
}

// Registry binds session ids to frame consumers
type Registry interface {
	RegisterHandler(sessionID string, h transport.Handler) func()
	AnnounceSession(sessionID string) error
}

// Controller drives chat turns end to end: strategy selection, chunk
// accumulation, metadata merge, cancellation, persistence and best-effort
// title generation. One turn is in flight at a time.
type Controller struct {
	conn    Conn
	router  Registry
	store   Store
	backend Backend
	titler  Titler
	log     *logger.Logger

	// Turn context sent with every request
	PersonaID    string
	UserID       string
	VoiceEnabled bool
	Flags        map[string]bool
	// HealthContext supplies the cached dataset snapshot for the fallback
	// request; may be nil
	HealthContext func() map[string]string

	mu     sync.Mutex
	active *Turn

	updateCallback func(*VisibleMessage)
	removeCallback func(messageID string)
	renameCallback func(threadID, name string)
	errorCallback  func(*TurnError)
}

// NewController creates a turn controller
func NewController(conn Conn, router Registry, st Store, be Backend, titler Titler) *Controller {
	return &Controller{
		conn:    conn,
		router:  router,
		store:   st,
		backend: be,
		titler:  titler,
		log:     logger.Global().WithPrefix("chat"),
	}
}

// SetUpdateCallback sets the callback for visible message updates
func (c *Controller) SetUpdateCallback(fn func(*VisibleMessage)) {
	c.updateCallback = fn
}

// SetRemoveCallback sets the callback for removing a cancelled turn's message
func (c *Controller) SetRemoveCallback(fn func(messageID string)) {
	c.removeCallback = fn
}

// SetRenameCallback sets the callback for thread renames
func (c *Controller) SetRenameCallback(fn func(threadID, name string)) {
	c.renameCallback = fn
}

// SetErrorCallback sets the callback for classified turn failures
func (c *Controller) SetErrorCallback(fn func(*TurnError)) {
	c.errorCallback = fn
}

// ActiveTurn returns the in-flight turn, if any
func (c *Controller) ActiveTurn() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Submit starts one turn for the given thread. It persists the user message,
// applies the provisional title, then streams over the connection when it is
// open or falls back to the synchronous request. A submission while another
// turn is in flight is rejected with ErrTurnActive.
func (c *Controller) Submit(ctx context.Context, threadID, text string) (*Turn, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	turn := &Turn{
		ThreadID: threadID,
		UserText: text,
		ctx:      turnCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateSubmitted,
	}

	c.mu.Lock()
	if c.active != nil && !c.active.State().Terminal() {
		c.mu.Unlock()
		cancel()
		return nil, ErrTurnActive
	}
	c.active = turn
	c.mu.Unlock()

	// Persistence comes before any network call and is never contingent on
	// network success
	if _, err := c.store.InsertUserMessage(turnCtx, threadID, text); err != nil {
		c.clearActive(turn)
		cancel()
		return nil, err
	}

	c.applyProvisionalTitle(turnCtx, threadID, text)

	if c.conn != nil && c.router != nil && c.conn.IsOpen() {
		if err := c.startStreaming(turn); err == nil {
			return turn, nil
		}
		c.log.Warn("Streaming start failed, falling back to request/response")
	}

	if c.backend == nil {
		c.clearActive(turn)
		cancel()
		return nil, ErrNoBackend
	}

	turn.setState(StateRestPending)
	go c.runRest(turn)
	return turn, nil
}

// applyProvisionalTitle names a fresh thread after the first words of the
// input and notifies listeners of the rename
func (c *Controller) applyProvisionalTitle(ctx context.Context, threadID, text string) {
	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		c.log.Warn("Failed to load thread %s: %v", threadID, err)
		return
	}
	if thread.Name != "" && thread.Name != store.PlaceholderTitle {
		return
	}

	provisional := textutil.FirstWords(text, provisionalTitleWords)
	if provisional == "" {
		return
	}
	if err := c.store.RenameThread(ctx, threadID, provisional); err != nil {
		c.log.Warn("Failed to set provisional title: %v", err)
		return
	}
	if c.renameCallback != nil {
		c.renameCallback(threadID, provisional)
	}
}

// startStreaming registers a session handler and sends the chat_message
// frame. The returned error means nothing was sent and the caller should
// fall back.
func (c *Controller) startStreaming(turn *Turn) error {
	sessionID := uuid.New().String()

	turn.mu.Lock()
	turn.SessionID = sessionID
	turn.visible = &VisibleMessage{
		ID:       uuid.New().String(),
		ThreadID: turn.ThreadID,
		Role:     "assistant",
	}
	turn.unregister = c.router.RegisterHandler(sessionID, func(env *protocol.Envelope) {
		c.handleFrame(turn, env)
	})
	turn.mu.Unlock()

	if err := c.router.AnnounceSession(sessionID); err != nil {
		c.unregisterTurn(turn)
		return err
	}

	req := c.buildRequest(turn)
	if err := c.conn.Send(protocol.NewEnvelope(protocol.TypeChatMessage, sessionID, req)); err != nil {
		c.unregisterTurn(turn)
		return err
	}

	turn.setState(StateStreaming)
	return nil
}

// buildRequest assembles the full turn context shared by the streaming frame
// and the fallback request
func (c *Controller) buildRequest(turn *Turn) *protocol.ChatRequest {
	req := &protocol.ChatRequest{
		SessionID:    turn.SessionID,
		ThreadID:     turn.ThreadID,
		UserID:       c.UserID,
		Message:      turn.UserText,
		PersonaID:    c.PersonaID,
		VoiceEnabled: c.VoiceEnabled,
		Flags:        c.Flags,
	}
	if c.HealthContext != nil {
		req.HealthData = c.HealthContext()
	}
	return req
}

// handleFrame consumes one envelope belonging to this turn's session
func (c *Controller) handleFrame(turn *Turn, env *protocol.Envelope) {
	if turn.State().Terminal() {
		return
	}

	switch env.Type {
	case protocol.TypeChatMetadata:
		var meta protocol.ChatMetadata
		if err := env.DecodeData(&meta); err != nil {
			c.log.Warn("Dropping malformed chat_metadata frame: %v", err)
			return
		}
		turn.mu.Lock()
		turn.acc.MergeMetadata(meta)
		turn.visible.Metadata = turn.acc.Metadata()
		snapshot := turn.snapshotVisible()
		turn.mu.Unlock()
		c.notifyUpdate(snapshot)

	case protocol.TypeChatChunk:
		var chunk protocol.ChatChunk
		if err := env.DecodeData(&chunk); err != nil {
			c.log.Warn("Dropping malformed chat_chunk frame: %v", err)
			return
		}
		turn.mu.Lock()
		if chunk.Chunk != "" {
			turn.acc.AppendChunk(chunk.Chunk)
			turn.visible.Text = turn.acc.Text()
			// Metadata set earlier stays; a chunk update never clears it
			turn.visible.Metadata = turn.acc.Metadata()
		}
		snapshot := turn.snapshotVisible()
		turn.mu.Unlock()

		if chunk.Chunk != "" {
			c.notifyUpdate(snapshot)
		}
		if chunk.Done {
			c.finishStream(turn)
		}

	case protocol.TypeChatCancelled:
		c.log.Debug("Backend acknowledged cancellation for session %s", env.SessionID)
	}
}

// finishStream handles the terminal frame of a streamed turn: exactly one
// assistant persistence call, then the title check
func (c *Controller) finishStream(turn *Turn) {
	c.unregisterTurn(turn)

	// Cooperative cancellation check before persisting. An abandoned parent
	// context counts as cancellation and releases the single-flight slot.
	if turn.State().Terminal() || turn.ctx.Err() != nil {
		turn.setState(StateCancelled)
		c.clearActive(turn)
		return
	}

	turn.mu.Lock()
	text := turn.acc.Text()
	meta := turn.acc.Metadata()
	turn.mu.Unlock()

	if _, err := c.store.InsertAssistantMessage(turn.ctx, turn.ThreadID, text, meta); err != nil {
		c.log.Error("Failed to persist assistant message: %v", err)
		c.failTurn(turn, ClassifyError(err))
		return
	}

	turn.setState(StateCompleted)
	c.clearActive(turn)

	go c.maybeGenerateTitle(turn.ThreadID, turn.UserText)
}

// runRest executes the fallback request/response path bound to the turn's
// cancellation context
func (c *Controller) runRest(turn *Turn) {
	resp, err := c.backend.Chat(turn.ctx, c.buildRequest(turn))

	// Abort returns silently with no error surfaced. The turn still reaches a
	// terminal state here: a parent context cancelled without a Cancel call
	// must release the single-flight slot.
	if turn.ctx.Err() != nil || turn.State() == StateCancelled {
		turn.setState(StateCancelled)
		c.clearActive(turn)
		return
	}

	if err != nil {
		c.failTurn(turn, ClassifyError(err))
		return
	}

	turn.mu.Lock()
	turn.acc.MergeMetadata(resp.ChatMetadata)
	turn.acc.SetText(resp.Text)
	turn.visible = &VisibleMessage{
		ID:       uuid.New().String(),
		ThreadID: turn.ThreadID,
		Role:     "assistant",
		Text:     resp.Text,
		Metadata: turn.acc.Metadata(),
	}
	text := turn.acc.Text()
	meta := turn.acc.Metadata()
	snapshot := turn.snapshotVisible()
	turn.mu.Unlock()

	c.notifyUpdate(snapshot)

	if _, err := c.store.InsertAssistantMessage(turn.ctx, turn.ThreadID, text, meta); err != nil {
		c.log.Error("Failed to persist assistant message: %v", err)
		c.failTurn(turn, ClassifyError(err))
		return
	}

	turn.setState(StateCompleted)
	c.clearActive(turn)

	go c.maybeGenerateTitle(turn.ThreadID, turn.UserText)
}

// Cancel stops the given turn: unregisters its handler, asks the backend to
// stop producing output, and removes the partial message from visible state.
// Cancelling a terminal turn is a no-op; cancelling twice is idempotent.
func (c *Controller) Cancel(turn *Turn) {
	if turn == nil {
		return
	}

	turn.mu.Lock()
	if turn.state.Terminal() {
		turn.mu.Unlock()
		return
	}
	turn.state = StateCancelled
	close(turn.done)
	visible := turn.visible
	sessionID := turn.SessionID
	turn.mu.Unlock()

	turn.cancel()
	c.unregisterTurn(turn)

	if sessionID != "" && c.conn != nil {
		// Best effort; the server is asked separately to stop producing
		if err := c.conn.Send(protocol.NewEnvelope(protocol.TypeCancelChat, sessionID, nil)); err != nil {
			c.log.Debug("Cancel frame not sent: %v", err)
		}
	}

	// Cancellation erases rather than truncates in place
	if visible != nil && c.removeCallback != nil {
		c.removeCallback(visible.ID)
	}

	c.clearActive(turn)
	c.log.Info("Turn cancelled for thread %s", turn.ThreadID)
}

// failTurn marks the turn failed and surfaces the classified error. No
// assistant message is persisted for a failed turn.
func (c *Controller) failTurn(turn *Turn, terr *TurnError) {
	turn.setState(StateFailed)
	c.clearActive(turn)
	c.log.Error("Turn failed (%s): %v", terr.Category, terr.Err)
	if c.errorCallback != nil {
		c.errorCallback(terr)
	}
}

// maybeGenerateTitle asks the summarization collaborator for a real title
// when the thread still carries a placeholder, provisional, or raw-input
// name. Failures are logged and otherwise ignored.
func (c *Controller) maybeGenerateTitle(threadID, userText string) {
	if c.titler == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	thread, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		c.log.Warn("Failed to load thread for title generation: %v", err)
		return
	}

	if !titleNeedsGeneration(thread.Name, userText) {
		return
	}

	title, err := c.titler.SummarizeTitle(ctx, textutil.TruncateRunes(userText, titlePrefixLimit))
	if err != nil {
		c.log.Warn("Title generation failed: %v", err)
		return
	}

	if err := c.store.RenameThread(ctx, threadID, title); err != nil {
		c.log.Warn("Failed to apply generated title: %v", err)
		return
	}
	if c.renameCallback != nil {
		c.renameCallback(threadID, title)
	}
}

// titleNeedsGeneration gates title generation on the thread still having a
// name derived from nothing better than the raw input
func titleNeedsGeneration(name, userText string) bool {
	switch name {
	case "", store.PlaceholderTitle, userText, textutil.FirstWords(userText, provisionalTitleWords):
		return true
	}
	return false
}

// unregisterTurn removes the turn's session handler; safe to call twice
func (c *Controller) unregisterTurn(turn *Turn) {
	turn.mu.Lock()
	unregister := turn.unregister
	turn.mu.Unlock()
	if unregister != nil {
		unregister()
	}
}

// clearActive releases the single-flight slot if this turn still owns it
func (c *Controller) clearActive(turn *Turn) {
	c.mu.Lock()
	if c.active == turn {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Controller) notifyUpdate(msg *VisibleMessage) {
	if msg != nil && c.updateCallback != nil {
		c.updateCallback(msg)
	}
}
