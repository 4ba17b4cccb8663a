package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarc/aika/internal/backend"
	"github.com/lunarc/aika/internal/protocol"
	"github.com/lunarc/aika/internal/store"
	"github.com/lunarc/aika/internal/transport"
)

// fakeStore records persistence calls in order
type fakeStore struct {
	mu         sync.Mutex
	threadName string
	events     []string
	userMsgs   []string
	assistant  []persistedMessage
	renames    []string
}

type persistedMessage struct {
	text string
	meta *protocol.ChatMetadata
}

func newFakeStore(threadName string) *fakeStore {
	return &fakeStore{threadName: threadName}
}

func (f *fakeStore) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.Thread{ID: id, Name: f.threadName, ModifiedAt: time.Now()}, nil
}

func (f *fakeStore) RenameThread(ctx context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadName = name
	f.renames = append(f.renames, name)
	f.events = append(f.events, "rename:"+name)
	return nil
}

func (f *fakeStore) InsertUserMessage(ctx context.Context, threadID, content string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userMsgs = append(f.userMsgs, content)
	f.events = append(f.events, "user:"+content)
	return &store.Message{ID: "u1", ThreadID: threadID, Role: "user", Content: content}, nil
}

func (f *fakeStore) InsertAssistantMessage(ctx context.Context, threadID, content string, meta *protocol.ChatMetadata) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistant = append(f.assistant, persistedMessage{text: content, meta: meta})
	f.events = append(f.events, "assistant:"+content)
	return &store.Message{ID: "a1", ThreadID: threadID, Role: "assistant", Content: content}, nil
}

func (f *fakeStore) assistantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assistant)
}

func (f *fakeStore) renameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renames)
}

// fakeConn is a controllable transport surface
type fakeConn struct {
	mu   sync.Mutex
	open bool
	sent []*protocol.Envelope
	err  error
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.sent))
	for _, env := range f.sent {
		types = append(types, env.Type)
	}
	return types
}

// fakeBackend drives the fallback path and the title summarizer
type fakeBackend struct {
	mu        sync.Mutex
	chatFn    func(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error)
	titles    []string
	titleFn   func(text string) (string, error)
	titleReqs []string
}

func (f *fakeBackend) Chat(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
	if f.chatFn == nil {
		return nil, errors.New("no chat handler")
	}
	return f.chatFn(ctx, req)
}

func (f *fakeBackend) SummarizeTitle(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.titleReqs = append(f.titleReqs, text)
	f.mu.Unlock()
	if f.titleFn != nil {
		return f.titleFn(text)
	}
	return "Generated Title", nil
}

func (f *fakeBackend) titleRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titleReqs)
}

type testRig struct {
	store   *fakeStore
	conn    *fakeConn
	router  *transport.Router
	backend *fakeBackend
	ctrl    *Controller

	mu      sync.Mutex
	updates []*VisibleMessage
	removed []string
	errs    []*TurnError
}

func newTestRig(t *testing.T, threadName string, connOpen bool) *testRig {
	t.Helper()

	rig := &testRig{
		store:   newFakeStore(threadName),
		conn:    &fakeConn{open: connOpen},
		router:  transport.NewRouter(nil),
		backend: &fakeBackend{},
	}
	rig.ctrl = NewController(rig.conn, rig.router, rig.store, rig.backend, rig.backend)

	rig.ctrl.SetUpdateCallback(func(msg *VisibleMessage) {
		rig.mu.Lock()
		rig.updates = append(rig.updates, msg)
		rig.mu.Unlock()
	})
	rig.ctrl.SetRemoveCallback(func(id string) {
		rig.mu.Lock()
		rig.removed = append(rig.removed, id)
		rig.mu.Unlock()
	})
	rig.ctrl.SetErrorCallback(func(terr *TurnError) {
		rig.mu.Lock()
		rig.errs = append(rig.errs, terr)
		rig.mu.Unlock()
	})

	return rig
}

func (r *testRig) dispatchChunk(sessionID, chunk string, done bool) {
	r.router.Dispatch(protocol.NewEnvelope(protocol.TypeChatChunk, sessionID,
		protocol.ChatChunk{Chunk: chunk, Done: done}))
}

func (r *testRig) dispatchMetadata(sessionID string, meta protocol.ChatMetadata) {
	r.router.Dispatch(protocol.NewEnvelope(protocol.TypeChatMetadata, sessionID, meta))
}

func TestStreamedTurnPersistsConcatenatedText(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "hello there")
	require.NoError(t, err)
	require.Equal(t, StateStreaming, turn.State())
	require.NotEmpty(t, turn.SessionID)

	rig.dispatchChunk(turn.SessionID, "Hel", false)
	rig.dispatchChunk(turn.SessionID, "lo ", false)
	rig.dispatchChunk(turn.SessionID, "world", false)
	rig.dispatchChunk(turn.SessionID, "", true)

	<-turn.Done()
	assert.Equal(t, StateCompleted, turn.State())

	// Exactly one assistant persistence call with the exact concatenation
	require.Equal(t, 1, rig.store.assistantCount())
	assert.Equal(t, "Hello world", rig.store.assistant[0].text)

	// Handler released on the terminal frame
	assert.Zero(t, rig.router.HandlerCount())
}

func TestUserMessagePersistedBeforeAnyNetworkCall(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "hi backend")
	require.NoError(t, err)

	rig.store.mu.Lock()
	require.NotEmpty(t, rig.store.events)
	assert.Equal(t, "user:hi backend", rig.store.events[0])
	rig.store.mu.Unlock()

	// Streaming start sent a register and a chat_message frame afterwards
	assert.Equal(t, []string{protocol.TypeChatMessage}, rig.conn.sentTypes())
	rig.ctrl.Cancel(turn)
}

func TestStreamedTurnSendsTurnContext(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)
	rig.ctrl.PersonaID = "sage"
	rig.ctrl.UserID = "u-9"
	rig.ctrl.Flags = map[string]bool{"beta": true}
	rig.ctrl.HealthContext = func() map[string]string {
		return map[string]string{"last_weight": "81.2"}
	}

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "how am I doing")
	require.NoError(t, err)

	rig.conn.mu.Lock()
	require.Len(t, rig.conn.sent, 1)
	env := rig.conn.sent[0]
	rig.conn.mu.Unlock()

	var req protocol.ChatRequest
	require.NoError(t, env.DecodeData(&req))
	assert.Equal(t, "sage", req.PersonaID)
	assert.Equal(t, "u-9", req.UserID)
	assert.Equal(t, turn.SessionID, req.SessionID)
	assert.True(t, req.Flags["beta"])
	assert.Equal(t, "81.2", req.HealthData["last_weight"])

	rig.ctrl.Cancel(turn)
}

func TestMetadataSurvivesChunkUpdates(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "what do my notes say")
	require.NoError(t, err)

	rig.dispatchMetadata(turn.SessionID, protocol.ChatMetadata{
		KnowledgeBaseSources: []string{"notes.md"},
		SuperpowerName:       "research",
	})
	rig.dispatchChunk(turn.SessionID, "Your notes say hi.", false)
	rig.dispatchChunk(turn.SessionID, "", true)

	<-turn.Done()

	// The chunk-triggered update kept the side-channel fields
	rig.mu.Lock()
	lastUpdate := rig.updates[len(rig.updates)-1]
	rig.mu.Unlock()
	require.NotNil(t, lastUpdate.Metadata)
	assert.Equal(t, []string{"notes.md"}, lastUpdate.Metadata.KnowledgeBaseSources)

	// And so did the persisted message
	require.Equal(t, 1, rig.store.assistantCount())
	meta := rig.store.assistant[0].meta
	require.NotNil(t, meta)
	assert.Equal(t, []string{"notes.md"}, meta.KnowledgeBaseSources)
	assert.Equal(t, "research", meta.SuperpowerName)
}

func TestCancelErasesPartialMessage(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "tell me a story")
	require.NoError(t, err)

	rig.dispatchChunk(turn.SessionID, "Once upon", false)

	rig.ctrl.Cancel(turn)
	assert.Equal(t, StateCancelled, turn.State())

	// Handler unregistered, stop frame sent, partial message removed
	assert.Zero(t, rig.router.HandlerCount())
	assert.Contains(t, rig.conn.sentTypes(), protocol.TypeCancelChat)
	rig.mu.Lock()
	require.Len(t, rig.removed, 1)
	rig.mu.Unlock()

	// No assistant message is persisted, even if a late terminal frame lands
	rig.dispatchChunk(turn.SessionID, " a time", true)
	assert.Zero(t, rig.store.assistantCount())

	// Cancellation renders as if the turn never happened, not as an error
	rig.mu.Lock()
	assert.Empty(t, rig.errs)
	rig.mu.Unlock()
}

func TestCancelTwiceIsNoOp(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "stop me")
	require.NoError(t, err)

	rig.ctrl.Cancel(turn)
	cancelFrames := len(rig.conn.sentTypes())
	removed := len(rig.removed)

	rig.ctrl.Cancel(turn)
	assert.Len(t, rig.conn.sentTypes(), cancelFrames)
	assert.Len(t, rig.removed, removed)
}

func TestCancelCompletedTurnIsNoOp(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "quick one")
	require.NoError(t, err)

	rig.dispatchChunk(turn.SessionID, "done", true)
	<-turn.Done()
	require.Equal(t, StateCompleted, turn.State())

	rig.ctrl.Cancel(turn)
	assert.Equal(t, StateCompleted, turn.State())
	assert.Empty(t, rig.removed)
}

func TestSubmitRejectsReentrantSubmission(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "first")
	require.NoError(t, err)

	_, err = rig.ctrl.Submit(context.Background(), "t1", "second")
	assert.ErrorIs(t, err, ErrTurnActive)

	// A terminal turn frees the slot
	rig.ctrl.Cancel(turn)
	next, err := rig.ctrl.Submit(context.Background(), "t1", "third")
	require.NoError(t, err)
	rig.ctrl.Cancel(next)
}

func TestProvisionalTitleFromFirstSixWords(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	renames := make(chan string, 4)
	rig.ctrl.SetRenameCallback(func(_, name string) { renames <- name })

	turn, err := rig.ctrl.Submit(context.Background(), "t1",
		"plan a weekend trip to the coast with the dog")
	require.NoError(t, err)
	defer rig.ctrl.Cancel(turn)

	select {
	case name := <-renames:
		assert.Equal(t, "plan a weekend trip to the", name)
	default:
		t.Fatal("expected a provisional rename")
	}
}

func TestProvisionalTitleSkippedForNamedThread(t *testing.T) {
	rig := newTestRig(t, "Trip planning", true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "another message")
	require.NoError(t, err)
	defer rig.ctrl.Cancel(turn)

	assert.Zero(t, rig.store.renameCount())
}

func TestTitleGenerationAfterStreamedTurn(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)
	rig.backend.titleFn = func(string) (string, error) { return "Coast Trip Plans", nil }

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "plan a trip")
	require.NoError(t, err)

	rig.dispatchChunk(turn.SessionID, "Sure.", true)
	<-turn.Done()

	require.Eventually(t, func() bool {
		rig.store.mu.Lock()
		defer rig.store.mu.Unlock()
		return rig.store.threadName == "Coast Trip Plans"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTitleGenerationSkippedForDistinctName(t *testing.T) {
	rig := newTestRig(t, "My Health Questions", true)

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "plan a trip")
	require.NoError(t, err)

	rig.dispatchChunk(turn.SessionID, "Sure.", true)
	<-turn.Done()

	// Give the async title goroutine a chance to (incorrectly) run
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rig.backend.titleRequests())
	rig.store.mu.Lock()
	assert.Equal(t, "My Health Questions", rig.store.threadName)
	rig.store.mu.Unlock()
}

func TestTitleGenerationFailureIsIgnored(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)
	rig.backend.titleFn = func(string) (string, error) { return "", errors.New("summarizer down") }

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "plan a trip")
	require.NoError(t, err)

	rig.dispatchChunk(turn.SessionID, "Sure.", true)
	<-turn.Done()

	require.Eventually(t, func() bool {
		return rig.backend.titleRequests() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Provisional title survives; no error surfaced
	rig.store.mu.Lock()
	assert.Equal(t, "plan a trip", rig.store.threadName)
	rig.store.mu.Unlock()
	rig.mu.Lock()
	assert.Empty(t, rig.errs)
	rig.mu.Unlock()
}

func TestRestFallbackWhenDisconnected(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, false)
	rig.backend.chatFn = func(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
		return &protocol.ChatResponse{
			Text: "Here you go.",
			ChatMetadata: protocol.ChatMetadata{
				KnowledgeBaseSources: []string{"recipes.md"},
			},
		}, nil
	}

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "find my recipe")
	require.NoError(t, err)

	<-turn.Done()
	assert.Equal(t, StateCompleted, turn.State())

	require.Equal(t, 1, rig.store.assistantCount())
	assert.Equal(t, "Here you go.", rig.store.assistant[0].text)
	require.NotNil(t, rig.store.assistant[0].meta)
	assert.Equal(t, []string{"recipes.md"}, rig.store.assistant[0].meta.KnowledgeBaseSources)

	// Nothing went over the socket
	assert.Empty(t, rig.conn.sentTypes())
}

func TestRestFailureIsClassifiedNotPersisted(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, false)
	rig.backend.chatFn = func(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
		return nil, &backend.StatusError{Code: 503, Body: "overloaded"}
	}

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "hello?")
	require.NoError(t, err)

	<-turn.Done()
	assert.Equal(t, StateFailed, turn.State())
	assert.Zero(t, rig.store.assistantCount())

	rig.mu.Lock()
	require.Len(t, rig.errs, 1)
	assert.Equal(t, CategoryServer, rig.errs[0].Category)
	rig.mu.Unlock()

	// The user message stayed persisted despite the failure
	assert.Len(t, rig.store.userMsgs, 1)
}

func TestRestAbortReturnsSilently(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, false)
	started := make(chan struct{})
	rig.backend.chatFn = func(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "slow one")
	require.NoError(t, err)

	<-started
	rig.ctrl.Cancel(turn)
	<-turn.Done()

	assert.Equal(t, StateCancelled, turn.State())
	assert.Zero(t, rig.store.assistantCount())

	// Allow the aborted goroutine to finish; it must surface nothing
	time.Sleep(50 * time.Millisecond)
	rig.mu.Lock()
	assert.Empty(t, rig.errs)
	rig.mu.Unlock()
}

func TestParentContextCancelReleasesRestTurn(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, false)
	started := make(chan struct{})
	var calls atomic.Int32
	rig.backend.chatFn = func(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &protocol.ChatResponse{Text: "second reply"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := rig.ctrl.Submit(ctx, "t1", "slow one")
	require.NoError(t, err)

	// The caller walks away from the context without calling Cancel
	<-started
	cancel()
	<-turn.Done()

	assert.Equal(t, StateCancelled, turn.State())
	assert.Zero(t, rig.store.assistantCount())
	rig.mu.Lock()
	assert.Empty(t, rig.errs)
	rig.mu.Unlock()

	// The single-flight slot is free for the next submission
	next, err := rig.ctrl.Submit(context.Background(), "t1", "try again")
	require.NoError(t, err)
	<-next.Done()
	assert.Equal(t, StateCompleted, next.State())
}

func TestParentContextCancelReleasesStreamedTurn(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := rig.ctrl.Submit(ctx, "t1", "tell me a story")
	require.NoError(t, err)

	rig.dispatchChunk(turn.SessionID, "Once upon", false)
	cancel()

	// The terminal frame after abandonment must not persist anything and
	// must still settle the turn
	rig.dispatchChunk(turn.SessionID, " a time", true)
	assert.Equal(t, StateCancelled, turn.State())
	assert.Zero(t, rig.store.assistantCount())
	assert.Zero(t, rig.router.HandlerCount())

	next, err := rig.ctrl.Submit(context.Background(), "t1", "hello again")
	require.NoError(t, err)
	rig.ctrl.Cancel(next)
}

func TestStreamingSendFailureFallsBackToRest(t *testing.T) {
	rig := newTestRig(t, store.PlaceholderTitle, true)
	rig.conn.err = &transport.SendError{State: transport.StateDisconnected}
	rig.backend.chatFn = func(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
		return &protocol.ChatResponse{Text: "fallback reply"}, nil
	}

	turn, err := rig.ctrl.Submit(context.Background(), "t1", "hi")
	require.NoError(t, err)

	<-turn.Done()
	assert.Equal(t, StateCompleted, turn.State())
	require.Equal(t, 1, rig.store.assistantCount())
	assert.Equal(t, "fallback reply", rig.store.assistant[0].text)

	// The failed streaming attempt left no handler behind
	assert.Zero(t, rig.router.HandlerCount())
}

func TestTitleNeedsGeneration(t *testing.T) {
	userText := "plan a weekend trip to the coast with the dog"

	tests := []struct {
		name   string
		thread string
		want   bool
	}{
		{"empty name", "", true},
		{"placeholder", store.PlaceholderTitle, true},
		{"raw input", userText, true},
		{"provisional title", "plan a weekend trip to the", true},
		{"distinct name", "Coast Trip", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, titleNeedsGeneration(tt.thread, userText))
		})
	}
}
