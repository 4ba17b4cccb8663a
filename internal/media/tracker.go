// Package media tracks download, conversion and transcription progress
// multiplexed over the shared streaming connection. Each operation owns one
// session id and mutates only its own progress state; chat frames never pass
// through here.
package media

import (
	"sync"

	"github.com/google/uuid"

	"github.com/lunarc/aika/internal/logger"
	"github.com/lunarc/aika/internal/protocol"
	"github.com/lunarc/aika/internal/transport"
)

// Operation kinds tracked here, one per sibling frame type
const (
	OpDownload   = "download"
	OpConvert    = "convert"
	OpTranscribe = "transcribe"
)

// Progress is the visible state of one media operation
type Progress struct {
	SessionID string
	Kind      string
	Status    string
	Percent   float64
	Message   string
	Filename  string
	Done      bool
	Failed    bool
}

// Callback receives progress snapshots as frames arrive
type Callback func(Progress)

// Tracker owns the media operations in flight on the shared connection
type Tracker struct {
	router *transport.Router
	log    *logger.Logger

	mu  sync.Mutex
	ops map[string]*operation
}

type operation struct {
	progress   Progress
	callback   Callback
	unregister func()
}

// NewTracker creates a tracker on the given router
func NewTracker(router *transport.Router) *Tracker {
	return &Tracker{
		router: router,
		log:    logger.Global().WithPrefix("media"),
		ops:    make(map[string]*operation),
	}
}

// Track starts following a new media operation. It registers a session
// handler, announces the session to the backend, and returns the session id
// the caller sends with its start request.
func (t *Tracker) Track(kind string, cb Callback) (string, error) {
	sessionID := uuid.New().String()

	op := &operation{
		progress: Progress{SessionID: sessionID, Kind: kind},
		callback: cb,
	}

	op.unregister = t.router.RegisterHandler(sessionID, func(env *protocol.Envelope) {
		t.handleFrame(sessionID, env)
	})

	t.mu.Lock()
	t.ops[sessionID] = op
	t.mu.Unlock()

	if err := t.router.AnnounceSession(sessionID); err != nil {
		t.stop(sessionID)
		return "", err
	}

	return sessionID, nil
}

// Cancel stops tracking an operation before its terminal frame
func (t *Tracker) Cancel(sessionID string) {
	t.stop(sessionID)
}

// Snapshot returns the current progress of an operation
func (t *Tracker) Snapshot(sessionID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[sessionID]
	if !ok {
		return Progress{}, false
	}
	return op.progress, true
}

// InFlight returns the number of tracked operations
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// handleFrame applies one progress frame to its operation. Status "complete"
// and "error" are terminal and release the session handler.
func (t *Tracker) handleFrame(sessionID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDownloadProgress, protocol.TypeConvertProgress, protocol.TypeTranscribeProgress:
	default:
		return
	}

	var data protocol.ProgressData
	if err := env.DecodeData(&data); err != nil {
		t.log.Warn("Dropping malformed %s frame: %v", env.Type, err)
		return
	}

	t.mu.Lock()
	op, ok := t.ops[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}

	op.progress.Status = data.Status
	op.progress.Message = data.Message
	if data.Percent > 0 {
		op.progress.Percent = data.Percent
	}
	if data.Filename != "" {
		op.progress.Filename = data.Filename
	}
	op.progress.Done = data.Status == protocol.StatusComplete
	op.progress.Failed = data.Status == protocol.StatusError

	snapshot := op.progress
	cb := op.callback
	t.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}

	if snapshot.Done || snapshot.Failed {
		t.stop(sessionID)
	}
}

// stop releases an operation's handler and forgets it
func (t *Tracker) stop(sessionID string) {
	t.mu.Lock()
	op, ok := t.ops[sessionID]
	if ok {
		delete(t.ops, sessionID)
	}
	t.mu.Unlock()

	if ok && op.unregister != nil {
		op.unregister()
	}
}
