package stream

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxReorderWindow bounds how many out-of-order frames a session buffers.
const DefaultMaxReorderWindow = 256

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateComplete
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further frame can change a session in state s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateClosed
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID                 string
	Barcode            string
	State              State
	Text               string
	FirstChunkReceived bool
	Err                *Error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionID overrides the generated session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReorderWindow sets how many out-of-order sequenced frames are buffered.
func WithReorderWindow(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxReorder = n
		}
	}
}

// Session is one analysis request/response exchange for a single barcode.
//
// All state changes happen under mu. Events produced by a transition are
// queued under the same lock and delivered in order by whichever goroutine
// flushes first, outside the lock.
type Session struct {
	id         string
	barcode    string
	prefs      *Preferences
	listener   Listener
	logger     *slog.Logger
	maxReorder int

	mu           sync.Mutex
	state        State
	text         strings.Builder
	firstChunk   bool
	err          *Error
	startedAt    time.Time
	lastActivity time.Time
	observer     Observer

	nextSeq uint64
	reorder map[uint64]InboundMessage

	pending  []event
	flushing bool
}

// NewSession creates an Idle session for barcode. The barcode and
// preferences are fixed for the lifetime of the session; listener may be nil.
func NewSession(barcode string, prefs *Preferences, listener Listener, opts ...SessionOption) *Session {
	s := &Session{
		id:         uuid.NewString(),
		barcode:    barcode,
		prefs:      prefs.clone(),
		listener:   listener,
		logger:     slog.Default(),
		maxReorder: DefaultMaxReorderWindow,
		state:      StateIdle,
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Barcode returns the barcode as supplied by the caller.
func (s *Session) Barcode() string { return s.barcode }

// Preferences returns a copy of the session preferences, or nil.
func (s *Session) Preferences() *Preferences { return s.prefs.clone() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the accumulated text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Err returns the failure that moved the session to Failed, or nil.
func (s *Session) Err() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns a consistent copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:                 s.id,
		Barcode:            s.barcode,
		State:              s.state,
		Text:               s.text.String(),
		FirstChunkReceived: s.firstChunk,
		Err:                s.err,
	}
}

// encode builds the outbound request without changing state.
func (s *Session) encode() ([]byte, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateStreaming {
		return nil, newError(KindInvalidRequest, "session is already streaming", nil)
	}
	if state != StateIdle && state != StateConnected {
		return nil, newError(KindInvalidRequest, fmt.Sprintf("session cannot send from state %s", state), nil)
	}
	return EncodeRequest(s.barcode, s.prefs)
}

// attach binds the session to an open connection.
func (s *Session) attach(observer Observer, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observer != nil {
		s.observer = observer
	}
	if logger != nil {
		s.logger = logger.With("session_id", s.id)
	}
	if s.state == StateIdle {
		s.state = StateConnected
	}
}

// start moves Idle/Connected to Streaming and clears accumulated output.
func (s *Session) start(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateConnected {
		return newError(KindInvalidRequest, fmt.Sprintf("session cannot start from state %s", s.state), nil)
	}
	s.state = StateStreaming
	s.text.Reset()
	s.firstChunk = false
	s.err = nil
	s.nextSeq = 1
	s.reorder = nil
	s.startedAt = now
	s.lastActivity = now
	s.observer.SessionStarted()
	s.logger.Info("Analysis stream started", "barcode", strings.TrimSpace(s.barcode))
	return nil
}

// idleSince returns the time of the last reduced frame while streaming.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.state == StateStreaming
}

// Apply reduces one inbound frame into the session.
func (s *Session) Apply(msg InboundMessage) {
	s.mu.Lock()
	s.applyLocked(msg, time.Now())
	s.mu.Unlock()
	s.flush()
}

func (s *Session) applyLocked(msg InboundMessage, now time.Time) {
	if s.state.Terminal() {
		s.logger.Debug("Discarding frame after terminal state",
			"type", msg.RawType,
			"state", s.state.String(),
		)
		return
	}
	if s.state != StateStreaming {
		s.logger.Warn("Discarding frame with no request in flight",
			"type", msg.RawType,
			"state", s.state.String(),
		)
		return
	}
	s.lastActivity = now

	if msg.Seq == 0 {
		s.reduceLocked(msg, now)
		return
	}

	switch {
	case msg.Seq < s.nextSeq:
		s.logger.Debug("Dropping duplicate frame", "seq", msg.Seq, "next_seq", s.nextSeq)
		return
	case msg.Seq > s.nextSeq:
		if s.reorder == nil {
			s.reorder = make(map[uint64]InboundMessage)
		}
		if _, dup := s.reorder[msg.Seq]; dup {
			return
		}
		if len(s.reorder) >= s.maxReorder {
			s.failLocked(newError(KindProtocol, fmt.Sprintf("reorder window exceeded waiting for seq %d", s.nextSeq), nil))
			return
		}
		s.reorder[msg.Seq] = msg
		return
	}

	s.reduceLocked(msg, now)
	s.nextSeq++
	for s.state == StateStreaming {
		next, ok := s.reorder[s.nextSeq]
		if !ok {
			break
		}
		delete(s.reorder, s.nextSeq)
		s.reduceLocked(next, now)
		s.nextSeq++
	}
}

func (s *Session) reduceLocked(msg InboundMessage, now time.Time) {
	switch msg.Kind {
	case ChunkPartial:
		s.text.WriteString(msg.Payload)
		s.observer.ChunkReceived()
		if !s.firstChunk {
			s.firstChunk = true
			s.observer.FirstChunk(now.Sub(s.startedAt))
			s.pending = append(s.pending, event{kind: eventFirstChunk})
		}
		s.pending = append(s.pending, event{kind: eventChunk, text: msg.Payload})

	case ChunkComplete:
		s.text.Reset()
		s.text.WriteString(msg.Payload)
		s.state = StateComplete
		s.reorder = nil
		artifact := Artifact{
			sessionID:   s.id,
			barcode:     strings.TrimSpace(s.barcode),
			text:        msg.Payload,
			completedAt: now,
		}
		s.observer.SessionFinished(0, now.Sub(s.startedAt))
		s.pending = append(s.pending, event{kind: eventComplete, artifact: artifact})
		s.logger.Info("Analysis stream complete", "text_length", len(msg.Payload))

	case ChunkError:
		message := msg.Payload
		if message == "" {
			message = "analysis failed"
		}
		s.failLocked(newError(KindProtocol, message, nil))

	default:
		s.logger.Debug("Ignoring unrecognized frame", "type", msg.RawType, "section", msg.Section)
	}
}

// failLocked moves a streaming session to Failed and queues the error event.
func (s *Session) failLocked(err *Error) bool {
	if s.state != StateStreaming {
		return false
	}
	s.state = StateFailed
	s.err = err
	s.reorder = nil
	s.observer.SessionFinished(err.Kind, time.Since(s.startedAt))
	s.pending = append(s.pending, event{kind: eventError, err: err})
	s.logger.Warn("Analysis stream failed", "kind", err.Kind.String(), "error", err.Message)
	return true
}

// terminate ends the session because its connection went away. A streaming
// session fails with err; a session with no request in flight is closed
// silently; a terminal session is left untouched. It reports whether an
// error event was queued.
func (s *Session) terminate(err *Error) bool {
	if err == nil {
		err = newError(KindCancelled, "session superseded", nil)
	}
	s.mu.Lock()
	failed := false
	switch {
	case s.state == StateStreaming:
		failed = s.failLocked(err)
	case !s.state.Terminal():
		s.state = StateClosed
	}
	s.mu.Unlock()
	s.flush()
	return failed
}

// flush delivers queued events in order. A flush already running on another
// goroutine (or further up this goroutine's stack) picks up new events, so
// listeners may safely call back into the session.
func (s *Session) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		listener := s.listener
		logger := s.logger
		s.mu.Unlock()
		if listener != nil {
			deliver(listener, ev, logger, s.id)
		}
		s.mu.Lock()
	}
	s.pending = nil
	s.flushing = false
	s.mu.Unlock()
}
