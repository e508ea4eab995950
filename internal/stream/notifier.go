package stream

import (
	"log/slog"
	"strings"
	"time"
)

// Artifact is the final text of a completed session. The reducer is the only
// producer of fresh artifacts, so anything that accepts an Artifact (speech
// synthesis, consumption logging) can only run after Complete.
type Artifact struct {
	sessionID   string
	barcode     string
	text        string
	completedAt time.Time
}

// RestoreArtifact rebuilds an artifact from a record that was written from a
// Complete event. The record must carry the session id and completion time
// the reducer stamped; partial text has neither.
func RestoreArtifact(sessionID, barcode, text string, completedAt time.Time) (Artifact, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Artifact{}, newError(KindInvalidRequest, "artifact record has no session id", nil)
	}
	if completedAt.IsZero() {
		return Artifact{}, newError(KindInvalidRequest, "artifact record was never completed", nil)
	}
	return Artifact{
		sessionID:   sessionID,
		barcode:     barcode,
		text:        text,
		completedAt: completedAt,
	}, nil
}

// SessionID returns the id of the session that produced the artifact.
func (a Artifact) SessionID() string { return a.sessionID }

// Barcode returns the analyzed product barcode.
func (a Artifact) Barcode() string { return a.barcode }

// Text returns the complete analysis text.
func (a Artifact) Text() string { return a.text }

// CompletedAt returns when the Complete frame was reduced.
func (a Artifact) CompletedAt() time.Time { return a.completedAt }

// Listener receives the terminal event contract of a session: FirstChunk at
// most once, then exactly one of Complete or Error.
type Listener interface {
	FirstChunk()
	Complete(Artifact)
	Error(*Error)
}

// ProgressListener is optionally implemented by listeners that render
// read-only partial text while a session is streaming.
type ProgressListener interface {
	Chunk(text string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnFirstChunk func()
	OnChunk      func(text string)
	OnComplete   func(Artifact)
	OnError      func(*Error)
}

// FirstChunk implements Listener.
func (f ListenerFuncs) FirstChunk() {
	if f.OnFirstChunk != nil {
		f.OnFirstChunk()
	}
}

// Chunk implements ProgressListener.
func (f ListenerFuncs) Chunk(text string) {
	if f.OnChunk != nil {
		f.OnChunk(text)
	}
}

// Complete implements Listener.
func (f ListenerFuncs) Complete(a Artifact) {
	if f.OnComplete != nil {
		f.OnComplete(a)
	}
}

// Error implements Listener.
func (f ListenerFuncs) Error(e *Error) {
	if f.OnError != nil {
		f.OnError(e)
	}
}

// Listeners fans events out to every listener in order.
type Listeners []Listener

// FirstChunk implements Listener.
func (ls Listeners) FirstChunk() {
	for _, l := range ls {
		l.FirstChunk()
	}
}

// Chunk implements ProgressListener.
func (ls Listeners) Chunk(text string) {
	for _, l := range ls {
		if p, ok := l.(ProgressListener); ok {
			p.Chunk(text)
		}
	}
}

// Complete implements Listener.
func (ls Listeners) Complete(a Artifact) {
	for _, l := range ls {
		l.Complete(a)
	}
}

// Error implements Listener.
func (ls Listeners) Error(e *Error) {
	for _, l := range ls {
		l.Error(e)
	}
}

type eventKind int

const (
	eventFirstChunk eventKind = iota
	eventChunk
	eventComplete
	eventError
)

type event struct {
	kind     eventKind
	text     string
	artifact Artifact
	err      *Error
}

// deliver invokes one listener callback. A panicking listener is logged and
// does not escape into the read loop.
func deliver(l Listener, ev event, logger *slog.Logger, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stream listener panicked", "session_id", sessionID, "panic", r)
		}
	}()

	switch ev.kind {
	case eventFirstChunk:
		l.FirstChunk()
	case eventChunk:
		if p, ok := l.(ProgressListener); ok {
			p.Chunk(ev.text)
		}
	case eventComplete:
		l.Complete(ev.artifact)
	case eventError:
		l.Error(ev.err)
	}
}
