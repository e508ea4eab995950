package stream

import "time"

// Observer receives instrumentation callbacks from sessions and connections.
// Implementations must be cheap and non-blocking; they run under locks.
type Observer interface {
	SessionStarted()
	ChunkReceived()
	FirstChunk(latency time.Duration)
	// SessionFinished is called once per terminal session; kind is 0 for Complete.
	SessionFinished(kind Kind, elapsed time.Duration)
	ConnectionStateChanged(from, to ConnState)
}

type nopObserver struct{}

func (nopObserver) SessionStarted() {}
func (nopObserver) ChunkReceived() {}
func (nopObserver) FirstChunk(time.Duration) {}
func (nopObserver) SessionFinished(Kind, time.Duration) {}
func (nopObserver) ConnectionStateChanged(ConnState, ConnState) {}
