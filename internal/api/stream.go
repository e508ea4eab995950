package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Cybrite/project-amobagan/internal/domain"
	"github.com/Cybrite/project-amobagan/internal/identity"
	"github.com/Cybrite/project-amobagan/internal/nutrition"
	"github.com/Cybrite/project-amobagan/internal/stream"
)

// SSE event names sent on /api/analysis/stream.
const (
	EventSession    = "session"
	EventFirstChunk = "first_chunk"
	EventChunk      = "chunk"
	EventComplete   = "complete"
	EventError      = "error"
	EventPing       = "ping"
)

// sseBuffer bounds how far the upstream read loop may run ahead of the browser.
const sseBuffer = 64

type sseEvent struct {
	name     string
	data     interface{}
	terminal bool
}

type chunkPayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CompletePayload is the data of the complete event.
type CompletePayload struct {
	AnalysisID string   `json:"analysis_id"`
	Barcode    string   `json:"barcode"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags"`
	Summary    string   `json:"summary"`
}

// StreamAnalysis relays one analysis as Server-Sent Events. The upstream
// connection lives exactly as long as the request: a browser disconnect
// closes it, which fails the session with Cancelled and emits nothing more.
func (h *Handler) StreamAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := identity.FromContext(ctx)
	userID := caller.UserID

	barcode := strings.TrimSpace(r.URL.Query().Get("barcode"))
	if barcode == "" {
		Error(w, http.StatusBadRequest, "barcode is required")
		return
	}

	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	client := stream.NewClient(h.streamCfg, h.credentials(caller), h.clientOptions()...)
	if err := client.Open(ctx); err != nil {
		slog.Warn("Failed to open analysis connection", "user_id", userID, "kind", stream.KindOf(err).String(), "error", err)
		StreamError(w, err)
		return
	}
	h.clients.Register(caller, client)
	defer func() {
		h.clients.Unregister(caller, client)
		_ = client.Close()
	}()

	events := make(chan sseEvent, sseBuffer)
	done := make(chan struct{})
	// Runs before the deferred Close so the Cancelled event is dropped.
	defer close(done)
	emit := func(ev sseEvent) {
		select {
		case events <- ev:
		case <-done:
		}
	}

	relay := stream.ListenerFuncs{
		OnFirstChunk: func() {
			emit(sseEvent{name: EventFirstChunk, data: map[string]string{"barcode": barcode}})
		},
		OnChunk: func(text string) {
			emit(sseEvent{name: EventChunk, data: chunkPayload{Text: text}})
		},
		OnComplete: func(a stream.Artifact) {
			emit(sseEvent{name: EventComplete, data: completePayload(a), terminal: true})
		},
		OnError: func(e *stream.Error) {
			emit(sseEvent{name: EventError, data: errorPayload{Kind: e.Kind.String(), Message: e.Message}, terminal: true})
		},
	}

	// The archive runs first so the analysis is stored before the browser
	// can act on the complete event.
	listener := stream.Listeners{h.archive(ctx, userID), relay}

	session, err := client.Analyze(ctx, barcode, caller.User.StreamPreferences(), listener)
	if err != nil && session.State() != stream.StateFailed {
		// Rejected before transmitting; no event was emitted.
		StreamError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var eventID int64
	send := func(name string, data interface{}) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", name, err)
		}
		eventID++
		if err := writeSSEWithID(w, eventID, name, string(payload)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(EventSession, map[string]string{
		"session_id": session.ID(),
		"barcode":    barcode,
	}); err != nil {
		return
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Analysis stream client disconnected", "user_id", userID, "session_id", session.ID())
			return

		case <-keepalive.C:
			if err := writeSSE(w, EventPing, `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()

		case ev := <-events:
			if err := send(ev.name, ev.data); err != nil {
				slog.Debug("Failed to write SSE event", "event", ev.name, "error", err)
				return
			}
			if ev.terminal {
				return
			}
		}
	}
}

// archive returns a listener that stores completed analyses for userID so
// they can be consumed or spoken after the stream has ended. A failed write
// is logged and the complete event is still relayed.
func (h *Handler) archive(ctx context.Context, userID string) stream.Listener {
	ctx = context.WithoutCancel(ctx)
	return stream.ListenerFuncs{
		OnComplete: func(a stream.Artifact) {
			details, err := nutrition.ParseArtifact(a)
			if err != nil {
				slog.Warn("Failed to parse analysis markup", "session_id", a.SessionID(), "error", err)
			}
			analysis := domain.NewAnalysis(userID, a, details.Elements, details.Summary)
			if err := h.repo.SaveAnalysis(ctx, analysis); err != nil {
				slog.Error("Failed to save analysis", "user_id", userID, "analysis_id", analysis.ID, "error", err)
			}
		},
	}
}

func completePayload(a stream.Artifact) CompletePayload {
	details, _ := nutrition.ParseArtifact(a)
	tags := details.Elements
	if tags == nil {
		tags = []string{}
	}
	return CompletePayload{
		AnalysisID: a.SessionID(),
		Barcode:    a.Barcode(),
		Text:       a.Text(),
		Tags:       tags,
		Summary:    details.Summary,
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
